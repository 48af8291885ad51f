package draft

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"tokodraft/backend/internal/domain"
)

// DefaultDebounce is the quiet period edits must satisfy before the draft is
// written to storage. Rapid edits inside the window collapse into one write.
const DefaultDebounce = 500 * time.Millisecond

// Storage is the durable port behind the draft store. Implementations hold
// raw bytes per slot and make no assumption about their shape; corruption
// handling lives in Store. One logical slot per transaction kind,
// last-write-wins.
type Storage interface {
	ReadDraft(ctx context.Context, slot string) ([]byte, bool, error)
	WriteDraft(ctx context.Context, slot string, raw []byte) error
	ClearDraft(ctx context.Context, slot string) error
}

// SlotKey returns the storage slot for a transaction kind.
func SlotKey(kind domain.TransactionKind) string {
	return "draft:" + string(kind)
}

// Store is the single writer for one draft slot. Saves are coalesced through
// a debounce timer; only the most recent in-memory state is ever persisted.
type Store struct {
	storage  Storage
	slot     string
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending *domain.FormDraft
	closed  bool
}

func NewStore(storage Storage, slot string, debounce time.Duration) *Store {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Store{
		storage:  storage,
		slot:     slot,
		debounce: debounce,
	}
}

// Load reads the slot and returns a draft that is always safe to hydrate
// from. A missing slot yields the default draft; a corrupt entry is
// discarded, logged, and replaced by the default draft; a structurally valid
// draft is repaired field by field rather than rejected.
func (s *Store) Load(ctx context.Context) domain.FormDraft {
	raw, ok, err := s.storage.ReadDraft(ctx, s.slot)
	if err != nil {
		log.Printf("[draft] read failed slot=%s: %v", s.slot, err)
		return DefaultDraft(time.Now().UTC())
	}
	if !ok {
		return DefaultDraft(time.Now().UTC())
	}

	var d domain.FormDraft
	if err := json.Unmarshal(raw, &d); err != nil {
		log.Printf("[draft] corrupt entry discarded slot=%s: %v", s.slot, err)
		if clearErr := s.storage.ClearDraft(ctx, s.slot); clearErr != nil {
			log.Printf("[draft] clear of corrupt entry failed slot=%s: %v", s.slot, clearErr)
		}
		return DefaultDraft(time.Now().UTC())
	}

	return Repair(d, time.Now().UTC())
}

// Schedule records the draft as the pending state and (re)arms the debounce
// timer. Calling it again before the timer fires replaces the pending state
// and restarts the quiet period.
func (s *Store) Schedule(d domain.FormDraft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	snapshot := cloneDraft(d)
	s.pending = &snapshot

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.fire)
}

func (s *Store) fire() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	closed := s.closed
	s.mu.Unlock()

	if closed || pending == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.write(ctx, *pending); err != nil {
		log.Printf("[draft] debounced write failed slot=%s: %v", s.slot, err)
	}
}

// Flush writes the pending draft immediately, if any, cancelling the timer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending == nil {
		return nil
	}
	return s.write(ctx, *pending)
}

// Clear drops any pending save and removes the slot from storage. Used on
// successful submission and explicit discard.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
	s.mu.Unlock()

	return s.storage.ClearDraft(ctx, s.slot)
}

// Close cancels any pending debounced save without writing it.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
}

func (s *Store) write(ctx context.Context, d domain.FormDraft) error {
	d.LastSavedAt = time.Now().UTC()
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.storage.WriteDraft(ctx, s.slot, raw)
}

// DefaultDraft is the state a form starts from when nothing is stored.
func DefaultDraft(now time.Time) domain.FormDraft {
	return domain.FormDraft{
		Date:  now.Format("2006-01-02"),
		Items: []domain.LineItem{},
	}
}

// Repair coerces a structurally valid but partially invalid draft back into
// shape: nil item lists become empty, negative numerics become zero, and an
// unparseable date falls back to today.
func Repair(d domain.FormDraft, now time.Time) domain.FormDraft {
	if d.Items == nil {
		d.Items = []domain.LineItem{}
	}
	for i := range d.Items {
		if d.Items[i].Quantity < 0 {
			d.Items[i].Quantity = 0
		}
		if d.Items[i].PriceCents < 0 {
			d.Items[i].PriceCents = 0
		}
		if d.Items[i].StockOnHand < 0 {
			d.Items[i].StockOnHand = 0
		}
		// A unit without a product cannot be valid; drop it so the resolver
		// re-derives it once the product is known.
		if d.Items[i].ProductID == nil {
			d.Items[i].UnitID = nil
			d.Items[i].UnitName = ""
		}
	}
	if _, err := time.Parse("2006-01-02", d.Date); err != nil {
		d.Date = now.Format("2006-01-02")
	}
	return d
}

func cloneDraft(d domain.FormDraft) domain.FormDraft {
	out := d
	out.Items = make([]domain.LineItem, len(d.Items))
	copy(out.Items, d.Items)
	return out
}
