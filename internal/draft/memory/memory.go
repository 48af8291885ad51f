package memory

import (
	"context"
	"sync"
)

// Storage is the in-memory draft storage used by tests and dev mode. It
// counts writes per slot so tests can assert on debounce behavior.
type Storage struct {
	mu     sync.RWMutex
	slots  map[string][]byte
	writes map[string]int
}

func New() *Storage {
	return &Storage{
		slots:  make(map[string][]byte),
		writes: make(map[string]int),
	}
}

func (s *Storage) ReadDraft(_ context.Context, slot string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.slots[slot]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, true, nil
}

func (s *Storage) WriteDraft(_ context.Context, slot string, raw []byte) error {
	stored := make([]byte, len(raw))
	copy(stored, raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot] = stored
	s.writes[slot]++
	return nil
}

func (s *Storage) ClearDraft(_ context.Context, slot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, slot)
	return nil
}

// WriteCount returns how many writes the slot has received.
func (s *Storage) WriteCount(slot string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[slot]
}

// Seed places raw bytes into a slot directly, bypassing the write counter.
// Tests use it to stage corrupt or legacy entries.
func (s *Storage) Seed(slot string, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot] = raw
}
