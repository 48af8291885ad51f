package draft

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"tokodraft/backend/internal/domain"
	"tokodraft/backend/internal/draft/memory"
)

func waitForWrites(t *testing.T, storage *memory.Storage, slot string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if storage.WriteCount(slot) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("slot %s never reached %d writes (got %d)", slot, want, storage.WriteCount(slot))
}

func draftWith(date string, quantities ...int) domain.FormDraft {
	items := make([]domain.LineItem, len(quantities))
	for i, q := range quantities {
		items[i] = domain.LineItem{Quantity: q}
	}
	return domain.FormDraft{Date: date, Items: items}
}

func TestDebounceCollapsesRapidEdits(t *testing.T) {
	storage := memory.New()
	slot := SlotKey(domain.KindPurchase)
	store := NewStore(storage, slot, 30*time.Millisecond)
	defer store.Close()

	for i := 1; i <= 10; i++ {
		store.Schedule(draftWith("2026-08-28", i))
	}

	waitForWrites(t, storage, slot, 1)
	time.Sleep(60 * time.Millisecond)

	if got := storage.WriteCount(slot); got != 1 {
		t.Fatalf("10 rapid schedules must collapse into 1 write, got %d", got)
	}

	raw, ok, err := storage.ReadDraft(context.Background(), slot)
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	var stored domain.FormDraft
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(stored.Items) != 1 || stored.Items[0].Quantity != 10 {
		t.Fatalf("the last scheduled state must win, got %+v", stored.Items)
	}
	if stored.LastSavedAt.IsZero() {
		t.Fatalf("write must stamp LastSavedAt")
	}
}

func TestScheduleRestartsQuietPeriod(t *testing.T) {
	storage := memory.New()
	slot := SlotKey(domain.KindSale)
	store := NewStore(storage, slot, 50*time.Millisecond)
	defer store.Close()

	store.Schedule(draftWith("2026-08-28", 1))
	time.Sleep(30 * time.Millisecond)
	store.Schedule(draftWith("2026-08-28", 2))
	time.Sleep(30 * time.Millisecond)

	// 60ms elapsed but the second schedule restarted the window.
	if got := storage.WriteCount(slot); got != 0 {
		t.Fatalf("write fired inside the quiet period, got %d writes", got)
	}

	waitForWrites(t, storage, slot, 1)
}

func TestFlushWritesPendingImmediately(t *testing.T) {
	storage := memory.New()
	slot := SlotKey(domain.KindPurchase)
	store := NewStore(storage, slot, time.Hour)
	defer store.Close()

	store.Schedule(draftWith("2026-08-28", 3))
	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := storage.WriteCount(slot); got != 1 {
		t.Fatalf("expected 1 write after flush, got %d", got)
	}

	// Nothing pending: a second flush is a no-op.
	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("idle flush: %v", err)
	}
	if got := storage.WriteCount(slot); got != 1 {
		t.Fatalf("idle flush must not write, got %d", got)
	}
}

func TestClearDropsPendingSave(t *testing.T) {
	storage := memory.New()
	slot := SlotKey(domain.KindPurchase)
	store := NewStore(storage, slot, 20*time.Millisecond)
	defer store.Close()

	store.Schedule(draftWith("2026-08-28", 1))
	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := storage.WriteCount(slot); got != 0 {
		t.Fatalf("clear must cancel the pending save, got %d writes", got)
	}
	if _, ok, _ := storage.ReadDraft(context.Background(), slot); ok {
		t.Fatalf("slot must be empty after clear")
	}
}

func TestLoadMissingSlotReturnsDefault(t *testing.T) {
	store := NewStore(memory.New(), SlotKey(domain.KindAdjustment), DefaultDebounce)
	defer store.Close()

	d := store.Load(context.Background())
	if d.Items == nil || len(d.Items) != 0 {
		t.Fatalf("expected empty item list, got %+v", d.Items)
	}
	if _, err := time.Parse("2006-01-02", d.Date); err != nil {
		t.Fatalf("default draft must carry today's date, got %q", d.Date)
	}
}

func TestLoadDiscardsCorruptEntry(t *testing.T) {
	storage := memory.New()
	slot := SlotKey(domain.KindPurchase)
	storage.Seed(slot, []byte(`{"date": "2026-08-`))
	store := NewStore(storage, slot, DefaultDebounce)
	defer store.Close()

	d := store.Load(context.Background())
	if len(d.Items) != 0 {
		t.Fatalf("corrupt entry must yield the default draft, got %+v", d)
	}
	if _, ok, _ := storage.ReadDraft(context.Background(), slot); ok {
		t.Fatalf("corrupt entry must be cleared from storage")
	}
}

func TestLoadRepairsPartiallyInvalidDraft(t *testing.T) {
	storage := memory.New()
	slot := SlotKey(domain.KindPurchase)
	storage.Seed(slot, []byte(`{"date":"not a date","items":null}`))
	store := NewStore(storage, slot, DefaultDebounce)
	defer store.Close()

	d := store.Load(context.Background())
	if d.Items == nil {
		t.Fatalf("nil item list must be repaired to empty")
	}
	if _, err := time.Parse("2006-01-02", d.Date); err != nil {
		t.Fatalf("unparseable date must fall back to today, got %q", d.Date)
	}
}

func TestRepairCoercesItemFields(t *testing.T) {
	unitID := int64(2)
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	d := Repair(domain.FormDraft{
		Date: "2026-08-20",
		Items: []domain.LineItem{
			{Quantity: -3, PriceCents: -100, StockOnHand: -1},
			{ProductID: nil, UnitID: &unitID, UnitName: "box"},
		},
	}, now)

	if d.Items[0].Quantity != 0 || d.Items[0].PriceCents != 0 || d.Items[0].StockOnHand != 0 {
		t.Fatalf("negative numerics must coerce to zero, got %+v", d.Items[0])
	}
	if d.Items[1].UnitID != nil || d.Items[1].UnitName != "" {
		t.Fatalf("a unit without a product must be dropped, got %+v", d.Items[1])
	}
	if d.Date != "2026-08-20" {
		t.Fatalf("a valid date must be left alone, got %q", d.Date)
	}
}

func TestRoundTrip(t *testing.T) {
	storage := memory.New()
	slot := SlotKey(domain.KindSale)
	store := NewStore(storage, slot, 10*time.Millisecond)
	defer store.Close()

	productID := int64(5)
	unitID := int64(1)
	catID := int64(10)
	in := domain.FormDraft{
		Date: "2026-08-28",
		Items: []domain.LineItem{
			{ProductID: &productID, UnitID: &unitID, UnitName: "pcs", Quantity: 2, PriceCents: 750},
		},
		Filters: domain.BrowserFilter{Search: "teh", CategoryID: &catID},
	}
	store.Schedule(in)
	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	out := store.Load(context.Background())
	if len(out.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(out.Items))
	}
	item := out.Items[0]
	if item.ProductID == nil || *item.ProductID != 5 || item.UnitName != "pcs" || item.PriceCents != 750 {
		t.Fatalf("item did not survive the round trip: %+v", item)
	}
	if out.Filters.Search != "teh" || out.Filters.CategoryID == nil || *out.Filters.CategoryID != 10 {
		t.Fatalf("filters did not survive the round trip: %+v", out.Filters)
	}
	if out.Date != "2026-08-28" {
		t.Fatalf("date did not survive, got %q", out.Date)
	}
}

func TestCloseCancelsPendingSave(t *testing.T) {
	storage := memory.New()
	slot := SlotKey(domain.KindPurchase)
	store := NewStore(storage, slot, 20*time.Millisecond)

	store.Schedule(draftWith("2026-08-28", 1))
	store.Close()

	time.Sleep(50 * time.Millisecond)
	if got := storage.WriteCount(slot); got != 0 {
		t.Fatalf("close must drop the pending save, got %d writes", got)
	}

	// Schedules after close are ignored.
	store.Schedule(draftWith("2026-08-28", 2))
	time.Sleep(50 * time.Millisecond)
	if got := storage.WriteCount(slot); got != 0 {
		t.Fatalf("schedule after close must be ignored, got %d writes", got)
	}
}
