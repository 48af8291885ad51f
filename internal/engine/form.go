package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"tokodraft/backend/internal/catalog"
	"tokodraft/backend/internal/domain"
	"tokodraft/backend/internal/draft"
	"tokodraft/backend/pkg/validator"
)

const candidatePageLimit = 50

var (
	ErrRowOutOfRange = errors.New("row index out of range")
	ErrBadState      = errors.New("operation not allowed in current submit state")
)

// Form is one transaction entry form: the ordered line-item table, the
// per-row option resolvers, the submit coordinator, and the debounced draft
// persistence. One mutex serializes all state; resolver goroutines re-enter
// under it and are gated by per-row generation counters, so a response that
// lost the race can never overwrite newer state.
type Form struct {
	kind    domain.TransactionKind
	client  catalog.Client
	drafts  *draft.Store
	refdata *OptionCache

	mu        sync.Mutex
	date      string
	filters   domain.BrowserFilter
	rows      []*Row
	state     domain.SubmitState
	formError string
	summary   string
	receipt   *domain.TransactionReceipt
	closed    bool
}

// NewForm hydrates a form from its persisted draft before any row is
// exposed, then back-fills each hydrated row's option lists asynchronously.
// A form with no stored rows starts with one empty row.
func NewForm(ctx context.Context, kind domain.TransactionKind, client catalog.Client, drafts *draft.Store, refdata *OptionCache) *Form {
	f := &Form{
		kind:    kind,
		client:  client,
		drafts:  drafts,
		refdata: refdata,
		state:   domain.StateEditing,
	}

	stored := drafts.Load(ctx)
	f.date = stored.Date
	f.filters = stored.Filters

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, item := range stored.Items {
		row := newRow()
		row.Item = item
		f.rows = append(f.rows, row)
	}
	if len(f.rows) == 0 {
		f.rows = append(f.rows, newRow())
	}

	for _, row := range f.rows {
		f.scheduleOptionsLocked(row)
		if row.Item.ProductID != nil && kind.UsesConversions() {
			f.scheduleConversionsLocked(row, *row.Item.ProductID)
		}
	}

	return f
}

func (f *Form) Kind() domain.TransactionKind {
	return f.kind
}

// ReferenceData returns the shared category/manufacturer lists.
func (f *Form) ReferenceData(ctx context.Context) ([]domain.Option, []domain.Option, error) {
	categories, err := f.refdata.Categories(ctx)
	if err != nil {
		return nil, nil, err
	}
	manufacturers, err := f.refdata.Manufacturers(ctx)
	if err != nil {
		return nil, nil, err
	}
	return categories, manufacturers, nil
}

// AddRow appends an empty row and kicks off its unfiltered option fetch.
// The row is editable immediately; options stream in behind it.
func (f *Form) AddRow() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.resumeEditingLocked()
	row := newRow()
	f.rows = append(f.rows, row)
	f.scheduleOptionsLocked(row)
	f.scheduleSaveLocked()
	return len(f.rows) - 1
}

// DuplicateRow copies every field of the source row except quantity, which
// resets to zero, and schedules option resolution for the copy using the
// source row's filters.
func (f *Form) DuplicateRow(index int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if index < 0 || index >= len(f.rows) {
		return 0, ErrRowOutOfRange
	}

	f.resumeEditingLocked()
	src := f.rows[index]

	row := newRow()
	row.Item = src.Item
	row.Item.ProductID = cloneID(src.Item.ProductID)
	row.Item.CategoryID = cloneID(src.Item.CategoryID)
	row.Item.ManufacturerID = cloneID(src.Item.ManufacturerID)
	row.Item.UnitID = cloneID(src.Item.UnitID)
	row.Item.Quantity = 0
	if src.Selected != nil {
		selected := *src.Selected
		row.Selected = &selected
	}

	f.rows = append(f.rows, row)
	f.scheduleOptionsLocked(row)
	if row.Item.ProductID != nil && f.kind.UsesConversions() {
		f.scheduleConversionsLocked(row, *row.Item.ProductID)
	}
	f.scheduleSaveLocked()
	return len(f.rows) - 1, nil
}

// RemoveRows deletes the given rows, processing indices in descending order
// so earlier deletions cannot shift later ones, and cancels any in-flight
// fetch owned by a removed row.
func (f *Form) RemoveRows(indices []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen := make(map[int]bool, len(indices))
	ordered := make([]int, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(f.rows) {
			return ErrRowOutOfRange
		}
		if !seen[idx] {
			seen[idx] = true
			ordered = append(ordered, idx)
		}
	}
	if len(ordered) == 0 {
		return nil
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ordered)))

	f.resumeEditingLocked()
	for _, idx := range ordered {
		row := f.rows[idx]
		f.releaseRowLocked(row)
		f.rows = append(f.rows[:idx], f.rows[idx+1:]...)
	}
	f.scheduleSaveLocked()
	return nil
}

// UpdateRow applies a patch to a row, runs the cascade rules, and executes
// the resulting side effects (option/conversion fetches, draft save).
func (f *Form) UpdateRow(index int, patch domain.RowPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if index < 0 || index >= len(f.rows) {
		return ErrRowOutOfRange
	}

	f.resumeEditingLocked()
	row := f.rows[index]
	view := rowView{
		kind:        f.kind,
		candidates:  row.Candidates,
		selected:    row.Selected,
		conversions: row.Conversions,
	}

	item, selected, commands := applyPatch(view, row.Item, patch)
	row.Item = item
	row.Selected = selected
	row.Errors = domain.RowErrors{}

	for _, cmd := range commands {
		switch c := cmd.(type) {
		case FetchProducts:
			f.scheduleOptionsLocked(row)
		case FetchConversions:
			f.scheduleConversionsLocked(row, c.ProductID)
		case SaveDraft:
			f.scheduleSaveLocked()
		}
	}
	return nil
}

// SetDate updates the form date. The format is the draft's own (YYYY-MM-DD).
func (f *Form) SetDate(date string) error {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("invalid date %q: expected YYYY-MM-DD", date)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumeEditingLocked()
	f.date = date
	f.scheduleSaveLocked()
	return nil
}

// SetFilters stores the sale form's product-browser filter with the draft.
func (f *Form) SetFilters(filters domain.BrowserFilter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = filters
	f.scheduleSaveLocked()
}

// BrowseProducts pages through the catalog with the stored browser filter.
func (f *Form) BrowseProducts(ctx context.Context, page int) (domain.ProductPage, error) {
	f.mu.Lock()
	filters := f.filters
	f.mu.Unlock()

	return f.client.ListProducts(ctx, domain.ProductFilter{
		CategoryID:     cloneID(filters.CategoryID),
		ManufacturerID: cloneID(filters.ManufacturerID),
		Search:         filters.Search,
		Page:           page,
		Limit:          candidatePageLimit,
	})
}

// Submit validates the table. On success the form moves to ConfirmPending;
// on failure it stays in Editing with per-field flags and a summary message
// populated, and the backend is never called.
func (f *Form) Submit() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != domain.StateEditing && f.state != domain.StateFailed {
		return false
	}

	rowErrors, summary := f.validateLocked()
	hasErrors := summary != ""
	for i, row := range f.rows {
		row.Errors = rowErrors[i]
	}
	f.summary = summary

	if hasErrors {
		f.state = domain.StateEditing
		return false
	}

	f.state = domain.StateConfirmPending
	f.formError = ""
	return true
}

// CancelConfirm returns from the confirmation step to editing.
func (f *Form) CancelConfirm() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == domain.StateConfirmPending {
		f.state = domain.StateEditing
	}
}

// Confirm assembles the validated payload and hands it to the backend create
// call. Success clears the draft and resets the table; failure preserves all
// editing state and the draft so the user can retry.
func (f *Form) Confirm(ctx context.Context) (domain.TransactionReceipt, error) {
	f.mu.Lock()
	if f.state != domain.StateConfirmPending {
		f.mu.Unlock()
		return domain.TransactionReceipt{}, ErrBadState
	}

	// Rows may have changed since Submit validated them (a resolver can land
	// in between), so validate again before dereferencing anything.
	if rowErrors, summary := f.validateLocked(); summary != "" {
		for i, row := range f.rows {
			row.Errors = rowErrors[i]
		}
		f.summary = summary
		f.state = domain.StateEditing
		f.mu.Unlock()
		return domain.TransactionReceipt{}, ErrBadState
	}

	payload := f.payloadLocked()
	if errs := validator.ValidateStruct(payload); len(errs) > 0 {
		f.state = domain.StateEditing
		f.formError = fmt.Sprintf("payload invalid: field %s failed %s", errs[0].FailedField, errs[0].Tag)
		f.mu.Unlock()
		return domain.TransactionReceipt{}, ErrBadState
	}

	f.state = domain.StateSubmitting
	f.formError = ""
	f.mu.Unlock()

	receipt, err := f.client.CreateTransaction(ctx, f.kind, payload)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return receipt, err
	}
	if err != nil {
		f.state = domain.StateFailed
		f.formError = err.Error()
		return domain.TransactionReceipt{}, err
	}

	f.state = domain.StateSucceeded
	f.receipt = &receipt
	f.resetTableLocked()

	clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if clearErr := f.drafts.Clear(clearCtx); clearErr != nil {
		log.Printf("[engine] draft clear after submit failed kind=%s: %v", f.kind, clearErr)
	}
	return receipt, nil
}

// Discard throws away the current table and its stored draft.
func (f *Form) Discard(ctx context.Context) error {
	f.mu.Lock()
	f.resetTableLocked()
	f.state = domain.StateEditing
	f.formError = ""
	f.mu.Unlock()

	return f.drafts.Clear(ctx)
}

// Close cancels all outstanding fetches and flushes any pending draft save.
func (f *Form) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	for _, row := range f.rows {
		f.releaseRowLocked(row)
	}
	f.mu.Unlock()

	return f.drafts.Flush(ctx)
}

// validateLocked collects per-field error flags for every row plus a summary
// message. Duplicate products flag every row sharing the duplicated id.
func (f *Form) validateLocked() ([]domain.RowErrors, string) {
	rowErrors := make([]domain.RowErrors, len(f.rows))
	if len(f.rows) == 0 {
		return rowErrors, "at least one line item is required"
	}

	productUse := make(map[int64]int)
	for _, row := range f.rows {
		if row.Item.ProductID != nil {
			productUse[*row.Item.ProductID]++
		}
	}

	anyError := false
	for i, row := range f.rows {
		item := row.Item
		if item.ProductID == nil {
			rowErrors[i].Product = true
		} else if productUse[*item.ProductID] > 1 {
			rowErrors[i].Duplicate = true
		}
		if item.UnitID == nil {
			rowErrors[i].Unit = true
		} else if f.kind.UsesConversions() && len(row.Conversions) > 0 {
			if _, ok := findConversion(row.Conversions, *item.UnitID); !ok {
				rowErrors[i].Unit = true
			}
		}
		if item.Quantity <= 0 {
			rowErrors[i].Quantity = true
		}
		if rowErrors[i].Any() {
			anyError = true
		}
	}

	if anyError {
		return rowErrors, "some line items are incomplete or duplicated"
	}
	return rowErrors, ""
}

// payloadLocked builds the create payload from already-validated rows. No
// null coercion happens here: only validated rows reach this stage.
func (f *Form) payloadLocked() domain.TransactionPayload {
	lines := make([]domain.TransactionLinePayload, 0, len(f.rows))
	var total int64
	for _, row := range f.rows {
		item := row.Item
		line := domain.TransactionLinePayload{
			ProductID:  *item.ProductID,
			UnitID:     *item.UnitID,
			UnitName:   item.UnitName,
			Quantity:   item.Quantity,
			PriceCents: item.PriceCents,
		}
		lines = append(lines, line)
		total += item.SubtotalCents()
	}
	return domain.TransactionPayload{
		Date:       f.date,
		Lines:      lines,
		TotalCents: total,
	}
}

// scheduleOptionsLocked re-resolves the row's candidate list against its
// current filter. A newer call supersedes any in-flight one for the same
// row: the old context is canceled and the old generation can no longer
// apply. Rows are independent; resolving one never affects another.
func (f *Form) scheduleOptionsLocked(row *Row) {
	row.optionsGen++
	gen := row.optionsGen
	if row.optionsCancel != nil {
		row.optionsCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	row.optionsCancel = cancel
	row.Loading = true
	row.OptionsFailed = false

	filter := domain.ProductFilter{
		CategoryID:     cloneID(row.Item.CategoryID),
		ManufacturerID: cloneID(row.Item.ManufacturerID),
		Page:           1,
		Limit:          candidatePageLimit,
	}

	go func() {
		page, err := f.client.ListProducts(ctx, filter)

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closed || row.optionsGen != gen {
			// Stale or canceled; drop silently.
			return
		}
		row.Loading = false

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			row.Candidates = []domain.ProductOption{}
			row.OptionsFailed = true
			log.Printf("[engine] option fetch failed kind=%s: %v", f.kind, err)
			return
		}

		// Replace wholesale: a filter change invalidates previously shown
		// options even when the network was slow.
		row.Candidates = page.Items
		f.rebindSelectedLocked(row)
	}()
}

// rebindSelectedLocked re-links the row's selected product record to the
// freshly resolved candidate list. Hydrated rows get their record (and, for
// adjustment rows, unit naming and stock) back-filled here.
func (f *Form) rebindSelectedLocked(row *Row) {
	if row.Item.ProductID == nil {
		return
	}
	opt, ok := findProduct(row.Candidates, *row.Item.ProductID)
	if !ok {
		return
	}
	row.Selected = &opt

	if f.kind != domain.KindAdjustment {
		return
	}
	if row.Item.UnitID != nil {
		if unit, found := opt.FindUnit(*row.Item.UnitID); found {
			row.Item.UnitName = unit.UnitName
			row.Item.StockOnHand = unit.QtyOnHand
			return
		}
	}
	if unit, found := opt.DefaultUnit(); found {
		row.Item.UnitID = cloneID(&unit.UnitID)
		row.Item.UnitName = unit.UnitName
		row.Item.StockOnHand = unit.QtyOnHand
	}
}

// scheduleConversionsLocked fetches the product's active conversion table
// for this form's kind, with the same supersede semantics as option fetches.
func (f *Form) scheduleConversionsLocked(row *Row, productID int64) {
	row.convGen++
	gen := row.convGen
	if row.convCancel != nil {
		row.convCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	row.convCancel = cancel
	row.ConversionsFailed = false

	go func() {
		conversions, err := f.client.ListConversions(ctx, productID, f.kind)

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closed || row.convGen != gen {
			return
		}

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			row.Conversions = []domain.ConversionOption{}
			row.ConversionsFailed = true
			log.Printf("[engine] conversion fetch failed kind=%s product=%d: %v", f.kind, productID, err)
			return
		}

		row.Conversions = conversions
		row.Item = applyConversions(row.Item, conversions)
		// A late result can invalidate a unit that already passed validation,
		// so a pending confirmation must go through validation again.
		if f.state == domain.StateConfirmPending {
			f.state = domain.StateEditing
		}
		f.scheduleSaveLocked()
	}()
}

func (f *Form) releaseRowLocked(row *Row) {
	row.optionsGen++
	row.convGen++
	if row.optionsCancel != nil {
		row.optionsCancel()
		row.optionsCancel = nil
	}
	if row.convCancel != nil {
		row.convCancel()
		row.convCancel = nil
	}
	row.Candidates = nil
	row.Conversions = nil
	row.Selected = nil
}

func (f *Form) resetTableLocked() {
	for _, row := range f.rows {
		f.releaseRowLocked(row)
	}
	row := newRow()
	f.rows = []*Row{row}
	f.date = time.Now().UTC().Format("2006-01-02")
	f.filters = domain.BrowserFilter{}
	f.summary = ""
	f.scheduleOptionsLocked(row)
}

// resumeEditingLocked drops back to Editing when the user edits again after
// a terminal state, or while a confirmation is pending: an edited table must
// re-validate before it can be confirmed.
func (f *Form) resumeEditingLocked() {
	switch f.state {
	case domain.StateSucceeded, domain.StateFailed:
		f.state = domain.StateEditing
		f.formError = ""
		f.receipt = nil
	case domain.StateConfirmPending:
		f.state = domain.StateEditing
	}
}

func (f *Form) scheduleSaveLocked() {
	f.drafts.Schedule(f.draftLocked())
}

func (f *Form) draftLocked() domain.FormDraft {
	items := make([]domain.LineItem, len(f.rows))
	for i, row := range f.rows {
		items[i] = row.Item
		items[i].ProductID = cloneID(row.Item.ProductID)
		items[i].CategoryID = cloneID(row.Item.CategoryID)
		items[i].ManufacturerID = cloneID(row.Item.ManufacturerID)
		items[i].UnitID = cloneID(row.Item.UnitID)
	}
	return domain.FormDraft{
		Date:    f.date,
		Items:   items,
		Filters: f.filters,
	}
}
