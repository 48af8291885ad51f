package engine

import (
	"tokodraft/backend/internal/domain"
)

// RowSnapshot is the read-only view of one row handed to the UI: current
// option lists, loading/error flags, field errors, and derived values.
// Options excludes products already used by other rows so collisions are
// rare; the data model still permits them and validation catches them.
type RowSnapshot struct {
	Item              domain.LineItem           `json:"item"`
	SubtotalCents     int64                     `json:"subtotal_cents"`
	NewStock          int                       `json:"new_stock"`
	Options           []domain.ProductOption    `json:"options"`
	Conversions       []domain.ConversionOption `json:"conversions"`
	Loading           bool                      `json:"loading"`
	OptionsFailed     bool                      `json:"options_failed"`
	ConversionsFailed bool                      `json:"conversions_failed"`
	Errors            domain.RowErrors          `json:"errors"`
}

type FormSnapshot struct {
	Kind       domain.TransactionKind     `json:"kind"`
	Date       string                     `json:"date"`
	Filters    domain.BrowserFilter       `json:"filters"`
	Rows       []RowSnapshot              `json:"rows"`
	TotalCents int64                      `json:"total_cents"`
	State      domain.SubmitState         `json:"state"`
	FormError  string                     `json:"form_error,omitempty"`
	Summary    string                     `json:"summary_error,omitempty"`
	Receipt    *domain.TransactionReceipt `json:"receipt,omitempty"`
}

// Snapshot copies the form state for rendering. Nothing the caller does
// with a snapshot can reach back into live table state.
func (f *Form) Snapshot() FormSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	used := make(map[int64]int, len(f.rows))
	for _, row := range f.rows {
		if row.Item.ProductID != nil {
			used[*row.Item.ProductID]++
		}
	}

	rows := make([]RowSnapshot, len(f.rows))
	var total int64
	for i, row := range f.rows {
		item := row.Item
		item.ProductID = cloneID(row.Item.ProductID)
		item.CategoryID = cloneID(row.Item.CategoryID)
		item.ManufacturerID = cloneID(row.Item.ManufacturerID)
		item.UnitID = cloneID(row.Item.UnitID)

		options := make([]domain.ProductOption, 0, len(row.Candidates))
		for _, opt := range row.Candidates {
			if count := used[opt.ID]; count > 0 {
				if row.Item.ProductID == nil || *row.Item.ProductID != opt.ID {
					continue
				}
			}
			options = append(options, opt)
		}

		conversions := make([]domain.ConversionOption, len(row.Conversions))
		copy(conversions, row.Conversions)

		rows[i] = RowSnapshot{
			Item:              item,
			SubtotalCents:     item.SubtotalCents(),
			NewStock:          item.NewStock(),
			Options:           options,
			Conversions:       conversions,
			Loading:           row.Loading,
			OptionsFailed:     row.OptionsFailed,
			ConversionsFailed: row.ConversionsFailed,
			Errors:            row.Errors,
		}
		total += item.SubtotalCents()
	}

	var receipt *domain.TransactionReceipt
	if f.receipt != nil {
		r := *f.receipt
		receipt = &r
	}

	return FormSnapshot{
		Kind:       f.kind,
		Date:       f.date,
		Filters:    f.filters,
		Rows:       rows,
		TotalCents: total,
		State:      f.state,
		FormError:  f.formError,
		Summary:    f.summary,
		Receipt:    receipt,
	}
}
