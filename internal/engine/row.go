package engine

import (
	"tokodraft/backend/internal/domain"
)

// Row is the engine-side state of one line item: the authoritative item
// fields plus the option sets resolved for it and its fetch/validation flags.
// The table is the single writer; resolvers report results back through the
// form, which merges them here under the form lock.
type Row struct {
	Item        domain.LineItem
	Candidates  []domain.ProductOption
	Conversions []domain.ConversionOption
	Selected    *domain.ProductOption
	Errors      domain.RowErrors

	Loading           bool
	OptionsFailed     bool
	ConversionsFailed bool

	// Resolver bookkeeping. A response is applied only when its captured
	// generation still matches; anything else is stale and dropped silently.
	optionsGen     uint64
	optionsCancel  func()
	convGen        uint64
	convCancel     func()
}

func newRow() *Row {
	return &Row{
		Item:       domain.LineItem{},
		Candidates: []domain.ProductOption{},
	}
}

// Command is a side effect the caller must execute after a patch has been
// applied. Keeping the cascade itself pure makes it testable without the
// resolver machinery.
type Command interface {
	isCommand()
}

// FetchProducts asks for the row's candidate list to be re-resolved against
// its current category/manufacturer filter.
type FetchProducts struct{}

// FetchConversions asks for the unit-conversion table of the row's product.
type FetchConversions struct {
	ProductID int64
}

// SaveDraft asks for a debounced persistence of the whole form.
type SaveDraft struct{}

func (FetchProducts) isCommand()    {}
func (FetchConversions) isCommand() {}
func (SaveDraft) isCommand()        {}

// rowView is the read-only context the reducer needs to run cascade rules:
// the row's resolved option sets and the transaction kind.
type rowView struct {
	kind        domain.TransactionKind
	candidates  []domain.ProductOption
	selected    *domain.ProductOption
	conversions []domain.ConversionOption
}

// applyPatch applies one edit to a line item and runs the cascade rules,
// returning the new item, the (possibly changed) selected product record,
// and the side effects the caller must execute. It never performs I/O.
//
// Cascade rules:
//   - category/manufacturer change refreshes the candidate list; the selected
//     product is cleared only when it is incompatible with the new filter
//     (strict id equality against each non-nil filter side), otherwise it is
//     kept and its pricing stands until re-resolved.
//   - product change invalidates the unit and price until the conversion set
//     (purchase/sale) arrives, or fills unit and stock synchronously from the
//     product's embedded stock units (adjustment). Category and manufacturer
//     are backfilled from the product record.
//   - unit change is a pure re-lookup in the already-resolved set; unknown
//     unit ids are ignored.
func applyPatch(view rowView, item domain.LineItem, patch domain.RowPatch) (domain.LineItem, *domain.ProductOption, []Command) {
	selected := view.selected
	commands := make([]Command, 0, 3)
	filterChanged := false

	if patch.CategoryID != nil {
		item.CategoryID = cloneID(patch.CategoryID.Value)
		filterChanged = true
	}
	if patch.ManufacturerID != nil {
		item.ManufacturerID = cloneID(patch.ManufacturerID.Value)
		filterChanged = true
	}
	if filterChanged {
		if selected != nil && !compatible(*selected, item.CategoryID, item.ManufacturerID) {
			item, selected = clearProduct(item)
		}
		commands = append(commands, FetchProducts{})
	}

	if patch.ProductID != nil {
		if patch.ProductID.Value == nil {
			item, selected = clearProduct(item)
		} else {
			id := *patch.ProductID.Value
			item, selected = clearProduct(item)
			item.ProductID = cloneID(&id)
			if opt, ok := findProduct(view.candidates, id); ok {
				selected = &opt
				item.CategoryID = cloneID(&opt.CategoryID)
				item.ManufacturerID = cloneID(&opt.ManufacturerID)
				if view.kind == domain.KindAdjustment {
					if unit, found := opt.DefaultUnit(); found {
						item.UnitID = cloneID(&unit.UnitID)
						item.UnitName = unit.UnitName
						item.StockOnHand = unit.QtyOnHand
					}
				}
			}
			if view.kind.UsesConversions() {
				commands = append(commands, FetchConversions{ProductID: id})
			}
		}
	}

	if patch.UnitID != nil {
		item = applyUnitChange(view, item, selected, patch.UnitID.Value)
	}

	if patch.Quantity != nil {
		qty := *patch.Quantity
		if qty < 0 {
			qty = 0
		}
		item.Quantity = qty
	}
	if patch.PriceCents != nil && *patch.PriceCents >= 0 {
		item.PriceCents = *patch.PriceCents
	}
	if patch.StockOnHand != nil && *patch.StockOnHand >= 0 {
		item.StockOnHand = *patch.StockOnHand
	}

	commands = append(commands, SaveDraft{})
	return item, selected, commands
}

// applyUnitChange re-prices the row from the already-resolved unit set; it
// never triggers a fetch. A nil unit id clears the unit; an id outside the
// currently valid set is ignored.
func applyUnitChange(view rowView, item domain.LineItem, selected *domain.ProductOption, unitID *int64) domain.LineItem {
	if unitID == nil {
		item.UnitID = nil
		item.UnitName = ""
		return item
	}

	if view.kind.UsesConversions() {
		if conv, ok := findConversion(view.conversions, *unitID); ok {
			item.UnitID = cloneID(&conv.UnitID)
			item.UnitName = conv.UnitName
			item.PriceCents = conv.PriceCents
		}
		return item
	}

	if selected != nil {
		if unit, ok := selected.FindUnit(*unitID); ok {
			item.UnitID = cloneID(&unit.UnitID)
			item.UnitName = unit.UnitName
			item.StockOnHand = unit.QtyOnHand
		}
	}
	return item
}

// applyConversions merges a freshly resolved conversion set into the item.
// A previously selected unit still present in the set is kept and re-priced;
// otherwise the default-unit selection runs: the conversion flagged default,
// else the first in returned order.
func applyConversions(item domain.LineItem, conversions []domain.ConversionOption) domain.LineItem {
	if item.ProductID == nil {
		return item
	}

	if item.UnitID != nil {
		if conv, ok := findConversion(conversions, *item.UnitID); ok {
			item.UnitName = conv.UnitName
			item.PriceCents = conv.PriceCents
			return item
		}
	}

	chosen, ok := defaultConversion(conversions)
	if !ok {
		item.UnitID = nil
		item.UnitName = ""
		item.PriceCents = 0
		return item
	}
	item.UnitID = cloneID(&chosen.UnitID)
	item.UnitName = chosen.UnitName
	item.PriceCents = chosen.PriceCents
	return item
}

func defaultConversion(conversions []domain.ConversionOption) (domain.ConversionOption, bool) {
	for _, conv := range conversions {
		if conv.IsDefault {
			return conv, true
		}
	}
	if len(conversions) > 0 {
		return conversions[0], true
	}
	return domain.ConversionOption{}, false
}

// compatible reports whether the product satisfies the row filter. The rule
// is strict equality on each non-nil filter side; a nil side matches any
// product.
func compatible(p domain.ProductOption, categoryID, manufacturerID *int64) bool {
	if categoryID != nil && p.CategoryID != *categoryID {
		return false
	}
	if manufacturerID != nil && p.ManufacturerID != *manufacturerID {
		return false
	}
	return true
}

func clearProduct(item domain.LineItem) (domain.LineItem, *domain.ProductOption) {
	item.ProductID = nil
	item.UnitID = nil
	item.UnitName = ""
	item.PriceCents = 0
	item.StockOnHand = 0
	return item, nil
}

func findProduct(candidates []domain.ProductOption, id int64) (domain.ProductOption, bool) {
	for _, p := range candidates {
		if p.ID == id {
			return p, true
		}
	}
	return domain.ProductOption{}, false
}

func findConversion(conversions []domain.ConversionOption, unitID int64) (domain.ConversionOption, bool) {
	for _, conv := range conversions {
		if conv.UnitID == unitID {
			return conv, true
		}
	}
	return domain.ConversionOption{}, false
}

// cloneID copies a nullable id so row snapshots never share pointers with
// live table state.
func cloneID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
