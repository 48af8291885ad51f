package domain

import "time"

// TransactionKind selects which of the three entry forms a draft or
// submission belongs to. Each kind persists its draft independently.
type TransactionKind string

const (
	KindPurchase   TransactionKind = "purchase"
	KindAdjustment TransactionKind = "adjustment"
	KindSale       TransactionKind = "sale"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindPurchase, KindAdjustment, KindSale:
		return true
	}
	return false
}

// UsesConversions reports whether rows of this kind price their units from a
// per-product conversion table. Adjustment rows read the stock-unit list
// embedded in the product record instead.
func (k TransactionKind) UsesConversions() bool {
	return k == KindPurchase || k == KindSale
}

type Option struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type StockUnit struct {
	UnitID    int64  `json:"unit_id"`
	UnitName  string `json:"unit_name"`
	QtyOnHand int    `json:"qty_on_hand"`
	IsDefault bool   `json:"is_default"`
}

type ProductOption struct {
	ID               int64       `json:"id"`
	Name             string      `json:"name"`
	SKU              string      `json:"sku,omitempty"`
	Barcode          string      `json:"barcode,omitempty"`
	CategoryID       int64       `json:"category_id"`
	CategoryName     string      `json:"category_name"`
	ManufacturerID   int64       `json:"manufacturer_id"`
	ManufacturerName string      `json:"manufacturer_name"`
	Units            []StockUnit `json:"units"`
}

// DefaultUnit returns the stock unit flagged as default, falling back to the
// first unit in declared order. ok is false when the product has no units.
func (p ProductOption) DefaultUnit() (StockUnit, bool) {
	for _, u := range p.Units {
		if u.IsDefault {
			return u, true
		}
	}
	if len(p.Units) > 0 {
		return p.Units[0], true
	}
	return StockUnit{}, false
}

// FindUnit looks up a stock unit by id within the product record.
func (p ProductOption) FindUnit(unitID int64) (StockUnit, bool) {
	for _, u := range p.Units {
		if u.UnitID == unitID {
			return u, true
		}
	}
	return StockUnit{}, false
}

type ConversionOption struct {
	UnitID     int64  `json:"unit_id"`
	UnitName   string `json:"unit_name"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
	IsDefault  bool   `json:"is_default"`
	IsActive   bool   `json:"is_active"`
}

type ProductFilter struct {
	CategoryID     *int64 `json:"category_id,omitempty"`
	ManufacturerID *int64 `json:"manufacturer_id,omitempty"`
	Search         string `json:"search,omitempty"`
	Page           int    `json:"page"`
	Limit          int    `json:"limit"`
}

type ProductPage struct {
	Items   []ProductOption `json:"items"`
	HasMore bool            `json:"has_more"`
	Total   int             `json:"total"`
}

// LineItem is the authoritative state of one row in a transaction form.
// Nullable ids stay nil until the user (or a cascade) assigns them.
// PriceCents is meaningful for purchase/sale rows, StockOnHand for adjustment
// rows; the unused field stays zero.
type LineItem struct {
	ProductID      *int64 `json:"product_id"`
	CategoryID     *int64 `json:"category_id"`
	ManufacturerID *int64 `json:"manufacturer_id"`
	UnitID         *int64 `json:"unit_id"`
	UnitName       string `json:"unit_name,omitempty"`
	Quantity       int    `json:"quantity"`
	PriceCents     int64  `json:"price_cents"`
	StockOnHand    int    `json:"stock_on_hand"`
}

func (li LineItem) SubtotalCents() int64 {
	return li.PriceCents * int64(li.Quantity)
}

func (li LineItem) NewStock() int {
	return li.StockOnHand + li.Quantity
}

// BrowserFilter is the sale form's product-browser filter, persisted with the
// draft so a reload restores the browsing position.
type BrowserFilter struct {
	Search         string `json:"search,omitempty"`
	CategoryID     *int64 `json:"category_id,omitempty"`
	ManufacturerID *int64 `json:"manufacturer_id,omitempty"`
}

// FormDraft is the persisted in-progress state of a multi-row form,
// restorable after a reload. One storage slot per transaction kind.
type FormDraft struct {
	Date        string        `json:"date"`
	Items       []LineItem    `json:"items"`
	Filters     BrowserFilter `json:"filters"`
	LastSavedAt time.Time     `json:"last_saved_at"`
}

// IDPatch carries an explicit nullable-id assignment. A nil *IDPatch in a
// RowPatch means "leave the field alone"; a patch with a nil Value clears it.
type IDPatch struct {
	Value *int64 `json:"value"`
}

// RowPatch is one user edit applied to a row. Only non-nil fields are
// touched; cascade rules then run on the result.
type RowPatch struct {
	CategoryID     *IDPatch `json:"category_id,omitempty"`
	ManufacturerID *IDPatch `json:"manufacturer_id,omitempty"`
	ProductID      *IDPatch `json:"product_id,omitempty"`
	UnitID         *IDPatch `json:"unit_id,omitempty"`
	Quantity       *int     `json:"quantity,omitempty"`
	PriceCents     *int64   `json:"price_cents,omitempty"`
	StockOnHand    *int     `json:"stock_on_hand,omitempty"`
}

// RowErrors holds the per-field validation flags for one row so the UI can
// highlight exact offending cells.
type RowErrors struct {
	Product   bool `json:"product"`
	Unit      bool `json:"unit"`
	Quantity  bool `json:"quantity"`
	Duplicate bool `json:"duplicate"`
}

func (e RowErrors) Any() bool {
	return e.Product || e.Unit || e.Quantity || e.Duplicate
}

// TransactionLinePayload is one validated row as sent to the backend create
// call. Ids are non-nullable here: only validated rows reach submission.
type TransactionLinePayload struct {
	ProductID  int64  `json:"product_id" validate:"required"`
	UnitID     int64  `json:"unit_id" validate:"required"`
	UnitName   string `json:"unit_name"`
	Quantity   int    `json:"quantity" validate:"gt=0"`
	PriceCents int64  `json:"price_cents" validate:"gte=0"`
}

type TransactionPayload struct {
	Date       string                   `json:"date" validate:"required,datetime=2006-01-02"`
	Lines      []TransactionLinePayload `json:"lines" validate:"required,min=1,dive"`
	TotalCents int64                    `json:"total_cents"`
}

type TransactionReceipt struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

// SubmitState is the form coordinator's position in its state machine.
// Validation happens inside the Editing -> ConfirmPending transition, so a
// failed validation never leaves Editing.
type SubmitState string

const (
	StateEditing        SubmitState = "editing"
	StateConfirmPending SubmitState = "confirm_pending"
	StateSubmitting     SubmitState = "submitting"
	StateSucceeded      SubmitState = "succeeded"
	StateFailed         SubmitState = "failed"
)
