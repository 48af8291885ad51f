package catalog

import (
	"context"
	"errors"

	"tokodraft/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrRejected = errors.New("rejected by backend")
)

// Client is the contract with the product-catalog backend. The engine only
// reads reference data through it and hands over fully validated payloads;
// it never mutates catalog state in any other way.
type Client interface {
	ListCategories(ctx context.Context) ([]domain.Option, error)
	ListManufacturers(ctx context.Context) ([]domain.Option, error)
	ListProducts(ctx context.Context, filter domain.ProductFilter) (domain.ProductPage, error)
	ListConversions(ctx context.Context, productID int64, kind domain.TransactionKind) ([]domain.ConversionOption, error)
	CreateTransaction(ctx context.Context, kind domain.TransactionKind, payload domain.TransactionPayload) (domain.TransactionReceipt, error)
}

// ActiveConversions filters a conversion set down to the active entries,
// preserving order. Inactive conversions must never reach row state.
func ActiveConversions(conversions []domain.ConversionOption) []domain.ConversionOption {
	active := make([]domain.ConversionOption, 0, len(conversions))
	for _, conv := range conversions {
		if conv.IsActive {
			active = append(active, conv)
		}
	}
	return active
}
