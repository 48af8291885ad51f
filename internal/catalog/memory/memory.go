package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tokodraft/backend/internal/catalog"
	"tokodraft/backend/internal/domain"
)

// Gate lets tests interpose on a catalog call before its result is produced.
// It receives the operation name ("products", "conversions", ...) and may
// block until released or return an error to simulate a backend failure.
// A nil Gate is a no-op.
type Gate func(ctx context.Context, op string) error

// Client is an in-memory catalog used by tests and by dev mode when no
// backend URL is configured. Reads are served from seeded reference data;
// CreateTransaction records the payload so tests can assert on it.
type Client struct {
	mu            sync.RWMutex
	categories    []domain.Option
	manufacturers []domain.Option
	products      []domain.ProductOption
	conversions   map[int64]map[domain.TransactionKind][]domain.ConversionOption
	created       []CreatedTransaction

	Gate Gate
}

type CreatedTransaction struct {
	ID      string
	Kind    domain.TransactionKind
	Payload domain.TransactionPayload
}

func New() *Client {
	return &Client{
		conversions: make(map[int64]map[domain.TransactionKind][]domain.ConversionOption),
	}
}

// NewSeeded returns a catalog pre-loaded with a small but representative
// data set: three categories, three manufacturers, and products carrying
// multi-unit stock and per-kind conversion tables.
func NewSeeded() *Client {
	c := New()
	c.categories = []domain.Option{
		{ID: 1, Name: "Minuman"},
		{ID: 2, Name: "Makanan Ringan"},
		{ID: 3, Name: "Sembako"},
	}
	c.manufacturers = []domain.Option{
		{ID: 10, Name: "Tirta Segar"},
		{ID: 11, Name: "Boga Rasa"},
		{ID: 12, Name: "Pangan Makmur"},
	}
	c.products = []domain.ProductOption{
		{
			ID: 101, Name: "Air Mineral 600ml", SKU: "AM-600", Barcode: "8990000000011",
			CategoryID: 1, CategoryName: "Minuman", ManufacturerID: 10, ManufacturerName: "Tirta Segar",
			Units: []domain.StockUnit{
				{UnitID: 1, UnitName: "pcs", QtyOnHand: 240, IsDefault: false},
				{UnitID: 2, UnitName: "karton", QtyOnHand: 10, IsDefault: true},
			},
		},
		{
			ID: 102, Name: "Teh Botol 450ml", SKU: "TB-450", Barcode: "8990000000028",
			CategoryID: 1, CategoryName: "Minuman", ManufacturerID: 10, ManufacturerName: "Tirta Segar",
			Units: []domain.StockUnit{
				{UnitID: 1, UnitName: "pcs", QtyOnHand: 96, IsDefault: true},
			},
		},
		{
			ID: 103, Name: "Keripik Singkong 180g", SKU: "KS-180", Barcode: "8990000000035",
			CategoryID: 2, CategoryName: "Makanan Ringan", ManufacturerID: 11, ManufacturerName: "Boga Rasa",
			Units: []domain.StockUnit{
				{UnitID: 1, UnitName: "pcs", QtyOnHand: 48, IsDefault: true},
				{UnitID: 3, UnitName: "box", QtyOnHand: 4, IsDefault: false},
			},
		},
		{
			ID: 104, Name: "Beras Premium 5kg", SKU: "BR-5K", Barcode: "8990000000042",
			CategoryID: 3, CategoryName: "Sembako", ManufacturerID: 12, ManufacturerName: "Pangan Makmur",
			Units: []domain.StockUnit{
				{UnitID: 4, UnitName: "sak", QtyOnHand: 30, IsDefault: true},
			},
		},
		{
			ID: 105, Name: "Minyak Goreng 2L", SKU: "MG-2L", Barcode: "8990000000059",
			CategoryID: 3, CategoryName: "Sembako", ManufacturerID: 12, ManufacturerName: "Pangan Makmur",
			Units: []domain.StockUnit{
				{UnitID: 1, UnitName: "pcs", QtyOnHand: 60, IsDefault: true},
				{UnitID: 3, UnitName: "box", QtyOnHand: 5, IsDefault: false},
			},
		},
	}

	c.SetConversions(101, domain.KindPurchase, []domain.ConversionOption{
		{UnitID: 2, UnitName: "karton", Qty: 24, PriceCents: 4800000, IsDefault: true, IsActive: true},
		{UnitID: 1, UnitName: "pcs", Qty: 1, PriceCents: 220000, IsDefault: false, IsActive: true},
	})
	c.SetConversions(101, domain.KindSale, []domain.ConversionOption{
		{UnitID: 1, UnitName: "pcs", Qty: 1, PriceCents: 350000, IsDefault: true, IsActive: true},
		{UnitID: 2, UnitName: "karton", Qty: 24, PriceCents: 7800000, IsDefault: false, IsActive: true},
	})
	c.SetConversions(102, domain.KindPurchase, []domain.ConversionOption{
		{UnitID: 1, UnitName: "pcs", Qty: 1, PriceCents: 300000, IsDefault: true, IsActive: true},
	})
	c.SetConversions(102, domain.KindSale, []domain.ConversionOption{
		{UnitID: 1, UnitName: "pcs", Qty: 1, PriceCents: 450000, IsDefault: true, IsActive: true},
	})
	c.SetConversions(103, domain.KindPurchase, []domain.ConversionOption{
		{UnitID: 3, UnitName: "box", Qty: 12, PriceCents: 9000000, IsDefault: true, IsActive: true},
		{UnitID: 1, UnitName: "pcs", Qty: 1, PriceCents: 800000, IsDefault: false, IsActive: true},
		{UnitID: 5, UnitName: "lusin-lama", Qty: 12, PriceCents: 8500000, IsDefault: false, IsActive: false},
	})
	c.SetConversions(103, domain.KindSale, []domain.ConversionOption{
		{UnitID: 1, UnitName: "pcs", Qty: 1, PriceCents: 1200000, IsDefault: true, IsActive: true},
	})
	c.SetConversions(104, domain.KindPurchase, []domain.ConversionOption{
		{UnitID: 4, UnitName: "sak", Qty: 1, PriceCents: 6200000, IsDefault: true, IsActive: true},
	})
	c.SetConversions(104, domain.KindSale, []domain.ConversionOption{
		{UnitID: 4, UnitName: "sak", Qty: 1, PriceCents: 7200000, IsDefault: true, IsActive: true},
	})
	c.SetConversions(105, domain.KindPurchase, []domain.ConversionOption{
		{UnitID: 3, UnitName: "box", Qty: 6, PriceCents: 10200000, IsDefault: true, IsActive: true},
		{UnitID: 1, UnitName: "pcs", Qty: 1, PriceCents: 1750000, IsDefault: false, IsActive: true},
	})
	c.SetConversions(105, domain.KindSale, []domain.ConversionOption{
		{UnitID: 1, UnitName: "pcs", Qty: 1, PriceCents: 2100000, IsDefault: true, IsActive: true},
	})

	return c
}

func (c *Client) SetCategories(categories []domain.Option) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.categories = categories
}

func (c *Client) SetManufacturers(manufacturers []domain.Option) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manufacturers = manufacturers
}

func (c *Client) SetProducts(products []domain.ProductOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = products
}

func (c *Client) SetConversions(productID int64, kind domain.TransactionKind, conversions []domain.ConversionOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byKind, ok := c.conversions[productID]
	if !ok {
		byKind = make(map[domain.TransactionKind][]domain.ConversionOption)
		c.conversions[productID] = byKind
	}
	byKind[kind] = conversions
}

func (c *Client) ListCategories(ctx context.Context) ([]domain.Option, error) {
	if err := c.gate(ctx, "categories"); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Option, len(c.categories))
	copy(out, c.categories)
	return out, nil
}

func (c *Client) ListManufacturers(ctx context.Context) ([]domain.Option, error) {
	if err := c.gate(ctx, "manufacturers"); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Option, len(c.manufacturers))
	copy(out, c.manufacturers)
	return out, nil
}

func (c *Client) ListProducts(ctx context.Context, filter domain.ProductFilter) (domain.ProductPage, error) {
	if err := c.gate(ctx, "products"); err != nil {
		return domain.ProductPage{}, err
	}

	c.mu.RLock()
	matched := make([]domain.ProductOption, 0, len(c.products))
	for _, p := range c.products {
		if filter.CategoryID != nil && p.CategoryID != *filter.CategoryID {
			continue
		}
		if filter.ManufacturerID != nil && p.ManufacturerID != *filter.ManufacturerID {
			continue
		}
		if search := strings.ToLower(strings.TrimSpace(filter.Search)); search != "" {
			name := strings.ToLower(p.Name)
			sku := strings.ToLower(p.SKU)
			if !strings.Contains(name, search) && !strings.Contains(sku, search) && p.Barcode != filter.Search {
				continue
			}
		}
		matched = append(matched, p)
	}
	c.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * limit
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}

	items := make([]domain.ProductOption, end-start)
	copy(items, matched[start:end])

	return domain.ProductPage{
		Items:   items,
		HasMore: end < len(matched),
		Total:   len(matched),
	}, nil
}

func (c *Client) ListConversions(ctx context.Context, productID int64, kind domain.TransactionKind) ([]domain.ConversionOption, error) {
	if err := c.gate(ctx, "conversions"); err != nil {
		return nil, err
	}

	c.mu.RLock()
	byKind, ok := c.conversions[productID]
	if !ok {
		c.mu.RUnlock()
		return nil, catalog.ErrNotFound
	}
	conversions := byKind[kind]
	out := make([]domain.ConversionOption, len(conversions))
	copy(out, conversions)
	c.mu.RUnlock()

	return catalog.ActiveConversions(out), nil
}

func (c *Client) CreateTransaction(ctx context.Context, kind domain.TransactionKind, payload domain.TransactionPayload) (domain.TransactionReceipt, error) {
	if err := c.gate(ctx, "create"); err != nil {
		return domain.TransactionReceipt{}, err
	}

	now := time.Now().UTC()
	created := CreatedTransaction{
		ID:      uuid.NewString(),
		Kind:    kind,
		Payload: payload,
	}

	c.mu.Lock()
	c.created = append(c.created, created)
	c.mu.Unlock()

	return domain.TransactionReceipt{
		ID:        created.ID,
		Kind:      string(kind),
		CreatedAt: now.Format(time.RFC3339),
	}, nil
}

// Created returns a copy of every transaction recorded so far.
func (c *Client) Created() []CreatedTransaction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CreatedTransaction, len(c.created))
	copy(out, c.created)
	return out
}

func (c *Client) gate(ctx context.Context, op string) error {
	if c.Gate == nil {
		return nil
	}
	return c.Gate(ctx, op)
}
