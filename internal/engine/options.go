package engine

import (
	"context"
	"sync"

	"tokodraft/backend/internal/catalog"
	"tokodraft/backend/internal/domain"
)

// OptionCache holds the globally shared reference lists. Each list is
// fetched once on first use and then served from memory; a failed fetch is
// not cached, so the next caller retries. Reads are shared across all rows
// and forms; nothing here is per-row state.
type OptionCache struct {
	client catalog.Client

	mu            sync.Mutex
	categories    []domain.Option
	manufacturers []domain.Option
	catsLoaded    bool
	manusLoaded   bool
}

func NewOptionCache(client catalog.Client) *OptionCache {
	return &OptionCache{client: client}
}

func (c *OptionCache) Categories(ctx context.Context) ([]domain.Option, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.catsLoaded {
		return cloneOptions(c.categories), nil
	}

	categories, err := c.client.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	c.categories = categories
	c.catsLoaded = true
	return cloneOptions(categories), nil
}

func (c *OptionCache) Manufacturers(ctx context.Context) ([]domain.Option, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manusLoaded {
		return cloneOptions(c.manufacturers), nil
	}

	manufacturers, err := c.client.ListManufacturers(ctx)
	if err != nil {
		return nil, err
	}
	c.manufacturers = manufacturers
	c.manusLoaded = true
	return cloneOptions(manufacturers), nil
}

func cloneOptions(options []domain.Option) []domain.Option {
	out := make([]domain.Option, len(options))
	copy(out, options)
	return out
}
