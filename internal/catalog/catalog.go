// Package catalog resolves scanned or typed codes to products.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"kasirinaja/backoffice/internal/cache"
	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/store"
)

type Catalog interface {
	// Resolve matches by barcode first, then SKU. Unknown or inactive codes
	// fail with domain.ErrProductNotFound.
	Resolve(ctx context.Context, code string) (*domain.Product, error)
}

type ProductResolver interface {
	ResolveProduct(ctx context.Context, code string) (*domain.Product, error)
}

type StoreCatalog struct {
	repo ProductResolver
}

func NewStoreCatalog(repo ProductResolver) *StoreCatalog {
	return &StoreCatalog{repo: repo}
}

func (c *StoreCatalog) Resolve(ctx context.Context, code string) (*domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", domain.ErrInvalidRequest)
	}
	product, err := c.repo.ResolveProduct(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	return product, nil
}

// Cached puts a get-or-compute cache in front of another Catalog. Entries are
// dropped whenever a stock-changed event names their product. Only codes this
// instance resolved are known here, so entries written by other instances rely
// on the loader TTL to expire.
type Cached struct {
	next   Catalog
	loader *cache.Loader

	mu    sync.Mutex
	codes map[string]map[string]struct{}
	// epoch counts invalidations; invalidatedAt holds the epoch of each
	// product's latest one.
	epoch         uint64
	invalidatedAt map[string]uint64
}

func NewCached(next Catalog, loader *cache.Loader) *Cached {
	return &Cached{
		next:          next,
		loader:        loader,
		codes:         make(map[string]map[string]struct{}),
		invalidatedAt: make(map[string]uint64),
	}
}

func (c *Cached) Resolve(ctx context.Context, code string) (*domain.Product, error) {
	key := strings.TrimSpace(code)
	if key == "" {
		return nil, fmt.Errorf("%w: code is required", domain.ErrInvalidRequest)
	}
	start := c.currentEpoch()
	product, err := c.loader.GetOrCompute(ctx, key, func(ctx context.Context) (*domain.Product, error) {
		return c.next.Resolve(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	if stale := c.remember(product.ID, key, start); stale {
		// The product was invalidated while this lookup was in flight, so the
		// entry just written may predate the change.
		c.loader.Invalidate(ctx, key)
	}
	return product, nil
}

func (c *Cached) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// remember records key under productID and reports whether productID was
// invalidated after start.
func (c *Cached) remember(productID string, key string, start uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys, ok := c.codes[productID]
	if !ok {
		keys = make(map[string]struct{}, 2)
		c.codes[productID] = keys
	}
	keys[key] = struct{}{}
	return c.invalidatedAt[productID] > start
}

// Invalidate drops every cached code this instance resolved to productID.
func (c *Cached) Invalidate(ctx context.Context, productID string) {
	c.mu.Lock()
	c.epoch++
	c.invalidatedAt[productID] = c.epoch
	keys := make([]string, 0, len(c.codes[productID]))
	for key := range c.codes[productID] {
		keys = append(keys, key)
	}
	delete(c.codes, productID)
	c.mu.Unlock()

	c.loader.Invalidate(ctx, keys...)
}

func (c *Cached) HandleStockChanged(ctx context.Context, event domain.StockChangedEvent) {
	c.Invalidate(ctx, event.ProductID)
}
