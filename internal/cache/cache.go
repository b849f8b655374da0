package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kasirinaja/backoffice/internal/domain"
)

type ProductCache interface {
	Get(ctx context.Context, key string) (*domain.Product, bool, error)
	Set(ctx context.Context, key string, value *domain.Product, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type NoopProductCache struct{}

func (NoopProductCache) Get(_ context.Context, _ string) (*domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) Set(_ context.Context, _ string, _ *domain.Product, _ time.Duration) error {
	return nil
}

func (NoopProductCache) Delete(_ context.Context, _ ...string) error {
	return nil
}

// MemoryProductCache is an in-process cache for single-instance deployments.
type MemoryProductCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	product   domain.Product
	expiresAt time.Time
}

func NewMemoryProductCache() *MemoryProductCache {
	return &MemoryProductCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryProductCache) Get(_ context.Context, key string) (*domain.Product, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	product := entry.product
	return &product, true, nil
}

func (c *MemoryProductCache) Set(_ context.Context, key string, value *domain.Product, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := memoryEntry{product: *value}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = entry
	return nil
}

func (c *MemoryProductCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

// Loader wraps a ProductCache with get-or-compute. Cache failures are logged
// and never fail the caller.
type Loader struct {
	cache  ProductCache
	ttl    time.Duration
	logger logrus.FieldLogger
}

func NewLoader(c ProductCache, ttl time.Duration, logger logrus.FieldLogger) *Loader {
	if c == nil {
		c = NoopProductCache{}
	}
	return &Loader{cache: c, ttl: ttl, logger: logger.WithField("module", "cache")}
}

func (l *Loader) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (*domain.Product, error)) (*domain.Product, error) {
	cached, ok, err := l.cache.Get(ctx, key)
	if err != nil {
		l.logger.WithField("key", key).Warnf("cache read failed: %v", err)
	} else if ok {
		return cached, nil
	}

	value, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.cache.Set(ctx, key, value, l.ttl); err != nil {
		l.logger.WithField("key", key).Warnf("cache write failed: %v", err)
	}
	return value, nil
}

func (l *Loader) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := l.cache.Delete(ctx, keys...); err != nil {
		l.logger.WithField("keys", keys).Warnf("cache invalidation failed: %v", err)
	}
}
