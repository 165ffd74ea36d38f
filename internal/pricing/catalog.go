// Package pricing resolves the credit cost of a job kind.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

var (
	ErrUnknownKind = errors.New("pricing: no price for kind")
	ErrInvalidCost = errors.New("pricing: cost must be positive")
)

// Catalog reads through a Cache to the configured price table.
type Catalog struct {
	mu    sync.RWMutex
	costs map[string]int64
	// gen counts Reloads. A cache write made from an older generation is
	// evicted again once the writer sees the counter moved.
	gen   uint64
	cache Cache
	log   *slog.Logger
}

func NewCatalog(costs map[string]int64, cache Cache, log *slog.Logger) (*Catalog, error) {
	if err := validate(costs); err != nil {
		return nil, err
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{costs: maps.Clone(costs), cache: cache, log: log}, nil
}

func validate(costs map[string]int64) error {
	for kind, cost := range costs {
		if cost <= 0 {
			return fmt.Errorf("%w: %s=%d", ErrInvalidCost, kind, cost)
		}
	}
	return nil
}

// Cost returns the price of kind. A cache failure falls back to the table.
func (c *Catalog) Cost(ctx context.Context, kind string) (int64, error) {
	if v, ok, err := c.cache.Get(ctx, kind); err != nil {
		c.log.Warn("price cache read failed", "kind", kind, "error", err)
	} else if ok {
		return v, nil
	}

	c.mu.RLock()
	cost, ok := c.costs[kind]
	gen := c.gen
	c.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	if err := c.cache.Set(ctx, kind, cost); err != nil {
		c.log.Warn("price cache write failed", "kind", kind, "error", err)
		return cost, nil
	}
	c.evictIfReloaded(ctx, gen, kind)
	return cost, nil
}

// Warm writes every price into the cache.
func (c *Catalog) Warm(ctx context.Context) error {
	c.mu.RLock()
	snapshot := maps.Clone(c.costs)
	gen := c.gen
	c.mu.RUnlock()
	for kind, cost := range snapshot {
		if err := c.cache.Set(ctx, kind, cost); err != nil {
			return err
		}
	}
	c.evictIfReloaded(ctx, gen, slices.Collect(maps.Keys(snapshot))...)
	return nil
}

// evictIfReloaded removes kinds written from generation gen when a Reload
// has happened since. That Reload may have evicted them before the write.
func (c *Catalog) evictIfReloaded(ctx context.Context, gen uint64, kinds ...string) {
	c.mu.RLock()
	moved := c.gen != gen
	c.mu.RUnlock()
	if !moved {
		return
	}
	if err := c.cache.Delete(ctx, kinds...); err != nil {
		c.log.Warn("evict price written during reload", "kinds", kinds, "error", err)
	}
}

// Reload swaps in a new price table and evicts every kind whose price
// changed or disappeared.
func (c *Catalog) Reload(ctx context.Context, costs map[string]int64) error {
	if err := validate(costs); err != nil {
		return err
	}
	c.mu.Lock()
	var stale []string
	for kind, old := range c.costs {
		if v, ok := costs[kind]; !ok || v != old {
			stale = append(stale, kind)
		}
	}
	c.costs = maps.Clone(costs)
	c.gen++
	c.mu.Unlock()

	if err := c.cache.Delete(ctx, stale...); err != nil {
		return fmt.Errorf("evict stale prices: %w", err)
	}
	c.log.Info("price catalog reloaded", "kinds", len(costs), "evicted", len(stale))
	return nil
}

func (c *Catalog) Kinds() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.costs))
}
