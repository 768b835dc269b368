package precision

import (
	"context"
	"sync"
	"time"

	"tradecore/internal/model"
	"tradecore/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	defaultStaleAfter   = time.Hour
	defaultFetchTimeout = 10 * time.Second
)

// FilterSource fetches a symbol's trading rules from the exchange.
type FilterSource interface {
	FetchFilters(ctx context.Context, symbol string) (model.ExchangeFilter, error)
}

// Cache holds per-symbol exchange filters. A missing or stale entry is
// refreshed before it is returned; if the refresh fails the caller gets an
// error, never the stale entry. Concurrent readers of the same symbol share a
// single in-flight refresh.
type Cache struct {
	source       FilterSource
	staleAfter   time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	mu       sync.RWMutex
	entries  map[string]model.ExchangeFilter
	inflight map[string]*refreshCall
}

type refreshCall struct {
	done   chan struct{}
	filter model.ExchangeFilter
	err    error
}

// NewCache creates a cache. staleAfter <= 0 uses one hour.
func NewCache(source FilterSource, staleAfter time.Duration, now func() time.Time) *Cache {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		source:       source,
		staleAfter:   staleAfter,
		fetchTimeout: defaultFetchTimeout,
		now:          now,
		entries:      make(map[string]model.ExchangeFilter),
		inflight:     make(map[string]*refreshCall),
	}
}

// Get returns a fresh filter for symbol, refreshing it when needed.
func (c *Cache) Get(ctx context.Context, symbol string) (model.ExchangeFilter, error) {
	c.mu.RLock()
	f, ok := c.entries[symbol]
	c.mu.RUnlock()
	if ok && c.fresh(f) {
		return f, nil
	}
	return c.refresh(ctx, symbol)
}

// Put stores a filter, e.g. one seeded from configuration.
func (c *Cache) Put(f model.ExchangeFilter) {
	if f.FetchedAt.IsZero() {
		f.FetchedAt = c.now()
	}
	c.mu.Lock()
	c.entries[f.Symbol] = f
	c.mu.Unlock()
}

// Invalidate drops a symbol so the next Get refreshes it.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	delete(c.entries, symbol)
	c.mu.Unlock()
}

// Symbols returns the cached symbols.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for symbol := range c.entries {
		out = append(out, symbol)
	}
	return out
}

// Run refreshes every cached symbol each interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.staleAfter / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range c.Symbols() {
				if _, err := c.refresh(ctx, symbol); err != nil {
					logs.Errorf("refresh filter %s, err: %+v", symbol, err)
				}
			}
		}
	}
}

func (c *Cache) fresh(f model.ExchangeFilter) bool {
	return c.now().Sub(f.FetchedAt) < c.staleAfter
}

func (c *Cache) refresh(ctx context.Context, symbol string) (model.ExchangeFilter, error) {
	c.mu.Lock()
	call, ok := c.inflight[symbol]
	if !ok {
		call = &refreshCall{done: make(chan struct{})}
		c.inflight[symbol] = call
		go c.fetch(context.WithoutCancel(ctx), symbol, call)
	}
	c.mu.Unlock()

	select {
	case <-call.done:
		return call.filter, call.err
	case <-ctx.Done():
		return model.ExchangeFilter{}, ctx.Err()
	}
}

// fetch runs one shared refresh. It is detached from the caller that started
// it, so a waiter giving up does not fail the others.
func (c *Cache) fetch(ctx context.Context, symbol string, call *refreshCall) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	f, err := c.source.FetchFilters(ctx, symbol)
	if err == nil {
		f.Symbol = symbol
		if f.FetchedAt.IsZero() {
			f.FetchedAt = c.now()
		}
	} else {
		err = errors.Wrapf(exception.ErrFilterUnavailable, "fetch %s: %v", symbol, err)
	}

	c.mu.Lock()
	if err == nil {
		c.entries[symbol] = f
	}
	delete(c.inflight, symbol)
	c.mu.Unlock()

	call.filter, call.err = f, err
	close(call.done)
}
