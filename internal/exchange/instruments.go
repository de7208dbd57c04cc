package exchange

import (
	"context"
	"sync"
	"time"
)

// InstrumentLoader fetches sizing rules for a canonical symbol.
type InstrumentLoader func(ctx context.Context, symbol string) (Instrument, error)

type cachedInstrument struct {
	inst    Instrument
	fetched time.Time
}

// InstrumentCache memoizes instrument metadata for ttl.
type InstrumentCache struct {
	load InstrumentLoader
	ttl  time.Duration

	mu    sync.Mutex
	items map[string]cachedInstrument
}

// NewInstrumentCache creates a cache. A zero ttl means one hour.
func NewInstrumentCache(load InstrumentLoader, ttl time.Duration) *InstrumentCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &InstrumentCache{load: load, ttl: ttl, items: make(map[string]cachedInstrument)}
}

// Get returns the instrument for symbol, loading it when missing or stale.
func (c *InstrumentCache) Get(ctx context.Context, symbol string) (Instrument, error) {
	c.mu.Lock()
	item, ok := c.items[symbol]
	c.mu.Unlock()
	if ok && time.Since(item.fetched) < c.ttl {
		return item.inst, nil
	}

	inst, err := c.load(ctx, symbol)
	if err != nil {
		return Instrument{}, err
	}

	c.mu.Lock()
	c.items[symbol] = cachedInstrument{inst: inst, fetched: time.Now()}
	c.mu.Unlock()
	return inst, nil
}
