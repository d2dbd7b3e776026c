package hostmetrics

import (
	"context"
	"sync"
	"time"
)

// Cached serves the same snapshot to every caller within interval. Fetches
// happen outside the lock; when two callers race on an expired entry both
// fetch and the later one wins.
type Cached struct {
	src      Source
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	snap  Snapshot
	at    time.Time
	valid bool
}

// NewCached returns src itself when interval <= 0, so the default is a fresh
// snapshot per request.
func NewCached(src Source, interval time.Duration) Source {
	if interval <= 0 {
		return src
	}
	return &Cached{src: src, interval: interval, now: time.Now}
}

// Snapshot implements Source.
func (c *Cached) Snapshot(ctx context.Context) Snapshot {
	c.mu.Lock()
	if c.valid && c.now().Sub(c.at) < c.interval {
		snap := c.snap
		c.mu.Unlock()
		return snap
	}
	c.mu.Unlock()

	snap := c.src.Snapshot(ctx)

	c.mu.Lock()
	c.snap, c.at, c.valid = snap, c.now(), true
	c.mu.Unlock()
	return snap
}

// ResidentMemory forwards to the wrapped source. Process memory is never
// cached because it is read at both ends of a request.
func (c *Cached) ResidentMemory() (uint64, error) {
	if pm, ok := c.src.(ProcessMemory); ok {
		return pm.ResidentMemory()
	}
	return 0, ErrUnavailable
}
