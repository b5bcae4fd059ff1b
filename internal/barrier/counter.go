package barrier

import (
	"context"
	"sync"
)

// Counter is a reusable counting rendezvous for a fixed number of parties.
// Arrivals accumulate in one of two slots; when a slot fills, the next
// generation starts counting in the other slot while the waiters of the
// finished one drain, so no reset ever races a late waiter.
type Counter struct {
	mu sync.Mutex

	parties int
	phase   int
	gen     uint64
	counts  [2]int
	done    [2]chan struct{}
}

// NewCounter returns a counter releasing every parties arrivals.
func NewCounter(parties int) *Counter {
	c := &Counter{parties: parties}
	c.done[0] = make(chan struct{})
	c.done[1] = make(chan struct{})
	return c
}

// Arrive registers the caller in the current generation and blocks until
// the generation is complete. It returns the generation number.
func (c *Counter) Arrive(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	slot := c.phase
	gen := c.gen
	done := c.done[slot]
	c.counts[slot]++
	if c.counts[slot] >= c.parties {
		next := slot ^ 1
		c.counts[next] = 0
		c.done[next] = make(chan struct{})
		c.phase = next
		c.gen++
		close(done)
	}
	c.mu.Unlock()

	select {
	case <-done:
		return gen, nil
	case <-ctx.Done():
		return gen, ctx.Err()
	}
}

// Generation returns the number of completed generations.
func (c *Counter) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Pending returns how many parties have arrived in the current generation.
func (c *Counter) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[c.phase]
}
