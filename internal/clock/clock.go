// Package clock implements the process-wide Lamport logical clock used to
// impose a causal order on events flowing through the orchestrator: client
// requests, worker reports, and replication pushes all tick or merge the
// same counter before they leave the process.
package clock

import "sync"

// Clock is a single non-negative logical counter, safe for concurrent use.
// Tick and Merge are the only ways to advance it; Read never mutates state.
//
// The zero value is ready to use, starting at 0.
type Clock struct {
	mu sync.Mutex
	t  uint64
}

// New returns a Clock starting at 0.
func New() *Clock {
	return &Clock{}
}

// Tick advances the clock by one and returns the new value. Call this
// immediately before tagging an outgoing message that represents a purely
// local event (no causal predecessor received over the wire).
func (c *Clock) Tick() uint64 {
	c.mu.Lock()
	c.t++
	v := c.t
	c.mu.Unlock()
	return v
}

// Merge folds in a received timestamp r: the clock becomes max(t, r) + 1.
// Call this on every inbound envelope carrying a non-zero Lamport value,
// before dispatching on its kind.
func (c *Clock) Merge(r uint64) uint64 {
	c.mu.Lock()
	if r > c.t {
		c.t = r
	}
	c.t++
	v := c.t
	c.mu.Unlock()
	return v
}

// Read returns the current value without mutating it.
func (c *Clock) Read() uint64 {
	c.mu.Lock()
	v := c.t
	c.mu.Unlock()
	return v
}
