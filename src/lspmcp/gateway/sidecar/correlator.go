package sidecar

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// correlator matches asynchronous responses to the requests that caused
// them. Identifiers are monotonically increasing, start at 1, and are never
// reused for the lifetime of a session. Each identifier owns a single-use
// completion slot that is removed on first resolution, abandonment, or
// drain, whichever comes first.
type correlator struct {
	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan json.RawMessage
}

func newCorrelator() *correlator {
	return &correlator{
		pending: make(map[int64]chan json.RawMessage),
	}
}

// register allocates the next identifier and inserts a fresh completion
// slot, returning the identifier to embed in the outgoing message and the
// channel the caller will await. The channel yields the full response body,
// or is closed if the connection is lost.
func (c *correlator) register() (int64, <-chan json.RawMessage) {
	id := c.nextID.Add(1)
	ch := make(chan json.RawMessage, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	return id, ch
}

// resolve removes and fulfills the slot for id. It reports false when no
// matching entry exists (the caller already gave up, or the response is
// spurious); the payload is discarded in that case.
func (c *correlator) resolve(id int64, payload json.RawMessage) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- payload
	return true
}

// abandon removes the caller's own entry so a late response cannot leak it.
func (c *correlator) abandon(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// drainAll removes every pending entry and closes its slot, so every
// outstanding waiter observes a connection-lost outcome instead of hanging.
func (c *correlator) drainAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := len(c.pending)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	return count
}

// pendingCount returns the number of outstanding entries.
func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
