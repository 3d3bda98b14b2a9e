package sidecar

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelatorIDsMonotonicFromOne(t *testing.T) {
	c := newCorrelator()

	prev := int64(0)
	for i := 0; i < 100; i++ {
		id, _ := c.register()
		assert.Equal(t, prev+1, id)
		prev = id
	}
	assert.Equal(t, 100, c.pendingCount())
}

func TestCorrelatorResolveFulfillsMatchingWaiter(t *testing.T) {
	c := newCorrelator()

	id1, ch1 := c.register()
	id2, ch2 := c.register()

	assert.True(t, c.resolve(id2, json.RawMessage(`{"id":2}`)))
	assert.True(t, c.resolve(id1, json.RawMessage(`{"id":1}`)))

	assert.Equal(t, `{"id":1}`, string(<-ch1))
	assert.Equal(t, `{"id":2}`, string(<-ch2))
	assert.Equal(t, 0, c.pendingCount())
}

func TestCorrelatorResolveUnknownID(t *testing.T) {
	c := newCorrelator()

	assert.False(t, c.resolve(42, json.RawMessage(`{}`)))
}

func TestCorrelatorAbandonRemovesEntry(t *testing.T) {
	c := newCorrelator()

	id, _ := c.register()
	c.abandon(id)

	assert.Equal(t, 0, c.pendingCount())
	assert.False(t, c.resolve(id, json.RawMessage(`{}`)), "late response must be discarded")

	// Abandoning twice is harmless.
	c.abandon(id)
}

func TestCorrelatorDrainAllClosesWaiters(t *testing.T) {
	c := newCorrelator()

	_, ch1 := c.register()
	_, ch2 := c.register()

	assert.Equal(t, 2, c.drainAll())
	assert.Equal(t, 0, c.pendingCount())

	_, ok := <-ch1
	require.False(t, ok)
	_, ok = <-ch2
	require.False(t, ok)

	assert.Equal(t, 0, c.drainAll())
}

func TestCorrelatorIDsNotReusedAfterDrain(t *testing.T) {
	c := newCorrelator()

	id1, _ := c.register()
	c.drainAll()
	id2, _ := c.register()

	assert.Greater(t, id2, id1)
}
