package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboundQueue_FIFOOrder(t *testing.T) {
	q := &outboundQueue{}
	q.pushBack(&outboundEntry{action: "first"})
	q.pushBack(&outboundEntry{action: "second"})
	q.pushBack(&outboundEntry{action: "third"})

	require.Equal(t, 3, q.len())

	for _, want := range []string{"first", "second", "third"} {
		entry, ok := q.popFront()
		require.True(t, ok)
		assert.Equal(t, want, entry.action)
	}

	_, ok := q.popFront()
	assert.False(t, ok)
}

func TestOutboundQueue_PushFrontKeepsFailedEntryAhead(t *testing.T) {
	q := &outboundQueue{}
	q.pushBack(&outboundEntry{action: "first"})
	q.pushBack(&outboundEntry{action: "second"})

	// A failed replay goes back to the front, ahead of everything queued
	// behind it.
	failed, ok := q.popFront()
	require.True(t, ok)
	q.pushFront(failed)

	entry, ok := q.popFront()
	require.True(t, ok)
	assert.Equal(t, "first", entry.action)
}
