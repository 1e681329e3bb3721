package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(zerolog.Nop())
}

func TestRegistry_FirstConnectionGoesOnline(t *testing.T) {
	r := newTestRegistry()

	assert.False(t, r.IsOnline("user-a"))
	wentOnline := r.MarkOnline("user-a", "conn-1")

	assert.True(t, wentOnline)
	assert.True(t, r.IsOnline("user-a"))
}

func TestRegistry_SecondDeviceIsNotATransition(t *testing.T) {
	r := newTestRegistry()

	require.True(t, r.MarkOnline("user-a", "conn-1"))
	assert.False(t, r.MarkOnline("user-a", "conn-2"), "second device must not report a transition")
	assert.Equal(t, 2, r.ConnectionCount("user-a"))
}

func TestRegistry_PartialDisconnectStaysOnline(t *testing.T) {
	r := newTestRegistry()
	r.MarkOnline("user-a", "conn-1")
	r.MarkOnline("user-a", "conn-2")

	wentFullyOffline, lastSeen := r.MarkOffline("user-a", "conn-1")

	assert.False(t, wentFullyOffline)
	assert.True(t, lastSeen.IsZero())
	assert.True(t, r.IsOnline("user-a"))

	_, ok := r.LastSeen("user-a")
	assert.False(t, ok, "LastSeen must not report while still online")
}

func TestRegistry_LastDisconnectGoesFullyOffline(t *testing.T) {
	r := newTestRegistry()
	r.MarkOnline("user-a", "conn-1")
	r.MarkOnline("user-a", "conn-2")
	r.MarkOffline("user-a", "conn-1")

	before := time.Now()
	wentFullyOffline, lastSeen := r.MarkOffline("user-a", "conn-2")
	after := time.Now()

	assert.True(t, wentFullyOffline)
	assert.False(t, r.IsOnline("user-a"))
	assert.False(t, lastSeen.Before(before))
	assert.False(t, lastSeen.After(after))

	recorded, ok := r.LastSeen("user-a")
	require.True(t, ok)
	assert.Equal(t, lastSeen, recorded)
}

func TestRegistry_MarkOfflineUnknownConnection(t *testing.T) {
	r := newTestRegistry()
	r.MarkOnline("user-a", "conn-1")

	wentFullyOffline, _ := r.MarkOffline("user-a", "conn-unknown")
	assert.False(t, wentFullyOffline)
	assert.True(t, r.IsOnline("user-a"))

	wentFullyOffline, _ = r.MarkOffline("user-never-seen", "conn-1")
	assert.False(t, wentFullyOffline)
}

func TestRegistry_ReconnectAfterOffline(t *testing.T) {
	r := newTestRegistry()
	r.MarkOnline("user-a", "conn-1")
	r.MarkOffline("user-a", "conn-1")

	assert.True(t, r.MarkOnline("user-a", "conn-2"), "reconnect after offline is a fresh transition")
	assert.True(t, r.IsOnline("user-a"))
}

// Concurrent connects and disconnects for the same identity must balance
// out to exactly one offline transition per online transition.
func TestRegistry_ConcurrentChurn(t *testing.T) {
	r := newTestRegistry()
	const workers = 16
	const rounds = 50

	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range rounds {
				connID := fmt.Sprintf("conn-%d-%d", w, i)
				r.MarkOnline("user-a", connID)
				r.MarkOffline("user-a", connID)
			}
		}(w)
	}
	wg.Wait()

	assert.False(t, r.IsOnline("user-a"))
	assert.Equal(t, 0, r.ConnectionCount("user-a"))
}

func TestRegistry_IdentitiesAreIndependent(t *testing.T) {
	r := newTestRegistry()
	r.MarkOnline("user-a", "conn-1")
	r.MarkOnline("user-b", "conn-2")

	r.MarkOffline("user-a", "conn-1")

	assert.False(t, r.IsOnline("user-a"))
	assert.True(t, r.IsOnline("user-b"))
}
