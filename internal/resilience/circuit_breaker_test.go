//nolint:testpackage // tests access unexported settings fields
package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDownstream = errors.New("downstream unavailable")

// fakeClock is a manually advanced clock for deterministic timeout tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "test"})

	assert.Equal(t, "test", cb.Name())
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 5, cb.settings.FailureThreshold)
	assert.Equal(t, 30*time.Second, cb.settings.OpenTimeout)
}

func TestCircuitBreaker_StaysClosedBelowThreshold(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "test", FailureThreshold: 3})

	for range 2 {
		err := cb.Execute(func() error { return errDownstream })
		require.ErrorIs(t, err, errDownstream)
	}

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "test", FailureThreshold: 3})

	for range 3 {
		_ = cb.Execute(func() error { return errDownstream })
	}

	assert.Equal(t, StateOpen, cb.State())

	// While open, calls fail fast without reaching downstream.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "downstream must not be called while open")
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "test", FailureThreshold: 3})

	_ = cb.Execute(func() error { return errDownstream })
	_ = cb.Execute(func() error { return errDownstream })
	require.NoError(t, cb.Execute(func() error { return nil }))

	// Two more failures are again below the threshold.
	_ = cb.Execute(func() error { return errDownstream })
	_ = cb.Execute(func() error { return errDownstream })
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenTrialCloses(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(Settings{
		Name:             "test",
		FailureThreshold: 1,
		OpenTimeout:      30 * time.Second,
		Now:              clock.Now,
	})

	_ = cb.Execute(func() error { return errDownstream })
	require.Equal(t, StateOpen, cb.State())

	// Before the timeout the circuit still rejects.
	clock.Advance(29 * time.Second)
	require.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)

	// After the timeout a single trial is allowed; success closes.
	clock.Advance(2 * time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(Settings{
		Name:             "test",
		FailureThreshold: 1,
		OpenTimeout:      30 * time.Second,
		Now:              clock.Now,
	})

	_ = cb.Execute(func() error { return errDownstream })
	clock.Advance(31 * time.Second)

	// The trial fails: back to open, timeout restarted.
	require.ErrorIs(t, cb.Execute(func() error { return errDownstream }), errDownstream)
	assert.Equal(t, StateOpen, cb.State())

	// The restarted timeout has to elapse in full again.
	clock.Advance(29 * time.Second)
	require.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)

	clock.Advance(2 * time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	clock := newFakeClock()
	cb := NewCircuitBreaker(Settings{
		Name:             "fanout",
		FailureThreshold: 1,
		OpenTimeout:      time.Second,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})

	_ = cb.Execute(func() error { return errDownstream })
	clock.Advance(2 * time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_Metrics(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "test", FailureThreshold: 2})

	require.NoError(t, cb.Execute(func() error { return nil }))
	_ = cb.Execute(func() error { return errDownstream })
	_ = cb.Execute(func() error { return errDownstream })
	_ = cb.Execute(func() error { return nil }) // rejected, circuit open

	m := cb.Metrics()
	assert.Equal(t, "open", m.State)
	assert.Equal(t, int64(4), m.TotalRequests)
	assert.Equal(t, int64(1), m.TotalSuccesses)
	assert.Equal(t, int64(2), m.TotalFailures)
	assert.Equal(t, int64(1), m.TotalRejected)
}
