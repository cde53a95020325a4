package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemote = errors.New("treasury endpoint unreachable")

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) fn() func() time.Time {
	return func() time.Time { return c.now }
}

func newTestBreaker(clock *fakeClock, transitions *[]string) *Breaker {
	return New(Config{
		Name:        "oasis-gateway",
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		Clock:       clock.fn(),
		OnStateChange: func(name string, from, to State) {
			if transitions != nil {
				*transitions = append(*transitions, from.String()+">"+to.String())
			}
		},
	})
}

func fail(ctx context.Context) error { return errRemote }

func succeed(ctx context.Context) error { return nil }

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	var transitions []string
	b := newTestBreaker(clock, &transitions)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Equal(t, errRemote, b.Execute(ctx, fail))
	}
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, []string{"CLOSED>OPEN"}, transitions)

	// Open means fail fast without touching the remote.
	called := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.Equal(t, ErrOpen, err)
	assert.False(t, called)
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock, nil)
	ctx := context.Background()

	require.Equal(t, errRemote, b.Execute(ctx, fail))
	require.Equal(t, errRemote, b.Execute(ctx, fail))
	require.NoError(t, b.Execute(ctx, succeed))
	require.Equal(t, errRemote, b.Execute(ctx, fail))
	require.Equal(t, errRemote, b.Execute(ctx, fail))

	assert.Equal(t, StateClosed, b.State(), "the streak never reached three")
}

func TestBreakerHalfOpensAfterTimeoutAndCloses(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	var transitions []string
	b := newTestBreaker(clock, &transitions)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Equal(t, errRemote, b.Execute(ctx, fail))
	}
	require.Equal(t, StateOpen, b.State())

	clock.now = clock.now.Add(31 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// MaxRequests consecutive probe successes close the breaker.
	require.NoError(t, b.Execute(ctx, succeed))
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}, transitions)
}

func TestBreakerHalfOpenReopensOnFailure(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Equal(t, errRemote, b.Execute(ctx, fail))
	}
	clock.now = clock.now.Add(31 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	require.Equal(t, errRemote, b.Execute(ctx, fail))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenBoundsInFlightProbes(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := newTestBreaker(clock, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.Equal(t, errRemote, b.Execute(ctx, fail))
	}
	clock.now = clock.now.Add(31 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	// Hold two probes in flight; a third is refused.
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_ = b.Execute(ctx, func(ctx context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	err := b.Execute(ctx, succeed)
	assert.Equal(t, ErrTooManyRequests, err)
	close(release)
	<-done
	<-done
}

func TestBreakerIntervalAgesOutClosedFailures(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := New(Config{
		Name:     "oasis-gateway",
		Interval: time.Minute,
		Clock:    clock.fn(),
	})
	ctx := context.Background()

	require.Equal(t, errRemote, b.Execute(ctx, fail))
	require.Equal(t, errRemote, b.Execute(ctx, fail))

	clock.now = clock.now.Add(2 * time.Minute)
	require.Equal(t, errRemote, b.Execute(ctx, fail))
	assert.Equal(t, StateClosed, b.State(), "old failures aged out before the third")
}

func TestManagerReusesBreakersByName(t *testing.T) {
	m := NewManager(Config{Timeout: time.Second})

	a := m.Get("oasis-gateway")
	b := m.Get("oasis-gateway")
	c := m.Get("webhooks")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "oasis-gateway", a.Name())

	states := m.States()
	assert.Equal(t, StateClosed, states["oasis-gateway"])
	assert.Equal(t, StateClosed, states["webhooks"])
}
