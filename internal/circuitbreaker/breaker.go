// Package circuitbreaker guards outbound gateway calls. A tripped breaker
// fails fast instead of stacking timeouts on a treasury endpoint that is
// already down.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State of one breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrOpen is returned without running the request while the breaker
	// is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned when the half-open probe quota is
	// already in flight.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Counts is the rolling request tally for the current generation.
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.Successes++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.Failures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Config tunes one breaker.
type Config struct {
	Name string
	// MaxRequests bounds the probes allowed through in half-open state.
	MaxRequests uint32
	// Interval clears the closed-state counts so old failures age out.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ReadyToTrip decides, after each closed-state failure, whether to
	// open. Nil means three consecutive failures.
	ReadyToTrip func(c Counts) bool
	// OnStateChange observes transitions; the gateway wires logging and
	// metrics here.
	OnStateChange func(name string, from, to State)
	// Clock is injectable for tests.
	Clock func() time.Time
}

func (c *Config) fill() {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ReadyToTrip == nil {
		c.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 3 }
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Breaker is one named circuit breaker.
type Breaker struct {
	cfg Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New builds a breaker from the config.
func New(cfg Config) *Breaker {
	cfg.fill()
	return &Breaker{cfg: cfg}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state, advancing open→half-open on expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(b.cfg.Clock())
	return state
}

// Counts returns the current generation's tally.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Execute runs fn if the breaker admits the request and folds the outcome
// into the state machine. A context error counts as a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.after(generation, err == nil)
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock()
	state, generation := b.currentState(now)
	switch {
	case state == StateOpen:
		return generation, ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxRequests:
		return generation, ErrTooManyRequests
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) after(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock()
	state, current := b.currentState(now)
	if generation != current {
		// The state rolled while the request was in flight; its outcome
		// belongs to a finished generation.
		return
	}

	if success {
		switch state {
		case StateClosed:
			b.counts.onSuccess()
		case StateHalfOpen:
			b.counts.onSuccess()
			if b.counts.ConsecutiveSuccesses >= b.cfg.MaxRequests {
				b.setState(StateClosed, now)
			}
		}
		return
	}

	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Timeout)
	default:
		b.expiry = time.Time{}
	}
}

// Manager hands out breakers by name, creating them from a default config
// on first use.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewManager builds a manager whose breakers share the default config.
func NewManager(cfg Config) *Manager {
	cfg.fill()
	return &Manager{breakers: map[string]*Breaker{}, cfg: cfg}
}

// Get returns the named breaker, creating it if needed.
func (m *Manager) Get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	cfg := m.cfg
	cfg.Name = name
	b := New(cfg)
	m.breakers[name] = b
	return b
}

// States snapshots every breaker's state, for health reporting.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	breakers := make(map[string]*Breaker, len(m.breakers))
	for name, b := range m.breakers {
		breakers[name] = b
	}
	m.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for name, b := range breakers {
		out[name] = b.State()
	}
	return out
}
