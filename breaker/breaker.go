// Package breaker implements a circuit breaker shared across all concurrent
// callers of a named dependency. The authorization client consults it to
// decide fail-open/fail-closed behavior when the backend is unreachable.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by Do without invoking the wrapped call when the
// circuit is open and the cool-down has not elapsed.
var ErrOpen = errors.New("breaker: circuit open")

// State is the circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds the breaker tunables. These are configuration, not behavioral
// contracts; defaults apply when zero.
type Config struct {
	// FailureThreshold is how many consecutive failures open the circuit.
	// ENV: BREAKER_FAILURE_THRESHOLD
	FailureThreshold int `env:"BREAKER_FAILURE_THRESHOLD,default=10"`
	// Cooldown is how long the circuit stays open before allowing a trial
	// call. ENV: BREAKER_COOLDOWN
	Cooldown time.Duration `env:"BREAKER_COOLDOWN,default=30s"`
}

func (c Config) defaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Breaker guards one named dependency. State transitions are atomic under
// concurrent access: when the cool-down elapses, exactly one caller is let
// through as the half-open trial; the rest observe the circuit as open.
type Breaker struct {
	name string
	cfg  Config
	log  *slog.Logger
	now  func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	trialInFlight bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the logger used for state-change events.
func WithLogger(log *slog.Logger) Option {
	return func(b *Breaker) { b.log = log }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:  name,
		cfg:   cfg.defaults(),
		log:   slog.Default(),
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Do runs fn under the breaker. It returns ErrOpen (wrapped with the breaker
// name) without invoking fn when the circuit rejects the call; otherwise it
// returns fn's error and accounts it.
func (b *Breaker) Do(fn func() error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	callErr := fn()
	b.settle(trial, callErr)
	return callErr
}

// State reports the current state. Ops/test inspection hook.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.logTransition(b.state, StateClosed)
	}
	b.state = StateClosed
	b.failures = 0
	b.trialInFlight = false
}

// ForceOpen trips the breaker. Ops/test hook.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		b.logTransition(b.state, StateOpen)
	}
	b.state = StateOpen
	b.lastFailure = b.now()
}

// admit decides whether the call proceeds and whether it is the half-open
// trial call.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.Cooldown {
			return false, fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.logTransition(StateOpen, StateHalfOpen)
		b.state = StateHalfOpen
		b.trialInFlight = true
		return true, nil
	case StateHalfOpen:
		// Excess callers during the trial are treated as if still open.
		if b.trialInFlight {
			return false, fmt.Errorf("%w: %s", ErrOpen, b.name)
		}
		b.trialInFlight = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) settle(trial bool, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.trialInFlight = false
	}
	if callErr != nil {
		b.failures++
		b.lastFailure = b.now()
		switch {
		case b.state == StateHalfOpen:
			b.logTransition(StateHalfOpen, StateOpen)
			b.state = StateOpen
		case b.state == StateClosed && b.failures >= b.cfg.FailureThreshold:
			b.logTransition(StateClosed, StateOpen)
			b.state = StateOpen
		}
		return
	}
	if b.state == StateHalfOpen {
		b.logTransition(StateHalfOpen, StateClosed)
		b.state = StateClosed
	}
	b.failures = 0
}

func (b *Breaker) logTransition(from, to State) {
	b.log.Info("circuit breaker state changed",
		slog.String("breaker", b.name),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
}

// Registry holds one breaker per dependency name. It is an explicit,
// constructor-injected object, not process-global state.
type Registry struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{cfg: cfg, log: log, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.cfg, WithLogger(r.log))
	r.breakers[name] = b
	return b
}

// Reset resets the named breaker if it exists.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if ok {
		b.Reset()
	}
}
