package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var errBoom = errors.New("boom")

func failing() error { return errBoom }

func succeeding() error { return nil }

func newBreaker(clk *fakeClock) *Breaker {
	return New("dep", Config{FailureThreshold: 3, Cooldown: 10 * time.Second}, WithClock(clk.now))
}

func TestOpensAfterThreshold(t *testing.T) {
	clk := newFakeClock()
	b := newBreaker(clk)

	for i := 0; i < 2; i++ {
		if err := b.Do(failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: %v", i, err)
		}
		if b.State() != StateClosed {
			t.Fatalf("state after %d failures: %v", i+1, b.State())
		}
	}
	_ = b.Do(failing)
	if b.State() != StateOpen {
		t.Fatalf("state after threshold: %v, want open", b.State())
	}

	// While open, calls are rejected without being invoked.
	invoked := false
	err := b.Do(func() error { invoked = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("open breaker returned %v, want ErrOpen", err)
	}
	if invoked {
		t.Fatal("open breaker invoked the wrapped call")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	clk := newFakeClock()
	b := newBreaker(clk)

	_ = b.Do(failing)
	_ = b.Do(failing)
	if err := b.Do(succeeding); err != nil {
		t.Fatalf("Do: %v", err)
	}
	// The counter reset: two more failures must not open the circuit.
	_ = b.Do(failing)
	_ = b.Do(failing)
	if b.State() != StateClosed {
		t.Fatalf("state: %v, want closed", b.State())
	}
}

func TestHalfOpenTrialClosesOnSuccess(t *testing.T) {
	clk := newFakeClock()
	b := newBreaker(clk)
	for i := 0; i < 3; i++ {
		_ = b.Do(failing)
	}
	clk.advance(11 * time.Second)

	if err := b.Do(succeeding); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state after successful trial: %v, want closed", b.State())
	}
}

func TestHalfOpenTrialReopensOnFailure(t *testing.T) {
	clk := newFakeClock()
	b := newBreaker(clk)
	for i := 0; i < 3; i++ {
		_ = b.Do(failing)
	}
	clk.advance(11 * time.Second)

	if err := b.Do(failing); !errors.Is(err, errBoom) {
		t.Fatalf("trial call: %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state after failed trial: %v, want open", b.State())
	}
	// Cool-down restarts from the trial failure.
	if err := b.Do(succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("call during renewed cooldown: %v, want ErrOpen", err)
	}
}

func TestHalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	clk := newFakeClock()
	b := newBreaker(clk)
	for i := 0; i < 3; i++ {
		_ = b.Do(failing)
	}
	clk.advance(11 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var trialErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		trialErr = b.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// A second caller during the in-flight trial is treated as open.
	if err := b.Do(succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("concurrent caller during trial: %v, want ErrOpen", err)
	}

	close(release)
	wg.Wait()
	if trialErr != nil {
		t.Fatalf("trial: %v", trialErr)
	}
	if b.State() != StateClosed {
		t.Fatalf("state: %v, want closed", b.State())
	}
}

func TestResetAndForceOpen(t *testing.T) {
	clk := newFakeClock()
	b := newBreaker(clk)

	b.ForceOpen()
	if b.State() != StateOpen {
		t.Fatalf("state after ForceOpen: %v", b.State())
	}
	if err := b.Do(succeeding); !errors.Is(err, ErrOpen) {
		t.Fatalf("forced-open breaker: %v, want ErrOpen", err)
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state after Reset: %v", b.State())
	}
	if err := b.Do(succeeding); err != nil {
		t.Fatalf("reset breaker: %v", err)
	}
}

func TestRegistrySharesBreakersByName(t *testing.T) {
	reg := NewRegistry(Config{}, nil)
	a := reg.Get("openfga")
	b := reg.Get("openfga")
	if a != b {
		t.Fatal("registry returned distinct breakers for the same name")
	}
	if c := reg.Get("other"); c == a {
		t.Fatal("registry shared a breaker across names")
	}

	a.ForceOpen()
	reg.Reset("openfga")
	if a.State() != StateClosed {
		t.Fatalf("state after registry reset: %v", a.State())
	}
}
