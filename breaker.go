package taskrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState is the state of a circuit breaker.
type CircuitState string

const (
	// CircuitClosed lets calls through and counts failures.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen rejects calls without invoking them.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen admits a limited number of trial calls.
	CircuitHalfOpen CircuitState = "half_open"
)

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
	defaultHalfOpenMaxCalls = 1
	defaultSuccessThreshold = 1
)

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before admitting trial calls.
	ResetTimeout time.Duration
	// HalfOpenMaxCalls caps concurrent trial calls while half-open.
	HalfOpenMaxCalls int
	// SuccessThreshold is the number of trial successes that closes the circuit.
	SuccessThreshold int
	// IsFailure decides whether an error counts against the dependency.
	// The default counts every error except context.Canceled and Permanent errors.
	IsFailure func(err error) bool
	// OnStateChange is called after a transition, outside the breaker lock.
	OnStateChange func(name string, from, to CircuitState)
	Clock         Clock
	Logger        Logger
	Metrics       Metrics
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = defaultResetTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = defaultHalfOpenMaxCalls
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = defaultSuccessThreshold
	}
	if c.IsFailure == nil {
		c.IsFailure = defaultIsFailure
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}

	return c
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !IsPermanent(err)
}

// BreakerState is a point-in-time copy of a breaker, also used for persistence.
type BreakerState struct {
	Name              string        `json:"name"`
	State             CircuitState  `json:"state"`
	FailureCount      int           `json:"failure_count"`
	FailureThreshold  int           `json:"failure_threshold"`
	OpenedAt          time.Time     `json:"opened_at,omitempty"`
	ResetTimeout      time.Duration `json:"reset_timeout"`
	HalfOpenSuccesses int           `json:"half_open_successes"`
	// Generation grows on every transition.
	Generation uint64 `json:"generation"`
}

// Breaker isolates callers from a failing dependency.
//
// State lives behind a mutex that is never held while a call runs. Each admitted call
// remembers the generation it was admitted under; results from an older generation are
// ignored so a slow call cannot undo a newer transition.
type Breaker struct {
	name string
	cfg  BreakerConfig

	// onTransition runs after OnStateChange; set by BreakerRegistry for persistence.
	onTransition func(BreakerState)

	mu         sync.Mutex
	state      CircuitState
	failures   int
	successes  int
	trials     int
	openedAt   time.Time
	generation uint64
}

type transition struct {
	from, to CircuitState
	snapshot BreakerState
}

// NewBreaker returns a closed breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), state: CircuitClosed}
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs call through the breaker.
//
// When the circuit rejects the call it returns a *BreakerError wrapping ErrCircuitOpen
// without invoking call. When call fails it returns a *BreakerError wrapping that error
// and carrying the state after the failure was recorded. A panicking call counts as a
// failure and the panic is re-raised.
func (b *Breaker) Execute(ctx context.Context, call func(ctx context.Context) error) error {
	gen, err := b.admit()
	if err != nil {
		b.cfg.Metrics.AddBreakerRejected(b.name)

		return err
	}

	recorded := false
	defer func() {
		if rec := recover(); rec != nil {
			if !recorded {
				b.record(gen, fmt.Errorf("taskrelay: breaker %q call panic: %v", b.name, rec))
			}
			panic(rec)
		}
	}()

	callErr := call(ctx)
	recorded = true
	state := b.record(gen, callErr)
	if callErr != nil {
		return &BreakerError{Name: b.name, State: state, Err: callErr}
	}

	return nil
}

// Ready reports whether a call would be admitted now. It does not change state.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		return !b.cfg.Clock.Now().Before(b.openedAt.Add(b.cfg.ResetTimeout))
	case CircuitHalfOpen:
		return b.trials < b.cfg.HalfOpenMaxCalls
	default:
		return true
	}
}

// OpenError returns the error Execute would return for a rejected call, or nil when Ready.
func (b *Breaker) OpenError() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock.Now()
	switch {
	case b.state == CircuitOpen && now.Before(b.openedAt.Add(b.cfg.ResetTimeout)):
		return b.openErrorLocked(now)
	case b.state == CircuitHalfOpen && b.trials >= b.cfg.HalfOpenMaxCalls:
		return b.openErrorLocked(now)
	default:
		return nil
	}
}

// State returns the current state, moving an expired open circuit to half-open.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	tr := b.advanceLocked(b.cfg.Clock.Now())
	state := b.state
	b.mu.Unlock()

	b.notify(tr)

	return state
}

// Snapshot returns a copy of the breaker state.
func (b *Breaker) Snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.snapshotLocked()
}

// Restore replaces the breaker state with a persisted snapshot of the same name.
func (b *Breaker) Restore(s BreakerState) {
	if s.Name != b.name {
		return
	}
	switch s.State {
	case CircuitClosed, CircuitOpen, CircuitHalfOpen:
	default:
		return
	}

	b.mu.Lock()
	b.state = s.State
	b.failures = s.FailureCount
	b.successes = s.HalfOpenSuccesses
	b.openedAt = s.OpenedAt
	b.generation = s.Generation
	b.trials = 0
	b.mu.Unlock()
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	now := b.cfg.Clock.Now()
	tr := b.advanceLocked(now)

	var err error
	switch b.state {
	case CircuitOpen:
		err = b.openErrorLocked(now)
	case CircuitHalfOpen:
		if b.trials >= b.cfg.HalfOpenMaxCalls {
			err = b.openErrorLocked(now)
		} else {
			b.trials++
		}
	}
	gen := b.generation
	b.mu.Unlock()

	b.notify(tr)

	return gen, err
}

func (b *Breaker) record(gen uint64, err error) CircuitState {
	b.mu.Lock()
	if gen != b.generation {
		state := b.state
		b.mu.Unlock()

		return state
	}

	now := b.cfg.Clock.Now()
	failure := b.cfg.IsFailure(err)

	var tr *transition
	switch b.state {
	case CircuitClosed:
		switch {
		case failure:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				tr = b.setStateLocked(CircuitOpen, now)
			}
		case err == nil:
			b.failures = 0
		}
	case CircuitHalfOpen:
		b.trials--
		switch {
		case failure:
			b.failures++
			tr = b.setStateLocked(CircuitOpen, now)
		case err == nil:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				tr = b.setStateLocked(CircuitClosed, now)
			}
		}
	}
	state := b.state
	b.mu.Unlock()

	b.notify(tr)

	return state
}

func (b *Breaker) advanceLocked(now time.Time) *transition {
	if b.state == CircuitOpen && !now.Before(b.openedAt.Add(b.cfg.ResetTimeout)) {
		return b.setStateLocked(CircuitHalfOpen, now)
	}

	return nil
}

func (b *Breaker) setStateLocked(to CircuitState, now time.Time) *transition {
	from := b.state
	b.state = to
	b.generation++
	b.trials = 0
	b.successes = 0

	switch to {
	case CircuitOpen:
		b.openedAt = now
	case CircuitClosed:
		b.failures = 0
		b.openedAt = time.Time{}
	}

	return &transition{from: from, to: to, snapshot: b.snapshotLocked()}
}

func (b *Breaker) snapshotLocked() BreakerState {
	return BreakerState{
		Name:              b.name,
		State:             b.state,
		FailureCount:      b.failures,
		FailureThreshold:  b.cfg.FailureThreshold,
		OpenedAt:          b.openedAt,
		ResetTimeout:      b.cfg.ResetTimeout,
		HalfOpenSuccesses: b.successes,
		Generation:        b.generation,
	}
}

func (b *Breaker) openErrorLocked(now time.Time) *BreakerError {
	var retryAfter time.Duration
	if b.state == CircuitOpen {
		retryAfter = b.openedAt.Add(b.cfg.ResetTimeout).Sub(now)
	}

	return &BreakerError{Name: b.name, State: b.state, RetryAfter: retryAfter, Err: ErrCircuitOpen}
}

func (b *Breaker) notify(tr *transition) {
	if tr == nil {
		return
	}

	b.cfg.Logger.Info("circuit breaker state changed", "breaker", b.name, "from", tr.from, "to", tr.to, "failures", tr.snapshot.FailureCount)
	b.cfg.Metrics.SetBreakerState(b.name, tr.to)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, tr.from, tr.to)
	}
	if b.onTransition != nil {
		b.onTransition(tr.snapshot)
	}
}
