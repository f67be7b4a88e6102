// Package resilience protects calls to the remote voice backend.
//
// [Breaker] is a three-state circuit breaker (closed → open → half-open) that
// stops hammering a backend endpoint after consecutive failures. [Failover]
// orders several endpoints of the same kind, each behind its own breaker, and
// moves on to the next one when a call fails or a breaker is open.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] when the breaker is open and the
// reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout elapses.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. One failure
	// re-opens; HalfOpenMax successes close.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels log lines and state-change callbacks, typically the endpoint
	// base URL.
	Name string

	// MaxFailures is the number of consecutive failures before the breaker
	// opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open.
	// Default: 3.
	HalfOpenMax int

	// IsFailure reports whether err counts against the breaker. Defaults to
	// [CountsAsFailure].
	IsFailure func(error) bool

	// OnStateChange, if set, is called after every transition, outside the
	// breaker lock.
	OnStateChange func(name string, from, to State)
}

// CountsAsFailure is the default failure classifier. Cancellation by the
// caller and errors marked [Permanent] say nothing about endpoint health.
func CountsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var p *permanentError
	return !errors.As(err, &p)
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int
	probeOK         int
}

// NewBreaker creates a [Breaker]. Zero-value fields get defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = CountsAsFailure
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Name returns the configured label.
func (b *Breaker) Name() string { return b.cfg.Name }

// Do runs fn if the breaker allows it. ctx is passed through to fn; a context
// that is already done short-circuits without touching the breaker.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, from, to, err := b.admit()
	b.notify(from, to)
	if err != nil {
		return err
	}

	callErr := fn(ctx)

	b.mu.Lock()
	from = b.state
	if b.cfg.IsFailure(callErr) {
		b.recordFailure(probe)
	} else {
		b.recordSuccess(probe)
	}
	to = b.state
	b.mu.Unlock()
	b.notify(from, to)
	return callErr
}

func (b *Breaker) admit() (probe bool, from, to State, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	from = b.state

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, from, from, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.probeOK = 0
		slog.Info("resilience: circuit half-open", "name", b.cfg.Name)
	case StateHalfOpen:
		if b.probes >= b.cfg.HalfOpenMax {
			return false, from, from, ErrCircuitOpen
		}
	}

	if b.state == StateHalfOpen {
		b.probes++
		probe = true
	}
	return probe, from, b.state, nil
}

// recordFailure must be called with b.mu held.
func (b *Breaker) recordFailure(probe bool) {
	if probe || b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = b.now()
		b.consecutiveFail = b.cfg.MaxFailures
		slog.Warn("resilience: circuit re-opened by failed probe", "name", b.cfg.Name)
		return
	}
	b.consecutiveFail++
	if b.consecutiveFail >= b.cfg.MaxFailures && b.state == StateClosed {
		b.state = StateOpen
		b.openedAt = b.now()
		slog.Warn("resilience: circuit opened",
			"name", b.cfg.Name,
			"consecutive_failures", b.consecutiveFail)
	}
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(probe bool) {
	if probe && b.state == StateHalfOpen {
		b.probeOK++
		if b.probeOK >= b.cfg.HalfOpenMax {
			b.state = StateClosed
			b.consecutiveFail = 0
			slog.Info("resilience: circuit closed after successful probes", "name", b.cfg.Name)
		}
		return
	}
	b.consecutiveFail = 0
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecutiveFail = 0
	b.probes = 0
	b.probeOK = 0
	b.mu.Unlock()
	b.notify(from, StateClosed)
	slog.Info("resilience: circuit manually reset", "name", b.cfg.Name)
}

// ─── Permanent errors ─────────────────────────────────────────────────────────

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as a definitive answer from a healthy endpoint, such as
// an application-level rejection. It neither trips the breaker nor triggers
// failover. Permanent(nil) returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with [Permanent].
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
