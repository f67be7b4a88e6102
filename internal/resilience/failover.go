package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [Failover] failed or had an
// open breaker.
var ErrAllFailed = errors.New("resilience: all endpoints failed")

// Endpoint is one entry of a [Failover] with its dedicated breaker.
type Endpoint[T any] struct {
	Name    string
	Value   T
	Breaker *Breaker
}

// Failover holds a primary endpoint and zero or more fallbacks of the same
// kind. Entries are tried in registration order.
//
// Entries must be registered before the first call; Failover is safe for
// concurrent calls afterwards.
type Failover[T any] struct {
	entries []Endpoint[T]
	cfg     BreakerConfig
}

// NewFailover creates a [Failover] with primary as the first entry. cfg is
// the template for every per-entry breaker; its Name is replaced by the entry
// name.
func NewFailover[T any](primaryName string, primary T, cfg BreakerConfig) *Failover[T] {
	f := &Failover[T]{cfg: cfg}
	f.Add(primaryName, primary)
	return f
}

// Add appends a fallback entry.
func (f *Failover[T]) Add(name string, value T) {
	cfg := f.cfg
	cfg.Name = name
	f.entries = append(f.entries, Endpoint[T]{
		Name:    name,
		Value:   value,
		Breaker: NewBreaker(cfg),
	})
}

// Endpoints returns the registered entries in order.
func (f *Failover[T]) Endpoints() []Endpoint[T] {
	return append([]Endpoint[T](nil), f.entries...)
}

// Do calls fn against each entry until one succeeds. It stops early when ctx
// is done or fn returns a [Permanent] error; both are returned as-is. When
// every entry fails the result wraps [ErrAllFailed] and the last error.
func Do[T, R any](ctx context.Context, f *Failover[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range f.entries {
		e := &f.entries[i]
		var result R
		err := e.Breaker.Do(ctx, func(ctx context.Context) error {
			var callErr error
			result, callErr = fn(ctx, e.Value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		if IsPermanent(err) || ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping endpoint, circuit open", "endpoint", e.Name)
			continue
		}
		if i < len(f.entries)-1 {
			slog.Warn("resilience: endpoint failed, trying next", "endpoint", e.Name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
