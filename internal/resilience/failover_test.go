package resilience

import (
	"context"
	"errors"
	"testing"
)

func newTestFailover() *Failover[string] {
	f := NewFailover("primary", "primary", BreakerConfig{MaxFailures: 1})
	f.Add("secondary", "secondary")
	return f
}

func TestFailover_PrimarySuccess(t *testing.T) {
	t.Parallel()
	f := newTestFailover()
	got, err := Do(context.Background(), f, func(_ context.Context, v string) (string, error) {
		return v, nil
	})
	if err != nil || got != "primary" {
		t.Fatalf("got %q, %v; want primary", got, err)
	}
}

func TestFailover_FallsBack(t *testing.T) {
	t.Parallel()
	f := newTestFailover()
	calls := map[string]int{}
	fn := func(_ context.Context, v string) (string, error) {
		calls[v]++
		if v == "primary" {
			return "", errTest
		}
		return v, nil
	}

	for range 2 {
		got, err := Do(context.Background(), f, fn)
		if err != nil || got != "secondary" {
			t.Fatalf("got %q, %v; want secondary", got, err)
		}
	}
	// The primary breaker opened after one failure and is skipped.
	if calls["primary"] != 1 {
		t.Errorf("primary called %d times, want 1", calls["primary"])
	}
	if s := f.Endpoints()[0].Breaker.State(); s != StateOpen {
		t.Errorf("primary state = %v, want open", s)
	}
}

func TestFailover_AllFail(t *testing.T) {
	t.Parallel()
	f := newTestFailover()
	_, err := Do(context.Background(), f, func(context.Context, string) (int, error) {
		return 0, errTest
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping errTest", err)
	}
}

func TestFailover_PermanentStops(t *testing.T) {
	t.Parallel()
	f := newTestFailover()
	var tried []string
	_, err := Do(context.Background(), f, func(_ context.Context, v string) (int, error) {
		tried = append(tried, v)
		return 0, Permanent(errTest)
	})
	if errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Errorf("err = %v, want the permanent error", err)
	}
	if len(tried) != 1 {
		t.Errorf("tried %v, want only primary", tried)
	}
}

func TestFailover_CancelledContextStops(t *testing.T) {
	t.Parallel()
	f := newTestFailover()
	ctx, cancel := context.WithCancel(context.Background())
	var tried int
	_, err := Do(ctx, f, func(context.Context, string) (int, error) {
		tried++
		cancel()
		return 0, context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if tried != 1 {
		t.Errorf("tried %d endpoints, want 1", tried)
	}
}
