package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "stt", MaxFailures: 3, ResetTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn must not run while the breaker is open")
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 2})

	_ = cb.Execute(func() error { return errBoom })
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return errBoom })

	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed (streak was broken)", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})

	_ = cb.Execute(func() error { return errBoom })
	if cb.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(20 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe after reset timeout: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed after successful probe", got)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond})

	_ = cb.Execute(func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v", err)
	}
	if got := cb.State(); got != StateOpen {
		t.Errorf("state = %v, want open after failed probe", got)
	}
}

func TestFallbackFirstSuccessWins(t *testing.T) {
	secondCalled := false
	g := NewFallbackGroup("stt",
		Member[string]{Name: "primary", Call: func(context.Context) (string, error) { return "ok", nil }},
		Member[string]{Name: "backup", Call: func(context.Context) (string, error) {
			secondCalled = true
			return "backup", nil
		}},
	)

	got, err := g.Execute(context.Background())
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v", got, err)
	}
	if secondCalled {
		t.Error("backup must not run when primary succeeds")
	}
}

func TestFallbackAdvancesOnFailure(t *testing.T) {
	g := NewFallbackGroup("stt",
		Member[string]{Name: "primary", Call: func(context.Context) (string, error) { return "", errBoom }},
		Member[string]{Name: "backup", Call: func(context.Context) (string, error) { return "backup", nil }},
	)

	got, err := g.Execute(context.Background())
	if err != nil || got != "backup" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestFallbackAllFailed(t *testing.T) {
	g := NewFallbackGroup("tts",
		Member[int]{Name: "only", Call: func(context.Context) (int, error) { return 0, errBoom }},
	)

	_, err := g.Execute(context.Background())
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errBoom) {
		t.Errorf("err = %v, want ErrAllFailed wrapping the last error", err)
	}
}

func TestFallbackSkipsOpenBreaker(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(func() error { return errBoom })

	primaryCalled := false
	g := NewFallbackGroup("llm",
		Member[string]{Name: "primary", Breaker: cb, Call: func(context.Context) (string, error) {
			primaryCalled = true
			return "primary", nil
		}},
		Member[string]{Name: "backup", Call: func(context.Context) (string, error) { return "backup", nil }},
	)

	got, err := g.Execute(context.Background())
	if err != nil || got != "backup" {
		t.Fatalf("got %q, %v", got, err)
	}
	if primaryCalled {
		t.Error("member behind an open breaker must be skipped")
	}
}

func TestFallbackContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := NewFallbackGroup("stt",
		Member[string]{Name: "primary", Call: func(context.Context) (string, error) { return "ok", nil }},
	)
	if _, err := g.Execute(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
