package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is wrapped into the error returned by [FallbackGroup.Execute]
// when every member has been tried and none succeeded.
var ErrAllFailed = errors.New("resilience: all fallbacks failed")

// Member is one entry in a fallback chain: a named operation guarded by its
// own circuit breaker.
type Member[T any] struct {
	// Name labels the member in logs and error messages.
	Name string

	// Call performs the operation.
	Call func(ctx context.Context) (T, error)

	// Breaker guards the member. Optional; nil means unguarded.
	Breaker *CircuitBreaker
}

// FallbackGroup tries an ordered list of members until one succeeds. Members
// whose breaker is open are skipped without being called. Safe for concurrent
// use as long as the member Call functions are.
type FallbackGroup[T any] struct {
	name    string
	members []Member[T]
	log     *slog.Logger
}

// NewFallbackGroup creates a group. name labels the group in logs; members
// are tried in the given order.
func NewFallbackGroup[T any](name string, members ...Member[T]) *FallbackGroup[T] {
	return &FallbackGroup[T]{
		name:    name,
		members: members,
		log:     slog.Default().With("group", name),
	}
}

// Execute runs the members in order and returns the first successful result.
// Context cancellation aborts the chain immediately.
func (g *FallbackGroup[T]) Execute(ctx context.Context) (T, error) {
	var zero T
	var lastErr error

	for _, m := range g.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		var result T
		call := func() error {
			var err error
			result, err = m.Call(ctx)
			return err
		}

		var err error
		if m.Breaker != nil {
			err = m.Breaker.Execute(call)
		} else {
			err = call()
		}
		if err == nil {
			return result, nil
		}

		if errors.Is(err, ErrCircuitOpen) {
			g.log.Debug("skipping member with open breaker", "member", m.Name)
		} else {
			g.log.Warn("fallback member failed", "member", m.Name, "err", err)
		}
		lastErr = err
	}

	if lastErr == nil {
		return zero, fmt.Errorf("%w: group %q has no members", ErrAllFailed, g.name)
	}
	return zero, fmt.Errorf("%w: group %q, last error: %w", ErrAllFailed, g.name, lastErr)
}

// chainEntry pairs a provider value with its dedicated circuit breaker.
// Used by the provider-level fallback wrappers, whose breakers must persist
// across calls while the call arguments change every time.
type chainEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}
