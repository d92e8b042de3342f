package resilience

import (
	"context"

	"github.com/voxgate/voxgate/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across
// multiple LLM backends. With a single entry it acts as a plain
// breaker-guarded provider.
type LLMFallback struct {
	entries []chainEntry[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend.
func NewLLMFallback(primaryName string, primary llm.Provider) *LLMFallback {
	f := &LLMFallback{}
	f.AddFallback(primaryName, primary)
	return f
}

// AddFallback registers an additional LLM backend, tried after the ones
// already present. Not safe to call concurrently with Complete.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.entries = append(f.entries, chainEntry[llm.Provider]{
		name:    name,
		value:   p,
		breaker: NewCircuitBreaker(BreakerConfig{Name: name}),
	})
}

// Complete tries each backend in order until one answers.
func (f *LLMFallback) Complete(ctx context.Context, req llm.Request) (llm.Reply, error) {
	members := make([]Member[llm.Reply], len(f.entries))
	for i, e := range f.entries {
		members[i] = Member[llm.Reply]{
			Name:    e.name,
			Breaker: e.breaker,
			Call: func(ctx context.Context) (llm.Reply, error) {
				return e.value.Complete(ctx, req)
			},
		}
	}
	return NewFallbackGroup("llm", members...).Execute(ctx)
}
