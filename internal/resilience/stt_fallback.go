package resilience

import (
	"context"

	"github.com/voxgate/voxgate/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across
// multiple STT backends. Each backend keeps its own circuit breaker across
// calls, so a dead primary is skipped without being dialled.
type STTFallback struct {
	entries []chainEntry[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend.
func NewSTTFallback(primaryName string, primary stt.Provider) *STTFallback {
	f := &STTFallback{}
	f.AddFallback(primaryName, primary)
	return f
}

// AddFallback registers an additional STT backend, tried after the ones
// already present. Not safe to call concurrently with Recognize.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.entries = append(f.entries, chainEntry[stt.Provider]{
		name:    name,
		value:   p,
		breaker: NewCircuitBreaker(BreakerConfig{Name: name}),
	})
}

// Recognize tries each backend in order until one transcribes the audio.
func (f *STTFallback) Recognize(ctx context.Context, pcm []byte, sampleRate, channels int) (string, error) {
	members := make([]Member[string], len(f.entries))
	for i, e := range f.entries {
		members[i] = Member[string]{
			Name:    e.name,
			Breaker: e.breaker,
			Call: func(ctx context.Context) (string, error) {
				return e.value.Recognize(ctx, pcm, sampleRate, channels)
			},
		}
	}
	return NewFallbackGroup("stt", members...).Execute(ctx)
}
