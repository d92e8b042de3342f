package resilience

import (
	"context"

	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple TTS backends.
type TTSFallback struct {
	entries []chainEntry[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primaryName string, primary tts.Provider) *TTSFallback {
	f := &TTSFallback{}
	f.AddFallback(primaryName, primary)
	return f
}

// AddFallback registers an additional TTS backend, tried after the ones
// already present. Not safe to call concurrently with Synthesize.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) {
	f.entries = append(f.entries, chainEntry[tts.Provider]{
		name:    name,
		value:   p,
		breaker: NewCircuitBreaker(BreakerConfig{Name: name}),
	})
}

// Synthesize tries each backend in order until one voices the text.
func (f *TTSFallback) Synthesize(ctx context.Context, text string) (tts.Clip, error) {
	members := make([]Member[tts.Clip], len(f.entries))
	for i, e := range f.entries {
		members[i] = Member[tts.Clip]{
			Name:    e.name,
			Breaker: e.breaker,
			Call: func(ctx context.Context) (tts.Clip, error) {
				return e.value.Synthesize(ctx, text)
			},
		}
	}
	return NewFallbackGroup("tts", members...).Execute(ctx)
}
