// Package mock provides a test double for the tts package interface.
package mock

import (
	"context"
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Clip is returned from every Synthesize call. A zero Clip yields one
	// second of silence at 24 kHz mono.
	Clip tts.Clip

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// Texts records every synthesised text.
	Texts []string
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize records the call and returns Clip, Err.
func (p *Provider) Synthesize(_ context.Context, text string) (tts.Clip, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, text)
	if p.Err != nil {
		return tts.Clip{}, p.Err
	}
	if p.Clip.PCM == nil {
		return tts.Clip{PCM: make([]byte, 48000), SampleRate: 24000, Channels: 1}, nil
	}
	return p.Clip, nil
}

// CallCount returns how many times Synthesize ran.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Texts)
}
