// Package mock provides a test double for the stt package interface.
//
// Use Provider to feed controlled transcripts and inspect which audio the
// caller delivered.
package mock

import (
	"context"
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/stt"
)

// RecognizeCall records a single invocation of Provider.Recognize.
type RecognizeCall struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is returned from every Recognize call.
	Text string

	// Err, if non-nil, is returned as the error from Recognize.
	Err error

	// Calls records every call to Recognize.
	Calls []RecognizeCall
}

var _ stt.Provider = (*Provider)(nil)

// Recognize records the call and returns Text, Err.
func (p *Provider) Recognize(_ context.Context, pcm []byte, sampleRate, channels int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, RecognizeCall{
		PCM:        append([]byte(nil), pcm...),
		SampleRate: sampleRate,
		Channels:   channels,
	})
	if p.Err != nil {
		return "", p.Err
	}
	return p.Text, nil
}

// CallCount returns how many times Recognize ran.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
