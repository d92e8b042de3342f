// Package tts defines the Provider interface for text-to-speech backends.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Clip is one synthesised utterance.
type Clip struct {
	// PCM is 16-bit signed little-endian audio.
	PCM []byte

	// SampleRate is the clip's sample rate in Hz.
	SampleRate int

	// Channels is the channel count (normally 1).
	Channels int
}

// Provider is the abstraction over any text-to-speech backend.
type Provider interface {
	// Synthesize renders text as audio.
	Synthesize(ctx context.Context, text string) (Clip, error)
}
