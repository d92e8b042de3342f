// Package stt defines the Provider interface for speech-to-text backends.
//
// The gateway batches voiced PCM before handing it over, so the interface is
// batch-shaped: one utterance in, one transcript out. Implementations must be
// safe for concurrent use — several device sessions may recognise at once.
package stt

import "context"

// Provider is the abstraction over any speech-to-text backend.
type Provider interface {
	// Recognize transcribes one utterance of 16-bit signed little-endian
	// PCM. An empty transcript with a nil error means the audio contained
	// no recognisable speech.
	Recognize(ctx context.Context, pcm []byte, sampleRate, channels int) (string, error)
}
