// Package llm defines the Provider interface for language-model backends
// used to answer wake-word detections and transcribed speech.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Request is one completion request.
type Request struct {
	// SystemPrompt primes the model. Optional.
	SystemPrompt string

	// Text is the user utterance.
	Text string

	// MaxTokens caps the reply length. Zero means provider default.
	MaxTokens int
}

// Reply is the model's answer.
type Reply struct {
	// Text is the reply content.
	Text string

	// Emotion is a short affect label ("neutral", "happy", ...) forwarded
	// to devices that render an expression. Providers that cannot infer
	// one return "neutral".
	Emotion string
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete produces a reply for one request.
	Complete(ctx context.Context, req Request) (Reply, error)
}
