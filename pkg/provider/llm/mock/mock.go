// Package mock provides a test double for the llm package interface.
package mock

import (
	"context"
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/llm"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Reply is returned from every Complete call. A zero Reply defaults to
	// a neutral "ok".
	Reply llm.Reply

	// Err, if non-nil, is returned as the error from Complete.
	Err error

	// Requests records every completion request.
	Requests []llm.Request
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns Reply, Err.
func (p *Provider) Complete(_ context.Context, req llm.Request) (llm.Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if p.Err != nil {
		return llm.Reply{}, p.Err
	}
	if p.Reply.Text == "" {
		return llm.Reply{Text: "ok", Emotion: "neutral"}, nil
	}
	return p.Reply, nil
}

// CallCount returns how many times Complete ran.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}
