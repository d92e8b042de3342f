package bus

import (
	"context"
	"errors"
	"sync"
)

// subscriberBuffer is the per-subscriber channel depth. A full buffer drops
// the event for that subscriber — at-most-once, no backpressure.
const subscriberBuffer = 64

// Memory is an in-process [Bus]. Safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	closed bool
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]chan Event)}
}

// Publish fans the event out to every subscriber of the topic, dropping it
// for subscribers whose buffers are full.
func (m *Memory) Publish(_ context.Context, topic string, payload []byte, opts PublishOptions) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("bus: closed")
	}

	ev := Event{Topic: topic, Payload: payload, Options: opts}
	for _, ch := range m.subs[topic] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber channel for topic.
func (m *Memory) Subscribe(topic string) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("bus: closed")
	}

	ch := make(chan Event, subscriberBuffer)
	m.subs[topic] = append(m.subs[topic], ch)
	return ch, nil
}

// Close closes every subscriber channel. Publish and Subscribe fail
// afterwards.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, chans := range m.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	m.subs = nil
	return nil
}
