package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// natsEnvelope is the JSON wrapper carrying event metadata over NATS.
type natsEnvelope struct {
	Payload  []byte   `json:"payload"`
	Priority Priority `json:"priority,omitempty"`
	Source   string   `json:"source,omitempty"`
}

// NATS is a [Bus] backed by a NATS connection. Topics map directly to NATS
// subjects. Safe for concurrent use.
type NATS struct {
	nc *nats.Conn

	mu    sync.Mutex
	subs  []*nats.Subscription
	chans []chan Event
}

// NewNATS connects to the given NATS URL (e.g. nats.DefaultURL).
func NewNATS(url string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("voxgate"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect nats %q: %w", url, err)
	}
	return &NATS{nc: nc}, nil
}

// Publish sends the event to its subject. Fire-and-forget: no ack is awaited.
func (n *NATS) Publish(_ context.Context, topic string, payload []byte, opts PublishOptions) error {
	data, err := json.Marshal(natsEnvelope{
		Payload:  payload,
		Priority: opts.Priority,
		Source:   opts.Source,
	})
	if err != nil {
		return fmt.Errorf("bus: encode event: %w", err)
	}
	if err := n.nc.Publish(topic, data); err != nil {
		return fmt.Errorf("bus: publish %q: %w", topic, err)
	}
	return nil
}

// Subscribe bridges a NATS subscription onto an Event channel. Events that
// cannot be buffered are dropped.
func (n *NATS) Subscribe(topic string) (<-chan Event, error) {
	ch := make(chan Event, subscriberBuffer)

	sub, err := n.nc.Subscribe(topic, func(msg *nats.Msg) {
		var env natsEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.Warn("bus: dropping undecodable event", "topic", topic, "err", err)
			return
		}
		select {
		case ch <- Event{
			Topic:   topic,
			Payload: env.Payload,
			Options: PublishOptions{Priority: env.Priority, Source: env.Source},
		}:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %q: %w", topic, err)
	}

	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.chans = append(n.chans, ch)
	n.mu.Unlock()
	return ch, nil
}

// Close drains subscriptions and closes the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	for _, ch := range n.chans {
		close(ch)
	}
	n.subs, n.chans = nil, nil
	n.nc.Close()
	return nil
}
