// Package bus defines the gateway's fire-and-forget event bus boundary and
// two implementations: an in-process fan-out for single-node runs and tests,
// and a NATS-backed bus for deployments with external subscribers.
//
// Delivery is at-most-once; publishers never learn whether anyone listened.
package bus

import "context"

// Event topics published by the gateway.
const (
	TopicSystemError  = "voxgate.system_error"
	TopicDeviceOnline = "voxgate.device.online"
	TopicDeviceGone   = "voxgate.device.offline"
	TopicTranscript   = "voxgate.transcript"
)

// Priority orders events for subscribers that care; the bus itself does not
// reorder.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// PublishOptions carry optional event metadata.
type PublishOptions struct {
	Priority Priority
	Source   string
}

// Event is one published message.
type Event struct {
	Topic   string
	Payload []byte
	Options PublishOptions
}

// Bus is the event bus boundary.
type Bus interface {
	// Publish sends an event. It must not block on slow subscribers and
	// returns an error only for transport-level failures.
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error

	// Subscribe returns a channel of events for a topic. The channel is
	// closed when the bus shuts down. Slow consumers lose events rather
	// than applying backpressure.
	Subscribe(topic string) (<-chan Event, error)

	// Close releases all resources and closes subscriber channels.
	Close() error
}
