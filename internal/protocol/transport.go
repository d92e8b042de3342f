package protocol

// Transport identifies the underlying connection type for a device session.
// Exactly one transport handle is populated per connection.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportMQTT      Transport = "mqtt"
	TransportUDP       Transport = "udp"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportWebSocket, TransportMQTT, TransportUDP:
		return true
	}
	return false
}
