// Package transport implements the gateway's device-facing transports:
// WebSocket upgrades, an embedded MQTT broker bridge and an encrypted UDP
// side-channel for audio. Each transport yields [Conn] values that the
// gateway layer treats uniformly.
package transport

import (
	"context"
	"errors"

	"github.com/voxgate/voxgate/internal/protocol"
)

// ErrConnClosed is returned by send operations on a closed connection.
var ErrConnClosed = errors.New("transport: connection closed")

// Conn is one live device connection, independent of the underlying
// transport. Implementations are safe for concurrent use.
type Conn interface {
	// DeviceID returns the authenticated device identifier.
	DeviceID() string

	// ClientID returns the device-chosen client identifier, if the
	// handshake carried one.
	ClientID() string

	// Kind reports which transport carries this connection.
	Kind() protocol.Transport

	// ProtocolVersion is the negotiated binary framing version (1, 2 or 3).
	ProtocolVersion() protocol.BinaryVersion

	// SendText writes one UTF-8 JSON control message.
	SendText(ctx context.Context, data []byte) error

	// SendBinary writes one binary audio frame.
	SendBinary(ctx context.Context, data []byte) error

	// Close tears the connection down with a reason string. Idempotent.
	Close(reason string) error

	// Active reports whether the transport believes the peer is still
	// reachable.
	Active() bool
}

// Handler receives transport events. The gateway layer implements it.
// Callbacks for a single connection are invoked sequentially; callbacks for
// different connections may run concurrently.
type Handler interface {
	// OnConnect runs after a successful handshake. Returning an error
	// rejects the connection before any message flows.
	OnConnect(ctx context.Context, conn Conn) error

	// OnText handles one inbound JSON control message.
	OnText(ctx context.Context, conn Conn, data []byte)

	// OnBinary handles one inbound binary audio frame.
	OnBinary(ctx context.Context, conn Conn, data []byte)

	// OnDisconnect runs once when the connection ends. err is nil for a
	// clean peer close.
	OnDisconnect(conn Conn, err error)
}

// TokenVerifier checks a bearer token and returns the device id it was
// issued for. [security.Gate] satisfies this.
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}
