package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/protocol"
)

// Handshake headers read from the upgrade request.
const (
	headerDeviceID        = "Device-Id"
	headerClientID        = "Client-Id"
	headerProtocolVersion = "Protocol-Version"
)

// writeTimeout bounds a single frame write so one stuck peer cannot pin a
// goroutine forever.
const writeTimeout = 10 * time.Second

// WSServer upgrades HTTP requests to device WebSocket connections. It
// implements [http.Handler].
type WSServer struct {
	handler  Handler
	verifier TokenVerifier
	log      *slog.Logger
}

// NewWSServer creates a WebSocket acceptor delivering events to handler.
// verifier may be nil to accept unauthenticated connections (tests only).
func NewWSServer(handler Handler, verifier TokenVerifier) *WSServer {
	return &WSServer{
		handler:  handler,
		verifier: verifier,
		log:      slog.Default().With("transport", "websocket"),
	}
}

// ServeHTTP performs the handshake and runs the connection's read loop until
// the peer goes away.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get(headerDeviceID)
	if deviceID == "" {
		http.Error(w, "missing Device-Id header", http.StatusBadRequest)
		return
	}

	if s.verifier != nil {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		tokenDevice, err := s.verifier.VerifyToken(token)
		if err != nil || tokenDevice != deviceID {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	version := protocol.BinaryV2
	if raw := r.Header.Get(headerProtocolVersion); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || !protocol.BinaryVersion(n).IsValid() {
			http.Error(w, fmt.Sprintf("unsupported protocol version %q", raw), http.StatusBadRequest)
			return
		}
		version = protocol.BinaryVersion(n)
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // device firmware sends no Origin header
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "device", deviceID, "err", err)
		return
	}

	conn := &wsConn{
		ws:       ws,
		deviceID: deviceID,
		clientID: r.Header.Get(headerClientID),
		version:  version,
	}

	ctx := r.Context()
	if err := s.handler.OnConnect(ctx, conn); err != nil {
		s.log.Warn("connection rejected", "device", deviceID, "err", err)
		_ = conn.Close("rejected: " + err.Error())
		return
	}

	s.readLoop(ctx, conn)
}

// readLoop pumps inbound frames into the handler until the connection dies.
func (s *WSServer) readLoop(ctx context.Context, conn *wsConn) {
	var loopErr error
	for {
		typ, data, err := conn.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure &&
				!errors.Is(err, context.Canceled) {
				loopErr = err
			}
			break
		}
		switch typ {
		case websocket.MessageText:
			s.handler.OnText(ctx, conn, data)
		case websocket.MessageBinary:
			s.handler.OnBinary(ctx, conn, data)
		}
	}
	_ = conn.Close("read loop ended")
	s.handler.OnDisconnect(conn, loopErr)
}

// wsConn is a [Conn] over a WebSocket.
type wsConn struct {
	ws       *websocket.Conn
	deviceID string
	clientID string
	version  protocol.BinaryVersion

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) DeviceID() string                        { return c.deviceID }
func (c *wsConn) ClientID() string                        { return c.clientID }
func (c *wsConn) Kind() protocol.Transport                { return protocol.TransportWebSocket }
func (c *wsConn) ProtocolVersion() protocol.BinaryVersion { return c.version }

// SendText writes one JSON control message.
func (c *wsConn) SendText(ctx context.Context, data []byte) error {
	return c.write(ctx, websocket.MessageText, data)
}

// SendBinary writes one binary audio frame.
func (c *wsConn) SendBinary(ctx context.Context, data []byte) error {
	return c.write(ctx, websocket.MessageBinary, data)
}

func (c *wsConn) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if !c.Active() {
		return ErrConnClosed
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, typ, data); err != nil {
		return fmt.Errorf("transport: websocket write to %s: %w", c.deviceID, err)
	}
	return nil
}

// Close closes the WebSocket with a normal status. Idempotent.
func (c *wsConn) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// Close reasons are capped at 123 bytes by RFC 6455.
	if len(reason) > 123 {
		reason = reason[:123]
	}
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// Active reports whether Close has been called.
func (c *wsConn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}
