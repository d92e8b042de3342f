package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/voxgate/voxgate/internal/protocol"
)

// ErrTextOverUDP is returned by SendText on a UDP channel: control messages
// stay on the session's primary transport.
var ErrTextOverUDP = errors.New("transport: control messages are not carried over udp")

// maxDatagram is the largest datagram the server reads. Opus frames are far
// smaller, so this leaves generous headroom for the AEAD tag.
const maxDatagram = 4096

// Sealer encrypts and decrypts UDP payloads with a device's derived key and
// session nonce. [security.Gate] satisfies this.
type Sealer interface {
	Encrypt(payload []byte, deviceID string, nonce []byte) ([]byte, error)
	Decrypt(sealed []byte, deviceID string, nonce []byte) ([]byte, error)
}

// UDPServer runs the encrypted audio side-channel. Sessions are registered
// by the gateway when a hello negotiation issues UDP parameters; the channel
// itself comes alive lazily, when the device's first datagram arrives.
//
// A device's first datagram carries its session id in the clear to bind the
// remote address; everything after that is a sealed audio frame.
type UDPServer struct {
	conn    *net.UDPConn
	handler Handler
	sealer  Sealer
	log     *slog.Logger

	mu         sync.Mutex // guards bySession and byAddr
	bySession  map[string]*udpConn
	byAddr     map[string]*udpConn
	closedOnce sync.Once
}

// NewUDPServer binds the UDP socket on addr. Call [UDPServer.Serve] to start
// the read loop.
func NewUDPServer(addr string, handler Handler, sealer Sealer) (*UDPServer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve udp addr %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %q: %w", addr, err)
	}
	return &UDPServer{
		conn:      conn,
		handler:   handler,
		sealer:    sealer,
		log:       slog.Default().With("transport", "udp"),
		bySession: make(map[string]*udpConn),
		byAddr:    make(map[string]*udpConn),
	}, nil
}

// Port returns the bound UDP port, for advertising in hello replies.
func (s *UDPServer) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Register makes a session eligible for the side-channel. The device id and
// nonce must match the udp block sent in the hello reply.
func (s *UDPServer) Register(sessionID, deviceID string, nonce []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySession[sessionID] = &udpConn{
		server:    s,
		sessionID: sessionID,
		deviceID:  deviceID,
		nonce:     nonce,
	}
}

// Unregister removes a session's channel, unbinding its address if one was
// learned. Idempotent.
func (s *UDPServer) Unregister(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.bySession[sessionID]
	if !ok {
		return
	}
	delete(s.bySession, sessionID)
	if c.remote != nil {
		delete(s.byAddr, c.remote.String())
	}
	c.markClosed()
}

// Serve reads datagrams until Close is called. Blocking.
func (s *UDPServer) Serve() error {
	buf := make([]byte, maxDatagram)
	for {
		n, remote, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("transport: udp read: %w", err)
		}
		s.dispatch(remote, buf[:n])
	}
}

// dispatch routes one datagram: handshake for unknown addresses, sealed
// audio for bound ones.
func (s *UDPServer) dispatch(remote *net.UDPAddr, data []byte) {
	s.mu.Lock()
	c, bound := s.byAddr[remote.String()]
	s.mu.Unlock()

	if !bound {
		s.bind(remote, string(data))
		return
	}

	payload, err := s.sealer.Decrypt(data, c.deviceID, c.nonce)
	if err != nil {
		s.log.Warn("dropping undecryptable datagram", "device", c.deviceID, "err", err)
		return
	}
	s.handler.OnBinary(context.Background(), c, payload)
}

// bind attaches a remote address to a registered session. The handshake
// datagram's payload is the session id in the clear; an unknown id is
// dropped silently so the socket cannot be used to probe session ids.
func (s *UDPServer) bind(remote *net.UDPAddr, sessionID string) {
	s.mu.Lock()
	c, ok := s.bySession[sessionID]
	if !ok {
		s.mu.Unlock()
		s.log.Debug("handshake for unknown session", "remote", remote)
		return
	}
	if c.remote != nil {
		delete(s.byAddr, c.remote.String())
	}
	c.remote = remote
	s.byAddr[remote.String()] = c
	s.mu.Unlock()

	s.log.Info("udp channel bound", "device", c.deviceID, "remote", remote)
}

// Close stops the read loop and drops all channels.
func (s *UDPServer) Close() error {
	var err error
	s.closedOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// udpConn is a [Conn] carrying sealed audio frames only.
type udpConn struct {
	server    *UDPServer
	sessionID string
	deviceID  string
	nonce     []byte
	remote    *net.UDPAddr // guarded by server.mu until bound, stable after

	mu     sync.Mutex
	closed bool
}

func (c *udpConn) DeviceID() string         { return c.deviceID }
func (c *udpConn) ClientID() string         { return c.sessionID }
func (c *udpConn) Kind() protocol.Transport { return protocol.TransportUDP }

// ProtocolVersion is V1: the AEAD already delimits and authenticates each
// frame, so payloads travel without an extra header.
func (c *udpConn) ProtocolVersion() protocol.BinaryVersion { return protocol.BinaryV1 }

func (c *udpConn) SendText(context.Context, []byte) error { return ErrTextOverUDP }

// SendBinary seals one audio frame and sends it to the bound address.
func (c *udpConn) SendBinary(_ context.Context, data []byte) error {
	if !c.Active() {
		return ErrConnClosed
	}
	c.server.mu.Lock()
	remote := c.remote
	c.server.mu.Unlock()
	if remote == nil {
		return fmt.Errorf("transport: udp channel for %s not yet bound", c.deviceID)
	}

	sealed, err := c.server.sealer.Encrypt(data, c.deviceID, c.nonce)
	if err != nil {
		return err
	}
	if _, err := c.server.conn.WriteToUDP(sealed, remote); err != nil {
		return fmt.Errorf("transport: udp write to %s: %w", c.deviceID, err)
	}
	return nil
}

// Close unregisters the channel. Idempotent.
func (c *udpConn) Close(_ string) error {
	c.server.Unregister(c.sessionID)
	return nil
}

func (c *udpConn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Active reports whether the channel is still registered.
func (c *udpConn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}
