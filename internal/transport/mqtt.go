package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/voxgate/voxgate/internal/protocol"
)

// Topic layout: devices publish control/audio to xiaozhi/{deviceId}/out and
// subscribe to xiaozhi/{deviceId}/in for server messages.
const (
	mqttTopicPrefix = "xiaozhi/"
	mqttOutSuffix   = "/out"
	mqttInSuffix    = "/in"
)

// deviceOutTopic returns the topic a device publishes on.
func deviceOutTopic(deviceID string) string {
	return mqttTopicPrefix + deviceID + mqttOutSuffix
}

// deviceInTopic returns the topic a device listens on.
func deviceInTopic(deviceID string) string {
	return mqttTopicPrefix + deviceID + mqttInSuffix
}

// MQTTServer embeds a broker and bridges device traffic to the gateway
// [Handler]. Devices authenticate by presenting a bearer token as the CONNECT
// password, with the device id as the MQTT client id.
type MQTTServer struct {
	broker   *mqtt.Server
	handler  Handler
	verifier TokenVerifier
	log      *slog.Logger

	mu    sync.Mutex
	conns map[string]*mqttConn // keyed by device id
}

// NewMQTTServer creates the embedded broker on addr. Call [MQTTServer.Serve]
// to start accepting connections.
func NewMQTTServer(addr string, handler Handler, verifier TokenVerifier) (*MQTTServer, error) {
	s := &MQTTServer{
		handler:  handler,
		verifier: verifier,
		log:      slog.Default().With("transport", "mqtt"),
		conns:    make(map[string]*mqttConn),
	}

	broker := mqtt.New(&mqtt.Options{InlineClient: true})
	if err := broker.AddHook(&gatewayHook{server: s}, nil); err != nil {
		return nil, fmt.Errorf("transport: add mqtt hook: %w", err)
	}
	if err := broker.AddListener(listeners.NewTCP(listeners.Config{
		ID:      "devices",
		Address: addr,
	})); err != nil {
		return nil, fmt.Errorf("transport: add mqtt listener on %s: %w", addr, err)
	}
	s.broker = broker
	return s, nil
}

// Serve runs the broker until Close is called. Blocking.
func (s *MQTTServer) Serve() error {
	return s.broker.Serve()
}

// Close shuts the broker down and disconnects all devices.
func (s *MQTTServer) Close() error {
	return s.broker.Close()
}

// gatewayHook wires broker lifecycle events into the gateway handler.
type gatewayHook struct {
	mqtt.HookBase
	server *MQTTServer
}

func (h *gatewayHook) ID() string {
	return "voxgate-gateway"
}

func (h *gatewayHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnPublish,
	}, []byte{b})
}

// OnConnectAuthenticate verifies the CONNECT password as a bearer token
// issued for the client id.
func (h *gatewayHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	if h.server.verifier == nil {
		return true
	}
	deviceID, err := h.server.verifier.VerifyToken(string(pk.Connect.Password))
	if err != nil || deviceID != cl.ID {
		h.server.log.Warn("mqtt connect rejected", "client", cl.ID, "err", err)
		return false
	}
	return true
}

// OnACLCheck confines each device to its own topic pair.
func (h *gatewayHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if write {
		return topic == deviceOutTopic(cl.ID)
	}
	return topic == deviceInTopic(cl.ID)
}

// OnSessionEstablished admits the device: the server-side subscription on the
// out topic is implicit (OnPublish sees every packet), so this only has to
// hand the connection to the gateway.
func (h *gatewayHook) OnSessionEstablished(cl *mqtt.Client, _ packets.Packet) {
	conn := &mqttConn{server: h.server, deviceID: cl.ID}

	h.server.mu.Lock()
	h.server.conns[cl.ID] = conn
	h.server.mu.Unlock()

	if err := h.server.handler.OnConnect(context.Background(), conn); err != nil {
		h.server.log.Warn("mqtt connection rejected", "device", cl.ID, "err", err)
		_ = conn.Close("rejected: " + err.Error())
	}
}

// OnDisconnect tells the gateway the device is gone.
func (h *gatewayHook) OnDisconnect(cl *mqtt.Client, err error, _ bool) {
	h.server.mu.Lock()
	conn, ok := h.server.conns[cl.ID]
	delete(h.server.conns, cl.ID)
	h.server.mu.Unlock()
	if !ok {
		return
	}

	conn.markClosed()
	h.server.handler.OnDisconnect(conn, err)
}

// OnPublish routes device-published packets to the gateway. JSON control
// messages start with '{'; anything else is treated as a binary audio frame.
func (h *gatewayHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	deviceID, ok := deviceFromOutTopic(pk.TopicName)
	if !ok || deviceID != cl.ID {
		return pk, nil
	}

	h.server.mu.Lock()
	conn := h.server.conns[deviceID]
	h.server.mu.Unlock()
	if conn == nil {
		return pk, nil
	}

	ctx := context.Background()
	if len(pk.Payload) > 0 && pk.Payload[0] == '{' {
		h.server.handler.OnText(ctx, conn, pk.Payload)
	} else {
		h.server.handler.OnBinary(ctx, conn, pk.Payload)
	}
	return pk, nil
}

// deviceFromOutTopic extracts the device id from xiaozhi/{deviceId}/out.
func deviceFromOutTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, mqttTopicPrefix) || !strings.HasSuffix(topic, mqttOutSuffix) {
		return "", false
	}
	id := topic[len(mqttTopicPrefix) : len(topic)-len(mqttOutSuffix)]
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// mqttConn is a [Conn] over the embedded broker. Sends publish to the
// device's in topic through the broker's inline client.
type mqttConn struct {
	server   *MQTTServer
	deviceID string

	mu     sync.Mutex
	closed bool
}

func (c *mqttConn) DeviceID() string         { return c.deviceID }
func (c *mqttConn) ClientID() string         { return c.deviceID }
func (c *mqttConn) Kind() protocol.Transport { return protocol.TransportMQTT }

// ProtocolVersion is fixed at V2 for MQTT: the broker already frames
// messages, so the self-delimiting V3 header buys nothing.
func (c *mqttConn) ProtocolVersion() protocol.BinaryVersion { return protocol.BinaryV2 }

func (c *mqttConn) SendText(_ context.Context, data []byte) error {
	return c.publish(data)
}

func (c *mqttConn) SendBinary(_ context.Context, data []byte) error {
	return c.publish(data)
}

func (c *mqttConn) publish(data []byte) error {
	if !c.Active() {
		return ErrConnClosed
	}
	if err := c.server.broker.Publish(deviceInTopic(c.deviceID), data, false, 0); err != nil {
		return fmt.Errorf("transport: mqtt publish to %s: %w", c.deviceID, err)
	}
	return nil
}

// Close disconnects the device from the broker. Idempotent.
func (c *mqttConn) Close(_ string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if cl, ok := c.server.broker.Clients.Get(c.deviceID); ok {
		c.server.broker.DisconnectClient(cl, packets.CodeDisconnect)
	}
	return nil
}

func (c *mqttConn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Active reports whether the broker still holds the device's client.
func (c *mqttConn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}
