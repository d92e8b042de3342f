// Package state owns the per-device session aggregate and the liveness state
// machine that drives it: the two-axis device/connection state, the heartbeat
// sweep, bounded reconnection, and the idle-connection sweep.
//
// Connection, audio-stream, VAD, and gain state used to be scattered across
// per-concern maps in the original services; here one [Session] aggregate per
// device id holds everything the tracker needs, so teardown is a single
// removal.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/protocol"
)

// DeviceState is the conversational state of a device.
type DeviceState string

const (
	// StateConnecting is the entry state during the hello handshake.
	StateConnecting DeviceState = "connecting"
	StateIdle       DeviceState = "idle"
	StateListening  DeviceState = "listening"
	StateSpeaking   DeviceState = "speaking"
)

// ConnState is the transport-level state of a connection.
type ConnState string

const (
	ConnDisconnected      ConnState = "disconnected"
	ConnMQTTConnecting    ConnState = "mqtt_connecting"
	ConnMQTTConnected     ConnState = "mqtt_connected"
	ConnRequestingChannel ConnState = "requesting_channel"
	ConnChannelOpened     ConnState = "channel_opened"
	ConnUDPConnected      ConnState = "udp_connected"
	ConnAudioStreaming    ConnState = "audio_streaming"
)

// deviceTransitions is the closed device-state transition table.
// StateConnecting is entry-only; there is no terminal state — devices cycle
// between idle, listening, and speaking until disconnection.
var deviceTransitions = map[DeviceState][]DeviceState{
	StateConnecting: {StateIdle},
	StateIdle:       {StateListening, StateSpeaking},
	StateListening:  {StateIdle},
	StateSpeaking:   {StateIdle},
}

// MQTTTopics are the publish/subscribe topics for an MQTT-transport session.
type MQTTTopics struct {
	Publish   string
	Subscribe string
}

// Session is the per-device aggregate: one exists per authenticated device
// connection. All mutable fields are guarded by one per-device mutex so
// sweeps over the whole pool never contend with another device's frames.
type Session struct {
	// Immutable after creation.
	DeviceID        string
	SessionID       string
	Transport       protocol.Transport
	ProtocolVersion int
	BinaryVersion   protocol.BinaryVersion
	CreatedAt       time.Time

	mu           sync.Mutex
	deviceState  DeviceState
	connState    ConnState
	lastActivity time.Time
	audio        protocol.AudioParams
	udp          *protocol.UDPInfo
	mqtt         *MQTTTopics

	reconnecting      bool
	reconnectAttempts int
}

// NewSession creates a session in the connecting device state with the
// transport-appropriate initial connection state.
func NewSession(deviceID, sessionID string, transport protocol.Transport, protoVersion int, binVersion protocol.BinaryVersion) *Session {
	conn := ConnRequestingChannel
	if transport == protocol.TransportMQTT {
		conn = ConnMQTTConnecting
	}
	now := time.Now()
	return &Session{
		DeviceID:        deviceID,
		SessionID:       sessionID,
		Transport:       transport,
		ProtocolVersion: protoVersion,
		BinaryVersion:   binVersion,
		CreatedAt:       now,
		deviceState:     StateConnecting,
		connState:       conn,
		lastActivity:    now,
	}
}

// DeviceState returns the current device state.
func (s *Session) DeviceState() DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceState
}

// ConnState returns the current connection state.
func (s *Session) ConnState() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

// SetDeviceState applies a device-state transition, validating it against the
// closed transition table and the speaking/connection invariant: a device can
// only be speaking while its channel is opened, its UDP side-channel is
// connected, or audio is streaming.
func (s *Session) SetDeviceState(next DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceState == next {
		return nil
	}
	allowed := false
	for _, candidate := range deviceTransitions[s.deviceState] {
		if candidate == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("state: illegal device transition %s → %s (device %s)", s.deviceState, next, s.DeviceID)
	}
	if next == StateSpeaking && !speakableConn(s.connState) {
		return fmt.Errorf("state: device %s cannot speak in connection state %s", s.DeviceID, s.connState)
	}
	s.deviceState = next
	return nil
}

// speakableConn reports whether the connection state permits speaking.
func speakableConn(c ConnState) bool {
	return c == ConnChannelOpened || c == ConnUDPConnected || c == ConnAudioStreaming
}

// SetConnState records a connection-state change. Dropping to disconnected
// also forces the device state back to idle (a disconnected device cannot be
// listening or speaking).
func (s *Session) SetConnState(next ConnState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connState = next
	if next == ConnDisconnected && s.deviceState != StateConnecting {
		s.deviceState = StateIdle
	}
}

// Touch records inbound activity (a frame or heartbeat ack) now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent inbound activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SetAudioParams stores the negotiated (or MCP-updated) audio parameters.
func (s *Session) SetAudioParams(params protocol.AudioParams) {
	s.mu.Lock()
	s.audio = params
	s.mu.Unlock()
}

// AudioParams returns the negotiated audio parameters.
func (s *Session) AudioParams() protocol.AudioParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

// SetUDPInfo attaches the UDP side-channel issued during hello.
func (s *Session) SetUDPInfo(info *protocol.UDPInfo) {
	s.mu.Lock()
	s.udp = info
	s.mu.Unlock()
}

// UDPInfo returns the UDP side-channel info, or nil when none was issued.
func (s *Session) UDPInfo() *protocol.UDPInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.udp
}

// SetMQTTTopics attaches the MQTT topic pair for an MQTT-transport session.
func (s *Session) SetMQTTTopics(topics *MQTTTopics) {
	s.mu.Lock()
	s.mqtt = topics
	s.mu.Unlock()
}

// MQTTTopics returns the MQTT topic pair, or nil for other transports.
func (s *Session) MQTTTopics() *MQTTTopics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mqtt
}
