// Package dispatch routes the JSON control protocol: hello negotiation,
// listen state toggles, abort, goodbye, heartbeat and the MCP JSON-RPC
// surface. One malformed or panicking message is converted into a
// system_error event and an error reply — it never terminates the transport.
package dispatch

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/protocol"
	"github.com/voxgate/voxgate/internal/security"
	"github.com/voxgate/voxgate/internal/state"
	"github.com/voxgate/voxgate/internal/transport"
	"github.com/voxgate/voxgate/pkg/provider/llm"
)

// Server-side audio parameters advertised in the hello reply: the gateway
// always answers with 24 kHz mono Opus in 60 ms frames, whatever the device
// sends.
var serverAudioParams = protocol.AudioParams{
	Format:        "opus",
	SampleRate:    24000,
	Channels:      1,
	FrameDuration: 60,
}

// AudioControl is the slice of the audio pipeline the dispatcher drives.
type AudioControl interface {
	Initialize(deviceID, sessionID string, sampleRate, channels, frameDurationMs int) error
	ResetVAD(deviceID string)
}

// UDPRegistrar manages side-channel registrations. Optional.
type UDPRegistrar interface {
	Register(sessionID, deviceID string, nonce []byte)
	Unregister(sessionID string)
	Port() int
}

// SpeakFunc voices a reply back to the device (TTS synthesis plus binary
// frames). Implemented by the gateway layer.
type SpeakFunc func(ctx context.Context, conn transport.Conn, text string)

// Config wires a Dispatcher.
type Config struct {
	Tracker *state.Tracker
	Gate    *security.Gate
	Bus     bus.Bus
	Metrics *observe.Metrics
	Audio   AudioControl

	// UDP enables side-channel negotiation during hello. Nil disables it.
	UDP UDPRegistrar

	// PublicHost is the UDP host advertised to devices.
	PublicHost string

	// LLM answers listen-detect wake words. Nil disables the reply path.
	LLM llm.Provider

	// Speak voices LLM replies. Nil disables voicing.
	Speak SpeakFunc
}

// Dispatcher routes inbound control messages. Safe for concurrent use.
type Dispatcher struct {
	cfg Config
	mcp *mcpHandler
	log *slog.Logger
}

// New creates a Dispatcher. Tracker, Gate, Bus, Metrics and Audio are
// required.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		cfg: cfg,
		mcp: newMCPHandler(),
		log: slog.Default().With("component", "dispatch"),
	}
}

// Dispatch handles one inbound text frame. All failure modes are absorbed:
// the worst outcome for the connection is an error reply.
func (d *Dispatcher) Dispatch(ctx context.Context, conn transport.Conn, data []byte) {
	start := time.Now()
	msgType := "malformed"
	status := "ok"

	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			d.systemError(ctx, conn, fmt.Errorf("panic handling %s: %v", msgType, r))
		}
		d.cfg.Metrics.RecordDispatch(ctx, msgType, status)
		d.cfg.Metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds())
	}()

	msg, err := protocol.ParseMessage(data)
	if err != nil {
		status = "parse_error"
		d.systemError(ctx, conn, err)
		return
	}
	msgType = string(msg.Type)

	session := d.cfg.Tracker.Get(conn.DeviceID())
	if session == nil {
		status = "no_session"
		d.sendError(ctx, conn, "no session for device")
		return
	}
	session.Touch()

	switch msg.Type {
	case protocol.TypeHello:
		err = d.handleHello(ctx, conn, session, msg)
	case protocol.TypeListen:
		err = d.handleListen(ctx, conn, session, msg)
	case protocol.TypeAbort:
		err = d.handleAbort(session)
	case protocol.TypeMCP:
		err = d.handleMCP(ctx, conn, session, msg)
	case protocol.TypeGoodbye:
		err = d.handleGoodbye(ctx, conn, session)
	case protocol.TypeHeartbeat:
		err = d.handleHeartbeat(ctx, conn, session)
	default:
		status = "unknown_type"
		d.log.Warn("no handler for message type", "type", msg.Type, "device", conn.DeviceID())
		return
	}
	if err != nil {
		status = "error"
		d.systemError(ctx, conn, fmt.Errorf("handle %s: %w", msg.Type, err))
	}
}

// handleHello negotiates the session: the device's audio parameters
// initialise its pipeline chain, the reply pins the server's fixed output
// format, and UDP-eligible sessions get their side-channel issued here.
func (d *Dispatcher) handleHello(ctx context.Context, conn transport.Conn, session *state.Session, msg protocol.Message) error {
	clientParams := protocol.AudioParams{Format: "opus", SampleRate: 16000, Channels: 1, FrameDuration: 60}
	if msg.Audio != nil {
		clientParams = *msg.Audio
	}
	if clientParams.FrameDuration <= 0 {
		clientParams.FrameDuration = 60
	}
	session.SetAudioParams(clientParams)

	if err := d.cfg.Audio.Initialize(session.DeviceID, session.SessionID,
		clientParams.SampleRate, clientParams.Channels, clientParams.FrameDuration); err != nil {
		return fmt.Errorf("initialize audio chain: %w", err)
	}

	if err := session.SetDeviceState(state.StateIdle); err != nil {
		return err
	}
	switch conn.Kind() {
	case protocol.TransportMQTT:
		session.SetConnState(state.ConnMQTTConnected)
	default:
		session.SetConnState(state.ConnChannelOpened)
	}

	udpInfo, err := d.negotiateUDP(conn, session, msg)
	if err != nil {
		return err
	}

	transportName := string(conn.Kind())
	if udpInfo != nil {
		transportName = string(protocol.TransportUDP)
	}
	reply := protocol.ServerHello(transportName, session.SessionID, serverAudioParams, udpInfo)
	if err := d.send(ctx, conn, reply); err != nil {
		return err
	}

	// Handshake latency runs from admission to the negotiated hello reply.
	d.cfg.Metrics.HandshakeDuration.Record(ctx, time.Since(session.CreatedAt).Seconds(),
		metric.WithAttributes(attribute.String("transport", string(conn.Kind()))))
	return nil
}

// negotiateUDP issues the side-channel for eligible sessions: UDP must be
// enabled, and the device either asked for it or arrived over MQTT (whose
// broker path is too slow for audio). The key travels once, inside the hello
// reply on the encrypted control channel; the channel itself stays dormant
// until the device's first datagram.
func (d *Dispatcher) negotiateUDP(conn transport.Conn, session *state.Session, msg protocol.Message) (*protocol.UDPInfo, error) {
	if d.cfg.UDP == nil {
		return nil, nil
	}
	wantsUDP := msg.Transport == string(protocol.TransportUDP) ||
		conn.Kind() == protocol.TransportMQTT
	if !wantsUDP {
		return nil, nil
	}

	nonce, err := d.cfg.Gate.NewNonce()
	if err != nil {
		return nil, err
	}
	key, err := d.cfg.Gate.DeriveKey(session.DeviceID)
	if err != nil {
		return nil, err
	}

	info := &protocol.UDPInfo{
		Server: d.cfg.PublicHost,
		Port:   d.cfg.UDP.Port(),
		Key:    hex.EncodeToString(key),
		Nonce:  hex.EncodeToString(nonce),
	}
	session.SetUDPInfo(info)
	d.cfg.UDP.Register(session.SessionID, session.DeviceID, nonce)
	session.SetConnState(state.ConnUDPConnected)
	return info, nil
}

// handleListen toggles listening on and off, and answers wake-word
// detections.
func (d *Dispatcher) handleListen(ctx context.Context, conn transport.Conn, session *state.Session, msg protocol.Message) error {
	switch msg.State {
	case protocol.ListenStart:
		if session.DeviceState() == state.StateListening {
			return nil
		}
		if err := session.SetDeviceState(state.StateListening); err != nil {
			return err
		}
		session.SetConnState(state.ConnAudioStreaming)
		d.cfg.Audio.ResetVAD(session.DeviceID)
		return nil

	case protocol.ListenStop:
		if session.DeviceState() == state.StateListening {
			if err := session.SetDeviceState(state.StateIdle); err != nil {
				return err
			}
		}
		if session.UDPInfo() != nil {
			session.SetConnState(state.ConnUDPConnected)
		} else {
			session.SetConnState(state.ConnChannelOpened)
		}
		return nil

	case protocol.ListenDetect:
		return d.answerDetect(ctx, conn, msg.Text)

	default:
		return fmt.Errorf("unknown listen state %q", msg.State)
	}
}

// answerDetect feeds a wake-word detection through the LLM and voices the
// reply.
func (d *Dispatcher) answerDetect(ctx context.Context, conn transport.Conn, text string) error {
	if d.cfg.LLM == nil || text == "" {
		return nil
	}
	reply, err := d.cfg.LLM.Complete(ctx, llm.Request{Text: text})
	if err != nil {
		d.cfg.Metrics.RecordCollaboratorError(ctx, "llm")
		return fmt.Errorf("llm completion: %w", err)
	}

	if err := d.send(ctx, conn, protocol.Message{
		Type:    protocol.TypeLLM,
		Emotion: reply.Emotion,
		Text:    reply.Text,
	}); err != nil {
		return err
	}
	if d.cfg.Speak != nil {
		d.cfg.Speak(ctx, conn, reply.Text)
	}
	return nil
}

// handleAbort forces the device back to idle without a stop acknowledgment.
func (d *Dispatcher) handleAbort(session *state.Session) error {
	if session.DeviceState() == state.StateIdle {
		return nil
	}
	return session.SetDeviceState(state.StateIdle)
}

// handleMCP runs the JSON-RPC method table and always replies with a
// response envelope.
func (d *Dispatcher) handleMCP(ctx context.Context, conn transport.Conn, session *state.Session, msg protocol.Message) error {
	resp := d.mcp.Handle(session, msg.Payload)
	data, err := protocol.EncodeMCPReply(session.SessionID, resp)
	if err != nil {
		return err
	}
	return conn.SendText(ctx, data)
}

// handleGoodbye is the orderly shutdown path, recorded as a normal
// disconnection.
func (d *Dispatcher) handleGoodbye(ctx context.Context, conn transport.Conn, session *state.Session) error {
	_ = d.send(ctx, conn, protocol.Message{Type: protocol.TypeGoodbye, SessionID: session.SessionID})

	if d.cfg.UDP != nil {
		d.cfg.UDP.Unregister(session.SessionID)
	}
	d.mcp.forget(session.SessionID)
	d.cfg.Tracker.Remove(session.DeviceID, state.RemoveGoodbye)
	return conn.Close("goodbye")
}

// handleHeartbeat acks immediately so the device can reset its own liveness
// timer. The session was already touched on receipt.
func (d *Dispatcher) handleHeartbeat(ctx context.Context, conn transport.Conn, session *state.Session) error {
	return d.send(ctx, conn, protocol.Message{
		Type:      protocol.TypeHeartbeat,
		SessionID: session.SessionID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Forget releases per-session dispatcher state. The gateway calls it from
// the tracker's removal hook.
func (d *Dispatcher) Forget(sessionID string) {
	d.mcp.forget(sessionID)
}

func (d *Dispatcher) send(ctx context.Context, conn transport.Conn, msg protocol.Message) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return conn.SendText(ctx, data)
}

// sendError sends an error reply without raising a system event.
func (d *Dispatcher) sendError(ctx context.Context, conn transport.Conn, text string) {
	data, err := protocol.EncodeMessage(protocol.ErrorMessage(text))
	if err != nil {
		return
	}
	_ = conn.SendText(ctx, data)
}

// systemError converts a handling failure into an observable event and an
// error reply. The connection itself survives.
func (d *Dispatcher) systemError(ctx context.Context, conn transport.Conn, err error) {
	d.log.Error("message handling failed", "device", conn.DeviceID(), "err", err)

	payload, merr := json.Marshal(map[string]string{
		"device_id": conn.DeviceID(),
		"error":     err.Error(),
	})
	if merr == nil {
		_ = d.cfg.Bus.Publish(ctx, bus.TopicSystemError, payload, bus.PublishOptions{
			Priority: bus.PriorityHigh,
			Source:   "dispatch",
		})
	}
	d.sendError(ctx, conn, err.Error())
}
