// Package gateway is the composition layer: it admits device connections
// into the pool, tracks their sessions, pumps binary audio through the
// processing pipeline, and bridges flushed speech to the STT/TTS/LLM
// collaborators.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxgate/voxgate/internal/audio"
	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/dispatch"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/protocol"
	"github.com/voxgate/voxgate/internal/resilience"
	"github.com/voxgate/voxgate/internal/security"
	"github.com/voxgate/voxgate/internal/state"
	"github.com/voxgate/voxgate/internal/transport"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// Config tunes the gateway composition.
type Config struct {
	// MaxConnections caps the pool. Zero means the default.
	MaxConnections int

	// Tracker is the liveness configuration.
	Tracker state.TrackerConfig

	// Audio is the processing pipeline configuration.
	Audio audio.Config

	// PublicHost is the UDP hostname advertised in hello replies.
	PublicHost string
}

// Deps are the gateway's collaborators. Gate, Bus and Metrics are required;
// the rest degrade gracefully when nil.
type Deps struct {
	Gate    *security.Gate
	Bus     bus.Bus
	Metrics *observe.Metrics

	// UDP enables the audio side-channel.
	UDP dispatch.UDPRegistrar

	// STT transcribes flushed speech. Nil discards it.
	STT stt.Provider

	// TTS voices replies. Nil sends text only.
	TTS tts.Provider

	// LLM answers wake-word detections. Nil disables replies.
	LLM llm.Provider
}

// Gateway implements [transport.Handler] over the pool, tracker, pipeline
// and dispatcher. All methods are safe for concurrent use.
type Gateway struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	pool       *Pool
	tracker    *state.Tracker
	pipeline   *audio.Pipeline
	dispatcher *dispatch.Dispatcher

	sttGuard *resilience.CircuitBreaker
	ttsGuard *resilience.CircuitBreaker
}

// New wires a Gateway. Call [Gateway.Run] to start the liveness sweeps.
func New(cfg Config, deps Deps) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		deps:     deps,
		log:      slog.Default().With("component", "gateway"),
		sttGuard: resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "stt"}),
		ttsGuard: resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "tts"}),
	}

	g.pool = NewPool(cfg.MaxConnections, g.onEvict)
	g.pipeline = audio.New(cfg.Audio, g.flush)
	g.tracker = state.NewTracker(cfg.Tracker, state.TrackerHooks{
		SendHeartbeat: g.pushHeartbeat,
		Reconnect:     g.tryReconnect,
		Active:        g.sessionActive,
		OnRemove:      g.onRemove,
	})
	// The dispatcher talks to the LLM directly, so it gets a breaker-guarded
	// view unless the caller already handed in a fallback chain.
	llmProv := deps.LLM
	if _, guarded := llmProv.(*resilience.LLMFallback); llmProv != nil && !guarded {
		llmProv = resilience.NewLLMFallback("llm", llmProv)
	}
	g.dispatcher = dispatch.New(dispatch.Config{
		Tracker:    g.tracker,
		Gate:       deps.Gate,
		Bus:        deps.Bus,
		Metrics:    deps.Metrics,
		Audio:      g.pipeline,
		UDP:        deps.UDP,
		PublicHost: cfg.PublicHost,
		LLM:        llmProv,
		Speak:      g.speak,
	})
	return g
}

// Run drives the tracker's heartbeat and idle sweeps until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	g.tracker.Run(ctx)
}

// Close flushes and stops the audio pipeline.
func (g *Gateway) Close() {
	g.pipeline.Close()
}

// Sessions exposes the tracker for introspection (health endpoint, tests).
func (g *Gateway) Sessions() *state.Tracker {
	return g.tracker
}

// OnConnect admits the connection into the pool and starts its session.
// Implements [transport.Handler].
func (g *Gateway) OnConnect(ctx context.Context, conn transport.Conn) error {
	sessionID := g.deps.Gate.NewSessionID()

	replaced, err := g.pool.Admit(conn, sessionID)
	if err != nil {
		g.deps.Metrics.Evictions.Add(ctx, 1, rejectedAttr)
		return fmt.Errorf("admit %s: %w", conn.DeviceID(), err)
	}
	if replaced != nil {
		g.deps.Metrics.Evictions.Add(ctx, 1, replacedAttr)
		_ = replaced.Close("replaced by newer connection")
	}

	session := state.NewSession(conn.DeviceID(), sessionID, conn.Kind(),
		int(conn.ProtocolVersion()), conn.ProtocolVersion())
	if old := g.tracker.Track(session); old != nil && g.deps.UDP != nil {
		g.deps.UDP.Unregister(old.SessionID)
	}

	g.deps.Metrics.ActiveConnections.Add(ctx, 1)
	g.publishEvent(ctx, bus.TopicDeviceOnline, conn.DeviceID(), session.SessionID)
	g.log.Info("device connected",
		"device", conn.DeviceID(), "session", sessionID, "transport", conn.Kind())
	return nil
}

// OnText routes a JSON control message. Implements [transport.Handler].
func (g *Gateway) OnText(ctx context.Context, conn transport.Conn, data []byte) {
	g.pool.Touch(conn.DeviceID())
	g.dispatcher.Dispatch(ctx, conn, data)
}

// OnBinary pushes one framed audio payload through the pipeline. Implements
// [transport.Handler].
func (g *Gateway) OnBinary(ctx context.Context, conn transport.Conn, data []byte) {
	deviceID := conn.DeviceID()
	session := g.tracker.Get(deviceID)
	if session == nil {
		g.deps.Metrics.RecordFrameDropped(ctx, "no_session")
		return
	}
	session.Touch()
	g.pool.Touch(deviceID)

	frame, err := protocol.ParseBinary(data, conn.ProtocolVersion())
	if err != nil {
		g.deps.Metrics.RecordFrameDropped(ctx, "bad_frame")
		g.log.Debug("dropping malformed frame", "device", deviceID, "err", err)
		return
	}

	// Frames only count as audio while the device is actually listening;
	// anything else is a stray frame after a stop and is ignored.
	if session.DeviceState() != state.StateListening {
		return
	}
	session.SetConnState(state.ConnAudioStreaming)

	res, err := g.pipeline.Ingest(deviceID, frame.Payload)
	if err != nil {
		g.deps.Metrics.RecordFrameDropped(ctx, "pipeline")
		g.log.Debug("pipeline rejected frame", "device", deviceID, "err", err)
		return
	}
	if res.Transitioned {
		g.deps.Metrics.VADTransitions.Add(ctx, 1, vadEdgeAttr(res.HasVoice))
	}
	g.deps.Metrics.FramesProcessed.Add(ctx, 1, transportAttr(conn.Kind()))
}

// OnDisconnect hands the session to the tracker's liveness machinery rather
// than removing it outright: a transport drop starts the bounded
// reconnection sequence, and only its exhaustion removes the session.
// Implements [transport.Handler].
func (g *Gateway) OnDisconnect(conn transport.Conn, err error) {
	deviceID := conn.DeviceID()
	if !g.pool.Remove(deviceID, conn) {
		// A newer connection already owns this device.
		return
	}

	session := g.tracker.Get(deviceID)
	if session == nil {
		return
	}
	session.SetConnState(state.ConnDisconnected)

	ctx := context.Background()
	g.deps.Metrics.ActiveConnections.Add(ctx, -1)
	if err != nil {
		g.log.Warn("device transport failed", "device", deviceID, "err", err)
	} else {
		g.log.Info("device disconnected", "device", deviceID)
	}
}

// speak voices text to the device: tts start, one sentence, binary frames,
// tts stop. Errors are absorbed — a failed synthesis falls back to the text
// already delivered via the llm message.
func (g *Gateway) speak(ctx context.Context, conn transport.Conn, text string) {
	if g.deps.TTS == nil || text == "" {
		return
	}
	deviceID := conn.DeviceID()
	session := g.tracker.Get(deviceID)
	if session == nil {
		return
	}

	var clip tts.Clip
	err := g.ttsGuard.Execute(func() error {
		var synthErr error
		clip, synthErr = g.deps.TTS.Synthesize(ctx, text)
		return synthErr
	})
	if err != nil {
		g.deps.Metrics.RecordCollaboratorError(ctx, "tts")
		g.log.Warn("tts synthesis failed", "device", deviceID, "err", err)
		return
	}

	if err := session.SetDeviceState(state.StateSpeaking); err != nil {
		g.log.Debug("device not ready to speak", "device", deviceID, "err", err)
		return
	}
	g.pool.SetBusy(deviceID, true)
	defer func() {
		g.pool.SetBusy(deviceID, false)
		if derr := session.SetDeviceState(state.StateIdle); derr != nil {
			g.log.Debug("speak state reset", "device", deviceID, "err", derr)
		}
	}()

	g.sendControl(ctx, conn, protocol.Message{Type: protocol.TypeTTS, State: protocol.TTSStart})
	g.sendControl(ctx, conn, protocol.Message{
		Type: protocol.TypeTTS, State: protocol.TTSSentenceStart, Text: text,
	})
	g.streamClip(ctx, conn, session, clip)
	g.sendControl(ctx, conn, protocol.Message{Type: protocol.TypeTTS, State: protocol.TTSStop})
}

// streamClip re-encodes the clip through the device's Opus chain and writes
// framed binary messages. The chain is fixed at the session's negotiated
// format, so a clip in any other format cannot be sliced into frames for it;
// such clips are skipped and the device keeps the text already delivered.
func (g *Gateway) streamClip(ctx context.Context, conn transport.Conn, session *state.Session, clip tts.Clip) {
	params := session.AudioParams()
	if clip.SampleRate != params.SampleRate || clip.Channels != params.Channels {
		g.log.Warn("tts clip format does not match session, skipping audio",
			"device", session.DeviceID,
			"clip_rate", clip.SampleRate, "session_rate", params.SampleRate,
			"clip_channels", clip.Channels, "session_channels", params.Channels)
		return
	}
	frameMs := params.FrameDuration
	if frameMs <= 0 {
		frameMs = 60
	}
	frameBytes := params.SampleRate * params.Channels * 2 * frameMs / 1000
	if frameBytes <= 0 {
		return
	}

	for off := 0; off+frameBytes <= len(clip.PCM); off += frameBytes {
		encoded, err := g.pipeline.Emit(session.DeviceID, clip.PCM[off:off+frameBytes])
		if err != nil {
			g.log.Debug("emit failed", "device", session.DeviceID, "err", err)
			return
		}
		framed, err := protocol.BuildBinary(encoded, conn.ProtocolVersion(),
			uint32(time.Now().UnixMilli()))
		if err != nil {
			g.log.Debug("frame build failed", "device", session.DeviceID, "err", err)
			return
		}
		if err := conn.SendBinary(ctx, framed); err != nil {
			g.log.Debug("binary send failed", "device", session.DeviceID, "err", err)
			return
		}
	}
}

// flush is the pipeline's batch sink: transcribe the voiced PCM and deliver
// the transcript both to the device and to bus subscribers.
func (g *Gateway) flush(deviceID, sessionID string, pcm []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g.deps.Metrics.FlushBytes.Add(ctx, int64(len(pcm)))
	if g.deps.STT == nil || len(pcm) == 0 {
		return
	}

	session := g.tracker.Get(deviceID)
	if session == nil || session.SessionID != sessionID {
		return
	}
	params := session.AudioParams()

	var text string
	err := g.sttGuard.Execute(func() error {
		var recErr error
		text, recErr = g.deps.STT.Recognize(ctx, pcm, params.SampleRate, params.Channels)
		return recErr
	})
	if err != nil {
		g.deps.Metrics.RecordCollaboratorError(ctx, "stt")
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			g.log.Warn("stt recognition failed", "device", deviceID, "err", err)
		}
		return
	}
	if text == "" {
		return
	}

	if conn, ok := g.pool.Get(deviceID); ok {
		g.sendControl(ctx, conn, protocol.Message{Type: protocol.TypeSTT, Text: text})
	}
	payload, merr := json.Marshal(map[string]string{
		"device_id":  deviceID,
		"session_id": sessionID,
		"text":       text,
	})
	if merr == nil {
		_ = g.deps.Bus.Publish(ctx, bus.TopicTranscript, payload, bus.PublishOptions{Source: "gateway"})
	}
}

// pushHeartbeat sends a server-initiated heartbeat to a quiet session.
func (g *Gateway) pushHeartbeat(s *state.Session) error {
	conn, ok := g.pool.Get(s.DeviceID)
	if !ok {
		return fmt.Errorf("no connection for %s", s.DeviceID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := protocol.EncodeMessage(protocol.Message{
		Type:      protocol.TypeHeartbeat,
		SessionID: s.SessionID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return conn.SendText(ctx, data)
}

// tryReconnect is one bounded reconnection attempt: the server cannot dial a
// device, so an attempt succeeds only if the device re-established the
// transport on its own since the timeout.
func (g *Gateway) tryReconnect(s *state.Session) error {
	conn, ok := g.pool.Get(s.DeviceID)
	if !ok || !conn.Active() {
		return fmt.Errorf("device %s not reachable", s.DeviceID)
	}
	return g.pushHeartbeat(s)
}

// sessionActive reports whether the session's transport handle still lives.
func (g *Gateway) sessionActive(s *state.Session) bool {
	conn, ok := g.pool.Get(s.DeviceID)
	return ok && conn.Active()
}

// onRemove is the tracker's single removal hook: tear down every per-session
// resource, whichever path removed it.
func (g *Gateway) onRemove(s *state.Session, reason state.RemoveReason) {
	ctx := context.Background()

	if conn, ok := g.pool.Get(s.DeviceID); ok {
		_ = conn.Close("session removed: " + string(reason))
		if g.pool.Remove(s.DeviceID, conn) {
			g.deps.Metrics.ActiveConnections.Add(ctx, -1)
		}
	}
	if g.deps.UDP != nil {
		g.deps.UDP.Unregister(s.SessionID)
	}
	g.pipeline.Cleanup(s.DeviceID)
	g.dispatcher.Forget(s.SessionID)

	g.publishEvent(ctx, bus.TopicDeviceGone, s.DeviceID, s.SessionID)
	g.log.Info("session removed", "device", s.DeviceID, "reason", reason)
}

// onEvict closes a connection displaced by pool capacity pressure.
func (g *Gateway) onEvict(old transport.Conn, sessionID string) {
	ctx := context.Background()
	g.deps.Metrics.Evictions.Add(ctx, 1, evictedAttr)
	_ = old.Close("evicted: pool full")
	g.tracker.Remove(old.DeviceID(), state.RemoveEvicted)
}

func (g *Gateway) sendControl(ctx context.Context, conn transport.Conn, msg protocol.Message) {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return
	}
	if err := conn.SendText(ctx, data); err != nil {
		g.log.Debug("control send failed", "device", conn.DeviceID(), "err", err)
	}
}

func (g *Gateway) publishEvent(ctx context.Context, topic, deviceID, sessionID string) {
	payload, err := json.Marshal(map[string]string{
		"device_id":  deviceID,
		"session_id": sessionID,
	})
	if err != nil {
		return
	}
	_ = g.deps.Bus.Publish(ctx, topic, payload, bus.PublishOptions{Source: "gateway"})
}
