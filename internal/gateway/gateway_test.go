package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voxgate/voxgate/internal/audio"
	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/protocol"
	"github.com/voxgate/voxgate/internal/security"
	"github.com/voxgate/voxgate/internal/state"
	"github.com/voxgate/voxgate/internal/transport"
	sttmock "github.com/voxgate/voxgate/pkg/provider/stt/mock"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	ttsmock "github.com/voxgate/voxgate/pkg/provider/tts/mock"
)

// fakeConn is an in-memory transport.Conn capturing sent frames.
type fakeConn struct {
	deviceID string
	kind     protocol.Transport
	version  protocol.BinaryVersion

	mu       sync.Mutex
	texts    [][]byte
	binaries [][]byte
	closed   bool
}

func newFakeConn(deviceID string) *fakeConn {
	return &fakeConn{
		deviceID: deviceID,
		kind:     protocol.TransportWebSocket,
		version:  protocol.BinaryV2,
	}
}

func (c *fakeConn) DeviceID() string                        { return c.deviceID }
func (c *fakeConn) ClientID() string                        { return c.deviceID }
func (c *fakeConn) Kind() protocol.Transport                { return c.kind }
func (c *fakeConn) ProtocolVersion() protocol.BinaryVersion { return c.version }

func (c *fakeConn) SendText(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrConnClosed
	}
	c.texts = append(c.texts, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SendBinary(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrConnClosed
	}
	c.binaries = append(c.binaries, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) textTypes(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var types []string
	for _, raw := range c.texts {
		var m struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatal(err)
		}
		types = append(types, m.Type)
	}
	return types
}

func newTestGateway(t *testing.T, cfg Config, deps Deps) *Gateway {
	t.Helper()

	if deps.Gate == nil {
		gate, err := security.New(security.Config{Secret: "test-secret"})
		if err != nil {
			t.Fatal(err)
		}
		deps.Gate = gate
	}
	if deps.Bus == nil {
		mem := bus.NewMemory()
		t.Cleanup(func() { _ = mem.Close() })
		deps.Bus = mem
	}
	if deps.Metrics == nil {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
		t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
		metrics, err := observe.NewMetrics(mp)
		if err != nil {
			t.Fatal(err)
		}
		deps.Metrics = metrics
	}

	g := New(cfg, deps)
	t.Cleanup(g.Close)
	return g
}

// hello drives a connection through admission and negotiation.
func hello(t *testing.T, g *Gateway, conn *fakeConn) {
	t.Helper()
	if err := g.OnConnect(context.Background(), conn); err != nil {
		t.Fatal(err)
	}
	g.OnText(context.Background(), conn,
		[]byte(`{"type":"hello","audio_params":{"format":"opus","sample_rate":16000,"channels":1,"frame_duration":60}}`))
}

func TestPoolReplacesSameDevice(t *testing.T) {
	g := newTestGateway(t, Config{}, Deps{})

	first := newFakeConn("dev-1")
	second := newFakeConn("dev-1")
	hello(t, g, first)
	if err := g.OnConnect(context.Background(), second); err != nil {
		t.Fatal(err)
	}

	if first.Active() {
		t.Error("replaced connection must be closed")
	}
	if g.pool.Len() != 1 {
		t.Errorf("pool len = %d, want 1", g.pool.Len())
	}
	got, _ := g.pool.Get("dev-1")
	if got != transport.Conn(second) {
		t.Error("pool must hold the newer connection")
	}
}

func TestPoolEvictsOldestIdleWhenFull(t *testing.T) {
	g := newTestGateway(t, Config{MaxConnections: 2}, Deps{})

	a := newFakeConn("dev-a")
	b := newFakeConn("dev-b")
	hello(t, g, a)
	time.Sleep(5 * time.Millisecond)
	hello(t, g, b)

	c := newFakeConn("dev-c")
	if err := g.OnConnect(context.Background(), c); err != nil {
		t.Fatal(err)
	}

	if a.Active() {
		t.Error("oldest idle connection must be evicted")
	}
	if !b.Active() || !c.Active() {
		t.Error("younger connections must survive")
	}
	if g.Sessions().Get("dev-a") != nil {
		t.Error("evicted device's session must be removed")
	}
}

func TestPoolRejectsWhenAllBusy(t *testing.T) {
	g := newTestGateway(t, Config{MaxConnections: 1}, Deps{})

	a := newFakeConn("dev-a")
	hello(t, g, a)
	g.pool.SetBusy("dev-a", true)

	b := newFakeConn("dev-b")
	err := g.OnConnect(context.Background(), b)
	if !errors.Is(err, ErrPoolFull) {
		t.Fatalf("err = %v, want ErrPoolFull", err)
	}
	if !a.Active() {
		t.Error("busy connection must not be evicted")
	}
}

func TestBinaryFrameFlowsToSTT(t *testing.T) {
	sttProv := &sttmock.Provider{Text: "turn on the light"}
	g := newTestGateway(t, Config{
		Audio: audio.Config{
			Batch: audio.BatchConfig{FlushInterval: 20 * time.Millisecond, SizeThreshold: 1 << 20},
			VAD:   audio.VADConfig{Threshold: 0.0001},
		},
	}, Deps{STT: sttProv})

	conn := newFakeConn("dev-1")
	hello(t, g, conn)
	g.OnText(context.Background(), conn, []byte(`{"type":"listen","state":"start"}`))

	// Loud 60ms frames at 16kHz mono, encoded through the device's own
	// chain so the pipeline can decode them.
	pcm := make([]byte, 1920)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = 0x00
		pcm[i+1] = 0x40 // 16384
	}
	for i := 0; i < 8; i++ {
		opusFrame, err := g.pipeline.Emit("dev-1", pcm)
		if err != nil {
			t.Fatal(err)
		}
		framed, err := protocol.BuildBinary(opusFrame, protocol.BinaryV2, uint32(i))
		if err != nil {
			t.Fatal(err)
		}
		g.OnBinary(context.Background(), conn, framed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sttProv.CallCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if sttProv.CallCount() == 0 {
		t.Fatal("flushed audio never reached the STT provider")
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		types := conn.textTypes(t)
		for _, typ := range types {
			if typ == "stt" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("transcript never delivered to the device")
}

func TestFramesIgnoredWhileNotListening(t *testing.T) {
	sttProv := &sttmock.Provider{Text: "never"}
	g := newTestGateway(t, Config{}, Deps{STT: sttProv})

	conn := newFakeConn("dev-1")
	hello(t, g, conn)

	framed, err := protocol.BuildBinary([]byte{1, 2, 3}, protocol.BinaryV2, 0)
	if err != nil {
		t.Fatal(err)
	}
	g.OnBinary(context.Background(), conn, framed)

	time.Sleep(50 * time.Millisecond)
	if sttProv.CallCount() != 0 {
		t.Error("frames outside listening must not reach STT")
	}
}

func TestSpeakStreamsTTS(t *testing.T) {
	clipPCM := make([]byte, 16000*2*60/1000*4) // four 60ms frames at 16kHz
	ttsProv := &ttsmock.Provider{Clip: tts.Clip{PCM: clipPCM, SampleRate: 16000, Channels: 1}}
	g := newTestGateway(t, Config{}, Deps{TTS: ttsProv})

	conn := newFakeConn("dev-1")
	hello(t, g, conn)

	g.speak(context.Background(), conn, "hello human")

	types := conn.textTypes(t)
	var ttsStates int
	for _, typ := range types {
		if typ == "tts" {
			ttsStates++
		}
	}
	if ttsStates != 3 {
		t.Errorf("tts messages = %d, want start/sentence_start/stop", ttsStates)
	}

	conn.mu.Lock()
	frames := len(conn.binaries)
	conn.mu.Unlock()
	if frames != 4 {
		t.Errorf("binary frames = %d, want 4", frames)
	}

	if g.Sessions().Get("dev-1").DeviceState() != state.StateIdle {
		t.Error("device must return to idle after speaking")
	}
}

func TestSpeakSkipsClipWithWrongFormat(t *testing.T) {
	// Provider answers at 22.05kHz while the device negotiated 16kHz. The
	// raw samples must not be framed as if they matched the session rate.
	clipPCM := make([]byte, 22050*2*60/1000*4)
	ttsProv := &ttsmock.Provider{Clip: tts.Clip{PCM: clipPCM, SampleRate: 22050, Channels: 1}}
	g := newTestGateway(t, Config{}, Deps{TTS: ttsProv})

	conn := newFakeConn("dev-1")
	hello(t, g, conn)

	g.speak(context.Background(), conn, "hello human")

	conn.mu.Lock()
	frames := len(conn.binaries)
	conn.mu.Unlock()
	if frames != 0 {
		t.Errorf("binary frames = %d, want 0 for a mismatched clip", frames)
	}

	// The control envelope still runs so the device does not hang.
	types := conn.textTypes(t)
	var ttsStates int
	for _, typ := range types {
		if typ == "tts" {
			ttsStates++
		}
	}
	if ttsStates != 3 {
		t.Errorf("tts messages = %d, want start/sentence_start/stop", ttsStates)
	}
	if g.Sessions().Get("dev-1").DeviceState() != state.StateIdle {
		t.Error("device must return to idle after the skipped clip")
	}
}

func TestDisconnectStartsLivenessPath(t *testing.T) {
	g := newTestGateway(t, Config{}, Deps{})

	conn := newFakeConn("dev-1")
	hello(t, g, conn)

	g.OnDisconnect(conn, fmt.Errorf("network reset"))

	s := g.Sessions().Get("dev-1")
	if s == nil {
		t.Fatal("session must survive a transport drop for reconnection")
	}
	if s.ConnState() != state.ConnDisconnected {
		t.Errorf("conn state = %v, want disconnected", s.ConnState())
	}
	if s.DeviceState() != state.StateIdle {
		t.Errorf("device state = %v, want idle", s.DeviceState())
	}
	if g.pool.Len() != 0 {
		t.Errorf("pool len = %d, want 0", g.pool.Len())
	}
}

func TestStaleDisconnectDoesNotKillNewerConn(t *testing.T) {
	g := newTestGateway(t, Config{}, Deps{})

	first := newFakeConn("dev-1")
	second := newFakeConn("dev-1")
	hello(t, g, first)
	if err := g.OnConnect(context.Background(), second); err != nil {
		t.Fatal(err)
	}

	// The old connection's read loop reports its death late.
	g.OnDisconnect(first, nil)

	got, ok := g.pool.Get("dev-1")
	if !ok || got != transport.Conn(second) {
		t.Error("newer connection must survive the stale disconnect")
	}
	if g.Sessions().Get("dev-1").ConnState() == state.ConnDisconnected {
		t.Error("stale disconnect must not mark the fresh session disconnected")
	}
}
