package audio

import (
	"bytes"
	"testing"
	"time"
)

func testPipeline(t *testing.T, rec *flushRecorder) *Pipeline {
	t.Helper()
	p := New(Config{
		Batch: BatchConfig{FlushInterval: time.Hour, SizeThreshold: 1 << 20},
	}, rec.flush)
	t.Cleanup(p.Close)
	return p
}

func TestPipelineInitializeAndEmitIngestRoundTrip(t *testing.T) {
	rec := &flushRecorder{}
	p := testPipeline(t, rec)

	if err := p.Initialize("dev-1", "sess-1", 16000, 1, 60); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// 60ms @ 16kHz mono = 960 samples = 1920 bytes.
	pcm := int16sToBytes(constantFrame(8000, 960))
	opusFrame, err := p.Emit("dev-1", pcm)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(opusFrame) == 0 {
		t.Fatal("emit produced empty frame")
	}

	res, err := p.Ingest("dev-1", opusFrame)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(res.PCM) != len(pcm) {
		t.Errorf("decoded %d bytes, want %d", len(res.PCM), len(pcm))
	}
	if res.AppliedGain <= 0 {
		t.Errorf("appliedGain = %v, want > 0", res.AppliedGain)
	}
	if p.DroppedFrames() != 0 {
		t.Errorf("dropped frames = %d, want 0", p.DroppedFrames())
	}
}

func TestPipelineDecodeFailurePassesThrough(t *testing.T) {
	rec := &flushRecorder{}
	p := testPipeline(t, rec)

	if err := p.Initialize("dev-1", "sess-1", 16000, 1, 60); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	garbage := bytes.Repeat([]byte{0xFF, 0x00, 0x13, 0x37}, 16)
	res, err := p.Ingest("dev-1", garbage)
	if err != nil {
		t.Fatalf("ingest must not fail on a bad frame: %v", err)
	}
	if !bytes.Equal(res.PCM, garbage) {
		t.Error("expected pass-through of original bytes")
	}
	if !res.HasVoice {
		t.Error("pass-through frames must report hasVoice=true")
	}
	if res.NoiseLevel != 0 || res.VoiceLevel != 0 || res.AppliedGain != 0 {
		t.Errorf("quality metrics must be zeroed: %+v", res)
	}
	if p.DroppedFrames() != 1 {
		t.Errorf("dropped frames = %d, want 1", p.DroppedFrames())
	}
}

func TestPipelineEmitRejectsPartialFrame(t *testing.T) {
	rec := &flushRecorder{}
	p := testPipeline(t, rec)

	if err := p.Initialize("dev-1", "sess-1", 16000, 1, 60); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Half a frame: 480 samples instead of the 960 the codec was opened
	// with. Encoding must fail instead of reading past the buffer.
	if _, err := p.Emit("dev-1", int16sToBytes(constantFrame(8000, 480))); err == nil {
		t.Error("emit must reject a partial frame")
	}
	if _, err := p.Emit("dev-1", nil); err == nil {
		t.Error("emit must reject empty input")
	}

	// A full frame still encodes after the rejected ones.
	if _, err := p.Emit("dev-1", int16sToBytes(constantFrame(8000, 960))); err != nil {
		t.Errorf("full frame after rejections: %v", err)
	}
}

func TestPipelineIngestReportsVADTransitions(t *testing.T) {
	rec := &flushRecorder{}
	p := testPipeline(t, rec)

	if err := p.Initialize("dev-1", "sess-1", 16000, 1, 60); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	loud, err := p.Emit("dev-1", int16sToBytes(constantFrame(12000, 960)))
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	// Onset fires once hysteresis is satisfied, then stays quiet while the
	// decision holds.
	for i := 0; i < vadOnsetFrames+2; i++ {
		res, err := p.Ingest("dev-1", loud)
		if err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		wantEdge := i == vadOnsetFrames-1
		if res.Transitioned != wantEdge {
			t.Errorf("frame %d: transitioned = %v, want %v", i, res.Transitioned, wantEdge)
		}
		if res.Transitioned && !res.HasVoice {
			t.Errorf("frame %d: onset edge must carry hasVoice=true", i)
		}
	}
}

func TestPipelineUnknownDevice(t *testing.T) {
	rec := &flushRecorder{}
	p := testPipeline(t, rec)

	if _, err := p.Ingest("ghost", []byte{1}); err == nil {
		t.Error("ingest for uninitialised device must error")
	}
	if _, err := p.Emit("ghost", []byte{1, 2}); err == nil {
		t.Error("emit for uninitialised device must error")
	}
	// Cleanup of an unknown device is a no-op.
	p.Cleanup("ghost")
}

func TestPipelineCleanupFlushesCache(t *testing.T) {
	rec := &flushRecorder{}
	p := testPipeline(t, rec)

	if err := p.Initialize("dev-1", "sess-1", 16000, 1, 60); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	pcm := int16sToBytes(constantFrame(8000, 960))
	opusFrame, err := p.Emit("dev-1", pcm)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if _, err := p.Ingest("dev-1", opusFrame); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	p.Cleanup("dev-1")
	if rec.count() != 1 {
		t.Errorf("cleanup flushes: %d, want 1", rec.count())
	}
	if _, err := p.Ingest("dev-1", opusFrame); err == nil {
		t.Error("ingest after cleanup must error")
	}
}

func TestPCMByteConversionRoundTrip(t *testing.T) {
	pcm := []int16{0, 1, -1, 32767, -32768, 12345, -12345}
	got := bytesToInt16s(int16sToBytes(pcm))
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Errorf("sample %d: %d != %d", i, got[i], pcm[i])
		}
	}
}
