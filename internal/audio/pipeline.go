package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultFrameDuration is the nominal device frame length used for VAD
// silence accounting when the negotiated value is absent.
const defaultFrameDuration = 60 * time.Millisecond

// Config holds tuning knobs for every stage of the pipeline.
type Config struct {
	AGC   AGCConfig   `yaml:"agc"`
	VAD   VADConfig   `yaml:"vad"`
	Batch BatchConfig `yaml:"batch"`

	// FrameDuration is the nominal length of one device audio frame.
	// Default: 60ms.
	FrameDuration time.Duration `yaml:"frame_duration"`
}

func (c Config) withDefaults() Config {
	if c.FrameDuration <= 0 {
		c.FrameDuration = defaultFrameDuration
	}
	c.Batch = c.Batch.withDefaults()
	return c
}

// Result is the outcome of ingesting one frame.
type Result struct {
	// PCM is the processed little-endian int16 audio. On a decode failure
	// it carries the original undecoded bytes instead, so the caller never
	// stalls on a single bad frame.
	PCM []byte

	// HasVoice is the VAD decision. Forced true on processing failure.
	HasVoice bool

	// Transitioned reports that this frame flipped the VAD decision; the
	// direction is HasVoice. Always false on processing failure.
	Transitioned bool

	// NoiseLevel, VoiceLevel, and AppliedGain are the per-frame quality
	// metrics, all zeroed on processing failure.
	NoiseLevel  float64
	VoiceLevel  float64
	AppliedGain float64
}

// deviceChain is the processing state for one device. All stages are guarded
// by one per-device mutex; chains for different devices never contend.
type deviceChain struct {
	mu            sync.Mutex
	codec         *opusCodec
	agc           *agc
	vad           *vadState
	stream        *streamState
	sessionID     string
	frameDuration time.Duration
	errors        uint64
}

// Pipeline owns the per-device audio processing chains.
//
// Initialize must succeed before Ingest/Emit are used for a device; an Opus
// initialisation failure is fatal for that device's audio path (the device
// can still interact via JSON messages). All methods are safe for concurrent
// use; frames for a single device must be ingested from one goroutine to
// preserve arrival order.
type Pipeline struct {
	cfg   Config
	flush FlushFunc

	mu      sync.RWMutex
	devices map[string]*deviceChain

	droppedFrames atomic.Uint64
	done          chan struct{}
	stopOnce      sync.Once
}

// New creates a Pipeline. flush receives every accumulated PCM batch and must
// not be nil. A background janitor destroys stream caches that have been idle
// longer than Batch.IdleTimeout.
func New(cfg Config, flush FlushFunc) *Pipeline {
	p := &Pipeline{
		cfg:     cfg.withDefaults(),
		flush:   flush,
		devices: make(map[string]*deviceChain),
		done:    make(chan struct{}),
	}
	go p.sweepIdleStreams()
	return p
}

// Initialize creates (or replaces) the processing chain for a device using
// its negotiated audio parameters. Gain and VAD state from any previous chain
// are discarded.
func (p *Pipeline) Initialize(deviceID, sessionID string, sampleRate, channels, frameDurationMs int) error {
	if frameDurationMs <= 0 {
		frameDurationMs = int(p.cfg.FrameDuration / time.Millisecond)
	}
	codec, err := newOpusCodec(sampleRate, channels, frameDurationMs)
	if err != nil {
		return fmt.Errorf("audio: initialise device %s: %w", deviceID, err)
	}

	chain := &deviceChain{
		codec:         codec,
		agc:           newAGC(p.cfg.AGC),
		vad:           newVADState(p.cfg.VAD),
		sessionID:     sessionID,
		frameDuration: time.Duration(frameDurationMs) * time.Millisecond,
	}

	p.mu.Lock()
	old := p.devices[deviceID]
	p.devices[deviceID] = chain
	p.mu.Unlock()

	if old != nil {
		old.closeStream()
	}
	return nil
}

// Ingest runs one inbound Opus frame through decode → denoise → AGC → VAD and
// appends the processed PCM to the stream cache. Per-frame failures degrade:
// the original bytes pass through with HasVoice=true and zeroed metrics, and
// the dropped-frame counter increments.
func (p *Pipeline) Ingest(deviceID string, frame []byte) (Result, error) {
	chain, err := p.chain(deviceID)
	if err != nil {
		return Result{}, err
	}

	chain.mu.Lock()
	defer chain.mu.Unlock()

	pcm, err := chain.codec.decode(frame)
	if err != nil {
		chain.errors++
		p.droppedFrames.Add(1)
		slog.Debug("audio: frame pass-through after decode failure",
			"device_id", deviceID, "err", err)
		return Result{PCM: frame, HasVoice: true}, nil
	}

	noiseLevel := denoise(pcm)
	appliedGain := chain.agc.process(pcm)
	prevSpeech := chain.vad.isSpeech
	hasVoice, voiceLevel := chain.vad.observe(pcm, chain.frameDuration)

	processed := int16sToBytes(pcm)
	if chain.stream == nil {
		chain.stream = newStreamState(deviceID, chain.sessionID, p.cfg.Batch, p.flush)
	}
	chain.stream.add(processed, hasVoice, voiceLevel)

	return Result{
		PCM:          processed,
		HasVoice:     hasVoice,
		Transitioned: hasVoice != prevSpeech,
		NoiseLevel:   noiseLevel,
		VoiceLevel:   voiceLevel,
		AppliedGain:  appliedGain,
	}, nil
}

// Emit encodes outbound PCM (little-endian int16 bytes) into one Opus frame.
// No DSP runs on the outbound path.
func (p *Pipeline) Emit(deviceID string, pcm []byte) ([]byte, error) {
	chain, err := p.chain(deviceID)
	if err != nil {
		return nil, err
	}
	chain.mu.Lock()
	defer chain.mu.Unlock()
	return chain.codec.encode(bytesToInt16s(pcm))
}

// ResetVAD clears the device's voice-activity hysteresis state.
func (p *Pipeline) ResetVAD(deviceID string) {
	chain, err := p.chain(deviceID)
	if err != nil {
		return
	}
	chain.mu.Lock()
	chain.vad.reset()
	chain.mu.Unlock()
}

// Cleanup destroys all processing state for a device, flushing any cached
// audio first. Safe to call for unknown devices.
func (p *Pipeline) Cleanup(deviceID string) {
	p.mu.Lock()
	chain := p.devices[deviceID]
	delete(p.devices, deviceID)
	p.mu.Unlock()

	if chain != nil {
		chain.closeStream()
	}
}

// DroppedFrames returns the total number of frames that failed decoding.
func (p *Pipeline) DroppedFrames() uint64 {
	return p.droppedFrames.Load()
}

// Close stops the idle janitor and destroys every chain.
func (p *Pipeline) Close() {
	p.stopOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	chains := make([]*deviceChain, 0, len(p.devices))
	for _, chain := range p.devices {
		chains = append(chains, chain)
	}
	p.devices = make(map[string]*deviceChain)
	p.mu.Unlock()

	for _, chain := range chains {
		chain.closeStream()
	}
}

func (p *Pipeline) chain(deviceID string) (*deviceChain, error) {
	p.mu.RLock()
	chain, ok := p.devices[deviceID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("audio: device %s not initialised", deviceID)
	}
	return chain, nil
}

// closeStream tears down the chain's flush cache if one exists.
func (c *deviceChain) closeStream() {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()
	if stream != nil {
		stream.close()
	}
}

// sweepIdleStreams destroys stream caches with no recent frames. The chain
// itself survives; a new cache is created on the next frame.
func (p *Pipeline) sweepIdleStreams() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.cfg.Batch.IdleTimeout)
			p.mu.RLock()
			chains := make([]*deviceChain, 0, len(p.devices))
			for _, chain := range p.devices {
				chains = append(chains, chain)
			}
			p.mu.RUnlock()

			for _, chain := range chains {
				chain.mu.Lock()
				stream := chain.stream
				if stream != nil && stream.idleSince().Before(cutoff) {
					chain.stream = nil
				} else {
					stream = nil
				}
				chain.mu.Unlock()
				if stream != nil {
					stream.close()
				}
			}
		}
	}
}
