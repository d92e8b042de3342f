package audio

import "time"

// VADMode scales the voice-activity energy threshold.
type VADMode string

const (
	VADNormal         VADMode = "normal"
	VADLowBitrate     VADMode = "low_bitrate"
	VADAggressive     VADMode = "aggressive"
	VADVeryAggressive VADMode = "very_aggressive"
)

// IsValid reports whether m is a recognised VAD mode.
func (m VADMode) IsValid() bool {
	switch m {
	case VADNormal, VADLowBitrate, VADAggressive, VADVeryAggressive:
		return true
	}
	return false
}

// thresholdScale returns the multiplier applied to the base energy threshold.
func (m VADMode) thresholdScale() float64 {
	switch m {
	case VADLowBitrate:
		return 1.5
	case VADAggressive:
		return 0.7
	case VADVeryAggressive:
		return 0.5
	default:
		return 1.0
	}
}

// Default VAD hysteresis parameters.
const (
	defaultVADThreshold = 0.02
	vadOnsetFrames      = 3
	vadOffsetFrames     = 5
	defaultMinSilence   = 300 * time.Millisecond
	defaultMaxSilence   = 2 * time.Second
)

// VADConfig holds tuning knobs for voice-activity detection.
type VADConfig struct {
	// Mode scales the energy threshold. Default: normal.
	Mode VADMode `yaml:"mode"`

	// Threshold is the base normalised-energy threshold. Default: 0.02.
	Threshold float64 `yaml:"threshold"`

	// MinSilence is the minimum accumulated silence before a speech-to-
	// silence transition is allowed. Default: 300ms.
	MinSilence time.Duration `yaml:"min_silence"`

	// MaxSilence forces the transition regardless of consecutive-frame
	// counting. Default: 2s.
	MaxSilence time.Duration `yaml:"max_silence"`
}

func (c VADConfig) withDefaults() VADConfig {
	if c.Mode == "" {
		c.Mode = VADNormal
	}
	if c.Threshold <= 0 {
		c.Threshold = defaultVADThreshold
	}
	if c.MinSilence <= 0 {
		c.MinSilence = defaultMinSilence
	}
	if c.MaxSilence <= 0 {
		c.MaxSilence = defaultMaxSilence
	}
	return c
}

// vadState is the per-device voice-activity detector.
//
// Hysteresis: speech onset needs vadOnsetFrames consecutive frames above
// threshold; offset needs vadOffsetFrames consecutive frames below threshold
// AND accumulated silence beyond MinSilence, with MaxSilence as an absolute
// override. This keeps the classifier from chattering on noisy boundaries.
type vadState struct {
	cfg       VADConfig
	threshold float64

	isSpeech           bool
	consecutiveSpeech  int
	consecutiveSilence int

	// silence accumulates approximate frame time, not wall clock: each
	// below-threshold frame adds its nominal duration. The pipeline is
	// driven purely by arriving frames, so frame time is the clock that
	// matters and keeps the hysteresis deterministic under test.
	silence time.Duration
}

func newVADState(cfg VADConfig) *vadState {
	cfg = cfg.withDefaults()
	return &vadState{
		cfg:       cfg,
		threshold: cfg.Threshold * cfg.Mode.thresholdScale(),
	}
}

// reset clears all hysteresis state.
func (v *vadState) reset() {
	v.isSpeech = false
	v.consecutiveSpeech = 0
	v.consecutiveSilence = 0
	v.silence = 0
}

// observe classifies one frame and returns the current speech decision plus
// the frame's normalised energy.
func (v *vadState) observe(pcm []int16, frameDuration time.Duration) (isSpeech bool, level float64) {
	level = frameEnergy(pcm)

	if level >= v.threshold {
		v.consecutiveSpeech++
		v.consecutiveSilence = 0
		v.silence = 0
		if !v.isSpeech && v.consecutiveSpeech >= vadOnsetFrames {
			v.isSpeech = true
		}
	} else {
		v.consecutiveSilence++
		v.consecutiveSpeech = 0
		v.silence += frameDuration
		if v.isSpeech {
			longEnough := v.consecutiveSilence >= vadOffsetFrames && v.silence > v.cfg.MinSilence
			if longEnough || v.silence > v.cfg.MaxSilence {
				v.isSpeech = false
			}
		}
	}

	return v.isSpeech, level
}

// frameEnergy returns the mean absolute amplitude of pcm normalised to [0,1].
func frameEnergy(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum / float64(len(pcm)) / 32768.0
}
