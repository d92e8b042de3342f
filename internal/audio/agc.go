package audio

// Default automatic gain control parameters.
const (
	defaultTargetLevel = 0.5
	defaultMinGain     = 0.1
	defaultMaxGain     = 10.0

	// agcSmoothing is the exponential-moving-average weight kept from the
	// previous value when updating peak and gain estimates.
	agcSmoothing = 0.9

	// agcEpsilon guards the gain division against a zero peak estimate.
	agcEpsilon = 1e-6
)

// AGCConfig holds tuning knobs for the automatic gain control stage.
type AGCConfig struct {
	// TargetLevel is the desired normalised peak amplitude in (0,1].
	// Default: 0.5.
	TargetLevel float64 `yaml:"target_level"`

	// MinGain is the lower clamp on applied gain. Default: 0.1.
	MinGain float64 `yaml:"min_gain"`

	// MaxGain is the upper clamp on applied gain. Default: 10.
	MaxGain float64 `yaml:"max_gain"`
}

// withDefaults returns cfg with zero fields replaced by defaults.
func (c AGCConfig) withDefaults() AGCConfig {
	if c.TargetLevel <= 0 {
		c.TargetLevel = defaultTargetLevel
	}
	if c.MinGain <= 0 {
		c.MinGain = defaultMinGain
	}
	if c.MaxGain <= 0 {
		c.MaxGain = defaultMaxGain
	}
	return c
}

// agc carries the per-device gain state. It is never reset during a session;
// only pipeline re-initialisation discards it.
type agc struct {
	cfg AGCConfig

	// currentGain is the smoothed applied gain, always within
	// [cfg.MinGain, cfg.MaxGain] after the first frame.
	currentGain float64

	// peakLevel is the smoothed normalised frame peak in [0,1].
	peakLevel float64
}

func newAGC(cfg AGCConfig) *agc {
	cfg = cfg.withDefaults()
	return &agc{cfg: cfg, currentGain: 1.0}
}

// process normalises pcm in place toward the target level and returns the
// gain that was applied.
//
// The frame peak feeds an EMA (0.9 old / 0.1 new); the raw target gain
// target/(peak+ε) is clamped to [MinGain, MaxGain] and then smoothed with the
// same EMA before application. Output samples are hard-clipped to the int16
// range — no soft limiting.
func (a *agc) process(pcm []int16) (appliedGain float64) {
	if len(pcm) == 0 {
		return a.currentGain
	}

	var framePeak float64
	for _, s := range pcm {
		mag := float64(s)
		if mag < 0 {
			mag = -mag
		}
		if mag > framePeak {
			framePeak = mag
		}
	}
	framePeak /= 32768.0

	a.peakLevel = a.peakLevel*agcSmoothing + framePeak*(1-agcSmoothing)

	targetGain := a.cfg.TargetLevel / (a.peakLevel + agcEpsilon)
	if targetGain < a.cfg.MinGain {
		targetGain = a.cfg.MinGain
	} else if targetGain > a.cfg.MaxGain {
		targetGain = a.cfg.MaxGain
	}

	a.currentGain = a.currentGain*agcSmoothing + targetGain*(1-agcSmoothing)
	if a.currentGain < a.cfg.MinGain {
		a.currentGain = a.cfg.MinGain
	} else if a.currentGain > a.cfg.MaxGain {
		a.currentGain = a.cfg.MaxGain
	}

	for i, s := range pcm {
		scaled := float64(s) * a.currentGain
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		pcm[i] = int16(scaled)
	}

	return a.currentGain
}
