package audio

import (
	"math"
	"testing"
)

// constantFrame builds a frame of constant absolute amplitude.
func constantFrame(amplitude int16, n int) []int16 {
	pcm := make([]int16, n)
	for i := range pcm {
		if i%2 == 0 {
			pcm[i] = amplitude
		} else {
			pcm[i] = -amplitude
		}
	}
	return pcm
}

func TestAGCGainStaysBounded(t *testing.T) {
	cfg := AGCConfig{TargetLevel: 0.5, MinGain: 0.1, MaxGain: 10}
	a := newAGC(cfg)

	// Mix of near-silence and full-scale frames tries to push the gain to
	// both extremes.
	amplitudes := []int16{1, 32767, 1, 1, 32767, 0, 5, 32767}
	for i := 0; i < 200; i++ {
		gain := a.process(constantFrame(amplitudes[i%len(amplitudes)], 960))
		if gain < cfg.MinGain || gain > cfg.MaxGain {
			t.Fatalf("frame %d: gain %v outside [%v, %v]", i, gain, cfg.MinGain, cfg.MaxGain)
		}
	}
}

func TestAGCConvergesOnConstantInput(t *testing.T) {
	cfg := AGCConfig{TargetLevel: 0.5, MinGain: 0.1, MaxGain: 10}
	a := newAGC(cfg)

	// Quarter-scale input: ideal gain is 0.5 / 0.25 = 2.
	const amplitude = 8192
	var gain float64
	for i := 0; i < 500; i++ {
		gain = a.process(constantFrame(amplitude, 960))
	}

	want := cfg.TargetLevel / (float64(amplitude) / 32768.0)
	if math.Abs(gain-want) > 0.1 {
		t.Errorf("gain after convergence = %v, want ≈ %v", gain, want)
	}
}

func TestAGCHardClipsOutput(t *testing.T) {
	// Force a large gain against a loud frame; outputs must stay in range
	// by hard clipping, which int16 storage guarantees, so instead verify
	// the scaled value saturates at the rails rather than wrapping.
	a := newAGC(AGCConfig{TargetLevel: 1.0, MinGain: 5, MaxGain: 10})
	pcm := constantFrame(20000, 960)
	a.process(pcm)
	for i, s := range pcm {
		if s != 32767 && s != -32768 {
			t.Fatalf("sample %d = %d, expected saturation at the int16 rails", i, s)
		}
	}
}

func TestAGCDefaults(t *testing.T) {
	a := newAGC(AGCConfig{})
	if a.cfg.TargetLevel != defaultTargetLevel || a.cfg.MinGain != defaultMinGain || a.cfg.MaxGain != defaultMaxGain {
		t.Errorf("defaults not applied: %+v", a.cfg)
	}
	if a.process(nil) != a.currentGain {
		t.Error("empty frame must return current gain unchanged")
	}
}
