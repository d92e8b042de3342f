package audio

import (
	"testing"
	"time"
)

const testFrameDuration = 60 * time.Millisecond

func loudFrame() []int16 {
	return constantFrame(3277, 960) // ≈0.1 normalised, well above threshold
}

func quietFrame() []int16 {
	return constantFrame(0, 960)
}

func TestVADOnsetHysteresis(t *testing.T) {
	v := newVADState(VADConfig{})

	for i := 1; i <= 6; i++ {
		isSpeech, _ := v.observe(loudFrame(), testFrameDuration)
		wantSpeech := i >= vadOnsetFrames
		if isSpeech != wantSpeech {
			t.Errorf("frame %d: isSpeech = %v, want %v", i, isSpeech, wantSpeech)
		}
	}
}

func TestVADOffsetHysteresis(t *testing.T) {
	// MinSilence of 250ms is reached by the 5th 60ms silent frame, so the
	// consecutive-frame count is the binding constraint.
	v := newVADState(VADConfig{MinSilence: 250 * time.Millisecond})

	for i := 0; i < vadOnsetFrames; i++ {
		v.observe(loudFrame(), testFrameDuration)
	}
	if !v.isSpeech {
		t.Fatal("expected speech after onset frames")
	}

	for i := 1; i <= 7; i++ {
		isSpeech, _ := v.observe(quietFrame(), testFrameDuration)
		wantSpeech := i < vadOffsetFrames
		if isSpeech != wantSpeech {
			t.Errorf("silent frame %d: isSpeech = %v, want %v", i, isSpeech, wantSpeech)
		}
	}
}

func TestVADOffsetWaitsForMinSilence(t *testing.T) {
	// With a long MinSilence, five silent frames are not enough: 10 frames
	// of 60ms are needed to pass the 540ms mark.
	v := newVADState(VADConfig{MinSilence: 540 * time.Millisecond})

	for i := 0; i < vadOnsetFrames; i++ {
		v.observe(loudFrame(), testFrameDuration)
	}

	for i := 1; i <= 12; i++ {
		isSpeech, _ := v.observe(quietFrame(), testFrameDuration)
		wantSpeech := i < 10 // silence must exceed 540ms
		if isSpeech != wantSpeech {
			t.Errorf("silent frame %d: isSpeech = %v, want %v", i, isSpeech, wantSpeech)
		}
	}
}

func TestVADMaxSilenceForcesOffset(t *testing.T) {
	// MinSilence is effectively unreachable via the consecutive-frame path
	// because speech blips keep resetting the counter; MaxSilence still
	// cannot be dodged once silence accumulates without interruption.
	v := newVADState(VADConfig{
		MinSilence: time.Hour,
		MaxSilence: 200 * time.Millisecond,
	})

	for i := 0; i < vadOnsetFrames; i++ {
		v.observe(loudFrame(), testFrameDuration)
	}

	var off int
	for i := 1; i <= 10; i++ {
		isSpeech, _ := v.observe(quietFrame(), testFrameDuration)
		if !isSpeech {
			off = i
			break
		}
	}
	// 4 frames × 60ms = 240ms > 200ms.
	if off != 4 {
		t.Errorf("forced offset at silent frame %d, want 4", off)
	}
}

func TestVADModeScaling(t *testing.T) {
	tests := []struct {
		mode  VADMode
		scale float64
	}{
		{VADNormal, 1.0},
		{VADLowBitrate, 1.5},
		{VADAggressive, 0.7},
		{VADVeryAggressive, 0.5},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			v := newVADState(VADConfig{Mode: tt.mode, Threshold: 0.1})
			want := 0.1 * tt.scale
			if v.threshold != want {
				t.Errorf("threshold = %v, want %v", v.threshold, want)
			}
		})
	}
}

func TestVADReset(t *testing.T) {
	v := newVADState(VADConfig{})
	for i := 0; i < vadOnsetFrames; i++ {
		v.observe(loudFrame(), testFrameDuration)
	}
	if !v.isSpeech {
		t.Fatal("expected speech")
	}
	v.reset()
	if v.isSpeech || v.consecutiveSpeech != 0 || v.silence != 0 {
		t.Error("reset did not clear state")
	}

	// Onset hysteresis applies from scratch again.
	if isSpeech, _ := v.observe(loudFrame(), testFrameDuration); isSpeech {
		t.Error("single frame after reset must not be speech")
	}
}
