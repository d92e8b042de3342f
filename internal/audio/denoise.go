package audio

// denoiseBlockSize is the number of samples per noise-floor estimation block.
const denoiseBlockSize = 128

// denoiseAttenuation is the amplitude factor applied to samples classified
// as noise (below twice the estimated floor).
const denoiseAttenuation = 0.3

// denoise applies block-wise minimum-energy noise gating to pcm in place.
//
// The frame is split into 128-sample blocks; the block with the lowest mean
// amplitude supplies the noise-floor estimate. Samples whose magnitude falls
// below twice that floor are attenuated to 30% amplitude, everything else
// passes through unchanged. The return value is the mean magnitude of the
// attenuated samples normalised to [0,1] — a cheap proxy for how much noise
// the gate removed.
func denoise(pcm []int16) (noiseLevel float64) {
	if len(pcm) == 0 {
		return 0
	}

	floor := noiseFloor(pcm)
	threshold := 2 * floor

	var attenuatedSum float64
	var attenuatedCount int
	for i, s := range pcm {
		mag := float64(s)
		if mag < 0 {
			mag = -mag
		}
		if mag < threshold {
			pcm[i] = int16(float64(s) * denoiseAttenuation)
			attenuatedSum += mag * denoiseAttenuation
			attenuatedCount++
		}
	}

	if attenuatedCount == 0 {
		return 0
	}
	return (attenuatedSum / float64(attenuatedCount)) / 32768.0
}

// noiseFloor returns the lowest per-block mean amplitude in pcm.
// A trailing partial block still contributes so very short frames get a
// floor estimate too.
func noiseFloor(pcm []int16) float64 {
	minEnergy := -1.0
	for start := 0; start < len(pcm); start += denoiseBlockSize {
		end := start + denoiseBlockSize
		if end > len(pcm) {
			end = len(pcm)
		}
		var sum float64
		for _, s := range pcm[start:end] {
			if s < 0 {
				sum -= float64(s)
			} else {
				sum += float64(s)
			}
		}
		energy := sum / float64(end-start)
		if minEnergy < 0 || energy < minEnergy {
			minEnergy = energy
		}
	}
	if minEnergy < 0 {
		return 0
	}
	return minEnergy
}
