// Package audio implements the per-device real-time audio pipeline:
// Opus decode → noise reduction → automatic gain control → voice-activity
// detection on the inbound path, Opus encode on the outbound path, and a
// batching cache that hands accumulated PCM to the speech-to-text
// collaborator.
//
// Each device owns an independent processing chain; chains for different
// devices never share mutable state and may run concurrently.
package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// opusCodec wraps a gopus encoder/decoder pair for one device stream.
// Decoder state carries across consecutive frames, so a codec must never be
// shared between devices.
type opusCodec struct {
	dec *gopus.Decoder
	enc *gopus.Encoder

	// frameSize is the number of samples per channel per frame.
	frameSize int
	channels  int
}

// newOpusCodec creates an Opus codec for the negotiated sample rate and
// channel count. Failure here is fatal for the device's audio path: the
// pipeline cannot run without a codec.
func newOpusCodec(sampleRate, channels, frameDurationMs int) (*opusCodec, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &opusCodec{
		dec:       dec,
		enc:       enc,
		frameSize: sampleRate * frameDurationMs / 1000,
		channels:  channels,
	}, nil
}

// decode decodes one Opus packet into interleaved int16 PCM samples.
func (c *opusCodec) decode(data []byte) ([]int16, error) {
	pcm, err := c.dec.Decode(data, c.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return pcm, nil
}

// encode encodes interleaved int16 PCM samples into one Opus packet.
// The input must be exactly one frame: gopus hands frameSize straight to
// libopus without checking len(pcm), so a short buffer would make the C
// encoder read past the end of the slice.
func (c *opusCodec) encode(pcm []int16) ([]byte, error) {
	if want := c.frameSize * c.channels; len(pcm) != want {
		return nil, fmt.Errorf("audio: opus encode: got %d samples, want %d", len(pcm), want)
	}
	data, err := c.enc.Encode(pcm, c.frameSize, len(pcm)*2)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return data, nil
}

// int16sToBytes converts int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
