// Package piper provides a TTS provider backed by a piper HTTP server
// (https://github.com/rhasspy/piper), which renders text to a WAV response
// via GET/POST on its root endpoint.
package piper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithVoice sets the voice model name passed to the server. When empty the
// server uses its startup voice — this is the default.
func WithVoice(voice string) Option {
	return func(p *Provider) {
		p.voice = voice
	}
}

// WithHTTPClient replaces the default HTTP client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by a piper HTTP server.
type Provider struct {
	serverURL  string
	voice      string
	httpClient *http.Client
}

// New creates a Provider that connects to the piper HTTP server at serverURL
// (e.g., "http://localhost:5000"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("piper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Synthesize posts the text as a form body and decodes the WAV response into
// raw PCM.
func (p *Provider) Synthesize(ctx context.Context, text string) (tts.Clip, error) {
	form := url.Values{"text": {text}}
	if p.voice != "" {
		form.Set("voice", p.voice)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return tts.Clip{}, fmt.Errorf("piper: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return tts.Clip{}, fmt.Errorf("piper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tts.Clip{}, fmt.Errorf("piper: server returned HTTP %d", resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Clip{}, fmt.Errorf("piper: read response body: %w", err)
	}
	return decodeWAV(wav)
}

// decodeWAV extracts 16-bit PCM and format parameters from a RIFF/WAV
// container. Only uncompressed 16-bit PCM is accepted, which is what piper
// produces.
func decodeWAV(wav []byte) (tts.Clip, error) {
	if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return tts.Clip{}, errors.New("piper: response is not a RIFF/WAVE container")
	}

	var clip tts.Clip
	// Walk the sub-chunks; fmt and data may be separated by optional
	// chunks like LIST.
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		if body+size > len(wav) {
			return tts.Clip{}, errors.New("piper: truncated WAV chunk")
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return tts.Clip{}, errors.New("piper: short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(wav[body : body+2])
			bits := binary.LittleEndian.Uint16(wav[body+14 : body+16])
			if format != 1 || bits != 16 {
				return tts.Clip{}, fmt.Errorf("piper: unsupported WAV format %d/%d-bit", format, bits)
			}
			clip.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			clip.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
		case "data":
			clip.PCM = append([]byte(nil), wav[body:body+size]...)
		}

		// Chunks are word-aligned.
		off = body + size + size%2
	}

	if clip.SampleRate == 0 || clip.PCM == nil {
		return tts.Clip{}, errors.New("piper: WAV missing fmt or data chunk")
	}
	return clip, nil
}
