package piper

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"testing"
)

// buildWAV assembles a minimal 16-bit PCM WAV for test responses.
func buildWAV(pcm []byte, sampleRate, channels int) []byte {
	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

func TestSynthesize(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.FormValue("text"); got != "hello there" {
			t.Errorf("text = %q", got)
		}
		if got := r.FormValue("voice"); got != "en_US-amy" {
			t.Errorf("voice = %q", got)
		}
		w.Write(buildWAV(pcm, 22050, 1))
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithVoice("en_US-amy"))
	if err != nil {
		t.Fatal(err)
	}
	clip, err := p.Synthesize(context.Background(), "hello there")
	if err != nil {
		t.Fatal(err)
	}
	if clip.SampleRate != 22050 || clip.Channels != 1 {
		t.Errorf("format = %d/%d", clip.SampleRate, clip.Channels)
	}
	if string(clip.PCM) != string(pcm) {
		t.Errorf("pcm = %v", clip.PCM)
	}
}

func TestSynthesizeRejectsNonWAV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("<html>not audio</html>"))
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	if _, err := p.Synthesize(context.Background(), "x"); err == nil {
		t.Error("expected error for non-WAV response")
	}
}

func TestSynthesizeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad voice", http.StatusBadRequest)
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	if _, err := p.Synthesize(context.Background(), "x"); err == nil {
		t.Error("expected error on HTTP 400")
	}
}

func TestDecodeWAVSkipsOptionalChunks(t *testing.T) {
	// fmt, then a LIST chunk, then data.
	pcm := []byte{9, 0, 8, 0}
	wav := buildWAV(pcm, 16000, 1)
	list := append([]byte("LIST"), 4, 0, 0, 0, 'I', 'N', 'F', 'O')
	withList := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)
	binary.LittleEndian.PutUint32(withList[4:8], uint32(len(withList)-8))

	clip, err := decodeWAV(withList)
	if err != nil {
		t.Fatal(err)
	}
	if string(clip.PCM) != string(pcm) {
		t.Errorf("pcm = %v", clip.PCM)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty server URL")
	}
}
