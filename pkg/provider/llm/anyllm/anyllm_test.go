package anyllm

import "testing"

func TestNewValidation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("psychic", "model"); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestSplitEmotion(t *testing.T) {
	tests := []struct {
		in      string
		emotion string
		text    string
	}{
		{"[happy] sure thing", "happy", "sure thing"},
		{"[HAPPY] loud", "happy", "loud"},
		{"plain reply", "neutral", "plain reply"},
		{"[sarcastic] unknown label", "neutral", "[sarcastic] unknown label"},
		{"  [thinking]   hmm  ", "thinking", "hmm"},
		{"[]", "neutral", "[]"},
	}
	for _, tt := range tests {
		emotion, text := splitEmotion(tt.in)
		if emotion != tt.emotion || text != tt.text {
			t.Errorf("splitEmotion(%q) = %q, %q; want %q, %q", tt.in, emotion, text, tt.emotion, tt.text)
		}
	}
}
