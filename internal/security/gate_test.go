package security

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func newTestGate(t *testing.T, cfg Config) *Gate {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = "test-master-secret"
	}
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	g := newTestGate(t, Config{})

	token, err := g.IssueToken("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	deviceID, err := g.VerifyToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if deviceID != "dev-1" {
		t.Errorf("deviceID = %q, want dev-1", deviceID)
	}
}

func TestVerifyTokenRejects(t *testing.T) {
	g := newTestGate(t, Config{})
	other := newTestGate(t, Config{Secret: "different-secret"})

	t.Run("garbage", func(t *testing.T) {
		if _, err := g.VerifyToken("not.a.token"); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("foreign signature", func(t *testing.T) {
		token, err := other.IssueToken("dev-1")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := g.VerifyToken(token); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		short := newTestGate(t, Config{TokenTTL: -time.Minute})
		token, err := short.IssueToken("dev-1")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := short.VerifyToken(token); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("got %v", err)
		}
	})
}

func TestAuthenticateBoundedAttempts(t *testing.T) {
	g := newTestGate(t, Config{MaxAuthAttempts: 3})
	g.SetCredential("dev-1", "correct-horse")

	for i := 0; i < 3; i++ {
		if err := g.Authenticate("dev-1", "wrong"); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("attempt %d: got %v", i, err)
		}
	}

	// Budget exhausted: even the right credential is rejected now.
	if err := g.Authenticate("dev-1", "correct-horse"); !errors.Is(err, ErrTooManyAttempts) {
		t.Errorf("got %v, want ErrTooManyAttempts", err)
	}
}

func TestAuthenticateSuccessClearsRecord(t *testing.T) {
	g := newTestGate(t, Config{MaxAuthAttempts: 3})
	g.SetCredential("dev-1", "correct-horse")

	_ = g.Authenticate("dev-1", "wrong")
	_ = g.Authenticate("dev-1", "wrong")
	if err := g.Authenticate("dev-1", "correct-horse"); err != nil {
		t.Fatalf("valid credential rejected: %v", err)
	}

	// Failure counter restarts from zero.
	for i := 0; i < 2; i++ {
		_ = g.Authenticate("dev-1", "wrong")
	}
	if err := g.Authenticate("dev-1", "correct-horse"); err != nil {
		t.Errorf("counter was not cleared: %v", err)
	}
}

func TestAuthenticateAttemptRecordExpires(t *testing.T) {
	g := newTestGate(t, Config{MaxAuthAttempts: 1, AttemptExpiry: 20 * time.Millisecond})
	g.SetCredential("dev-1", "correct-horse")

	_ = g.Authenticate("dev-1", "wrong")
	if err := g.Authenticate("dev-1", "correct-horse"); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("got %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if err := g.Authenticate("dev-1", "correct-horse"); err != nil {
		t.Errorf("record did not expire: %v", err)
	}
}

func TestDeriveKeyDeterministicPerDevice(t *testing.T) {
	g := newTestGate(t, Config{})

	k1, err := g.DeriveKey("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	k2, err := g.DeriveKey("dev-1")
	if err != nil {
		t.Fatal(err)
	}
	other, err := g.DeriveKey("dev-2")
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(k1, k2) {
		t.Error("key derivation must be deterministic")
	}
	if bytes.Equal(k1, other) {
		t.Error("different devices must get different keys")
	}
	if len(k1) != 32 {
		t.Errorf("key length = %d, want 32", len(k1))
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	g := newTestGate(t, Config{})
	nonce, err := g.NewNonce()
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("opus frame bytes")
	sealed, err := g.Encrypt(payload, "dev-1", nonce)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(sealed, payload) {
		t.Error("ciphertext equals plaintext")
	}

	opened, err := g.Decrypt(sealed, "dev-1", nonce)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(opened, payload) {
		t.Error("round trip mismatch")
	}

	// A different device's key must not open it.
	if _, err := g.Decrypt(sealed, "dev-2", nonce); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("cross-device decrypt: got %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	g := newTestGate(t, Config{})
	buf := []byte("signed payload")

	sig, err := g.Sign(buf, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if !g.Verify(buf, "dev-1", sig) {
		t.Error("valid signature rejected")
	}
	if g.Verify(buf, "dev-2", sig) {
		t.Error("signature verified under wrong device key")
	}
	if g.Verify([]byte("tampered"), "dev-1", sig) {
		t.Error("signature verified over tampered payload")
	}
}

func TestSessionIDsUnique(t *testing.T) {
	g := newTestGate(t, Config{})
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := g.NewSessionID()
		if seen[id] {
			t.Fatal("duplicate session id")
		}
		seen[id] = true
	}
}
