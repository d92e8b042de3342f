// Package security implements the gateway's device-security surface: signed
// time-limited tokens, bounded credential checking, per-device symmetric key
// derivation, UDP payload encryption, and HMAC signatures.
package security

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Default security parameters.
const (
	defaultTokenTTL      = 24 * time.Hour
	defaultMaxAttempts   = 5
	defaultAttemptExpiry = 5 * time.Minute
)

// ErrUnauthorized is returned for bad tokens and failed credential checks.
var ErrUnauthorized = errors.New("security: unauthorized")

// ErrTooManyAttempts is returned once a device exceeds its authentication
// attempt budget; further attempts are rejected until the record expires.
var ErrTooManyAttempts = errors.New("security: too many authentication attempts")

// Config holds the gate's tuning knobs.
type Config struct {
	// Secret is the server master secret used for token signing and key
	// derivation. Required.
	Secret string `yaml:"secret"`

	// TokenTTL is the lifetime of issued device tokens. Default: 24h.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// MaxAuthAttempts bounds failed credential checks per device.
	// Default: 5.
	MaxAuthAttempts int `yaml:"max_auth_attempts"`

	// AttemptExpiry is how long a device's failure record lives.
	// Default: 5m.
	AttemptExpiry time.Duration `yaml:"attempt_expiry"`
}

func (c Config) withDefaults() Config {
	if c.TokenTTL <= 0 {
		c.TokenTTL = defaultTokenTTL
	}
	if c.MaxAuthAttempts <= 0 {
		c.MaxAuthAttempts = defaultMaxAttempts
	}
	if c.AttemptExpiry <= 0 {
		c.AttemptExpiry = defaultAttemptExpiry
	}
	return c
}

// attemptRecord tracks failed credential checks for one device.
type attemptRecord struct {
	failures  int
	expiresAt time.Time
}

// Gate is the security component. The attempt-counter map is the only shared
// mutable state; everything else is derived deterministically from the master
// secret. All methods are safe for concurrent use.
type Gate struct {
	cfg    Config
	secret []byte

	mu       sync.Mutex
	attempts map[string]*attemptRecord

	// credentials maps device id → expected credential. Populated by the
	// out-of-scope registration service via SetCredential.
	credsMu     sync.RWMutex
	credentials map[string]string
}

// New creates a Gate. The master secret must be non-empty.
func New(cfg Config) (*Gate, error) {
	if cfg.Secret == "" {
		return nil, errors.New("security: master secret must not be empty")
	}
	cfg = cfg.withDefaults()
	return &Gate{
		cfg:         cfg,
		secret:      []byte(cfg.Secret),
		attempts:    make(map[string]*attemptRecord),
		credentials: make(map[string]string),
	}, nil
}

// NewSessionID returns a fresh opaque session identifier. A new one is
// generated on every handshake, even for a device id seen before.
func (g *Gate) NewSessionID() string {
	return uuid.NewString()
}

// IssueToken returns a signed HS256 token for deviceID, valid for the
// configured TTL.
func (g *Gate) IssueToken(deviceID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": deviceID,
		"iat": now.Unix(),
		"exp": now.Add(g.cfg.TokenTTL).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("security: sign token: %w", err)
	}
	return token, nil
}

// VerifyToken validates a token and returns the device id it was issued to.
// Expired, malformed, or foreign-signed tokens return [ErrUnauthorized].
func (g *Gate) VerifyToken(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return g.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return "", ErrUnauthorized
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrUnauthorized
	}
	return sub, nil
}

// SetCredential registers the expected credential for a device.
func (g *Gate) SetCredential(deviceID, credential string) {
	g.credsMu.Lock()
	g.credentials[deviceID] = credential
	g.credsMu.Unlock()
}

// Authenticate checks deviceID's credential. Each failure increments a
// per-device counter; once the budget is exceeded every further attempt
// returns [ErrTooManyAttempts] until the record expires.
func (g *Gate) Authenticate(deviceID, credential string) error {
	g.mu.Lock()
	rec := g.attempts[deviceID]
	if rec != nil && time.Now().After(rec.expiresAt) {
		delete(g.attempts, deviceID)
		rec = nil
	}
	if rec != nil && rec.failures >= g.cfg.MaxAuthAttempts {
		g.mu.Unlock()
		return ErrTooManyAttempts
	}
	g.mu.Unlock()

	g.credsMu.RLock()
	expected, known := g.credentials[deviceID]
	g.credsMu.RUnlock()

	// Constant-time compare even though a miss also fails: the timing of
	// the comparison must not reveal how much of the credential matched.
	if known && hmac.Equal([]byte(expected), []byte(credential)) {
		g.mu.Lock()
		delete(g.attempts, deviceID)
		g.mu.Unlock()
		return nil
	}

	g.mu.Lock()
	rec = g.attempts[deviceID]
	if rec == nil {
		rec = &attemptRecord{expiresAt: time.Now().Add(g.cfg.AttemptExpiry)}
		g.attempts[deviceID] = rec
	}
	rec.failures++
	g.mu.Unlock()
	return ErrUnauthorized
}

// DeriveKey returns the device's 32-byte symmetric key, derived with
// HKDF-SHA256 from the master secret and the device id. The key is
// deterministic and never transmitted.
func (g *Gate) DeriveKey(deviceID string) ([]byte, error) {
	r := hkdf.New(sha256.New, g.secret, []byte(deviceID), []byte("voxgate-udp-v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("security: derive key for %s: %w", deviceID, err)
	}
	return key, nil
}

// NewNonce returns a fresh random nonce for a session's UDP side-channel.
// Generated once per session, never reused.
func (g *Gate) NewNonce() ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("security: generate nonce: %w", err)
	}
	return nonce, nil
}

// Encrypt seals a UDP payload with the device's derived key and the
// session nonce (ChaCha20-Poly1305).
func (g *Gate) Encrypt(payload []byte, deviceID string, nonce []byte) ([]byte, error) {
	aead, err := g.aead(deviceID)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, payload, nil), nil
}

// Decrypt opens a UDP payload sealed by [Gate.Encrypt].
func (g *Gate) Decrypt(sealed []byte, deviceID string, nonce []byte) ([]byte, error) {
	aead, err := g.aead(deviceID)
	if err != nil {
		return nil, err
	}
	payload, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("security: decrypt for %s: %w", deviceID, ErrUnauthorized)
	}
	return payload, nil
}

func (g *Gate) aead(deviceID string) (cipher.AEAD, error) {
	key, err := g.DeriveKey(deviceID)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher for %s: %w", deviceID, err)
	}
	return aead, nil
}

// Sign returns the hex HMAC-SHA256 signature of buf under the device's
// derived key.
func (g *Gate) Sign(buf []byte, deviceID string) (string, error) {
	key, err := g.DeriveKey(deviceID)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(buf)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a signature produced by [Gate.Sign] using a constant-time
// comparison.
func (g *Gate) Verify(buf []byte, deviceID, signature string) bool {
	want, err := g.Sign(buf, deviceID)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(want), []byte(signature))
}
