// Package config provides the configuration schema and loader for the voxgate
// device gateway.
package config

import (
	"github.com/voxgate/voxgate/internal/audio"
	"github.com/voxgate/voxgate/internal/protocol"
	"github.com/voxgate/voxgate/internal/security"
	"github.com/voxgate/voxgate/internal/state"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for voxgate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pool      PoolConfig      `yaml:"pool"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Audio     AudioConfig     `yaml:"audio"`
	Security  SecurityConfig  `yaml:"security"`
	Bus       BusConfig       `yaml:"bus"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving WebSocket upgrades, /metrics
	// and /healthz (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// MQTTAddr is the TCP address of the embedded MQTT broker. Empty
	// disables the MQTT transport.
	MQTTAddr string `yaml:"mqtt_addr"`

	// UDPAddr is the UDP address for the encrypted audio channel. Empty
	// disables the UDP transport.
	UDPAddr string `yaml:"udp_addr"`

	// PublicHost is the hostname advertised to devices in the hello reply's
	// UDP block. Defaults to the host part of UDPAddr.
	PublicHost string `yaml:"public_host"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	// MaxConnections caps the number of live device connections. When the
	// pool is full and no idle connection can be evicted, new connections
	// are rejected. Default: 1024.
	MaxConnections int `yaml:"max_connections"`
}

// LivenessConfig tunes the session liveness tracker.
type LivenessConfig struct {
	// HeartbeatInterval is how often heartbeats are pushed to quiet
	// sessions. Default: 30s.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// ActivityTimeout is the silence duration after which a session is
	// considered stale. Default: 60s.
	ActivityTimeout Duration `yaml:"activity_timeout"`

	// MaxReconnects bounds reconnection attempts for a stale session.
	// Default: 5.
	MaxReconnects int `yaml:"max_reconnects"`

	// ReconnectInterval is the fixed delay between reconnection attempts.
	// Default: 5s.
	ReconnectInterval Duration `yaml:"reconnect_interval"`
}

// Tracker converts the block into a [state.TrackerConfig].
func (c LivenessConfig) Tracker() state.TrackerConfig {
	return state.TrackerConfig{
		HeartbeatInterval: c.HeartbeatInterval.Std(),
		ActivityTimeout:   c.ActivityTimeout.Std(),
		MaxReconnects:     c.MaxReconnects,
		ReconnectInterval: c.ReconnectInterval.Std(),
	}
}

// AudioConfig tunes the processing pipeline.
type AudioConfig struct {
	// FrameDuration is the default Opus frame duration. Default: 60ms.
	FrameDuration Duration `yaml:"frame_duration"`

	// AGCTargetLevel is the normalised amplitude the gain controller aims
	// for, in (0, 1]. Default: 0.5.
	AGCTargetLevel float64 `yaml:"agc_target_level"`

	// VADMode selects detection aggressiveness: normal, low_bitrate,
	// aggressive or very_aggressive.
	VADMode audio.VADMode `yaml:"vad_mode"`

	// VADThreshold is the base energy threshold before mode scaling.
	// Default: 0.02.
	VADThreshold float64 `yaml:"vad_threshold"`

	// FlushInterval is the periodic batch flush cadence. Default: 100ms.
	FlushInterval Duration `yaml:"flush_interval"`

	// SizeThreshold is the cached-PCM byte count that triggers an immediate
	// flush. Default: 4096.
	SizeThreshold int `yaml:"size_threshold"`

	// IdleTimeout is how long a device stream may sit idle before its
	// pipeline resources are reclaimed. Default: 30s.
	IdleTimeout Duration `yaml:"idle_timeout"`
}

// Pipeline converts the block into an [audio.Config].
func (c AudioConfig) Pipeline() audio.Config {
	return audio.Config{
		AGC: audio.AGCConfig{TargetLevel: c.AGCTargetLevel},
		VAD: audio.VADConfig{Mode: c.VADMode, Threshold: c.VADThreshold},
		Batch: audio.BatchConfig{
			FlushInterval: c.FlushInterval.Std(),
			SizeThreshold: c.SizeThreshold,
			IdleTimeout:   c.IdleTimeout.Std(),
		},
		FrameDuration: c.FrameDuration.Std(),
	}
}

// SecurityConfig holds authentication and encryption settings.
type SecurityConfig struct {
	// Secret is the server-side key material for tokens, HMAC signatures
	// and UDP key derivation. Required.
	Secret string `yaml:"secret"`

	// TokenTTL is how long issued bearer tokens stay valid. Default: 24h.
	TokenTTL Duration `yaml:"token_ttl"`

	// MaxAuthAttempts bounds failed credential checks per device.
	// Default: 5.
	MaxAuthAttempts int `yaml:"max_auth_attempts"`

	// AttemptExpiry is how long a failure record lives before the counter
	// resets. Default: 5m.
	AttemptExpiry Duration `yaml:"attempt_expiry"`
}

// Gate converts the block into a [security.Config].
func (c SecurityConfig) Gate() security.Config {
	return security.Config{
		Secret:          c.Secret,
		TokenTTL:        c.TokenTTL.Std(),
		MaxAuthAttempts: c.MaxAuthAttempts,
		AttemptExpiry:   c.AttemptExpiry.Std(),
	}
}

// BusConfig selects the event bus backend.
type BusConfig struct {
	// NATSURL is the NATS server address. Empty selects the in-process bus.
	NATSURL string `yaml:"nats_url"`
}

// ProvidersConfig declares the external collaborators for each pipeline stage.
type ProvidersConfig struct {
	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
	LLM ProviderEntry `yaml:"llm"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds.
type ProviderEntry struct {
	// Name selects the implementation ("whisper", "piper", "anyllm",
	// "mock").
	Name string `yaml:"name"`

	// Backend selects the upstream service for multi-backend providers
	// (e.g. "openai" or "ollama" for the anyllm provider).
	Backend string `yaml:"backend"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`
}

// Transports lists the transports enabled by the server block, in a stable
// order.
func (c ServerConfig) Transports() []protocol.Transport {
	out := []protocol.Transport{protocol.TransportWebSocket}
	if c.MQTTAddr != "" {
		out = append(out, protocol.TransportMQTT)
	}
	if c.UDPAddr != "" {
		out = append(out, protocol.TransportUDP)
	}
	return out
}
