package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "mock"},
	"tts": {"piper", "mock"},
	"llm": {"anyllm", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Pool.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("pool.max_connections %d must not be negative", cfg.Pool.MaxConnections))
	}

	if cfg.Liveness.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("liveness.heartbeat_interval must not be negative"))
	}
	if cfg.Liveness.ActivityTimeout > 0 && cfg.Liveness.HeartbeatInterval > cfg.Liveness.ActivityTimeout {
		errs = append(errs, fmt.Errorf("liveness.heartbeat_interval %s exceeds activity_timeout %s; sessions would always look stale",
			cfg.Liveness.HeartbeatInterval, cfg.Liveness.ActivityTimeout))
	}
	if cfg.Liveness.MaxReconnects < 0 {
		errs = append(errs, errors.New("liveness.max_reconnects must not be negative"))
	}

	if cfg.Audio.VADMode != "" && !cfg.Audio.VADMode.IsValid() {
		errs = append(errs, fmt.Errorf("audio.vad_mode %q is invalid; valid values: normal, low_bitrate, aggressive, very_aggressive", cfg.Audio.VADMode))
	}
	if cfg.Audio.AGCTargetLevel < 0 || cfg.Audio.AGCTargetLevel > 1 {
		errs = append(errs, fmt.Errorf("audio.agc_target_level %.2f is out of range [0, 1]", cfg.Audio.AGCTargetLevel))
	}

	if cfg.Security.Secret == "" {
		errs = append(errs, errors.New("security.secret is required"))
	}
	if cfg.Security.TokenTTL < 0 {
		errs = append(errs, errors.New("security.token_ttl must not be negative"))
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)

	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; flushed audio will be discarded")
	}

	return errors.Join(errs...)
}

// validateProviderName warns (does not error) when a provider name is not in
// the known set, since new providers may be deployed ahead of this list.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if !slices.Contains(ValidProviderNames[kind], name) {
		slog.Warn("unrecognised provider name", "kind", kind, "name", name)
	}
}
