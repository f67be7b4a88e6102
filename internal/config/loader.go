package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"audio":    {ProviderPortAudio},
	"vad":      {ProviderEnergy},
	"playback": {ProviderOto, ProviderDiscard},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	if cfg.Backend.BaseURL == "" && cfg.Backend.WebSocketURL == "" {
		errs = append(errs, errors.New("backend: one of base_url or websocket_url is required"))
	}
	for i, raw := range append([]string{cfg.Backend.BaseURL}, cfg.Backend.FallbackURLs...) {
		if raw == "" && i == 0 {
			continue
		}
		field := "backend.base_url"
		if i > 0 {
			field = fmt.Sprintf("backend.fallback_urls[%d]", i-1)
		}
		if err := checkURL(raw, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	if len(cfg.Backend.FallbackURLs) > 0 && cfg.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.fallback_urls requires backend.base_url"))
	}
	if cfg.Backend.WebSocketURL != "" {
		if err := checkURL(cfg.Backend.WebSocketURL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("backend.websocket_url: %w", err))
		}
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout %v must not be negative", cfg.Backend.Timeout))
	}

	// Unknown provider names only warn.
	validateProviderName("audio", cfg.Providers.Audio.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("playback", cfg.Providers.Playback.Name)

	// Audio
	if cfg.Audio.CaptureRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must not be negative", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.Channels < 1 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", cfg.Audio.Channels))
	}
	if cfg.Audio.FrameMs < 10 || cfg.Audio.FrameMs > 1000 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range [10, 1000]", cfg.Audio.FrameMs))
	}
	if cfg.Audio.TargetRate < 8000 || cfg.Audio.TargetRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.target_rate %d is out of range [8000, 48000]", cfg.Audio.TargetRate))
	}
	if cfg.Audio.TargetRate != 16000 {
		slog.Warn("audio.target_rate differs from 16000; the voice service may reject clips",
			"target_rate", cfg.Audio.TargetRate)
	}

	// VAD
	if cfg.VAD.SilenceThreshold < 0 || cfg.VAD.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.4f is out of range [0, 1]", cfg.VAD.SilenceThreshold))
	}
	if cfg.VAD.SilenceTimeout < 0 || cfg.VAD.MinUtterance < 0 || cfg.VAD.PreRoll < 0 {
		errs = append(errs, errors.New("vad: durations must not be negative"))
	}
	if cfg.VAD.MaxUtterance < cfg.VAD.SilenceTimeout {
		errs = append(errs, fmt.Errorf("vad.max_utterance %v is shorter than vad.silence_timeout %v", cfg.VAD.MaxUtterance, cfg.VAD.SilenceTimeout))
	}

	// Transport
	if cfg.Transport.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("transport.max_reconnect_attempts %d must not be negative", cfg.Transport.MaxReconnectAttempts))
	}
	if cfg.Transport.HeartbeatInterval < 0 || cfg.Transport.PongTimeout < 0 ||
		cfg.Transport.ReconnectBackoff < 0 || cfg.Transport.DialTimeout < 0 {
		errs = append(errs, errors.New("transport: durations must not be negative"))
	}

	// Session
	if cfg.Session.RearmDelay < 0 || cfg.Session.ReplyTimeout < 0 {
		errs = append(errs, errors.New("session: durations must not be negative"))
	}
	if cfg.Session.PersonaID == "" {
		slog.Warn("session.persona_id is empty; pass -persona to start a conversation")
	}

	return errors.Join(errs...)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("%q must be an absolute %s URL", raw, schemes[0])
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
