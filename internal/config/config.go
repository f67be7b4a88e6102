// Package config provides the configuration schema, loader, and provider registry
// for the parlance voice client.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/parlance/internal/segment"
	"github.com/MrWong99/parlance/pkg/audio"
	"github.com/MrWong99/parlance/pkg/transport"
)

// LogLevel controls log verbosity.
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

// Level maps l to the slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure for parlance.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Providers ProvidersConfig `yaml:"providers"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Transport TransportConfig `yaml:"transport"`
	Session   SessionConfig   `yaml:"session"`
}

// ServerConfig holds the ops HTTP server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics server
	// (e.g., ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// BackendConfig locates the persona voice service.
type BackendConfig struct {
	// BaseURL is the REST API root (e.g., "http://localhost:5000/api").
	BaseURL string `yaml:"base_url"`

	// FallbackURLs are tried in order when BaseURL fails.
	FallbackURLs []string `yaml:"fallback_urls"`

	// Timeout bounds each REST request. Default 30s.
	Timeout time.Duration `yaml:"timeout"`

	// WebSocketURL pins the realtime endpoint. When empty it is requested
	// from the backend on every session start.
	WebSocketURL string `yaml:"websocket_url"`
}

// ProvidersConfig declares which implementation to use for each device-facing
// component. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	Audio    ProviderEntry `yaml:"audio"`
	VAD      ProviderEntry `yaml:"vad"`
	Playback ProviderEntry `yaml:"playback"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "portaudio").
	Name string `yaml:"name"`

	// Options holds provider-specific configuration values. Values may be
	// strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// AudioConfig describes capture preferences and the outbound clip format.
type AudioConfig struct {
	// Device selects an input device by name. Empty uses the system default.
	Device string `yaml:"device"`

	// CaptureRate is the preferred capture rate in Hz. 0 uses the device default.
	CaptureRate int `yaml:"capture_rate"`

	// Channels is the preferred capture channel count. Default 1.
	Channels int `yaml:"channels"`

	// FrameMs is the capture block length in milliseconds. Default 100.
	FrameMs int `yaml:"frame_ms"`

	// TargetRate is the sample rate of clips sent to the server. Default 16000.
	TargetRate int `yaml:"target_rate"`

	// Processing hints forwarded to the capture backend.
	EchoCancellation bool `yaml:"echo_cancellation"`
	NoiseSuppression bool `yaml:"noise_suppression"`
	AutoGainControl  bool `yaml:"auto_gain_control"`
}

// VADConfig holds segmentation thresholds. All fields are hot-reloadable.
type VADConfig struct {
	// SilenceThreshold is the RMS level in [0, 1] separating speech from
	// silence. Default 0.01.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// SilenceTimeout is the trailing silence that ends an utterance. Default 2s.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// MinUtterance is the shortest utterance that is sent. Default 300ms.
	MinUtterance time.Duration `yaml:"min_utterance"`

	// PreRoll is the audio kept before speech onset. Default 300ms.
	PreRoll time.Duration `yaml:"pre_roll"`

	// MaxUtterance bounds a single utterance. Default 60s.
	MaxUtterance time.Duration `yaml:"max_utterance"`
}

// TransportConfig tunes the realtime connection.
type TransportConfig struct {
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	ReconnectBackoff     time.Duration `yaml:"reconnect_backoff"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	DialTimeout          time.Duration `yaml:"dial_timeout"`
}

// SessionConfig describes the conversation.
type SessionConfig struct {
	// PersonaID is the character to talk to.
	PersonaID string `yaml:"persona_id"`

	// VoiceType is forwarded to the backend voice configuration lookup.
	VoiceType string `yaml:"voice_type"`

	// Continuous re-arms listening after each reply. Hot-reloadable.
	Continuous bool `yaml:"continuous"`

	// RearmDelay is the pause after reply playback before listening again.
	// Default 1s.
	RearmDelay time.Duration `yaml:"rearm_delay"`

	// ReplyTimeout abandons an utterance without a reply. Default 30s.
	ReplyTimeout time.Duration `yaml:"reply_timeout"`

	// VoiceConfig is forwarded verbatim in start_voice_session.
	VoiceConfig map[string]any `yaml:"voice_config"`
}

// Provider names registered by the application.
const (
	ProviderPortAudio = "portaudio"
	ProviderEnergy    = "energy"
	ProviderOto       = "oto"
	ProviderDiscard   = "discard"
)

// ApplyDefaults fills in unset fields. It is called by [LoadFromReader].
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 30 * time.Second
	}
	if cfg.Providers.Audio.Name == "" {
		cfg.Providers.Audio.Name = ProviderPortAudio
	}
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = ProviderEnergy
	}
	if cfg.Providers.Playback.Name == "" {
		cfg.Providers.Playback.Name = ProviderOto
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.FrameMs == 0 {
		cfg.Audio.FrameMs = int(audio.DefaultFrameDuration / time.Millisecond)
	}
	if cfg.Audio.TargetRate == 0 {
		cfg.Audio.TargetRate = 16000
	}
	if cfg.VAD.SilenceThreshold == 0 {
		cfg.VAD.SilenceThreshold = segment.DefaultSilenceThreshold
	}
	if cfg.VAD.SilenceTimeout == 0 {
		cfg.VAD.SilenceTimeout = segment.DefaultSilenceTimeout
	}
	if cfg.VAD.MinUtterance == 0 {
		cfg.VAD.MinUtterance = segment.DefaultMinUtterance
	}
	if cfg.VAD.PreRoll == 0 {
		cfg.VAD.PreRoll = segment.DefaultPreRoll
	}
	if cfg.VAD.MaxUtterance == 0 {
		cfg.VAD.MaxUtterance = segment.DefaultMaxUtterance
	}
	if cfg.Session.RearmDelay == 0 {
		cfg.Session.RearmDelay = time.Second
	}
	if cfg.Session.ReplyTimeout == 0 {
		cfg.Session.ReplyTimeout = 30 * time.Second
	}
}

// Segment returns the segmenter configuration.
func (v VADConfig) Segment() segment.Config {
	return segment.Config{
		SilenceThreshold: v.SilenceThreshold,
		SilenceTimeout:   v.SilenceTimeout,
		MinUtterance:     v.MinUtterance,
		PreRoll:          v.PreRoll,
		MaxUtterance:     v.MaxUtterance,
	}
}

// Constraints returns the capture constraints.
func (a AudioConfig) Constraints() audio.Constraints {
	return audio.Constraints{
		DeviceName:       a.Device,
		SampleRate:       a.CaptureRate,
		Channels:         a.Channels,
		FrameDuration:    time.Duration(a.FrameMs) * time.Millisecond,
		EchoCancellation: a.EchoCancellation,
		NoiseSuppression: a.NoiseSuppression,
		AutoGainControl:  a.AutoGainControl,
	}
}

// Session returns the transport template. URL and persona are filled in per
// session by the voice controller.
func (t TransportConfig) Session() transport.Config {
	return transport.Config{
		HeartbeatInterval:    t.HeartbeatInterval,
		PongTimeout:          t.PongTimeout,
		ReconnectBackoff:     t.ReconnectBackoff,
		MaxReconnectAttempts: t.MaxReconnectAttempts,
		DialTimeout:          t.DialTimeout,
	}
}
