package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is true if any segmentation threshold changed.
	VADChanged bool
	NewVAD     VADConfig

	ContinuousChanged bool
	NewContinuous     bool

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether d carries any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VADChanged || d.ContinuousChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart; other changed
// sections are listed in RestartRequired.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.VAD != new.VAD {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}

	if old.Session.Continuous != new.Session.Continuous {
		d.ContinuousChanged = true
		d.NewContinuous = new.Session.Continuous
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameBackend(old.Backend, new.Backend) {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Providers.Audio.Name != new.Providers.Audio.Name ||
		old.Providers.VAD.Name != new.Providers.VAD.Name ||
		old.Providers.Playback.Name != new.Providers.Playback.Name {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Transport != new.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if old.Session.PersonaID != new.Session.PersonaID {
		d.RestartRequired = append(d.RestartRequired, "session.persona_id")
	}

	return d
}

func sameBackend(a, b BackendConfig) bool {
	if a.BaseURL != b.BaseURL || a.Timeout != b.Timeout || a.WebSocketURL != b.WebSocketURL {
		return false
	}
	if len(a.FallbackURLs) != len(b.FallbackURLs) {
		return false
	}
	for i := range a.FallbackURLs {
		if a.FallbackURLs[i] != b.FallbackURLs[i] {
			return false
		}
	}
	return true
}
