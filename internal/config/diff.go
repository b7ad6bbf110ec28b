package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; changes take effect
// for calls started after the reload.
type ConfigDiff struct {
	AgentChanged    bool // company or knowledge file changed
	ProviderChanged bool // provider name, model, endpoint, voice, or credential variable changed
	CallChanged     bool // per-call behaviour changed
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists changed settings that only apply after a restart.
	RestartRequired []string
}

// Changed reports whether anything in d needs applying.
func (d ConfigDiff) Changed() bool {
	return d.AgentChanged || d.ProviderChanged || d.CallChanged || d.LogLevelChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Agent != new.Agent {
		d.AgentChanged = true
	}
	if old.Provider != new.Provider {
		d.ProviderChanged = true
	}
	if old.Call != new.Call {
		d.CallChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.MaxConcurrentCalls != new.Server.MaxConcurrentCalls {
		d.RestartRequired = append(d.RestartRequired, "server.max_concurrent_calls")
	}
	if !equalStrings(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}
	if (old.Server.TLS == nil) != (new.Server.TLS == nil) ||
		(old.Server.TLS != nil && *old.Server.TLS != *new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}

	return d
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
