package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RealtimeChanged is set when any realtime session parameter changed.
	// The new parameters apply to the next connection; an open session keeps
	// the ones it was created with.
	RealtimeChanged bool

	// RestartRequired lists the keys that changed but cannot be applied
	// without restarting the process.
	RestartRequired []string
}

// Empty reports whether d carries no changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RealtimeChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Realtime != new.Realtime {
		d.RealtimeChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store.postgres_dsn")
	}
	if old.Identity != new.Identity {
		d.RestartRequired = append(d.RestartRequired, "identity")
	}
	if old.Persistence != new.Persistence {
		d.RestartRequired = append(d.RestartRequired, "persistence.timeout")
	}

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
