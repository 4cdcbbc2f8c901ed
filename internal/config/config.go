// Package config provides the configuration schema, loader and file watcher
// for the coach service.
package config

import (
	"log/slog"
	"time"
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

// SlogLevel maps l to its [slog.Level]. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
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

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Realtime    RealtimeConfig    `yaml:"realtime"`
	Store       StoreConfig       `yaml:"store"`
	Identity    IdentityConfig    `yaml:"identity"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default "info".
	LogLevel LogLevel `yaml:"log_level"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RealtimeConfig configures the OpenAI Realtime session gateway.
type RealtimeConfig struct {
	// APIKey is the long-lived key exchanged for ephemeral session secrets.
	// Falls back to $OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`

	// Model selects the realtime model.
	Model string `yaml:"model"`

	// Voice selects the coach's voice, e.g. "alloy".
	Voice string `yaml:"voice"`

	// Instructions is the coach's system prompt.
	Instructions string `yaml:"instructions"`

	// BaseURL overrides the realtime WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// APIBaseURL overrides the REST endpoint used for the token exchange.
	APIBaseURL string `yaml:"api_base_url"`

	// DialTimeout bounds token exchange plus WebSocket handshake. Default 15s.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// StoreConfig configures message persistence.
type StoreConfig struct {
	// PostgresDSN is the connection string of the message database. Empty
	// disables persistence. Falls back to $COACH_POSTGRES_DSN.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// IdentityConfig names the user sessions are attributed to. An empty UserID
// runs the service anonymously. Falls back to $COACH_USER_ID and
// $COACH_USER_EMAIL.
type IdentityConfig struct {
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
}

// PersistenceConfig tunes the fire-and-forget message writer.
type PersistenceConfig struct {
	// Timeout bounds a single insert. Default 10s.
	Timeout time.Duration `yaml:"timeout"`
}
