package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted for values the YAML file leaves empty.
const (
	EnvAPIKey      = "OPENAI_API_KEY"
	EnvPostgresDSN = "COACH_POSTGRES_DSN"
	EnvUserID      = "COACH_USER_ID"
	EnvUserEmail   = "COACH_USER_EMAIL"
)

// Defaults applied by [LoadFromReader].
const (
	DefaultListenAddr     = ":8080"
	DefaultDialTimeout    = 15 * time.Second
	DefaultPersistTimeout = 10 * time.Second
)

// LookupEnv matches the signature of [os.LookupEnv].
type LookupEnv func(key string) (string, bool)

// LoadOption configures [Load] and [LoadFromReader].
type LoadOption func(*loadOptions)

type loadOptions struct {
	lookup LookupEnv
}

// WithEnv replaces the environment lookup. Pass a function returning false
// for every key to disable environment fallbacks.
func WithEnv(lookup LookupEnv) LoadOption {
	return func(o *loadOptions) { o.lookup = lookup }
}

// NoEnv disables environment fallbacks.
func NoEnv() LoadOption {
	return WithEnv(func(string) (string, bool) { return "", false })
}

// Load reads the YAML configuration file at path and returns a validated [Config].
func Load(path string, opts ...LoadOption) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and
// environment fallbacks, and validates the result. An empty document yields
// the all-defaults config.
func LoadFromReader(r io.Reader, opts ...LoadOption) (*Config, error) {
	o := loadOptions{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyEnv(cfg, o.lookup)
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup LookupEnv) {
	fill := func(dst *string, key string) {
		if *dst != "" {
			return
		}
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	fill(&cfg.Realtime.APIKey, EnvAPIKey)
	fill(&cfg.Store.PostgresDSN, EnvPostgresDSN)
	fill(&cfg.Identity.UserID, EnvUserID)
	fill(&cfg.Identity.Email, EnvUserEmail)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Realtime.DialTimeout == 0 {
		cfg.Realtime.DialTimeout = DefaultDialTimeout
	}
	if cfg.Persistence.Timeout == 0 {
		cfg.Persistence.Timeout = DefaultPersistTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Realtime
	if cfg.Realtime.APIKey == "" {
		errs = append(errs, fmt.Errorf("realtime.api_key is required (or set $%s)", EnvAPIKey))
	}
	if cfg.Realtime.BaseURL != "" {
		if u, err := url.Parse(cfg.Realtime.BaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("realtime.base_url %q must be a ws:// or wss:// URL", cfg.Realtime.BaseURL))
		}
	}
	if cfg.Realtime.APIBaseURL != "" {
		if u, err := url.Parse(cfg.Realtime.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("realtime.api_base_url %q must be an http:// or https:// URL", cfg.Realtime.APIBaseURL))
		}
	}
	if cfg.Realtime.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("realtime.dial_timeout %s must not be negative", cfg.Realtime.DialTimeout))
	}

	// Persistence
	if cfg.Persistence.Timeout < 0 {
		errs = append(errs, fmt.Errorf("persistence.timeout %s must not be negative", cfg.Persistence.Timeout))
	}

	// Availability warnings
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; conversations will not be saved")
	} else if cfg.Identity.UserID == "" {
		slog.Warn("identity.user_id is empty; sessions run anonymously and conversations will not be saved")
	}

	return errors.Join(errs...)
}
