package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type serverConfig struct {
	Addr              string        `koanf:"addr"`
	AllowedOrigins    []string      `koanf:"allowed_origins"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	MaxBodyBytes      int64         `koanf:"max_body_bytes"`
}

type sessionConfig struct {
	Mode            string        `koanf:"mode"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	InitTimeout     time.Duration `koanf:"init_timeout"`
	ClosedRetention time.Duration `koanf:"closed_retention"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
}

type eventlogConfig struct {
	MaxEventsPerStream int           `koanf:"max_events_per_stream"`
	RetentionTTL       time.Duration `koanf:"retention_ttl"`
	EvictionGrace      time.Duration `koanf:"eviction_grace"`
	SweepInterval      time.Duration `koanf:"sweep_interval"`
}

type dispatchConfig struct {
	MaxConcurrency int64         `koanf:"max_concurrency"`
	CallTimeout    time.Duration `koanf:"call_timeout"`
}

type loggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type tracingConfig struct {
	Enabled    bool    `koanf:"enabled"`
	Exporter   string  `koanf:"exporter"`
	Endpoint   string  `koanf:"endpoint"`
	Insecure   bool    `koanf:"insecure"`
	SampleRate float64 `koanf:"sample_rate"`
}

type authConfig struct {
	Enabled bool `koanf:"enabled"`
	// BearerTokens maps token to subject
	BearerTokens map[string]string `koanf:"bearer_tokens"`
	// APIKeys maps key to subject
	APIKeys map[string]string `koanf:"api_keys"`
}

type appConfig struct {
	Server   serverConfig   `koanf:"server"`
	Session  sessionConfig  `koanf:"session"`
	EventLog eventlogConfig `koanf:"eventlog"`
	Dispatch dispatchConfig `koanf:"dispatch"`
	Logging  loggingConfig  `koanf:"logging"`
	Tracing  tracingConfig  `koanf:"tracing"`
	Auth     authConfig     `koanf:"auth"`
}

func defaultAppConfig() appConfig {
	return appConfig{
		Server: serverConfig{
			Addr:              ":8080",
			HeartbeatInterval: 30 * time.Second,
			MaxBodyBytes:      4 << 20,
		},
		Session: sessionConfig{
			Mode:            "stateful",
			IdleTimeout:     30 * time.Minute,
			InitTimeout:     30 * time.Second,
			ClosedRetention: 5 * time.Minute,
			SweepInterval:   time.Minute,
		},
		EventLog: eventlogConfig{
			MaxEventsPerStream: 1024,
			RetentionTTL:       5 * time.Minute,
			EvictionGrace:      30 * time.Second,
			SweepInterval:      30 * time.Second,
		},
		Dispatch: dispatchConfig{
			MaxConcurrency: 64,
			CallTimeout:    30 * time.Second,
		},
		Logging: loggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: tracingConfig{
			Exporter:   "noop",
			SampleRate: 1.0,
		},
	}
}

// loadConfig layers an optional YAML file and STREAMRPC_ environment
// variables over the built-in defaults
func loadConfig(path string) (appConfig, error) {
	cfg := defaultAppConfig()

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	// Double underscore separates nesting levels, so
	// STREAMRPC_SESSION__IDLE_TIMEOUT maps to session.idle_timeout.
	if err := k.Load(env.Provider("STREAMRPC_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "STREAMRPC_")), "__", ".")
	}), nil); err != nil {
		return cfg, fmt.Errorf("failed to load environment: %w", err)
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}
