// Package config loads service configuration from defaults, an optional YAML
// file and DASH_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix  = "DASH_"
	pathEnvVar = "DASH_CONFIG"
)

// DefaultConfigPaths are probed when DASH_CONFIG is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/agencydash/config.yaml",
}

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Auth     AuthConfig     `koanf:"auth"`
	Session  SessionConfig  `koanf:"session"`
	Redis    RedisConfig    `koanf:"redis"`
	Audit    AuditConfig    `koanf:"audit"`
	Log      LogConfig      `koanf:"log"`
	Tables   []string       `koanf:"tables"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	GRPCAddr        string        `koanf:"grpc_addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RateBurst       int           `koanf:"rate_burst"`
	RatePerSecond   int           `koanf:"rate_per_second"`
	CORSOrigins     []string      `koanf:"cors_origins"`
}

type DatabaseConfig struct {
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	// MigrationsDir overrides the embedded migrations when set.
	MigrationsDir string `koanf:"migrations_dir"`
}

type AuthConfig struct {
	JWTSecret     string        `koanf:"jwt_secret"`
	SessionSecret string        `koanf:"session_secret"`
	SessionCookie string        `koanf:"session_cookie"`
	Issuer        string        `koanf:"issuer"`
	ClockSkew     time.Duration `koanf:"clock_skew"`
}

type SessionConfig struct {
	Backend       string        `koanf:"backend"`
	IdleTimeout   time.Duration `koanf:"idle_timeout"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	Retention     time.Duration `koanf:"retention"`
}

type RedisConfig struct {
	URL string `koanf:"url"`
}

type AuditConfig struct {
	RetentionDays    int           `koanf:"retention_days"`
	WriteTimeout     time.Duration `koanf:"write_timeout"`
	BreakerFailures  uint32        `koanf:"breaker_failures"`
	BreakerOpenFor   time.Duration `koanf:"breaker_open_for"`
	BreakerHalfOpens uint32        `koanf:"breaker_half_opens"`
	StreamBuffer     int           `koanf:"stream_buffer"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the configuration used when nothing else is provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			GRPCAddr:        ":9090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateBurst:       40,
			RatePerSecond:   20,
			CORSOrigins:     []string{"http://localhost:3000"},
		},
		Database: DatabaseConfig{
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 15 * time.Minute,
			MigrationsDir:   "",
		},
		Auth: AuthConfig{
			SessionCookie: "session-token",
			Issuer:        "agencydash",
			ClockSkew:     5 * time.Second,
		},
		Session: SessionConfig{
			Backend:       "memory",
			IdleTimeout:   48 * time.Hour,
			SweepInterval: 5 * time.Minute,
			Retention:     30 * 24 * time.Hour,
		},
		Audit: AuditConfig{
			RetentionDays:    90,
			WriteTimeout:     5 * time.Second,
			BreakerFailures:  5,
			BreakerOpenFor:   30 * time.Second,
			BreakerHalfOpens: 1,
			StreamBuffer:     64,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tables: []string{"calls", "clients", "users", "workspaces", "campaigns"},
	}
}

// Load layers defaults, the config file and the environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for _, key := range []string{"tables", "server.cors_origins"} {
		if raw, ok := k.Get(key).(string); ok {
			_ = k.Set(key, splitList(raw))
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps DASH_AUTH_JWT_SECRET to auth.jwt_secret.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

func findConfigFile() string {
	if p := strings.TrimSpace(os.Getenv(pathEnvVar)); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings the service cannot run with. A missing JWT secret
// is allowed: standalone bearer tokens are then simply not accepted.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Session.Backend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for the redis session backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.backend %q is not supported", c.Session.Backend))
	}
	if c.Session.IdleTimeout <= 0 {
		errs = append(errs, errors.New("session.idle_timeout must be positive"))
	}
	if c.Session.SweepInterval <= 0 {
		errs = append(errs, errors.New("session.sweep_interval must be positive"))
	}
	if c.Audit.RetentionDays < 0 {
		errs = append(errs, errors.New("audit.retention_days must not be negative"))
	}
	if len(c.Tables) == 0 {
		errs = append(errs, errors.New("tables must list at least one table"))
	}
	if c.Auth.JWTSecret == "" && c.Auth.SessionSecret == "" {
		errs = append(errs, errors.New("at least one of auth.jwt_secret or auth.session_secret is required"))
	}
	return errors.Join(errs...)
}
