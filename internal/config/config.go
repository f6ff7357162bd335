// Package config defines the top-level configuration for the trading gateway
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETAPI_* environment variables.
type Config struct {
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`

	Server      ServerConfig        `toml:"server"`
	Capital     BrokerConfig        `toml:"capital"`
	IG          BrokerConfig        `toml:"ig"`
	Secrets     SecretsConfig       `toml:"secrets"`
	Session     SessionConfig       `toml:"session"`
	Confirm     ConfirmConfig       `toml:"confirm"`
	Stream      StreamConfig        `toml:"stream"`
	Instruments map[string][]string `toml:"instruments"` // broker name -> allowed epics
	Redis       RedisConfig         `toml:"redis"`
	Postgres    PostgresConfig      `toml:"postgres"`
	Notify      NotifyConfig        `toml:"notify"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"` // empty disables request authentication
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"` // requests per rate_window per client; 0 disables
	RateWindow  duration `toml:"rate_window"`
}

// BrokerConfig holds one broker account.
type BrokerConfig struct {
	Enabled     bool   `toml:"enabled"`
	Environment string `toml:"environment"` // demo | live
	Username    string `toml:"username"`
	APIKey      string `toml:"api_key"`
	Password    string `toml:"password"`
	AccountID   string `toml:"account_id"`
	BaseURL     string `toml:"base_url"` // overrides the environment default
}

// Credentials converts the account settings into domain credentials.
func (b BrokerConfig) Credentials() domain.Credentials {
	return domain.Credentials{
		Username:    b.Username,
		APIKey:      b.APIKey,
		Password:    b.Password,
		AccountID:   b.AccountID,
		Environment: domain.Environment(strings.ToLower(b.Environment)),
	}
}

// SecretsConfig points at an encrypted file holding broker passwords.
type SecretsConfig struct {
	EncryptedPath string `toml:"encrypted_path"`
	Password      string `toml:"password"`
}

// SessionConfig selects where broker tokens are cached.
type SessionConfig struct {
	Cache        string   `toml:"cache"` // memory | redis
	LoginTimeout duration `toml:"login_timeout"`
}

// ConfirmConfig bounds deal-confirmation polling.
type ConfirmConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff duration `toml:"initial_backoff"`
	MaxBackoff     duration `toml:"max_backoff"`
	Multiplier     float64  `toml:"multiplier"`
}

// StreamConfig selects the instruments the price listener streams.
type StreamConfig struct {
	Enabled   bool     `toml:"enabled"`
	Broker    string   `toml:"broker"`
	Epics     []string `toml:"epics"`
	QueueSize int      `toml:"queue_size"`
	LockTTL   duration `toml:"lock_ttl"`
	Endpoint  string   `toml:"endpoint"` // overrides the Lightstreamer endpoint from the session
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	TickTTL    duration `toml:"tick_ttl"`
}

// PostgresConfig holds the deal-journal database parameters.
type PostgresConfig struct {
	Enabled       bool     `toml:"enabled"`
	DSN           string   `toml:"dsn"`
	Host          string   `toml:"host"`
	Port          int      `toml:"port"`
	Database      string   `toml:"database"`
	User          string   `toml:"user"`
	Password      string   `toml:"password"`
	SSLMode       string   `toml:"ssl_mode"`
	PoolMaxConns  int      `toml:"pool_max_conns"`
	PoolMinConns  int      `toml:"pool_min_conns"`
	ConnTimeout   duration `toml:"connect_timeout"`
	RunMigrations bool     `toml:"run_migrations"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "server",
		LogLevel: "info",
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Capital: BrokerConfig{Environment: "demo"},
		IG:      BrokerConfig{Environment: "demo"},
		Session: SessionConfig{
			Cache:        "memory",
			LoginTimeout: duration{30 * time.Second},
		},
		Confirm: ConfirmConfig{
			MaxAttempts:    10,
			InitialBackoff: duration{100 * time.Millisecond},
			MaxBackoff:     duration{2 * time.Second},
			Multiplier:     2,
		},
		Stream: StreamConfig{
			Broker:    "ig",
			QueueSize: 1024,
			LockTTL:   duration{15 * time.Second},
		},
		Instruments: map[string][]string{},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "marketapi:",
			TickTTL:    duration{5 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketapi",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			ConnTimeout:   duration{5 * time.Second},
			RunMigrations: true,
		},
		Notify: NotifyConfig{
			Events: []string{"deal_rejected", "deal_timeout", "deal_failed", "stream_down"},
		},
	}
}

// Brokers returns the enabled broker accounts keyed by broker name.
func (c *Config) Brokers() map[string]BrokerConfig {
	out := make(map[string]BrokerConfig, 2)
	if c.Capital.Enabled {
		out["capital"] = c.Capital
	}
	if c.IG.Enabled {
		out["ig"] = c.IG
	}
	return out
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true, // HTTP API + tick relay from Redis
	"stream": true, // price listener only
	"full":   true, // both in one process
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// streamingBrokers lists brokers that can stream prices.
var streamingBrokers = map[string]bool{"ig": true}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, stream, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Brokers
	brokers := c.Brokers()
	if len(brokers) == 0 {
		errs = append(errs, "at least one of capital.enabled or ig.enabled must be true")
	}
	for name, b := range brokers {
		if !domain.Environment(strings.ToLower(b.Environment)).Valid() {
			errs = append(errs, fmt.Sprintf("%s: environment must be demo or live, got %q", name, b.Environment))
		}
		if b.Username == "" {
			errs = append(errs, name+": username must not be empty")
		}
		if b.APIKey == "" {
			errs = append(errs, name+": api_key must not be empty")
		}
		if b.Password == "" && c.Secrets.EncryptedPath == "" {
			errs = append(errs, name+": password must be set (or provided via secrets.encrypted_path)")
		}
	}

	// Secrets
	if c.Secrets.EncryptedPath != "" && c.Secrets.Password == "" {
		errs = append(errs, "secrets: password is required when encrypted_path is set")
	}

	// Session
	switch strings.ToLower(c.Session.Cache) {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "session: cache = \"redis\" requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("session: cache must be memory or redis, got %q", c.Session.Cache))
	}
	if c.Session.LoginTimeout.Duration < 0 {
		errs = append(errs, "session: login_timeout must not be negative")
	}

	// Confirm
	if c.Confirm.MaxAttempts < 0 {
		errs = append(errs, "confirm: max_attempts must be >= 0")
	}
	if c.Confirm.InitialBackoff.Duration < 0 || c.Confirm.MaxBackoff.Duration < 0 {
		errs = append(errs, "confirm: backoff durations must not be negative")
	}
	if c.Confirm.Multiplier != 0 && c.Confirm.Multiplier < 1 {
		errs = append(errs, "confirm: multiplier must be >= 1")
	}

	// Stream
	if mode == "stream" && !c.Stream.Enabled {
		errs = append(errs, "stream: mode stream requires stream.enabled")
	}
	if c.Stream.Enabled && mode != "server" {
		if !streamingBrokers[c.Stream.Broker] {
			errs = append(errs, fmt.Sprintf("stream: broker %q cannot stream prices (valid: ig)", c.Stream.Broker))
		} else if _, ok := brokers[c.Stream.Broker]; !ok {
			errs = append(errs, fmt.Sprintf("stream: broker %q is not enabled", c.Stream.Broker))
		}
		if len(c.Stream.Epics) == 0 {
			errs = append(errs, "stream: epics must not be empty")
		}
		if c.Stream.QueueSize < 1 {
			errs = append(errs, "stream: queue_size must be >= 1")
		}
	}
	if mode == "stream" && !c.Redis.Enabled {
		errs = append(errs, "stream: mode stream publishes through redis and requires redis.enabled")
	}

	// Instruments
	for name := range c.Instruments {
		if name != "capital" && name != "ig" {
			errs = append(errs, fmt.Sprintf("instruments: unknown broker %q", name))
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Server
	if mode != "stream" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit < 0 {
			errs = append(errs, "server: rate_limit must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
