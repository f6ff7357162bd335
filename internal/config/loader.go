package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETAPI_* environment variable overrides, and
// returns the final Config. An empty path skips the file so a deployment can
// be configured from the environment alone. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARKETAPI_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject broker credentials at deploy time without
// touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Brokers ──
	applyBrokerEnv(&cfg.Capital, "MARKETAPI_CAPITAL_")
	applyBrokerEnv(&cfg.IG, "MARKETAPI_IG_")

	// ── Secrets ──
	setStr(&cfg.Secrets.EncryptedPath, "MARKETAPI_SECRETS_ENCRYPTED_PATH")
	setStr(&cfg.Secrets.Password, "MARKETAPI_SECRETS_PASSWORD")

	// ── Session ──
	setStr(&cfg.Session.Cache, "MARKETAPI_SESSION_CACHE")
	setDuration(&cfg.Session.LoginTimeout, "MARKETAPI_SESSION_LOGIN_TIMEOUT")

	// ── Confirm ──
	setInt(&cfg.Confirm.MaxAttempts, "MARKETAPI_CONFIRM_MAX_ATTEMPTS")
	setDuration(&cfg.Confirm.InitialBackoff, "MARKETAPI_CONFIRM_INITIAL_BACKOFF")
	setDuration(&cfg.Confirm.MaxBackoff, "MARKETAPI_CONFIRM_MAX_BACKOFF")
	setFloat64(&cfg.Confirm.Multiplier, "MARKETAPI_CONFIRM_MULTIPLIER")

	// ── Stream ──
	setBool(&cfg.Stream.Enabled, "MARKETAPI_STREAM_ENABLED")
	setStr(&cfg.Stream.Broker, "MARKETAPI_STREAM_BROKER")
	setStringSlice(&cfg.Stream.Epics, "MARKETAPI_STREAM_EPICS")
	setInt(&cfg.Stream.QueueSize, "MARKETAPI_STREAM_QUEUE_SIZE")
	setDuration(&cfg.Stream.LockTTL, "MARKETAPI_STREAM_LOCK_TTL")
	setStr(&cfg.Stream.Endpoint, "MARKETAPI_STREAM_ENDPOINT")

	// ── Instruments ──
	if cfg.Instruments == nil {
		cfg.Instruments = make(map[string][]string)
	}
	setInstruments(cfg.Instruments, "capital", "MARKETAPI_INSTRUMENTS_CAPITAL")
	setInstruments(cfg.Instruments, "ig", "MARKETAPI_INSTRUMENTS_IG")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "MARKETAPI_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MARKETAPI_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETAPI_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETAPI_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETAPI_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKETAPI_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKETAPI_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "MARKETAPI_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.TickTTL, "MARKETAPI_REDIS_TICK_TTL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "MARKETAPI_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "MARKETAPI_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "MARKETAPI_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MARKETAPI_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MARKETAPI_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MARKETAPI_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MARKETAPI_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MARKETAPI_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MARKETAPI_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MARKETAPI_POSTGRES_POOL_MIN_CONNS")
	setDuration(&cfg.Postgres.ConnTimeout, "MARKETAPI_POSTGRES_CONNECT_TIMEOUT")
	setBool(&cfg.Postgres.RunMigrations, "MARKETAPI_POSTGRES_RUN_MIGRATIONS")

	// ── Server ──
	setInt(&cfg.Server.Port, "MARKETAPI_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform-assigned port wins
	setStr(&cfg.Server.APIKey, "MARKETAPI_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETAPI_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "MARKETAPI_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "MARKETAPI_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MARKETAPI_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARKETAPI_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARKETAPI_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARKETAPI_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARKETAPI_MODE")
	setStr(&cfg.LogLevel, "MARKETAPI_LOG_LEVEL")
}

func applyBrokerEnv(b *BrokerConfig, prefix string) {
	setBool(&b.Enabled, prefix+"ENABLED")
	setStr(&b.Environment, prefix+"ENVIRONMENT")
	setStr(&b.Username, prefix+"USERNAME")
	setStr(&b.APIKey, prefix+"API_KEY")
	setStr(&b.Password, prefix+"PASSWORD")
	setStr(&b.AccountID, prefix+"ACCOUNT_ID")
	setStr(&b.BaseURL, prefix+"BASE_URL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = splitList(v)
	}
}

func setInstruments(dst map[string][]string, broker, key string) {
	if v := os.Getenv(key); v != "" {
		dst[broker] = splitList(v)
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return cleaned
}
