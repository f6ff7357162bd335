package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketapi/internal/crypto"
	"github.com/alanyoungcy/marketapi/internal/domain"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validConfig() Config {
	cfg := Defaults()
	cfg.IG = BrokerConfig{
		Enabled:     true,
		Environment: "demo",
		Username:    "trader",
		APIKey:      "key",
		Password:    "secret",
	}
	return cfg
}

func TestDefaultsNeedABroker(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one of capital.enabled or ig.enabled")

	valid := validConfig()
	assert.NoError(t, valid.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeTOML(t, `
mode = "full"

[ig]
enabled = true
environment = "live"
username = "trader"
api_key = "key"
password = "secret"

[stream]
enabled = true
epics = ["CS.D.EURUSD.MINI.IP", "IX.D.FTSE.DAILY.IP"]
lock_ttl = "30s"

[instruments]
ig = ["CS.D.EURUSD.MINI.IP"]

[redis]
enabled = true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, domain.EnvLive, cfg.IG.Credentials().Environment)
	assert.Equal(t, []string{"CS.D.EURUSD.MINI.IP", "IX.D.FTSE.DAILY.IP"}, cfg.Stream.Epics)
	assert.Equal(t, 30*time.Second, cfg.Stream.LockTTL.Duration)
	assert.Equal(t, []string{"CS.D.EURUSD.MINI.IP"}, cfg.Instruments["ig"])

	// untouched sections keep their defaults
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Confirm.MaxAttempts)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"ig"}, keys(cfg.Brokers()))
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeTOML(t, `
[capital]
enabled = true
username = "from-file"
api_key = "file-key"
password = "file-pass"
`)
	t.Setenv("MARKETAPI_CAPITAL_USERNAME", "from-env")
	t.Setenv("MARKETAPI_SERVER_PORT", "9100")
	t.Setenv("MARKETAPI_SERVER_CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("MARKETAPI_CONFIRM_MAX_BACKOFF", "5s")
	t.Setenv("MARKETAPI_INSTRUMENTS_CAPITAL", "EURUSD,GBPUSD")
	t.Setenv("MARKETAPI_REDIS_DB", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Capital.Username)
	assert.Equal(t, "file-key", cfg.Capital.APIKey)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 5*time.Second, cfg.Confirm.MaxBackoff.Duration)
	assert.Equal(t, []string{"EURUSD", "GBPUSD"}, cfg.Instruments["capital"])
	assert.Equal(t, 0, cfg.Redis.DB, "unparseable values are ignored")
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("MARKETAPI_MODE", "server")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "server", cfg.Mode)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "batch"
	cfg.LogLevel = "trace"
	cfg.IG.Environment = "paper"
	cfg.Session.Cache = "redis"
	cfg.Confirm.Multiplier = 0.5
	cfg.Instruments["kalshi"] = []string{"X"}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "batch"`)
	assert.Contains(t, msg, `unknown log_level "trace"`)
	assert.Contains(t, msg, "ig: environment must be demo or live")
	assert.Contains(t, msg, "requires redis.enabled")
	assert.Contains(t, msg, "multiplier must be >= 1")
	assert.Contains(t, msg, `unknown broker "kalshi"`)
}

func TestValidateStream(t *testing.T) {
	t.Run("stream mode needs redis and epics", func(t *testing.T) {
		cfg := validConfig()
		cfg.Mode = "stream"
		cfg.Stream.Enabled = true

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "epics must not be empty")
		assert.Contains(t, err.Error(), "requires redis.enabled")
	})

	t.Run("capital cannot stream", func(t *testing.T) {
		cfg := validConfig()
		cfg.Mode = "full"
		cfg.Stream.Enabled = true
		cfg.Stream.Broker = "capital"
		cfg.Stream.Epics = []string{"EURUSD"}

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `broker "capital" cannot stream prices`)
	})

	t.Run("server mode ignores stream settings", func(t *testing.T) {
		cfg := validConfig()
		cfg.Stream.Enabled = true
		cfg.Stream.Epics = nil
		assert.NoError(t, cfg.Validate())
	})
}

func TestValidatePasswordFromSecretsFile(t *testing.T) {
	cfg := validConfig()
	cfg.IG.Password = ""
	require.Error(t, cfg.Validate())

	cfg.Secrets.EncryptedPath = "/etc/marketapi/secrets.json"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secrets: password is required")

	cfg.Secrets.Password = "hunter2"
	assert.NoError(t, cfg.Validate())
}

func TestApplySecrets(t *testing.T) {
	blob, err := crypto.SealSecrets(map[string]string{
		crypto.SecretIGPassword:      "sealed-ig",
		crypto.SecretCapitalPassword: "sealed-capital",
	}, "hunter2")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "secrets.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	cfg := validConfig()
	cfg.IG.Password = ""
	cfg.Capital.Password = "explicit"
	cfg.Secrets = SecretsConfig{EncryptedPath: path, Password: "hunter2"}

	require.NoError(t, ApplySecrets(&cfg))
	assert.Equal(t, "sealed-ig", cfg.IG.Password)
	assert.Equal(t, "explicit", cfg.Capital.Password, "configured values win")
	assert.Equal(t, "key", cfg.IG.APIKey)

	cfg.Secrets.Password = "wrong"
	assert.Error(t, ApplySecrets(&cfg))
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Server.APIKey = "gateway-key"
	cfg.Postgres.Password = "pg"
	cfg.Notify.TelegramToken = "tg"
	cfg.Instruments["ig"] = []string{"EURUSD"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.IG.Password)
	assert.Equal(t, "***", out.IG.APIKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.Capital.Password, "empty values stay empty")
	assert.Equal(t, "trader", out.IG.Username)

	out.Instruments["ig"][0] = "changed"
	out.Server.CORSOrigins[0] = "changed"
	assert.Equal(t, "EURUSD", cfg.Instruments["ig"][0])
	assert.Equal(t, "http://localhost:3000", cfg.Server.CORSOrigins[0])
	assert.Equal(t, "gateway-key", cfg.Server.APIKey)
}

func keys(m map[string]BrokerConfig) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
