package config

import (
	"fmt"

	"github.com/alanyoungcy/marketapi/internal/crypto"
)

// ApplySecrets decrypts the file named by Secrets.EncryptedPath and fills any
// broker password or API key the TOML file and environment left empty. It is
// a no-op when no secrets file is configured.
func ApplySecrets(cfg *Config) error {
	if cfg.Secrets.EncryptedPath == "" {
		return nil
	}
	secrets, err := crypto.LoadSecrets(cfg.Secrets.EncryptedPath, cfg.Secrets.Password)
	if err != nil {
		return fmt.Errorf("config: load secrets: %w", err)
	}
	fill(&cfg.Capital.Password, secrets[crypto.SecretCapitalPassword])
	fill(&cfg.Capital.APIKey, secrets[crypto.SecretCapitalAPIKey])
	fill(&cfg.IG.Password, secrets[crypto.SecretIGPassword])
	fill(&cfg.IG.APIKey, secrets[crypto.SecretIGAPIKey])
	return nil
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Server
	redact(&out.Server.APIKey)

	// Brokers
	redact(&out.Capital.APIKey)
	redact(&out.Capital.Password)
	redact(&out.IG.APIKey)
	redact(&out.IG.Password)

	// Secrets
	redact(&out.Secrets.Password)

	// Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)

	// Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Notify.Events = copySlice(cfg.Notify.Events)
	out.Server.CORSOrigins = copySlice(cfg.Server.CORSOrigins)
	out.Stream.Epics = copySlice(cfg.Stream.Epics)

	// Copy maps so mutations to the redacted copy do not affect the original.
	if cfg.Instruments != nil {
		out.Instruments = make(map[string][]string, len(cfg.Instruments))
		for k, v := range cfg.Instruments {
			out.Instruments[k] = copySlice(v)
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func copySlice(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
