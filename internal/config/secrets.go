package config

import "maps"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Vault.Password)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Credentials are copied element by element so the original API keys
	// stay intact.
	if cfg.Credentials != nil {
		out.Credentials = make([]CredentialConfig, len(cfg.Credentials))
		for i, c := range cfg.Credentials {
			redact(&c.APIKey)
			redact(&c.APISecret)
			redact(&c.Passphrase)
			out.Credentials[i] = c
		}
	}

	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Saga.RollbackBackoff != nil {
		out.Saga.RollbackBackoff = make([]duration, len(cfg.Saga.RollbackBackoff))
		copy(out.Saga.RollbackBackoff, cfg.Saga.RollbackBackoff)
	}
	if cfg.Exchanges != nil {
		out.Exchanges = maps.Clone(cfg.Exchanges)
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
