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
// built-in defaults, applies FUNDINGARB_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FUNDINGARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "FUNDINGARB_MODE")
	setStr(&cfg.LogLevel, "FUNDINGARB_LOG_LEVEL")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FUNDINGARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "FUNDINGARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FUNDINGARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FUNDINGARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FUNDINGARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FUNDINGARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FUNDINGARB_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FUNDINGARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FUNDINGARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FUNDINGARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FUNDINGARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FUNDINGARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FUNDINGARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FUNDINGARB_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "FUNDINGARB_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "FUNDINGARB_REDIS_NAMESPACE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "FUNDINGARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FUNDINGARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "FUNDINGARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FUNDINGARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FUNDINGARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FUNDINGARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FUNDINGARB_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.IncidentPrefix, "FUNDINGARB_S3_INCIDENT_PREFIX")

	// ── Lock ──
	setStr(&cfg.Lock.Backend, "FUNDINGARB_LOCK_BACKEND")
	setStr(&cfg.Lock.Policy, "FUNDINGARB_LOCK_POLICY")
	setDuration(&cfg.Lock.TTL, "FUNDINGARB_LOCK_TTL")
	setDuration(&cfg.Lock.WaitTimeout, "FUNDINGARB_LOCK_WAIT_TIMEOUT")
	setDuration(&cfg.Lock.PollInterval, "FUNDINGARB_LOCK_POLL_INTERVAL")

	// ── Saga ──
	setDuration(&cfg.Saga.LegTimeout, "FUNDINGARB_SAGA_LEG_TIMEOUT")
	setDuration(&cfg.Saga.PriceTimeout, "FUNDINGARB_SAGA_PRICE_TIMEOUT")
	setDurationSlice(&cfg.Saga.RollbackBackoff, "FUNDINGARB_SAGA_ROLLBACK_BACKOFF")
	setDuration(&cfg.Saga.ProtectTimeout, "FUNDINGARB_SAGA_PROTECT_TIMEOUT")
	setStr(&cfg.Saga.MinTriggerDistancePct, "FUNDINGARB_SAGA_MIN_TRIGGER_DISTANCE_PCT")

	// ── Vault ──
	setStr(&cfg.Vault.Password, "FUNDINGARB_VAULT_PASSWORD")

	// ── Worker ──
	setStr(&cfg.Worker.Stream, "FUNDINGARB_WORKER_STREAM")
	setStr(&cfg.Worker.ResultStream, "FUNDINGARB_WORKER_RESULT_STREAM")
	setInt(&cfg.Worker.BatchSize, "FUNDINGARB_WORKER_BATCH_SIZE")
	setInt(&cfg.Worker.Concurrency, "FUNDINGARB_WORKER_CONCURRENCY")
	setDuration(&cfg.Worker.DedupTTL, "FUNDINGARB_WORKER_DEDUP_TTL")
	setInt(&cfg.Worker.PerUserLimit, "FUNDINGARB_WORKER_PER_USER_LIMIT")
	setDuration(&cfg.Worker.PerUserWindow, "FUNDINGARB_WORKER_PER_USER_WINDOW")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.Interval, "FUNDINGARB_RECONCILE_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FUNDINGARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FUNDINGARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FUNDINGARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "FUNDINGARB_NOTIFY_EVENTS")
	setStr(&cfg.Notify.Environment, "FUNDINGARB_NOTIFY_ENVIRONMENT")
}

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

// setDurationSlice parses a comma separated list such as "0s,1s,2s". The
// whole value is ignored if any element fails to parse.
func setDurationSlice(dst *[]duration, key string) {
	var parts []string
	setStringSlice(&parts, key)
	if len(parts) == 0 {
		return
	}
	out := make([]duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(p)
		if err != nil {
			return
		}
		out = append(out, duration{d})
	}
	*dst = out
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
