// Package config defines the top-level configuration for the funding-arb
// executor and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/crypto"
	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by FUNDINGARB_* environment variables.
type Config struct {
	Postgres    PostgresConfig            `toml:"postgres"`
	Redis       RedisConfig               `toml:"redis"`
	S3          S3Config                  `toml:"s3"`
	Lock        LockConfig                `toml:"lock"`
	Saga        SagaConfig                `toml:"saga"`
	Exchanges   map[string]ExchangeConfig `toml:"exchanges"`
	Vault       VaultConfig               `toml:"vault"`
	Credentials []CredentialConfig        `toml:"credentials"`
	Worker      WorkerConfig              `toml:"worker"`
	Reconcile   ReconcileConfig           `toml:"reconcile"`
	Notify      NotifyConfig              `toml:"notify"`
	Mode        string                    `toml:"mode"`
	LogLevel    string                    `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// Enabled reports whether a Postgres connection is configured. Without one
// the executor keeps positions in memory.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.DSN) != "" || p.Host != ""
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Namespace  string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters. The incident
// archive is disabled while Bucket is empty.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	IncidentPrefix string `toml:"incident_prefix"`
}

// LockConfig selects the position lock backend and its acquisition policy.
type LockConfig struct {
	Backend      string   `toml:"backend"`
	Policy       string   `toml:"policy"`
	TTL          duration `toml:"ttl"`
	WaitTimeout  duration `toml:"wait_timeout"`
	PollInterval duration `toml:"poll_interval"`
}

// SagaConfig holds the bilateral open timings.
type SagaConfig struct {
	LegTimeout      duration   `toml:"leg_timeout"`
	PriceTimeout    duration   `toml:"price_timeout"`
	RollbackBackoff []duration `toml:"rollback_backoff"`
	ProtectTimeout  duration   `toml:"protect_timeout"`
	// MinTriggerDistancePct is a decimal string, e.g. "0.1".
	MinTriggerDistancePct string `toml:"min_trigger_distance_pct"`
}

// Backoff returns the rollback schedule as plain durations.
func (s SagaConfig) Backoff() []time.Duration {
	out := make([]time.Duration, len(s.RollbackBackoff))
	for i, d := range s.RollbackBackoff {
		out[i] = d.Duration
	}
	return out
}

// MinTriggerDistance parses MinTriggerDistancePct. An empty value yields zero
// so the setter falls back to its default.
func (s SagaConfig) MinTriggerDistance() (decimal.Decimal, error) {
	if strings.TrimSpace(s.MinTriggerDistancePct) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s.MinTriggerDistancePct)
}

// ExchangeConfig overrides a venue's built-in endpoints and limits. Zero
// fields keep the adapter defaults.
type ExchangeConfig struct {
	BaseURL           string   `toml:"base_url"`
	TestnetURL        string   `toml:"testnet_url"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	Timeout           duration `toml:"timeout"`
	InstrumentTTL     duration `toml:"instrument_ttl"`
}

// VaultConfig holds the password that decrypts encrypted credentials.
type VaultConfig struct {
	Password string `toml:"password"`
}

// CredentialConfig is one user's API key set for one exchange. Secret fields
// may be plaintext or produced by crypto.EncryptSecret.
type CredentialConfig struct {
	UserID     string `toml:"user_id"`
	Exchange   string `toml:"exchange"`
	APIKey     string `toml:"api_key"`
	APISecret  string `toml:"api_secret"`
	Passphrase string `toml:"passphrase"`
	Testnet    bool   `toml:"testnet"`
}

// WorkerConfig holds the open request consumer parameters.
type WorkerConfig struct {
	Stream        string   `toml:"stream"`
	ResultStream  string   `toml:"result_stream"`
	BatchSize     int      `toml:"batch_size"`
	Block         duration `toml:"block"`
	Concurrency   int      `toml:"concurrency"`
	DedupTTL      duration `toml:"dedup_ttl"`
	PerUserLimit  int      `toml:"per_user_limit"`
	PerUserWindow duration `toml:"per_user_window"`
}

// ReconcileConfig holds the ghost fill reconciler parameters.
type ReconcileConfig struct {
	Interval duration `toml:"interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramBaseURL   string   `toml:"telegram_base_url"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
	Environment       string   `toml:"environment"`
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
		Postgres: PostgresConfig{
			Port:            5432,
			Database:        "fundingarb",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnLifetime: duration{30 * time.Minute},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Namespace:  "fundingarb",
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
			IncidentPrefix: "incidents",
		},
		Lock: LockConfig{
			Backend:      "redis",
			Policy:       "fail_fast",
			TTL:          duration{60 * time.Second},
			WaitTimeout:  duration{5 * time.Second},
			PollInterval: duration{100 * time.Millisecond},
		},
		Saga: SagaConfig{
			LegTimeout:            duration{10 * time.Second},
			PriceTimeout:          duration{5 * time.Second},
			RollbackBackoff:       []duration{{0}, {time.Second}, {2 * time.Second}},
			ProtectTimeout:        duration{30 * time.Second},
			MinTriggerDistancePct: "0.1",
		},
		Exchanges: map[string]ExchangeConfig{},
		Worker: WorkerConfig{
			Stream:        "open_requests",
			ResultStream:  "open_results",
			BatchSize:     10,
			Block:         duration{5 * time.Second},
			Concurrency:   4,
			DedupTTL:      duration{10 * time.Minute},
			PerUserLimit:  10,
			PerUserWindow: duration{time.Minute},
		},
		Reconcile: ReconcileConfig{
			Interval: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"manual_intervention_required", "ghost_fill_detected"},
			Cooldown: duration{5 * time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"worker":    true,
	"reconcile": true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLockBackends = map[string]bool{
	"redis":    true,
	"postgres": true,
	"memory":   true,
}

var validLockPolicies = map[string]bool{
	"fail_fast": true,
	"wait":      true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: worker, reconcile, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres is optional; when configured the pool must make sense.
	if c.Postgres.Enabled() {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
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
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis carries the request stream, so worker modes always need it.
	needsRedis := c.Mode == "worker" || c.Mode == "full" || c.Lock.Backend == "redis"
	if needsRedis {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3: region must be set when bucket is configured")
	}

	// Lock
	if !validLockBackends[c.Lock.Backend] {
		errs = append(errs, fmt.Sprintf("lock: unknown backend %q (valid: redis, postgres, memory)", c.Lock.Backend))
	}
	if c.Lock.Backend == "postgres" && !c.Postgres.Enabled() {
		errs = append(errs, "lock: postgres backend requires [postgres] to be configured")
	}
	if !validLockPolicies[c.Lock.Policy] {
		errs = append(errs, fmt.Sprintf("lock: unknown policy %q (valid: fail_fast, wait)", c.Lock.Policy))
	}
	if c.Lock.TTL.Duration <= 0 {
		errs = append(errs, "lock: ttl must be > 0")
	}
	if c.Lock.Policy == "wait" && c.Lock.WaitTimeout.Duration <= 0 {
		errs = append(errs, "lock: wait_timeout must be > 0 with the wait policy")
	}

	// Saga
	if c.Saga.LegTimeout.Duration <= 0 {
		errs = append(errs, "saga: leg_timeout must be > 0")
	}
	if c.Saga.PriceTimeout.Duration <= 0 {
		errs = append(errs, "saga: price_timeout must be > 0")
	}
	if c.Saga.ProtectTimeout.Duration <= 0 {
		errs = append(errs, "saga: protect_timeout must be > 0")
	}
	// The lease is refreshed every ttl/3; one missed refresh must not let it
	// lapse while market orders are in flight.
	if c.Lock.TTL.Duration > 0 && c.Lock.TTL.Duration < c.Saga.LegTimeout.Duration {
		errs = append(errs, "lock: ttl must be at least saga.leg_timeout")
	}
	if len(c.Saga.RollbackBackoff) == 0 {
		errs = append(errs, "saga: rollback_backoff must list at least one delay")
	}
	for i, d := range c.Saga.RollbackBackoff {
		if d.Duration < 0 {
			errs = append(errs, fmt.Sprintf("saga: rollback_backoff[%d] must not be negative", i))
		}
	}
	if pct, err := c.Saga.MinTriggerDistance(); err != nil {
		errs = append(errs, fmt.Sprintf("saga: min_trigger_distance_pct %q is not a decimal", c.Saga.MinTriggerDistancePct))
	} else if pct.IsNegative() {
		errs = append(errs, "saga: min_trigger_distance_pct must not be negative")
	}

	// Exchanges
	for name, ex := range c.Exchanges {
		if _, err := domain.ParseExchangeID(name); err != nil {
			errs = append(errs, fmt.Sprintf("exchanges: unknown exchange %q", name))
		}
		if ex.RequestsPerSecond < 0 {
			errs = append(errs, fmt.Sprintf("exchanges.%s: requests_per_second must not be negative", name))
		}
		if ex.Burst < 0 {
			errs = append(errs, fmt.Sprintf("exchanges.%s: burst must not be negative", name))
		}
	}

	// Credentials
	seen := make(map[string]bool, len(c.Credentials))
	encrypted := false
	for i, cr := range c.Credentials {
		if cr.UserID == "" {
			errs = append(errs, fmt.Sprintf("credentials[%d]: user_id must not be empty", i))
		}
		if _, err := domain.ParseExchangeID(cr.Exchange); err != nil {
			errs = append(errs, fmt.Sprintf("credentials[%d]: unknown exchange %q", i, cr.Exchange))
		}
		if cr.APIKey == "" || cr.APISecret == "" {
			errs = append(errs, fmt.Sprintf("credentials[%d]: api_key and api_secret are required", i))
		}
		key := cr.UserID + "/" + strings.ToLower(cr.Exchange)
		if seen[key] {
			errs = append(errs, fmt.Sprintf("credentials[%d]: duplicate entry for %s", i, key))
		}
		seen[key] = true
		for _, s := range []string{cr.APIKey, cr.APISecret, cr.Passphrase} {
			if strings.HasPrefix(s, crypto.EncryptedPrefix) {
				encrypted = true
			}
		}
	}
	if encrypted && c.Vault.Password == "" {
		errs = append(errs, "vault: password is required when credentials are encrypted")
	}

	// Worker
	if c.Mode == "worker" || c.Mode == "full" {
		if c.Worker.Stream == "" {
			errs = append(errs, "worker: stream must not be empty")
		}
		if c.Worker.BatchSize < 1 {
			errs = append(errs, "worker: batch_size must be >= 1")
		}
		if c.Worker.Concurrency < 1 {
			errs = append(errs, "worker: concurrency must be >= 1")
		}
		if c.Worker.PerUserLimit < 0 {
			errs = append(errs, "worker: per_user_limit must not be negative")
		}
	}

	if c.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, "reconcile: interval must be > 0")
	}

	// Notify: telegram needs both halves.
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
