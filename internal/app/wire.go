package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/fundingarb/internal/blob/s3"
	"github.com/alanyoungcy/fundingarb/internal/cache/redis"
	"github.com/alanyoungcy/fundingarb/internal/config"
	"github.com/alanyoungcy/fundingarb/internal/crypto"
	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
	"github.com/alanyoungcy/fundingarb/internal/exchange/registry"
	"github.com/alanyoungcy/fundingarb/internal/lock"
	"github.com/alanyoungcy/fundingarb/internal/notify"
	"github.com/alanyoungcy/fundingarb/internal/store/memory"
	"github.com/alanyoungcy/fundingarb/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	// Coordination
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	RequestBus  domain.RequestBus

	// Venues
	Clients *registry.Registry

	// Operator surfaces. Incidents is nil without a configured bucket.
	Notifier  *notify.Notifier
	Incidents domain.IncidentRecorder
}

// needsRedis returns true when the mode or the lock backend uses Redis.
func needsRedis(cfg *config.Config) bool {
	return cfg.Mode == "worker" || cfg.Mode == "full" || cfg.Lock.Backend == "redis"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL, or in-process stores for single-instance runs ---
	var pgClient *postgres.Client
	if cfg.Postgres.Enabled() {
		var err error
		pgClient, err = postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.PositionStore = postgres.NewPositionStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	} else {
		logger.WarnContext(ctx, "postgres not configured, positions are kept in memory")
		deps.PositionStore = memory.NewPositionStore()
		deps.AuditStore = memory.NewAuditStore()
	}

	// --- Redis ---
	var redisClient *redis.Client
	if needsRedis(cfg) {
		var err error
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.RequestBus = redis.NewRequestStream(redisClient)
	}

	// --- Position lock backend ---
	switch cfg.Lock.Backend {
	case "redis":
		deps.LockManager = redis.NewLockManager(redisClient)
	case "postgres":
		if pgClient == nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: lock backend postgres requires a postgres connection")
		}
		deps.LockManager = postgres.NewLockManager(pgClient.Pool())
	case "memory":
		logger.WarnContext(ctx, "in-process position lock; do not run more than one instance")
		deps.LockManager = lock.NewMemoryManager()
	default:
		cleanup()
		return nil, nil, fmt.Errorf("wire: unknown lock backend %q", cfg.Lock.Backend)
	}

	// --- Exchanges ---
	clients, err := wireRegistry(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Clients = clients

	// --- S3 incident archive (only when a bucket is configured) ---
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			logger.WarnContext(ctx, "incident bucket not reachable, reports may fail",
				slog.String("bucket", s3Client.Bucket()),
				slog.String("error", err.Error()),
			)
		}
		deps.Incidents = s3blob.NewIncidentArchiver(s3blob.NewWriter(s3Client), deps.AuditStore, cfg.S3.IncidentPrefix)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramBaseURL,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, notify.Options{
		Events:      cfg.Notify.Events,
		Cooldown:    cfg.Notify.Cooldown.Duration,
		Environment: cfg.Notify.Environment,
	}, logger)

	return deps, cleanup, nil
}

// wireRegistry builds the credential vault and the per-venue overrides and
// returns the client registry over them.
func wireRegistry(cfg *config.Config, logger *slog.Logger) (*registry.Registry, error) {
	entries := make([]crypto.CredentialEntry, 0, len(cfg.Credentials))
	for i, c := range cfg.Credentials {
		id, err := domain.ParseExchangeID(c.Exchange)
		if err != nil {
			return nil, fmt.Errorf("wire: credentials[%d]: %w", i, err)
		}
		entries = append(entries, crypto.CredentialEntry{
			UserID:     c.UserID,
			Exchange:   id,
			APIKey:     c.APIKey,
			APISecret:  c.APISecret,
			Passphrase: c.Passphrase,
			Testnet:    c.Testnet,
		})
	}
	vault := crypto.NewCredentialVault(entries, cfg.Vault.Password)

	overrides := make(map[domain.ExchangeID]exchange.VenueConfig, len(cfg.Exchanges))
	for name, ex := range cfg.Exchanges {
		id, err := domain.ParseExchangeID(name)
		if err != nil {
			return nil, fmt.Errorf("wire: exchanges: %w", err)
		}
		overrides[id] = exchange.VenueConfig{
			BaseURL:           ex.BaseURL,
			TestnetURL:        ex.TestnetURL,
			Timeout:           ex.Timeout.Duration,
			RequestsPerSecond: ex.RequestsPerSecond,
			Burst:             ex.Burst,
			InstrumentTTL:     ex.InstrumentTTL.Duration,
		}
	}
	return registry.New(registry.Venues(), overrides, vault, logger), nil
}
