// Package registry builds venue adapters on demand and caches one per
// (user, exchange).
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
	"github.com/alanyoungcy/fundingarb/internal/exchange/binance"
	"github.com/alanyoungcy/fundingarb/internal/exchange/bitget"
	"github.com/alanyoungcy/fundingarb/internal/exchange/bybit"
	"github.com/alanyoungcy/fundingarb/internal/exchange/gate"
	"github.com/alanyoungcy/fundingarb/internal/exchange/okx"
)

// Constructor builds an adapter for one set of credentials.
type Constructor func(creds domain.Credentials, cfg exchange.VenueConfig, logger *slog.Logger) domain.ExchangeClient

// Venue pairs a constructor with its default endpoints.
type Venue struct {
	New      Constructor
	Defaults exchange.VenueConfig
}

// Venues is the static set of supported exchanges.
func Venues() map[domain.ExchangeID]Venue {
	return map[domain.ExchangeID]Venue{
		domain.ExchangeBinance: {
			New: func(c domain.Credentials, cfg exchange.VenueConfig, l *slog.Logger) domain.ExchangeClient {
				return binance.New(c, cfg, l)
			},
			Defaults: binance.Defaults(),
		},
		domain.ExchangeOKX: {
			New: func(c domain.Credentials, cfg exchange.VenueConfig, l *slog.Logger) domain.ExchangeClient {
				return okx.New(c, cfg, l)
			},
			Defaults: okx.Defaults(),
		},
		domain.ExchangeBybit: {
			New: func(c domain.Credentials, cfg exchange.VenueConfig, l *slog.Logger) domain.ExchangeClient {
				return bybit.New(c, cfg, l)
			},
			Defaults: bybit.Defaults(),
		},
		domain.ExchangeBitget: {
			New: func(c domain.Credentials, cfg exchange.VenueConfig, l *slog.Logger) domain.ExchangeClient {
				return bitget.New(c, cfg, l)
			},
			Defaults: bitget.Defaults(),
		},
		domain.ExchangeGate: {
			New: func(c domain.Credentials, cfg exchange.VenueConfig, l *slog.Logger) domain.ExchangeClient {
				return gate.New(c, cfg, l)
			},
			Defaults: gate.Defaults(),
		},
	}
}

type clientKey struct {
	userID   string
	exchange domain.ExchangeID
}

// Registry implements domain.ClientProvider.
type Registry struct {
	venues    map[domain.ExchangeID]Venue
	overrides map[domain.ExchangeID]exchange.VenueConfig
	creds     domain.CredentialResolver
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[clientKey]domain.ExchangeClient
}

// New creates a Registry. Overrides replace non-zero fields of a venue's
// defaults.
func New(venues map[domain.ExchangeID]Venue, overrides map[domain.ExchangeID]exchange.VenueConfig, creds domain.CredentialResolver, logger *slog.Logger) *Registry {
	return &Registry{
		venues:    venues,
		overrides: overrides,
		creds:     creds,
		logger:    logger.With(slog.String("component", "exchange_registry")),
		clients:   make(map[clientKey]domain.ExchangeClient),
	}
}

// Client returns the cached adapter for the user, building it on first use.
func (r *Registry) Client(ctx context.Context, userID string, id domain.ExchangeID) (domain.ExchangeClient, error) {
	key := clientKey{userID: userID, exchange: id}
	r.mu.Lock()
	c, ok := r.clients[key]
	r.mu.Unlock()
	if ok {
		return c, nil
	}

	venue, ok := r.venues[id]
	if !ok {
		return nil, fmt.Errorf("registry: %w: %s", domain.ErrUnknownExchange, id)
	}
	creds, err := r.creds.Resolve(ctx, userID, id)
	if err != nil {
		return nil, fmt.Errorf("registry: credentials for %s on %s: %w", userID, id, err)
	}

	cfg := merge(venue.Defaults, r.overrides[id])
	c = venue.New(creds, cfg, r.logger)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clients[key]; ok {
		return existing, nil
	}
	r.clients[key] = c
	r.logger.InfoContext(ctx, "exchange client created",
		slog.String("user_id", userID),
		slog.String("exchange", string(id)),
		slog.Bool("testnet", creds.Testnet),
	)
	return c, nil
}

// Evict drops a cached client, e.g. after credentials rotate.
func (r *Registry) Evict(userID string, id domain.ExchangeID) {
	r.mu.Lock()
	delete(r.clients, clientKey{userID: userID, exchange: id})
	r.mu.Unlock()
}

func merge(base, over exchange.VenueConfig) exchange.VenueConfig {
	if over.BaseURL != "" {
		base.BaseURL = over.BaseURL
	}
	if over.TestnetURL != "" {
		base.TestnetURL = over.TestnetURL
	}
	if over.Timeout > 0 {
		base.Timeout = over.Timeout
	}
	if over.RequestsPerSecond > 0 {
		base.RequestsPerSecond = over.RequestsPerSecond
	}
	if over.Burst > 0 {
		base.Burst = over.Burst
	}
	if over.InstrumentTTL > 0 {
		base.InstrumentTTL = over.InstrumentTTL
	}
	if over.HTTPClient != nil {
		base.HTTPClient = over.HTTPClient
	}
	return base
}

var _ domain.ClientProvider = (*Registry)(nil)
