package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// BalanceGate checks that both legs' exchanges hold enough free margin
// before any order is placed.
type BalanceGate struct {
	clients domain.ClientProvider
	logger  *slog.Logger
}

// NewBalanceGate creates a BalanceGate.
func NewBalanceGate(clients domain.ClientProvider, logger *slog.Logger) *BalanceGate {
	return &BalanceGate{
		clients: clients,
		logger:  logger.With(slog.String("component", "balance_gate")),
	}
}

// RequiredMargin is qty × price / leverage.
func RequiredMargin(qty, price decimal.Decimal, leverage int) decimal.Decimal {
	return qty.Mul(price).Div(decimal.NewFromInt(int64(leverage)))
}

// Validate fetches both balances concurrently and returns an
// *domain.InsufficientBalanceError for each leg whose exchange-local margin
// requirement exceeds its available balance. A failed balance query is
// returned as is.
func (g *BalanceGate) Validate(
	ctx context.Context,
	userID string,
	longEx, shortEx domain.ExchangeID,
	qty, longPrice, shortPrice decimal.Decimal,
	leverage int,
) error {
	if leverage < 1 {
		return &domain.ValidationError{Field: "leverage", Message: "must be at least 1"}
	}

	legs := []struct {
		exchange domain.ExchangeID
		price    decimal.Decimal
	}{
		{longEx, longPrice},
		{shortEx, shortPrice},
	}
	available := make([]decimal.Decimal, len(legs))

	eg, gctx := errgroup.WithContext(ctx)
	for i, leg := range legs {
		eg.Go(func() error {
			client, err := g.clients.Client(gctx, userID, leg.exchange)
			if err != nil {
				return err
			}
			bal, err := client.AvailableBalance(gctx)
			if err != nil {
				return fmt.Errorf("balance_gate: %s balance: %w", leg.exchange, err)
			}
			available[i] = bal
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	var errs []error
	for i, leg := range legs {
		required := RequiredMargin(qty, leg.price, leverage)
		if available[i].LessThan(required) {
			e := &domain.InsufficientBalanceError{Exchange: leg.exchange, Required: required, Available: available[i]}
			g.logger.WarnContext(ctx, "insufficient margin",
				slog.String("user_id", userID),
				slog.String("exchange", string(leg.exchange)),
				slog.String("required", required.String()),
				slog.String("available", available[i].String()),
				slog.String("shortfall", e.Shortfall().String()),
			)
			errs = append(errs, e)
		}
	}
	return errors.Join(errs...)
}
