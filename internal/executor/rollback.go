package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// DefaultRollbackBackoff is the delay before each compensating close: one
// immediate attempt, then 1s and 2s later. Its length is the attempt cap.
var DefaultRollbackBackoff = []time.Duration{0, time.Second, 2 * time.Second}

type rollbackResult struct {
	Attempts int
	// TimedOut counts attempts whose close hit a deadline.
	TimedOut int
	Fill     domain.OrderFill
	Err      error
}

// rollback closes the filled leg of a half-open position. It never retries
// the failed leg. The caller's cancellation does not stop it: abandoning a
// compensating close would leave exposure nobody knows about.
func (s *Saga) rollback(ctx context.Context, client domain.TradingPort, pos domain.Position, leg domain.LegResult) rollbackResult {
	ctx = context.WithoutCancel(ctx)
	qty := leg.Fill.FilledQty
	if !qty.IsPositive() {
		qty = pos.Quantity
	}
	log := s.logger.With(
		slog.String("position_id", pos.ID),
		slog.String("exchange", string(leg.Exchange)),
		slog.String("leg", string(leg.Side)),
	)

	var res rollbackResult
	for i, delay := range s.cfg.RollbackBackoff {
		if delay > 0 {
			if err := s.sleep(ctx, delay); err != nil {
				res.Err = err
				return res
			}
		}
		res.Attempts = i + 1

		fill, timedOut, err := s.closeLeg(ctx, client, pos.Symbol, leg.Side, qty)
		if timedOut {
			res.TimedOut++
		}
		s.logAudit(ctx, "rollback_attempt", map[string]any{
			"position_id": pos.ID,
			"exchange":    string(leg.Exchange),
			"side":        string(leg.Side),
			"quantity":    qty.String(),
			"attempt":     res.Attempts,
			"success":     err == nil,
			"timed_out":   timedOut,
			"error":       errText(err),
		})
		if err == nil {
			log.InfoContext(ctx, "rollback succeeded",
				slog.Int("attempt", res.Attempts),
				slog.String("order_id", fill.OrderID),
			)
			res.Fill, res.Err = fill, nil
			return res
		}
		log.WarnContext(ctx, "rollback attempt failed",
			slog.Int("attempt", res.Attempts),
			slog.String("error", err.Error()),
		)
		res.Err = err
	}
	return res
}

// closeLeg reports timedOut when the close failed on a deadline, which
// leaves its outcome on the venue unknown.
func (s *Saga) closeLeg(ctx context.Context, client domain.TradingPort, symbol string, side domain.Side, qty decimal.Decimal) (fill domain.OrderFill, timedOut bool, err error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.LegTimeout)
	defer cancel()
	fill, err = client.CloseMarket(cctx, symbol, side, qty)
	if err != nil {
		timedOut = cctx.Err() != nil || errors.Is(err, domain.ErrTimeout)
		return domain.OrderFill{}, timedOut, fmt.Errorf("executor: close %s: %w", side, err)
	}
	return fill, false, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
