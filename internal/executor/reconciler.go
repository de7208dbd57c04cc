package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/lock"
)

// Reconciler resolves positions whose leg outcome was unknown when the saga
// finished. It compares each leg's live size on the venue with what the row
// says should exist.
type Reconciler struct {
	positions domain.PositionStore
	clients   domain.ClientProvider
	lock      *lock.PositionLock
	audit     domain.AuditStore
	alerter   domain.Alerter
	interval  time.Duration
	batch     int
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler. audit and alerter may be nil.
func NewReconciler(
	positions domain.PositionStore,
	clients domain.ClientProvider,
	locker *lock.PositionLock,
	audit domain.AuditStore,
	alerter domain.Alerter,
	interval time.Duration,
	logger *slog.Logger,
) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		positions: positions,
		clients:   clients,
		lock:      locker,
		audit:     audit,
		alerter:   alerter,
		interval:  interval,
		batch:     50,
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// Run reconciles once per interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "reconciler started", slog.Duration("interval", r.interval))
	defer r.logger.Info("reconciler stopped")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.WarnContext(ctx, "reconcile pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReconcileOnce checks every flagged position and returns how many were
// cleared. Positions that cannot be checked right now are left flagged.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	flagged, err := r.positions.ListNeedingReconciliation(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("executor: list flagged positions: %w", err)
	}
	cleared := 0
	for _, p := range flagged {
		ok, err := lock.WithLock(ctx, r.lock, p.UserID, p.Symbol, func(ctx context.Context) (bool, error) {
			return r.reconcile(ctx, p.ID)
		})
		if err != nil {
			var busy *domain.LockBusyError
			if !errors.As(err, &busy) {
				r.logger.WarnContext(ctx, "reconcile position failed",
					slog.String("position_id", p.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		if ok {
			cleared++
		}
	}
	return cleared, nil
}

// legCheck is one leg's expected and observed exposure.
type legCheck struct {
	side     domain.Side
	exchange domain.ExchangeID
	expected bool
	live     decimal.Decimal
}

// expectLive reports whether the row says the leg should hold exposure.
func expectLive(pos domain.Position, side domain.Side) bool {
	switch pos.Status {
	case domain.PositionStatusOpen:
		return true
	case domain.PositionStatusPartial:
		if side == domain.SideLong {
			return pos.LongOrderID != ""
		}
		return pos.ShortOrderID != ""
	}
	return false
}

func (r *Reconciler) reconcile(ctx context.Context, id string) (bool, error) {
	pos, err := r.positions.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if !pos.NeedsReconciliation || !pos.Status.Terminal() {
		return false, nil
	}

	checks := make([]legCheck, 0, 2)
	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		ex := pos.LegExchange(side)
		client, err := r.clients.Client(ctx, pos.UserID, ex)
		if err != nil {
			return false, err
		}
		size, err := client.PositionSize(ctx, pos.Symbol, side)
		if err != nil {
			return false, fmt.Errorf("executor: %s %s size: %w", ex, side, err)
		}
		checks = append(checks, legCheck{side: side, exchange: ex, expected: expectLive(pos, side), live: size})
	}

	var ghosts []legCheck
	for _, c := range checks {
		if c.live.IsPositive() != c.expected {
			ghosts = append(ghosts, c)
		}
	}
	if len(ghosts) > 0 {
		r.reportGhosts(ctx, pos, ghosts)
		return false, nil
	}

	if err := r.positions.Update(ctx, pos.ID, domain.PositionPatch{NeedsReconciliation: domain.Ptr(false)}); err != nil {
		return false, fmt.Errorf("executor: clear reconciliation flag: %w", err)
	}
	r.logger.InfoContext(ctx, "position reconciled",
		slog.String("position_id", pos.ID),
		slog.String("status", string(pos.Status)),
	)
	r.logAudit(ctx, "position_reconciled", map[string]any{
		"position_id": pos.ID,
		"status":      string(pos.Status),
	})
	return true, nil
}

// reportGhosts escalates exposure that disagrees with the row. The flag
// stays set so the position keeps showing up until a human resolves it.
func (r *Reconciler) reportGhosts(ctx context.Context, pos domain.Position, ghosts []legCheck) {
	for _, g := range ghosts {
		r.logger.ErrorContext(ctx, "ghost fill detected",
			slog.String("position_id", pos.ID),
			slog.String("status", string(pos.Status)),
			slog.String("exchange", string(g.exchange)),
			slog.String("leg", string(g.side)),
			slog.Bool("expected_live", g.expected),
			slog.String("live_size", g.live.String()),
		)
		r.logAudit(ctx, "ghost_fill_detected", map[string]any{
			"position_id":   pos.ID,
			"status":        string(pos.Status),
			"exchange":      string(g.exchange),
			"side":          string(g.side),
			"expected_live": g.expected,
			"live_size":     g.live.String(),
		})
		if r.alerter == nil {
			continue
		}
		msg := fmt.Sprintf("Position %s (%s, user %s) is %s but %s %s leg shows size %s.",
			pos.ID, pos.Symbol, pos.UserID, pos.Status, g.exchange, g.side, g.live)
		if err := r.alerter.Alert(ctx, "ghost_fill_detected", "Exposure mismatch", msg); err != nil {
			r.logger.WarnContext(ctx, "operator alert failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Reconciler) logAudit(ctx context.Context, event string, detail map[string]any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(ctx, event, detail); err != nil {
		r.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
