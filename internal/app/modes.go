package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fundingarb/internal/executor"
	"github.com/alanyoungcy/fundingarb/internal/lock"
	"github.com/alanyoungcy/fundingarb/internal/service"
)

// WorkerMode consumes open requests from the request stream and runs each
// through the saga.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	worker, err := a.buildWorker(deps)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(ctx)
	})
	return g.Wait()
}

// ReconcileMode only runs the ghost fill reconciler. It is meant for a
// separate instance that never opens positions itself.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")

	g, ctx := errgroup.WithContext(ctx)
	rec := a.buildReconciler(deps)
	g.Go(func() error {
		return rec.Run(ctx)
	})
	return g.Wait()
}

// FullMode runs the worker and the reconciler side by side.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	worker, err := a.buildWorker(deps)
	if err != nil {
		return err
	}
	rec := a.buildReconciler(deps)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(ctx)
	})
	g.Go(func() error {
		return rec.Run(ctx)
	})
	return g.Wait()
}

func (a *App) positionLock(deps *Dependencies) *lock.PositionLock {
	return lock.New(deps.LockManager, lock.Options{
		TTL:          a.cfg.Lock.TTL.Duration,
		Policy:       lock.Policy(a.cfg.Lock.Policy),
		WaitTimeout:  a.cfg.Lock.WaitTimeout.Duration,
		PollInterval: a.cfg.Lock.PollInterval.Duration,
	}, a.logger)
}

// buildSaga assembles the bilateral opener and its collaborators.
func (a *App) buildSaga(deps *Dependencies) (*executor.Saga, error) {
	minDistance, err := a.cfg.Saga.MinTriggerDistance()
	if err != nil {
		return nil, fmt.Errorf("app: saga min_trigger_distance_pct: %w", err)
	}
	posLock := a.positionLock(deps)
	gate := service.NewBalanceGate(deps.Clients, a.logger)
	conditional := service.NewConditionalOrderService(
		deps.PositionStore,
		deps.Clients,
		deps.AuditStore,
		posLock,
		service.ConditionalOrderConfig{MinTriggerDistancePct: minDistance},
		a.logger,
	)

	d := executor.Deps{
		Positions:   deps.PositionStore,
		Audit:       deps.AuditStore,
		Clients:     deps.Clients,
		Lock:        posLock,
		Gate:        gate,
		Conditional: conditional,
		Alerter:     deps.Notifier,
		Incidents:   deps.Incidents,
	}
	return executor.NewSaga(d, executor.Config{
		LegTimeout:      a.cfg.Saga.LegTimeout.Duration,
		PriceTimeout:    a.cfg.Saga.PriceTimeout.Duration,
		RollbackBackoff: a.cfg.Saga.Backoff(),
		ProtectTimeout:  a.cfg.Saga.ProtectTimeout.Duration,
	}, a.logger), nil
}

func (a *App) buildWorker(deps *Dependencies) (*executor.Worker, error) {
	if deps.RequestBus == nil {
		return nil, fmt.Errorf("app: worker needs the redis request stream")
	}
	saga, err := a.buildSaga(deps)
	if err != nil {
		return nil, err
	}
	w := a.cfg.Worker
	a.logger.Info("worker configured",
		slog.String("stream", w.Stream),
		slog.Int("concurrency", w.Concurrency),
		slog.Int("per_user_limit", w.PerUserLimit),
	)
	return executor.NewWorker(deps.RequestBus, saga, deps.RateLimiter, executor.WorkerConfig{
		Stream:        w.Stream,
		ResultStream:  w.ResultStream,
		BatchSize:     w.BatchSize,
		Block:         w.Block.Duration,
		Concurrency:   w.Concurrency,
		DedupTTL:      w.DedupTTL.Duration,
		PerUserLimit:  w.PerUserLimit,
		PerUserWindow: w.PerUserWindow.Duration,
	}, a.logger), nil
}

func (a *App) buildReconciler(deps *Dependencies) *executor.Reconciler {
	return executor.NewReconciler(
		deps.PositionStore,
		deps.Clients,
		a.positionLock(deps),
		deps.AuditStore,
		deps.Notifier,
		a.cfg.Reconcile.Interval.Duration,
		a.logger,
	)
}
