// Package lock serializes position operations per (user, symbol).
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// Policy selects what happens when the lock is already held.
type Policy string

const (
	PolicyFailFast Policy = "fail_fast"
	PolicyWait     Policy = "wait"
)

// Options configures a PositionLock.
type Options struct {
	TTL          time.Duration
	Policy       Policy
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// PositionLock guards the (user, symbol) critical section on top of any
// domain.LockManager backend.
type PositionLock struct {
	mgr    domain.LockManager
	opts   Options
	logger *slog.Logger
}

// New creates a PositionLock. Zero options fall back to a 60s lease and the
// fail-fast policy.
func New(mgr domain.LockManager, opts Options, logger *slog.Logger) *PositionLock {
	if opts.TTL <= 0 {
		opts.TTL = 60 * time.Second
	}
	if opts.Policy == "" {
		opts.Policy = PolicyFailFast
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &PositionLock{
		mgr:    mgr,
		opts:   opts,
		logger: logger.With(slog.String("component", "position_lock")),
	}
}

// Key builds the lock key for a user and symbol.
func Key(userID, symbol string) string {
	return "position:" + userID + ":" + symbol
}

// Acquire obtains the lock or returns *domain.LockBusyError. The lease is
// not renewed; WithLock keeps it alive for long critical sections.
func (l *PositionLock) Acquire(ctx context.Context, userID, symbol string) (domain.Lease, error) {
	key := Key(userID, symbol)

	lease, err := l.mgr.Acquire(ctx, key, l.opts.TTL)
	if err == nil {
		return lease, nil
	}
	if !errors.Is(err, domain.ErrLockHeld) {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if l.opts.Policy != PolicyWait {
		return nil, &domain.LockBusyError{UserID: userID, Symbol: symbol}
	}

	waitCtx := ctx
	if l.opts.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.opts.WaitTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.logger.WarnContext(ctx, "gave up waiting for position lock",
				slog.String("user_id", userID),
				slog.String("symbol", symbol),
			)
			return nil, &domain.LockBusyError{UserID: userID, Symbol: symbol}
		case <-ticker.C:
			lease, err := l.mgr.Acquire(ctx, key, l.opts.TTL)
			if err == nil {
				return lease, nil
			}
			if !errors.Is(err, domain.ErrLockHeld) {
				return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
			}
		}
	}
}

// WithLock runs fn while holding the (user, symbol) lock. The lease is
// refreshed every TTL/3 until fn returns; once a refresh fails, Held on fn's
// context reports the loss. The lock is released on every exit path,
// including a panic inside fn.
func WithLock[T any](ctx context.Context, l *PositionLock, userID, symbol string, fn func(ctx context.Context) (T, error)) (T, error) {
	lease, err := l.Acquire(ctx, userID, symbol)
	if err != nil {
		var zero T
		return zero, err
	}
	defer lease.Release()

	st := &leaseState{}
	stop := l.keepAlive(ctx, lease, Key(userID, symbol), st)
	defer stop()
	return fn(context.WithValue(ctx, leaseStateKey{}, st))
}

type leaseStateKey struct{}

type leaseState struct {
	mu  sync.Mutex
	err error
}

func (s *leaseState) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Held returns nil while the lease taken by WithLock is known to be live and
// an error wrapping domain.ErrLockLost after a refresh failed. Outside
// WithLock it always returns nil.
func Held(ctx context.Context) error {
	st, ok := ctx.Value(leaseStateKey{}).(*leaseState)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// keepAlive refreshes lease on a ticker and returns a function that stops
// the loop and waits for it. A failed refresh is recorded once; later ticks
// keep trying unless the backend reports the lease gone.
func (l *PositionLock) keepAlive(ctx context.Context, lease domain.Lease, key string, st *leaseState) func() {
	interval := l.opts.TTL / 3
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		// The lease must outlive a cancelled caller until fn returns.
		rctx := context.WithoutCancel(ctx)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				tctx, cancel := context.WithTimeout(rctx, interval)
				err := lease.Refresh(tctx, l.opts.TTL)
				cancel()
				if err == nil {
					continue
				}
				l.logger.ErrorContext(ctx, "position lock refresh failed",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
				if errors.Is(err, domain.ErrLockLost) {
					st.fail(fmt.Errorf("lock: %s: %w", key, err))
					return
				}
				st.fail(fmt.Errorf("lock: %s: %w: %w", key, domain.ErrLockLost, err))
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
