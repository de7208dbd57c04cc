package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// LockManager implements domain.LockManager with a lease table. A lease is
// taken by inserting the key, or by overwriting a row whose lease expired.
type LockManager struct {
	pool *pgxpool.Pool
}

// NewLockManager creates a LockManager backed by the given connection pool.
func NewLockManager(pool *pgxpool.Pool) *LockManager {
	return &LockManager{pool: pool}
}

// Acquire takes the lease on key for ttl or returns domain.ErrLockHeld.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	const query = `
		INSERT INTO position_locks (lock_key, token, expires_at)
		VALUES ($1, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (lock_key) DO UPDATE
			SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
			WHERE position_locks.expires_at <= NOW()`

	token := uuid.NewString()
	tag, err := lm.pool.Exec(ctx, query, key, token, ttl.Seconds())
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire lock %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrLockHeld
	}
	return &pgLease{pool: lm.pool, key: key, token: token}, nil
}

type pgLease struct {
	pool  *pgxpool.Pool
	key   string
	token string
	once  sync.Once
}

// Refresh only touches a live row that still carries the token.
func (l *pgLease) Refresh(ctx context.Context, ttl time.Duration) error {
	const query = `
		UPDATE position_locks
		SET expires_at = NOW() + make_interval(secs => $3)
		WHERE lock_key = $1 AND token = $2 AND expires_at > NOW()`

	tag, err := l.pool.Exec(ctx, query, l.key, l.token, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("postgres: refresh lock %s: %w", l.key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: refresh lock %s: %w", l.key, domain.ErrLockLost)
	}
	return nil
}

func (l *pgLease) Release() {
	l.once.Do(func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = l.pool.Exec(unlockCtx,
			`DELETE FROM position_locks WHERE lock_key = $1 AND token = $2`, l.key, l.token)
	})
}

var _ domain.LockManager = (*LockManager)(nil)
