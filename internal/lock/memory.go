package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

type leaseEntry struct {
	token   string
	expires time.Time
}

// MemoryManager is an in-process domain.LockManager for single-instance
// deployments and tests.
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]leaseEntry
	now    func() time.Time
}

// NewMemoryManager creates an empty MemoryManager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		leases: make(map[string]leaseEntry),
		now:    time.Now,
	}
}

// Acquire takes the lease on key unless a live lease exists.
func (m *MemoryManager) Acquire(_ context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[key]; ok && now.Before(cur.expires) {
		return nil, domain.ErrLockHeld
	}

	token := uuid.NewString()
	m.leases[key] = leaseEntry{token: token, expires: now.Add(ttl)}
	return &memoryLease{m: m, key: key, token: token}, nil
}

type memoryLease struct {
	m     *MemoryManager
	key   string
	token string
	once  sync.Once
}

func (l *memoryLease) Refresh(_ context.Context, ttl time.Duration) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	now := l.m.now()
	cur, ok := l.m.leases[l.key]
	if !ok || cur.token != l.token || !now.Before(cur.expires) {
		return domain.ErrLockLost
	}
	cur.expires = now.Add(ttl)
	l.m.leases[l.key] = cur
	return nil
}

func (l *memoryLease) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		defer l.m.mu.Unlock()
		if cur, ok := l.m.leases[l.key]; ok && cur.token == l.token {
			delete(l.m.leases, l.key)
		}
	})
}

var _ domain.LockManager = (*MemoryManager)(nil)
