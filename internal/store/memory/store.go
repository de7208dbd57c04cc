// Package memory provides in-process stores for tests and single-instance
// runs without PostgreSQL.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// PositionStore keeps positions in a map.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
	now       func() time.Time
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		positions: make(map[string]domain.Position),
		now:       time.Now,
	}
}

func (s *PositionStore) Create(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("memory: create position %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	now := s.now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	s.positions[p.ID] = p
	return nil
}

func (s *PositionStore) Update(_ context.Context, id string, patch domain.PositionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("memory: update position %s: %w", id, domain.ErrNotFound)
	}
	patch.Apply(&p)
	p.UpdatedAt = s.now().UTC()
	s.positions[id] = p
	return nil
}

func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: get position %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (s *PositionStore) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Position, error) {
	return s.filter(func(p domain.Position) bool {
		if p.UserID != userID {
			return false
		}
		if opts.Since != nil && p.CreatedAt.Before(*opts.Since) {
			return false
		}
		if opts.Until != nil && p.CreatedAt.After(*opts.Until) {
			return false
		}
		return true
	}, true, opts.Offset, opts.Limit), nil
}

func (s *PositionStore) ListNeedingReconciliation(_ context.Context, limit int) ([]domain.Position, error) {
	return s.filter(func(p domain.Position) bool { return p.NeedsReconciliation }, false, 0, limit), nil
}

func (s *PositionStore) filter(keep func(domain.Position) bool, newestFirst bool, offset, limit int) []domain.Position {
	s.mu.RLock()
	var out []domain.Position
	for _, p := range s.positions {
		if keep(p) {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if offset > 0 {
		if offset >= len(out) {
			return nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AuditStore keeps audit entries in a slice.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		out = append(out, s.entries[i])
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Events returns the recorded event names in insertion order.
func (s *AuditStore) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.Event
	}
	return names
}

var (
	_ domain.PositionStore = (*PositionStore)(nil)
	_ domain.AuditStore    = (*AuditStore)(nil)
)
