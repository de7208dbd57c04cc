package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions. Rows are never deleted. Update is
// last-write-wins per supplied field.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, id string, patch PositionPatch) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Position, error)
	ListNeedingReconciliation(ctx context.Context, limit int) ([]Position, error)
}

// AuditEntry records a notable event.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore provides an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
