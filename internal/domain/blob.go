package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Alerter pages a human operator.
type Alerter interface {
	Alert(ctx context.Context, event, title, message string) error
}

// IncidentRecorder keeps a durable copy of positions that need manual work.
type IncidentRecorder interface {
	RecordIncident(ctx context.Context, pos Position, event string, cause error) error
}
