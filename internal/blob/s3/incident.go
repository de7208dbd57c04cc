package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// auditScan is how many recent audit entries are searched for the
// position's trail.
const auditScan = 500

// IncidentReport is the JSON document written for a position that needs a
// human.
type IncidentReport struct {
	Event      string              `json:"event"`
	RecordedAt time.Time           `json:"recorded_at"`
	Cause      string              `json:"cause,omitempty"`
	Position   incidentPosition    `json:"position"`
	AuditTrail []domain.AuditEntry `json:"audit_trail,omitempty"`
}

type incidentPosition struct {
	ID                  string              `json:"id"`
	UserID              string              `json:"user_id"`
	Symbol              string              `json:"symbol"`
	Status              string              `json:"status"`
	LongExchange        string              `json:"long_exchange"`
	ShortExchange       string              `json:"short_exchange"`
	Quantity            decimal.Decimal     `json:"quantity"`
	Leverage            int                 `json:"leverage"`
	LongEntryPrice      decimal.NullDecimal `json:"long_entry_price"`
	ShortEntryPrice     decimal.NullDecimal `json:"short_entry_price"`
	LongOrderID         string              `json:"long_order_id,omitempty"`
	ShortOrderID        string              `json:"short_order_id,omitempty"`
	LongFilledQty       decimal.NullDecimal `json:"long_filled_qty"`
	ShortFilledQty      decimal.NullDecimal `json:"short_filled_qty"`
	FailureReason       string              `json:"failure_reason,omitempty"`
	RollbackAttempts    int                 `json:"rollback_attempts"`
	NeedsReconciliation bool                `json:"needs_reconciliation"`
	CreatedAt           time.Time           `json:"created_at"`
}

// IncidentArchiver writes one report per incident. It implements
// domain.IncidentRecorder.
type IncidentArchiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
	prefix string
	now    func() time.Time
}

// NewIncidentArchiver creates an IncidentArchiver. audit may be nil; prefix
// defaults to "incidents".
func NewIncidentArchiver(writer domain.BlobWriter, audit domain.AuditStore, prefix string) *IncidentArchiver {
	if prefix == "" {
		prefix = "incidents"
	}
	return &IncidentArchiver{writer: writer, audit: audit, prefix: prefix, now: time.Now}
}

// RecordIncident uploads the report to
// <prefix>/YYYY/MM/DD/<position id>-<event>.json.
func (a *IncidentArchiver) RecordIncident(ctx context.Context, pos domain.Position, event string, cause error) error {
	now := a.now().UTC()
	report := IncidentReport{
		Event:      event,
		RecordedAt: now,
		Position: incidentPosition{
			ID:                  pos.ID,
			UserID:              pos.UserID,
			Symbol:              pos.Symbol,
			Status:              string(pos.Status),
			LongExchange:        string(pos.LongExchange),
			ShortExchange:       string(pos.ShortExchange),
			Quantity:            pos.Quantity,
			Leverage:            pos.Leverage,
			LongEntryPrice:      pos.LongEntryPrice,
			ShortEntryPrice:     pos.ShortEntryPrice,
			LongOrderID:         pos.LongOrderID,
			ShortOrderID:        pos.ShortOrderID,
			LongFilledQty:       pos.LongFilledQty,
			ShortFilledQty:      pos.ShortFilledQty,
			FailureReason:       pos.FailureReason,
			RollbackAttempts:    pos.RollbackAttempts,
			NeedsReconciliation: pos.NeedsReconciliation,
			CreatedAt:           pos.CreatedAt,
		},
	}
	if cause != nil {
		report.Cause = cause.Error()
	}
	if a.audit != nil {
		trail, err := a.trail(ctx, pos.ID)
		if err != nil {
			return err
		}
		report.AuditTrail = trail
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("s3blob: encode incident %s: %w", pos.ID, err)
	}

	path := IncidentPath(a.prefix, pos.ID, event, now)
	if err := a.writer.Put(ctx, path, &buf, "application/json"); err != nil {
		return fmt.Errorf("s3blob: store incident %s: %w", pos.ID, err)
	}
	return nil
}

// trail returns the position's audit entries, oldest first.
func (a *IncidentArchiver) trail(ctx context.Context, positionID string) ([]domain.AuditEntry, error) {
	recent, err := a.audit.List(ctx, domain.ListOpts{Limit: auditScan})
	if err != nil {
		return nil, fmt.Errorf("s3blob: audit trail for %s: %w", positionID, err)
	}
	var out []domain.AuditEntry
	for i := len(recent) - 1; i >= 0; i-- {
		if id, _ := recent[i].Detail["position_id"].(string); id == positionID {
			out = append(out, recent[i])
		}
	}
	return out, nil
}

// IncidentPath builds the object key, partitioned by day.
func IncidentPath(prefix, positionID, event string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s-%s.json", prefix, at.UTC().Format("2006/01/02"), positionID, event)
}

var _ domain.IncidentRecorder = (*IncidentArchiver)(nil)
