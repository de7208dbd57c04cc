package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id::text, user_id, symbol, long_exchange, short_exchange,
	quantity, leverage, status,
	long_entry_price, short_entry_price, long_order_id, short_order_id,
	long_filled_qty, short_filled_qty, long_fee, short_fee,
	opened_at, failure_reason,
	stop_loss_enabled, stop_loss_percent, take_profit_enabled, take_profit_percent,
	long_stop_loss_price, short_stop_loss_price, long_take_profit_price, short_take_profit_price,
	long_stop_loss_order_id, short_stop_loss_order_id, long_take_profit_order_id, short_take_profit_order_id,
	conditional_order_status, conditional_order_error,
	needs_reconciliation, rollback_attempts, created_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                  domain.Position
		longEx, shortEx    string
		status, condStatus string
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.Symbol, &longEx, &shortEx,
		&p.Quantity, &p.Leverage, &status,
		&p.LongEntryPrice, &p.ShortEntryPrice, &p.LongOrderID, &p.ShortOrderID,
		&p.LongFilledQty, &p.ShortFilledQty, &p.LongFee, &p.ShortFee,
		&p.OpenedAt, &p.FailureReason,
		&p.StopLossEnabled, &p.StopLossPercent, &p.TakeProfitEnabled, &p.TakeProfitPercent,
		&p.LongStopLossPrice, &p.ShortStopLossPrice, &p.LongTakeProfitPrice, &p.ShortTakeProfitPrice,
		&p.LongStopLossOrderID, &p.ShortStopLossOrderID, &p.LongTakeProfitOrderID, &p.ShortTakeProfitOrderID,
		&condStatus, &p.ConditionalOrderError,
		&p.NeedsReconciliation, &p.RollbackAttempts, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.LongExchange = domain.ExchangeID(longEx)
	p.ShortExchange = domain.ExchangeID(shortEx)
	p.Status = domain.PositionStatus(status)
	p.ConditionalOrderStatus = domain.ConditionalOrderStatus(condStatus)
	return p, nil
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, user_id, symbol, long_exchange, short_exchange,
			quantity, leverage, status, failure_reason,
			stop_loss_enabled, stop_loss_percent, take_profit_enabled, take_profit_percent,
			conditional_order_status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, NOW(), NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.UserID, p.Symbol, string(p.LongExchange), string(p.ShortExchange),
		p.Quantity, p.Leverage, string(p.Status), p.FailureReason,
		p.StopLossEnabled, p.StopLossPercent, p.TakeProfitEnabled, p.TakeProfitPercent,
		string(p.ConditionalOrderStatus),
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update writes every non-nil field of patch. Fields left nil keep their
// stored value.
func (s *PositionStore) Update(ctx context.Context, id string, patch domain.PositionPatch) error {
	sets, args := patchAssignments(patch)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE positions SET %s, updated_at = NOW() WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func patchAssignments(p domain.PositionPatch) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.FailureReason != nil {
		add("failure_reason", *p.FailureReason)
	}
	if p.OpenedAt != nil {
		add("opened_at", *p.OpenedAt)
	}
	if p.LongEntryPrice != nil {
		add("long_entry_price", *p.LongEntryPrice)
	}
	if p.ShortEntryPrice != nil {
		add("short_entry_price", *p.ShortEntryPrice)
	}
	if p.LongOrderID != nil {
		add("long_order_id", *p.LongOrderID)
	}
	if p.ShortOrderID != nil {
		add("short_order_id", *p.ShortOrderID)
	}
	if p.LongFilledQty != nil {
		add("long_filled_qty", *p.LongFilledQty)
	}
	if p.ShortFilledQty != nil {
		add("short_filled_qty", *p.ShortFilledQty)
	}
	if p.LongFee != nil {
		add("long_fee", *p.LongFee)
	}
	if p.ShortFee != nil {
		add("short_fee", *p.ShortFee)
	}
	if p.LongStopLossPrice != nil {
		add("long_stop_loss_price", domain.TriggerColumn(*p.LongStopLossPrice))
	}
	if p.ShortStopLossPrice != nil {
		add("short_stop_loss_price", domain.TriggerColumn(*p.ShortStopLossPrice))
	}
	if p.LongTakeProfitPrice != nil {
		add("long_take_profit_price", domain.TriggerColumn(*p.LongTakeProfitPrice))
	}
	if p.ShortTakeProfitPrice != nil {
		add("short_take_profit_price", domain.TriggerColumn(*p.ShortTakeProfitPrice))
	}
	if p.LongStopLossOrderID != nil {
		add("long_stop_loss_order_id", *p.LongStopLossOrderID)
	}
	if p.ShortStopLossOrderID != nil {
		add("short_stop_loss_order_id", *p.ShortStopLossOrderID)
	}
	if p.LongTakeProfitOrderID != nil {
		add("long_take_profit_order_id", *p.LongTakeProfitOrderID)
	}
	if p.ShortTakeProfitOrderID != nil {
		add("short_take_profit_order_id", *p.ShortTakeProfitOrderID)
	}
	if p.ConditionalOrderStatus != nil {
		add("conditional_order_status", string(*p.ConditionalOrderStatus))
	}
	if p.ConditionalOrderError != nil {
		add("conditional_order_error", *p.ConditionalOrderError)
	}
	if p.NeedsReconciliation != nil {
		add("needs_reconciliation", *p.NeedsReconciliation)
	}
	if p.RollbackAttempts != nil {
		add("rollback_attempts", *p.RollbackAttempts)
	}
	return sets, args
}

// GetByID retrieves a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`

	p, err := scanPosition(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListByUser returns a user's positions, newest first.
func (s *PositionStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE user_id = $1`
	args := []any{userID}

	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return s.list(ctx, "list positions by user", query, args...)
}

// ListNeedingReconciliation returns positions whose leg outcome is unknown.
func (s *PositionStore) ListNeedingReconciliation(ctx context.Context, limit int) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE needs_reconciliation ORDER BY created_at LIMIT $1`
	return s.list(ctx, "list positions needing reconciliation", query, limit)
}

func (s *PositionStore) list(ctx context.Context, op, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return out, nil
}

var _ domain.PositionStore = (*PositionStore)(nil)
