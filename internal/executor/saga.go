// Package executor opens bilateral positions and keeps them consistent with
// what the exchanges actually hold.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
	"github.com/alanyoungcy/fundingarb/internal/lock"
	"github.com/alanyoungcy/fundingarb/internal/service"
)

// MaxLeverage is the highest leverage accepted by OpenPosition.
const MaxLeverage = 125

// Config holds the saga's timing knobs.
type Config struct {
	// LegTimeout bounds each market order, leverage call and rollback close.
	LegTimeout time.Duration
	// PriceTimeout bounds the concurrent ticker fetch.
	PriceTimeout time.Duration
	// RollbackBackoff is the delay before each compensating close attempt.
	RollbackBackoff []time.Duration
	// ProtectTimeout bounds placing the conditional orders of an OPEN
	// position.
	ProtectTimeout time.Duration
}

// Deps are the saga's collaborators. Alerter and Incidents may be nil.
type Deps struct {
	Positions   domain.PositionStore
	Audit       domain.AuditStore
	Clients     domain.ClientProvider
	Lock        *lock.PositionLock
	Gate        *service.BalanceGate
	Conditional *service.ConditionalOrderService
	Alerter     domain.Alerter
	Incidents   domain.IncidentRecorder
}

// Saga drives one position from PENDING to OPEN, FAILED or PARTIAL.
type Saga struct {
	Deps
	cfg    Config
	logger *slog.Logger

	newID func() string
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewSaga creates a Saga. Zero timeouts default to 10s per leg, 5s for
// prices and 30s for protection; an empty backoff uses
// DefaultRollbackBackoff.
func NewSaga(deps Deps, cfg Config, logger *slog.Logger) *Saga {
	if cfg.LegTimeout <= 0 {
		cfg.LegTimeout = 10 * time.Second
	}
	if cfg.PriceTimeout <= 0 {
		cfg.PriceTimeout = 5 * time.Second
	}
	if len(cfg.RollbackBackoff) == 0 {
		cfg.RollbackBackoff = DefaultRollbackBackoff
	}
	if cfg.ProtectTimeout <= 0 {
		cfg.ProtectTimeout = 30 * time.Second
	}
	return &Saga{
		Deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "saga")),
		newID:  func() string { return uuid.New().String() },
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// OpenPosition opens a long leg on params.LongExchange and a short leg on
// params.ShortExchange for the same quantity. The returned error is nil only
// when the position ended OPEN. The returned Position reflects the last
// persisted row and is zero when validation or locking failed.
func (s *Saga) OpenPosition(ctx context.Context, params domain.OpenPositionParams) (domain.Position, error) {
	params, err := validateParams(params)
	if err != nil {
		return domain.Position{}, err
	}
	return lock.WithLock(ctx, s.Lock, params.UserID, params.Symbol, func(ctx context.Context) (domain.Position, error) {
		return s.open(ctx, params)
	})
}

func validateParams(p domain.OpenPositionParams) (domain.OpenPositionParams, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return p, &domain.ValidationError{Field: "user_id", Message: "is required"}
	}
	symbol, err := exchange.Canonical(p.Symbol)
	if err != nil {
		return p, &domain.ValidationError{Field: "symbol", Message: err.Error()}
	}
	p.Symbol = symbol
	if p.LongExchange, err = domain.ParseExchangeID(string(p.LongExchange)); err != nil {
		return p, &domain.ValidationError{Field: "long_exchange", Message: err.Error()}
	}
	if p.ShortExchange, err = domain.ParseExchangeID(string(p.ShortExchange)); err != nil {
		return p, &domain.ValidationError{Field: "short_exchange", Message: err.Error()}
	}
	if p.LongExchange == p.ShortExchange {
		return p, &domain.ValidationError{Field: "short_exchange", Message: "must differ from long_exchange"}
	}
	if !p.Quantity.IsPositive() {
		return p, &domain.ValidationError{Field: "quantity", Message: "must be positive"}
	}
	if p.Leverage < 1 || p.Leverage > MaxLeverage {
		return p, &domain.ValidationError{Field: "leverage", Message: fmt.Sprintf("must be between 1 and %d", MaxLeverage)}
	}
	if p.StopLossEnabled {
		if err := domain.ValidateStopLossPercent(p.StopLossPercent); err != nil {
			return p, err
		}
	}
	if p.TakeProfitEnabled {
		if err := domain.ValidateTakeProfitPercent(p.TakeProfitPercent); err != nil {
			return p, err
		}
	}
	return p, nil
}

// run is the mutable state of one OpenPosition call.
type run struct {
	pos   domain.Position
	state State
	log   *slog.Logger
}

func (s *Saga) open(ctx context.Context, params domain.OpenPositionParams) (domain.Position, error) {
	pos := domain.Position{
		ID:                     s.newID(),
		UserID:                 params.UserID,
		Symbol:                 params.Symbol,
		LongExchange:           params.LongExchange,
		ShortExchange:          params.ShortExchange,
		Quantity:               params.Quantity,
		Leverage:               params.Leverage,
		Status:                 domain.PositionStatusPending,
		StopLossEnabled:        params.StopLossEnabled,
		TakeProfitEnabled:      params.TakeProfitEnabled,
		ConditionalOrderStatus: domain.ConditionalStatusPending,
	}
	if params.StopLossEnabled {
		pos.StopLossPercent = decimal.NewNullDecimal(params.StopLossPercent)
	}
	if params.TakeProfitEnabled {
		pos.TakeProfitPercent = decimal.NewNullDecimal(params.TakeProfitPercent)
	}
	if err := s.Positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("executor: create position: %w", err)
	}

	r := &run{
		pos:   pos,
		state: Pending{},
		log: s.logger.With(
			slog.String("position_id", pos.ID),
			slog.String("user_id", pos.UserID),
			slog.String("symbol", pos.Symbol),
		),
	}
	r.log.InfoContext(ctx, "position created",
		slog.String("long_exchange", string(pos.LongExchange)),
		slog.String("short_exchange", string(pos.ShortExchange)),
		slog.String("quantity", pos.Quantity.String()),
		slog.Int("leverage", pos.Leverage),
	)
	s.logAudit(ctx, "position_created", map[string]any{
		"position_id":    pos.ID,
		"user_id":        pos.UserID,
		"symbol":         pos.Symbol,
		"long_exchange":  string(pos.LongExchange),
		"short_exchange": string(pos.ShortExchange),
		"quantity":       pos.Quantity.String(),
		"leverage":       pos.Leverage,
	})

	longC, err := s.Clients.Client(ctx, pos.UserID, pos.LongExchange)
	if err != nil {
		return s.abort(ctx, r, "long client", err)
	}
	shortC, err := s.Clients.Client(ctx, pos.UserID, pos.ShortExchange)
	if err != nil {
		return s.abort(ctx, r, "short client", err)
	}

	longPrice, shortPrice, err := s.fetchPrices(ctx, pos.Symbol, longC, shortC)
	if err != nil {
		return s.abort(ctx, r, "price", err)
	}
	if err := s.Gate.Validate(ctx, pos.UserID, pos.LongExchange, pos.ShortExchange,
		pos.Quantity, longPrice, shortPrice, pos.Leverage); err != nil {
		return s.abort(ctx, r, "balance", err)
	}
	if err := s.advance(ctx, r, MarginChecked{LongPrice: longPrice, ShortPrice: shortPrice}, domain.PositionPatch{}); err != nil {
		return r.pos, err
	}
	if err := s.setLeverage(ctx, pos, longC, shortC); err != nil {
		return s.abort(ctx, r, "leverage", err)
	}
	// Last exit without exposure: never send orders under a lease that may
	// already belong to someone else.
	if err := lock.Held(ctx); err != nil {
		return s.abort(ctx, r, "lock", err)
	}

	long, short := s.submitLegs(ctx, r.pos, longC, shortC)

	switch {
	case long.Success && short.Success:
		return s.finishOpen(ctx, r, long, short, longPrice, shortPrice)
	case !long.Success && !short.Success:
		return s.failBoth(ctx, r, long, short)
	case long.Success:
		return s.compensate(ctx, r, longC, long, short, longPrice)
	default:
		return s.compensate(ctx, r, shortC, short, long, shortPrice)
	}
}

// advance applies ev, persists the new status together with patch and
// audits the transition. Persistence ignores caller cancellation once
// orders may have been placed.
func (s *Saga) advance(ctx context.Context, r *run, ev Event, patch domain.PositionPatch) error {
	next, err := Transition(r.state, ev)
	if err != nil {
		return err
	}
	patch.Status = domain.Ptr(next.Status())
	if err := s.Positions.Update(context.WithoutCancel(ctx), r.pos.ID, patch); err != nil {
		r.log.ErrorContext(ctx, "position state not persisted",
			slog.String("status", string(next.Status())),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("executor: persist %s: %w", next.Status(), err)
	}
	from := r.state.Status()
	patch.Apply(&r.pos)
	r.state = next

	detail := map[string]any{
		"position_id": r.pos.ID,
		"from":        string(from),
		"to":          string(next.Status()),
	}
	if r.pos.FailureReason != "" && next.Status() != domain.PositionStatusOpening {
		detail["reason"] = r.pos.FailureReason
	}
	s.logAudit(ctx, "position_"+strings.ToLower(string(next.Status())), detail)
	return nil
}

// abort marks the position FAILED before any leg filled.
func (s *Saga) abort(ctx context.Context, r *run, stage string, cause error) (domain.Position, error) {
	reason := stage + ": " + cause.Error()
	r.log.WarnContext(ctx, "position open aborted",
		slog.String("stage", stage),
		slog.String("error", cause.Error()),
	)
	if err := s.advance(ctx, r, Aborted{Reason: reason}, domain.PositionPatch{FailureReason: &reason}); err != nil {
		return r.pos, errors.Join(cause, err)
	}
	return r.pos, fmt.Errorf("executor: %s: %w", stage, cause)
}

func (s *Saga) fetchPrices(ctx context.Context, symbol string, longC, shortC domain.TradingPort) (decimal.Decimal, decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.PriceTimeout)
	defer cancel()

	var longPrice, shortPrice decimal.Decimal
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		longPrice, err = fetchPrice(gctx, longC, symbol)
		return err
	})
	eg.Go(func() (err error) {
		shortPrice, err = fetchPrice(gctx, shortC, symbol)
		return err
	})
	if err := eg.Wait(); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return longPrice, shortPrice, nil
}

func fetchPrice(ctx context.Context, client domain.TradingPort, symbol string) (decimal.Decimal, error) {
	p, err := client.FetchPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s price: %w", client.Exchange(), err)
	}
	if !p.IsPositive() {
		return decimal.Zero, &domain.ExchangeAPIError{
			Exchange:  client.Exchange(),
			Operation: "fetch_price",
			Message:   fmt.Sprintf("non-positive price %s", p),
			Kind:      domain.ErrInvalidPrice,
		}
	}
	return p, nil
}

func (s *Saga) setLeverage(ctx context.Context, pos domain.Position, longC, shortC domain.TradingPort) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.LegTimeout)
	defer cancel()

	eg, gctx := errgroup.WithContext(ctx)
	for _, c := range []domain.TradingPort{longC, shortC} {
		eg.Go(func() error {
			if err := c.SetLeverage(gctx, pos.Symbol, pos.Leverage); err != nil {
				return fmt.Errorf("%s leverage: %w", c.Exchange(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// submitLegs sends both market orders at once, each under its own timeout.
// Neither leg cancels the other.
func (s *Saga) submitLegs(ctx context.Context, pos domain.Position, longC, shortC domain.TradingPort) (domain.LegResult, domain.LegResult) {
	legs := [2]domain.LegResult{
		{Side: domain.SideLong, Exchange: pos.LongExchange},
		{Side: domain.SideShort, Exchange: pos.ShortExchange},
	}
	clients := [2]domain.TradingPort{longC, shortC}

	var wg sync.WaitGroup
	for i := range legs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			legs[i] = s.submitLeg(ctx, clients[i], pos, legs[i])
		}()
	}
	wg.Wait()
	return legs[0], legs[1]
}

func (s *Saga) submitLeg(ctx context.Context, client domain.TradingPort, pos domain.Position, leg domain.LegResult) domain.LegResult {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.LegTimeout)
	defer cancel()

	fill, err := client.OpenMarket(lctx, pos.Symbol, leg.Side, pos.Quantity)
	if err != nil {
		leg.Err = err
		// Once the request left, a deadline or cancellation says nothing
		// about whether the venue filled it.
		leg.TimedOut = lctx.Err() != nil || errors.Is(err, domain.ErrTimeout)
		return leg
	}
	leg.Success = true
	leg.Fill = fill
	return leg
}

func (s *Saga) finishOpen(ctx context.Context, r *run, long, short domain.LegResult, longPrice, shortPrice decimal.Decimal) (domain.Position, error) {
	patch := domain.PositionPatch{OpenedAt: domain.Ptr(s.now().UTC())}
	s.recordFill(ctx, r, &patch, long, longPrice)
	s.recordFill(ctx, r, &patch, short, shortPrice)
	if err := s.advance(ctx, r, LegsFilled{Long: long.Fill, Short: short.Fill}, patch); err != nil {
		return r.pos, err
	}
	r.log.InfoContext(ctx, "position opened",
		slog.String("long_order_id", r.pos.LongOrderID),
		slog.String("short_order_id", r.pos.ShortOrderID),
		slog.String("long_entry", r.pos.LongEntryPrice.Decimal.String()),
		slog.String("short_entry", r.pos.ShortEntryPrice.Decimal.String()),
	)

	if r.pos.StopLossEnabled || r.pos.TakeProfitEnabled {
		s.protect(ctx, r)
	}
	return r.pos, nil
}

// protect places the requested stop-loss and take-profit orders. Its
// outcome is recorded on the row and never affects the returned error.
func (s *Saga) protect(ctx context.Context, r *run) {
	if s.Conditional == nil {
		r.log.WarnContext(ctx, "conditional orders requested but no setter configured")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ProtectTimeout)
	defer cancel()
	settings := service.ProtectionSettings{
		StopLossEnabled:   r.pos.StopLossEnabled,
		StopLossPercent:   r.pos.StopLossPercent.Decimal,
		TakeProfitEnabled: r.pos.TakeProfitEnabled,
		TakeProfitPercent: r.pos.TakeProfitPercent.Decimal,
	}
	if _, err := s.Conditional.Protect(ctx, r.pos, settings); err != nil {
		r.log.ErrorContext(ctx, "conditional order result not persisted", slog.String("error", err.Error()))
	}
	// The row is read back outside the protection deadline.
	if fresh, err := s.Positions.GetByID(context.WithoutCancel(ctx), r.pos.ID); err == nil {
		r.pos = fresh
	}
}

func (s *Saga) failBoth(ctx context.Context, r *run, long, short domain.LegResult) (domain.Position, error) {
	reason := fmt.Sprintf("both legs failed: long: %v; short: %v", long.Err, short.Err)
	r.log.WarnContext(ctx, "both legs failed",
		slog.String("long_error", errText(long.Err)),
		slog.String("short_error", errText(short.Err)),
	)
	patch := domain.PositionPatch{FailureReason: &reason}
	s.flagAmbiguous(ctx, r, &patch, long, short)
	openErr := &domain.BilateralOpenFailedError{PositionID: r.pos.ID, LongErr: long.Err, ShortErr: short.Err}
	if err := s.advance(ctx, r, Aborted{Reason: reason}, patch); err != nil {
		return r.pos, errors.Join(openErr, err)
	}
	return r.pos, openErr
}

// compensate closes the only filled leg. A successful close ends FAILED;
// exhausting the schedule ends PARTIAL and escalates to an operator.
func (s *Saga) compensate(ctx context.Context, r *run, client domain.TradingPort, filled, failed domain.LegResult, filledPrice decimal.Decimal) (domain.Position, error) {
	r.log.ErrorContext(ctx, "one leg failed, rolling back the filled leg",
		slog.String("filled_leg", string(filled.Side)),
		slog.String("filled_exchange", string(filled.Exchange)),
		slog.String("failed_leg", string(failed.Side)),
		slog.String("error", errText(failed.Err)),
	)

	rb := s.rollback(ctx, client, r.pos, filled)
	patch := domain.PositionPatch{RollbackAttempts: domain.Ptr(rb.Attempts)}
	s.flagAmbiguous(ctx, r, &patch, failed)
	if rb.TimedOut > 0 {
		// A close that timed out may still have executed on the venue.
		patch.NeedsReconciliation = domain.Ptr(true)
		s.logAudit(ctx, "rollback_timeout_ambiguous", map[string]any{
			"position_id": r.pos.ID,
			"exchange":    string(filled.Exchange),
			"side":        string(filled.Side),
			"timed_out":   rb.TimedOut,
		})
	}

	if rb.Err == nil {
		reason := fmt.Sprintf("%s leg failed: %v; rollback successful", failed.Side, failed.Err)
		patch.FailureReason = &reason
		openErr := &domain.BilateralOpenFailedError{PositionID: r.pos.ID, RolledBack: true}
		if failed.Side == domain.SideLong {
			openErr.LongErr = failed.Err
		} else {
			openErr.ShortErr = failed.Err
		}
		if err := s.advance(ctx, r, RolledBack{Reason: reason}, patch); err != nil {
			return r.pos, errors.Join(openErr, err)
		}
		return r.pos, openErr
	}

	reason := fmt.Sprintf("%s leg failed: %v; rollback of %s leg on %s failed after %d attempts: %v",
		failed.Side, failed.Err, filled.Side, filled.Exchange, rb.Attempts, rb.Err)
	patch.FailureReason = &reason
	s.recordFill(ctx, r, &patch, filled, filledPrice)

	rfErr := &domain.RollbackFailedError{
		PositionID: r.pos.ID,
		Exchange:   filled.Exchange,
		OrderID:    filled.Fill.OrderID,
		Side:       filled.Side,
		Quantity:   filledQty(filled, r.pos.Quantity),
		Attempts:   rb.Attempts,
		Cause:      rb.Err,
	}
	if err := s.advance(ctx, r, RollbackExhausted{Filled: filled, Attempts: rb.Attempts}, patch); err != nil {
		s.escalate(ctx, r.pos, rfErr)
		return r.pos, errors.Join(rfErr, err)
	}
	s.escalate(ctx, r.pos, rfErr)
	return r.pos, rfErr
}

// escalate reports live single-sided exposure to every operator channel.
func (s *Saga) escalate(ctx context.Context, pos domain.Position, cause *domain.RollbackFailedError) {
	ctx = context.WithoutCancel(ctx)
	s.logger.ErrorContext(ctx, "manual intervention required",
		slog.String("position_id", pos.ID),
		slog.String("user_id", pos.UserID),
		slog.String("symbol", pos.Symbol),
		slog.String("exchange", string(cause.Exchange)),
		slog.String("leg", string(cause.Side)),
		slog.String("order_id", cause.OrderID),
		slog.String("quantity", cause.Quantity.String()),
		slog.String("error", cause.Error()),
	)
	s.logAudit(ctx, "manual_intervention_required", map[string]any{
		"position_id": pos.ID,
		"user_id":     pos.UserID,
		"symbol":      pos.Symbol,
		"exchange":    string(cause.Exchange),
		"side":        string(cause.Side),
		"order_id":    cause.OrderID,
		"quantity":    cause.Quantity.String(),
		"attempts":    cause.Attempts,
		"error":       errText(cause.Cause),
	})
	if s.Alerter != nil {
		msg := fmt.Sprintf("Position %s (%s, user %s) has an unhedged %s leg of %s on %s (order %s). Close it manually.",
			pos.ID, pos.Symbol, pos.UserID, cause.Side, cause.Quantity, cause.Exchange, cause.OrderID)
		if err := s.Alerter.Alert(ctx, "manual_intervention_required", "Unhedged position", msg); err != nil {
			s.logger.WarnContext(ctx, "operator alert failed", slog.String("error", err.Error()))
		}
	}
	if s.Incidents != nil {
		if err := s.Incidents.RecordIncident(ctx, pos, "manual_intervention_required", cause); err != nil {
			s.logger.WarnContext(ctx, "incident archive failed", slog.String("error", err.Error()))
		}
	}
}

// flagAmbiguous marks the row for reconciliation when any of legs failed by
// timing out, since the venue may still have filled it.
func (s *Saga) flagAmbiguous(ctx context.Context, r *run, patch *domain.PositionPatch, legs ...domain.LegResult) {
	for _, leg := range legs {
		if !leg.TimedOut {
			continue
		}
		patch.NeedsReconciliation = domain.Ptr(true)
		r.log.WarnContext(ctx, "leg outcome unknown after timeout",
			slog.String("exchange", string(leg.Exchange)),
			slog.String("leg", string(leg.Side)),
			slog.String("error", errText(leg.Err)),
		)
		s.logAudit(ctx, "leg_timeout_ambiguous", map[string]any{
			"position_id": r.pos.ID,
			"exchange":    string(leg.Exchange),
			"side":        string(leg.Side),
			"error":       errText(leg.Err),
		})
	}
}

// recordFill copies a leg's fill into patch. A venue that did not report a
// fill price gets the pre-trade ticker as the entry.
func (s *Saga) recordFill(ctx context.Context, r *run, patch *domain.PositionPatch, leg domain.LegResult, ticker decimal.Decimal) {
	price := leg.Fill.AvgPrice
	if !price.IsPositive() {
		r.log.WarnContext(ctx, "no fill price reported, using ticker as entry",
			slog.String("exchange", string(leg.Exchange)),
			slog.String("leg", string(leg.Side)),
			slog.String("ticker", ticker.String()),
		)
		price = ticker
	}
	qty := filledQty(leg, r.pos.Quantity)
	if leg.Side == domain.SideLong {
		patch.LongEntryPrice = domain.Ptr(price)
		patch.LongOrderID = domain.Ptr(leg.Fill.OrderID)
		patch.LongFilledQty = domain.Ptr(qty)
		patch.LongFee = domain.Ptr(leg.Fill.Fee)
		return
	}
	patch.ShortEntryPrice = domain.Ptr(price)
	patch.ShortOrderID = domain.Ptr(leg.Fill.OrderID)
	patch.ShortFilledQty = domain.Ptr(qty)
	patch.ShortFee = domain.Ptr(leg.Fill.Fee)
}

func filledQty(leg domain.LegResult, requested decimal.Decimal) decimal.Decimal {
	if leg.Fill.FilledQty.IsPositive() {
		return leg.Fill.FilledQty
	}
	return requested
}

func (s *Saga) logAudit(ctx context.Context, event string, detail map[string]any) {
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Log(context.WithoutCancel(ctx), event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
