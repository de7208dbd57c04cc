package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
	"github.com/alanyoungcy/fundingarb/internal/lock"
)

// DefaultMinTriggerDistancePct is the margin used by the immediate-trigger
// sanity check.
var DefaultMinTriggerDistancePct = decimal.RequireFromString("0.1")

// ConditionalOrderConfig holds the tunables of the setter.
type ConditionalOrderConfig struct {
	MinTriggerDistancePct decimal.Decimal
}

// ConditionalOrderService places and cancels the stop-loss and take-profit
// orders that protect an open position. Failures are recorded on the
// position and never change its status.
//
// SetConditionalOrders and CancelConditionalOrder take the position lock
// themselves. Protect expects the caller to hold it.
type ConditionalOrderService struct {
	positions domain.PositionStore
	clients   domain.ClientProvider
	audit     domain.AuditStore
	lock      *lock.PositionLock
	cfg       ConditionalOrderConfig
	logger    *slog.Logger
}

// NewConditionalOrderService creates a ConditionalOrderService.
func NewConditionalOrderService(
	positions domain.PositionStore,
	clients domain.ClientProvider,
	audit domain.AuditStore,
	positionLock *lock.PositionLock,
	cfg ConditionalOrderConfig,
	logger *slog.Logger,
) *ConditionalOrderService {
	if !cfg.MinTriggerDistancePct.IsPositive() {
		cfg.MinTriggerDistancePct = DefaultMinTriggerDistancePct
	}
	return &ConditionalOrderService{
		positions: positions,
		clients:   clients,
		audit:     audit,
		lock:      positionLock,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "conditional_orders")),
	}
}

// ProtectionSettings selects which orders to place.
type ProtectionSettings struct {
	StopLossEnabled   bool
	StopLossPercent   decimal.Decimal
	TakeProfitEnabled bool
	TakeProfitPercent decimal.Decimal
}

// Validate checks the percent ranges of the enabled orders.
func (s ProtectionSettings) Validate() error {
	var errs []error
	if s.StopLossEnabled {
		errs = append(errs, domain.ValidateStopLossPercent(s.StopLossPercent))
	}
	if s.TakeProfitEnabled {
		errs = append(errs, domain.ValidateTakeProfitPercent(s.TakeProfitPercent))
	}
	return errors.Join(errs...)
}

// SetConditionalOrders protects an OPEN position under its lock. Orders
// recorded by an earlier call are cancelled before the new set is placed.
func (s *ConditionalOrderService) SetConditionalOrders(ctx context.Context, params domain.SetConditionalOrdersParams) (domain.BilateralConditionalOrderResult, error) {
	settings := ProtectionSettings{
		StopLossEnabled:   params.StopLossEnabled,
		StopLossPercent:   params.StopLossPercent,
		TakeProfitEnabled: params.TakeProfitEnabled,
		TakeProfitPercent: params.TakeProfitPercent,
	}
	if err := settings.Validate(); err != nil {
		return domain.BilateralConditionalOrderResult{}, err
	}
	pos, err := s.positions.GetByID(ctx, params.PositionID)
	if err != nil {
		return domain.BilateralConditionalOrderResult{}, fmt.Errorf("conditional_orders: load position %s: %w", params.PositionID, err)
	}
	return lock.WithLock(ctx, s.lock, pos.UserID, pos.Symbol, func(ctx context.Context) (domain.BilateralConditionalOrderResult, error) {
		// Re-read under the lock: the row may have moved since.
		pos, err := s.positions.GetByID(ctx, params.PositionID)
		if err != nil {
			return domain.BilateralConditionalOrderResult{}, fmt.Errorf("conditional_orders: load position %s: %w", params.PositionID, err)
		}
		if pos.Status != domain.PositionStatusOpen {
			return domain.BilateralConditionalOrderResult{}, &domain.ValidationError{
				Field:   "position_id",
				Message: fmt.Sprintf("position %s is %s, only OPEN positions can be protected", pos.ID, pos.Status),
			}
		}
		pos, err = s.cancelRecorded(ctx, pos)
		if err != nil {
			return domain.BilateralConditionalOrderResult{}, err
		}
		return s.Protect(ctx, pos, settings)
	})
}

// cancelRecorded cancels every order recorded on pos and clears its slots.
// A cancel the venue rejects leaves that slot in place and fails the call,
// so no second set is placed next to a live one.
func (s *ConditionalOrderService) cancelRecorded(ctx context.Context, pos domain.Position) (domain.Position, error) {
	var (
		patch     domain.PositionPatch
		errs      []error
		cancelled []string
	)
	for _, sl := range orderSlots(pos) {
		if sl.orderID == "" {
			if sl.price.Valid {
				sl.clear(&patch)
			}
			continue
		}
		if _, err := s.cancelAtVenue(ctx, pos.UserID, pos.LegExchange(sl.side), pos.Symbol, sl.orderID); err != nil {
			errs = append(errs, err)
			continue
		}
		cancelled = append(cancelled, sl.orderID)
		sl.clear(&patch)
	}

	if patch == (domain.PositionPatch{}) {
		return pos, errors.Join(errs...)
	}
	patch.Apply(&pos)
	pos.ConditionalOrderStatus = storedStatus(pos)
	patch.ConditionalOrderStatus = domain.Ptr(pos.ConditionalOrderStatus)
	if err := s.positions.Update(ctx, pos.ID, patch); err != nil {
		return pos, fmt.Errorf("conditional_orders: persist cancelled orders for %s: %w", pos.ID, err)
	}
	if len(cancelled) > 0 {
		s.logAudit(ctx, "conditional_orders_cancelled", map[string]any{
			"position_id": pos.ID,
			"order_ids":   strings.Join(cancelled, ","),
		})
	}
	return pos, errors.Join(errs...)
}

type placementJob struct {
	side  domain.Side
	typ   domain.ConditionalType
	pct   decimal.Decimal
	place **domain.OrderPlacement
}

// Protect computes trigger prices from the recorded entry prices and places
// up to four orders concurrently. The outcome is persisted on the position;
// only a persistence failure is returned as an error.
func (s *ConditionalOrderService) Protect(ctx context.Context, pos domain.Position, settings ProtectionSettings) (domain.BilateralConditionalOrderResult, error) {
	var res domain.BilateralConditionalOrderResult
	var jobs []placementJob
	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		leg := &res.Long
		if side == domain.SideShort {
			leg = &res.Short
		}
		if settings.StopLossEnabled {
			jobs = append(jobs, placementJob{side, domain.ConditionalStopLoss, settings.StopLossPercent, &leg.StopLoss})
		}
		if settings.TakeProfitEnabled {
			jobs = append(jobs, placementJob{side, domain.ConditionalTakeProfit, settings.TakeProfitPercent, &leg.TakeProfit})
		}
	}

	prices := s.currentPrices(ctx, pos)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := s.place(ctx, pos, job, prices[job.side])
			mu.Lock()
			*job.place = p
			if !p.Success {
				res.Failures = append(res.Failures, domain.ConditionalOrderFailure{
					Exchange: pos.LegExchange(job.side),
					Side:     job.side,
					Type:     job.typ,
					Err:      p.Err,
				})
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	res.Status = domain.AggregateConditionalStatus(res.Long.StopLoss, res.Long.TakeProfit, res.Short.StopLoss, res.Short.TakeProfit)

	s.logger.InfoContext(ctx, "conditional orders processed",
		slog.String("position_id", pos.ID),
		slog.String("status", string(res.Status)),
		slog.Int("requested", len(jobs)),
		slog.Int("failed", len(res.Failures)),
	)

	if err := s.positions.Update(ctx, pos.ID, resultPatch(res)); err != nil {
		return res, fmt.Errorf("conditional_orders: persist result for %s: %w", pos.ID, err)
	}
	if len(jobs) > 0 {
		s.logAudit(ctx, "conditional_orders_set", map[string]any{
			"position_id": pos.ID,
			"status":      string(res.Status),
			"failures":    failureText(res.Failures),
		})
	}
	return res, nil
}

// currentPrices fetches each leg's price for the sanity check. Missing
// prices only disable the check.
func (s *ConditionalOrderService) currentPrices(ctx context.Context, pos domain.Position) map[domain.Side]decimal.Decimal {
	out := make(map[domain.Side]decimal.Decimal, 2)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := s.clients.Client(ctx, pos.UserID, pos.LegExchange(side))
			if err != nil {
				return
			}
			price, err := client.FetchPrice(ctx, pos.Symbol)
			if err != nil {
				s.logger.DebugContext(ctx, "price unavailable for trigger sanity check",
					slog.String("exchange", string(pos.LegExchange(side))),
					slog.String("error", err.Error()),
				)
				return
			}
			mu.Lock()
			out[side] = price
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (s *ConditionalOrderService) place(ctx context.Context, pos domain.Position, job placementJob, current decimal.Decimal) *domain.OrderPlacement {
	venue := pos.LegExchange(job.side)
	entry := pos.LegEntryPrice(job.side)
	if !entry.Valid || !entry.Decimal.IsPositive() {
		return &domain.OrderPlacement{Err: fmt.Errorf("no entry price recorded for %s leg", job.side)}
	}
	trigger := domain.TriggerPrice(job.typ, entry.Decimal, job.pct, job.side)
	p := &domain.OrderPlacement{TriggerPrice: trigger}

	if current.IsPositive() && domain.WouldTriggerImmediately(current, trigger, job.side, job.typ, s.cfg.MinTriggerDistancePct) {
		s.logger.WarnContext(ctx, "trigger is at or past the current price, placing anyway",
			slog.String("position_id", pos.ID),
			slog.String("exchange", string(venue)),
			slog.String("leg", string(job.side)),
			slog.String("type", string(job.typ)),
			slog.String("trigger", trigger.String()),
			slog.String("current", current.String()),
		)
	}

	client, err := s.clients.Client(ctx, pos.UserID, venue)
	if err != nil {
		p.Err = err
		return p
	}
	qty := pos.Quantity
	if filled := legFilledQty(pos, job.side); filled.Valid && filled.Decimal.IsPositive() {
		qty = filled.Decimal
	}
	orderID, err := client.PlaceConditional(ctx, domain.ConditionalOrderRequest{
		Symbol:       pos.Symbol,
		Side:         job.side,
		Type:         job.typ,
		TriggerPrice: trigger,
		Quantity:     qty,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "conditional order rejected",
			slog.String("position_id", pos.ID),
			slog.String("exchange", string(venue)),
			slog.String("leg", string(job.side)),
			slog.String("type", string(job.typ)),
			slog.String("error", err.Error()),
		)
		p.Err = err
		return p
	}
	p.Success = true
	p.OrderID = orderID
	return p
}

func legFilledQty(pos domain.Position, side domain.Side) decimal.NullDecimal {
	if side == domain.SideLong {
		return pos.LongFilledQty
	}
	return pos.ShortFilledQty
}

// resultPatch maps the placements onto position columns. Trigger prices are
// stored even when placement failed.
func resultPatch(res domain.BilateralConditionalOrderResult) domain.PositionPatch {
	patch := domain.PositionPatch{ConditionalOrderStatus: domain.Ptr(res.Status)}
	set := func(p *domain.OrderPlacement, price **decimal.Decimal, id **string) {
		if p == nil || p.TriggerPrice.IsZero() {
			return
		}
		*price = domain.Ptr(p.TriggerPrice)
		if p.Success {
			*id = domain.Ptr(p.OrderID)
		}
	}
	set(res.Long.StopLoss, &patch.LongStopLossPrice, &patch.LongStopLossOrderID)
	set(res.Long.TakeProfit, &patch.LongTakeProfitPrice, &patch.LongTakeProfitOrderID)
	set(res.Short.StopLoss, &patch.ShortStopLossPrice, &patch.ShortStopLossOrderID)
	set(res.Short.TakeProfit, &patch.ShortTakeProfitPrice, &patch.ShortTakeProfitOrderID)
	patch.ConditionalOrderError = domain.Ptr(failureText(res.Failures))
	return patch
}

func failureText(failures []domain.ConditionalOrderFailure) string {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s %s %s: %v", f.Exchange, f.Side, f.Type, f.Err))
	}
	return strings.Join(parts, "; ")
}

// CancelConditionalOrder cancels one protective order under the position
// lock. It reports false without error when the venue no longer knows the
// order. Either way the position recording the order forgets it.
func (s *ConditionalOrderService) CancelConditionalOrder(ctx context.Context, userID string, venue domain.ExchangeID, symbol, orderID string) (bool, error) {
	canonical, err := exchange.Canonical(symbol)
	if err != nil {
		return false, &domain.ValidationError{Field: "symbol", Message: err.Error()}
	}
	return lock.WithLock(ctx, s.lock, userID, canonical, func(ctx context.Context) (bool, error) {
		ok, err := s.cancelAtVenue(ctx, userID, venue, symbol, orderID)
		if err != nil {
			return false, err
		}
		return ok, s.forgetOrder(ctx, userID, venue, canonical, orderID)
	})
}

func (s *ConditionalOrderService) cancelAtVenue(ctx context.Context, userID string, venue domain.ExchangeID, symbol, orderID string) (bool, error) {
	client, err := s.clients.Client(ctx, userID, venue)
	if err != nil {
		return false, err
	}
	if err := client.CancelConditional(ctx, symbol, orderID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.InfoContext(ctx, "conditional order already gone",
				slog.String("exchange", string(venue)),
				slog.String("order_id", orderID),
			)
			return false, nil
		}
		return false, fmt.Errorf("conditional_orders: cancel %s on %s: %w", orderID, venue, err)
	}
	return true, nil
}

// forgetOrder clears the slot recording orderID and recomputes the
// aggregate status of its position.
func (s *ConditionalOrderService) forgetOrder(ctx context.Context, userID string, venue domain.ExchangeID, symbol, orderID string) error {
	rows, err := s.positions.ListByUser(ctx, userID, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("conditional_orders: find position of order %s: %w", orderID, err)
	}
	for _, pos := range rows {
		if pos.Symbol != symbol {
			continue
		}
		var patch domain.PositionPatch
		for _, sl := range orderSlots(pos) {
			if sl.orderID == orderID && pos.LegExchange(sl.side) == venue {
				sl.clear(&patch)
			}
		}
		if patch == (domain.PositionPatch{}) {
			continue
		}
		patch.Apply(&pos)
		patch.ConditionalOrderStatus = domain.Ptr(storedStatus(pos))
		if err := s.positions.Update(ctx, pos.ID, patch); err != nil {
			return fmt.Errorf("conditional_orders: clear order %s on %s: %w", orderID, pos.ID, err)
		}
		s.logAudit(ctx, "conditional_order_cancelled", map[string]any{
			"position_id": pos.ID,
			"exchange":    string(venue),
			"order_id":    orderID,
			"status":      string(*patch.ConditionalOrderStatus),
		})
		return nil
	}
	s.logger.DebugContext(ctx, "cancelled order not recorded on any position",
		slog.String("exchange", string(venue)),
		slog.String("order_id", orderID),
	)
	return nil
}

// orderSlot is one of the four protective order columns of a position.
type orderSlot struct {
	side    domain.Side
	typ     domain.ConditionalType
	orderID string
	price   decimal.NullDecimal
}

func orderSlots(pos domain.Position) []orderSlot {
	return []orderSlot{
		{domain.SideLong, domain.ConditionalStopLoss, pos.LongStopLossOrderID, pos.LongStopLossPrice},
		{domain.SideLong, domain.ConditionalTakeProfit, pos.LongTakeProfitOrderID, pos.LongTakeProfitPrice},
		{domain.SideShort, domain.ConditionalStopLoss, pos.ShortStopLossOrderID, pos.ShortStopLossPrice},
		{domain.SideShort, domain.ConditionalTakeProfit, pos.ShortTakeProfitOrderID, pos.ShortTakeProfitPrice},
	}
}

// clear empties the slot's order id and trigger price in patch.
func (sl orderSlot) clear(patch *domain.PositionPatch) {
	id, price := domain.Ptr(""), domain.Ptr(decimal.Zero)
	switch {
	case sl.side == domain.SideLong && sl.typ == domain.ConditionalStopLoss:
		patch.LongStopLossOrderID, patch.LongStopLossPrice = id, price
	case sl.side == domain.SideLong:
		patch.LongTakeProfitOrderID, patch.LongTakeProfitPrice = id, price
	case sl.typ == domain.ConditionalStopLoss:
		patch.ShortStopLossOrderID, patch.ShortStopLossPrice = id, price
	default:
		patch.ShortTakeProfitOrderID, patch.ShortTakeProfitPrice = id, price
	}
}

// storedStatus recomputes the aggregate from the row: a slot with a trigger
// price was requested, and it succeeded when an order id is recorded.
func storedStatus(pos domain.Position) domain.ConditionalOrderStatus {
	var placements []*domain.OrderPlacement
	for _, sl := range orderSlots(pos) {
		if sl.price.Valid {
			placements = append(placements, &domain.OrderPlacement{Success: sl.orderID != ""})
		}
	}
	return domain.AggregateConditionalStatus(placements...)
}

func (s *ConditionalOrderService) logAudit(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
