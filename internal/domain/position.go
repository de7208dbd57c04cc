package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a bilateral position.
type PositionStatus string

const (
	PositionStatusPending PositionStatus = "PENDING"
	PositionStatusOpening PositionStatus = "OPENING"
	PositionStatusOpen    PositionStatus = "OPEN"
	PositionStatusFailed  PositionStatus = "FAILED"
	PositionStatusPartial PositionStatus = "PARTIAL"
)

// Terminal reports whether no further transition is allowed.
func (s PositionStatus) Terminal() bool {
	return s == PositionStatusOpen || s == PositionStatusFailed || s == PositionStatusPartial
}

var positionTransitions = map[PositionStatus][]PositionStatus{
	PositionStatusPending: {PositionStatusOpening, PositionStatusFailed},
	PositionStatusOpening: {PositionStatusOpen, PositionStatusFailed, PositionStatusPartial},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to PositionStatus) bool {
	for _, s := range positionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ConditionalOrderStatus aggregates the four protective orders of a position.
type ConditionalOrderStatus string

const (
	ConditionalStatusPending ConditionalOrderStatus = "PENDING"
	ConditionalStatusSet     ConditionalOrderStatus = "SET"
	ConditionalStatusPartial ConditionalOrderStatus = "PARTIAL"
	ConditionalStatusFailed  ConditionalOrderStatus = "FAILED"
)

// Position is a two-legged hedge: long on one exchange, short on another,
// with the same quantity on both legs.
type Position struct {
	ID            string
	UserID        string
	Symbol        string
	LongExchange  ExchangeID
	ShortExchange ExchangeID
	Quantity      decimal.Decimal
	Leverage      int
	Status        PositionStatus

	LongEntryPrice  decimal.NullDecimal
	ShortEntryPrice decimal.NullDecimal
	LongOrderID     string
	ShortOrderID    string
	LongFilledQty   decimal.NullDecimal
	ShortFilledQty  decimal.NullDecimal
	LongFee         decimal.NullDecimal
	ShortFee        decimal.NullDecimal

	OpenedAt      *time.Time
	FailureReason string

	StopLossEnabled   bool
	StopLossPercent   decimal.NullDecimal
	TakeProfitEnabled bool
	TakeProfitPercent decimal.NullDecimal

	LongStopLossPrice      decimal.NullDecimal
	ShortStopLossPrice     decimal.NullDecimal
	LongTakeProfitPrice    decimal.NullDecimal
	ShortTakeProfitPrice   decimal.NullDecimal
	LongStopLossOrderID    string
	ShortStopLossOrderID   string
	LongTakeProfitOrderID  string
	ShortTakeProfitOrderID string

	ConditionalOrderStatus ConditionalOrderStatus
	ConditionalOrderError  string

	NeedsReconciliation bool
	RollbackAttempts    int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LegEntryPrice returns the recorded entry price for the given side.
func (p Position) LegEntryPrice(side Side) decimal.NullDecimal {
	if side == SideLong {
		return p.LongEntryPrice
	}
	return p.ShortEntryPrice
}

// LegExchange returns the exchange holding the given side.
func (p Position) LegExchange(side Side) ExchangeID {
	if side == SideLong {
		return p.LongExchange
	}
	return p.ShortExchange
}

// OpenPositionParams is the input of the open saga.
type OpenPositionParams struct {
	UserID            string
	Symbol            string
	LongExchange      ExchangeID
	ShortExchange     ExchangeID
	Quantity          decimal.Decimal
	Leverage          int
	StopLossEnabled   bool
	StopLossPercent   decimal.Decimal
	TakeProfitEnabled bool
	TakeProfitPercent decimal.Decimal
}

// PositionPatch carries a partial update. Nil fields are left untouched.
type PositionPatch struct {
	Status        *PositionStatus
	FailureReason *string
	OpenedAt      *time.Time

	LongEntryPrice  *decimal.Decimal
	ShortEntryPrice *decimal.Decimal
	LongOrderID     *string
	ShortOrderID    *string
	LongFilledQty   *decimal.Decimal
	ShortFilledQty  *decimal.Decimal
	LongFee         *decimal.Decimal
	ShortFee        *decimal.Decimal

	// A zero trigger price clears the column.
	LongStopLossPrice      *decimal.Decimal
	ShortStopLossPrice     *decimal.Decimal
	LongTakeProfitPrice    *decimal.Decimal
	ShortTakeProfitPrice   *decimal.Decimal
	LongStopLossOrderID    *string
	ShortStopLossOrderID   *string
	LongTakeProfitOrderID  *string
	ShortTakeProfitOrderID *string

	ConditionalOrderStatus *ConditionalOrderStatus
	ConditionalOrderError  *string

	NeedsReconciliation *bool
	RollbackAttempts    *int
}

// Apply copies every non-nil field of the patch onto p.
func (patch PositionPatch) Apply(p *Position) {
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.FailureReason != nil {
		p.FailureReason = *patch.FailureReason
	}
	if patch.OpenedAt != nil {
		t := *patch.OpenedAt
		p.OpenedAt = &t
	}
	setNull(&p.LongEntryPrice, patch.LongEntryPrice)
	setNull(&p.ShortEntryPrice, patch.ShortEntryPrice)
	setStr(&p.LongOrderID, patch.LongOrderID)
	setStr(&p.ShortOrderID, patch.ShortOrderID)
	setNull(&p.LongFilledQty, patch.LongFilledQty)
	setNull(&p.ShortFilledQty, patch.ShortFilledQty)
	setNull(&p.LongFee, patch.LongFee)
	setNull(&p.ShortFee, patch.ShortFee)
	setTrigger(&p.LongStopLossPrice, patch.LongStopLossPrice)
	setTrigger(&p.ShortStopLossPrice, patch.ShortStopLossPrice)
	setTrigger(&p.LongTakeProfitPrice, patch.LongTakeProfitPrice)
	setTrigger(&p.ShortTakeProfitPrice, patch.ShortTakeProfitPrice)
	setStr(&p.LongStopLossOrderID, patch.LongStopLossOrderID)
	setStr(&p.ShortStopLossOrderID, patch.ShortStopLossOrderID)
	setStr(&p.LongTakeProfitOrderID, patch.LongTakeProfitOrderID)
	setStr(&p.ShortTakeProfitOrderID, patch.ShortTakeProfitOrderID)
	if patch.ConditionalOrderStatus != nil {
		p.ConditionalOrderStatus = *patch.ConditionalOrderStatus
	}
	setStr(&p.ConditionalOrderError, patch.ConditionalOrderError)
	if patch.NeedsReconciliation != nil {
		p.NeedsReconciliation = *patch.NeedsReconciliation
	}
	if patch.RollbackAttempts != nil {
		p.RollbackAttempts = *patch.RollbackAttempts
	}
}

func setNull(dst *decimal.NullDecimal, v *decimal.Decimal) {
	if v != nil {
		*dst = decimal.NewNullDecimal(*v)
	}
}

// setTrigger treats a zero trigger price as a cleared column.
func setTrigger(dst *decimal.NullDecimal, v *decimal.Decimal) {
	if v != nil {
		*dst = TriggerColumn(*v)
	}
}

// TriggerColumn maps a patched trigger price to its stored value. Zero
// means no order is recorded for the slot.
func TriggerColumn(v decimal.Decimal) decimal.NullDecimal {
	if v.IsZero() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(v)
}

func setStr(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Ptr returns a pointer to v. Handy when building a PositionPatch.
func Ptr[T any](v T) *T { return &v }
