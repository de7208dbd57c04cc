package domain

import (
	"github.com/shopspring/decimal"
)

// OrderPlacement is the outcome of one protective order.
type OrderPlacement struct {
	Success      bool
	OrderID      string
	TriggerPrice decimal.Decimal
	Err          error
}

// ConditionalOrderResult holds a leg's placements. A nil field means that
// type was not requested.
type ConditionalOrderResult struct {
	StopLoss   *OrderPlacement
	TakeProfit *OrderPlacement
}

// ConditionalOrderFailure records one rejected placement.
type ConditionalOrderFailure struct {
	Exchange ExchangeID
	Side     Side
	Type     ConditionalType
	Err      error
}

// BilateralConditionalOrderResult is the outcome for both legs.
type BilateralConditionalOrderResult struct {
	Long     ConditionalOrderResult
	Short    ConditionalOrderResult
	Status   ConditionalOrderStatus
	Failures []ConditionalOrderFailure
}

// SetConditionalOrdersParams asks for protection of an open position.
type SetConditionalOrdersParams struct {
	PositionID        string
	StopLossEnabled   bool
	StopLossPercent   decimal.Decimal
	TakeProfitEnabled bool
	TakeProfitPercent decimal.Decimal
}

// AggregateConditionalStatus counts successes over requested placements:
// none requested is PENDING, all succeeded is SET, none succeeded is
// FAILED, anything else is PARTIAL.
func AggregateConditionalStatus(placements ...*OrderPlacement) ConditionalOrderStatus {
	var requested, ok int
	for _, p := range placements {
		if p == nil {
			continue
		}
		requested++
		if p.Success {
			ok++
		}
	}
	switch {
	case requested == 0:
		return ConditionalStatusPending
	case ok == requested:
		return ConditionalStatusSet
	case ok == 0:
		return ConditionalStatusFailed
	default:
		return ConditionalStatusPartial
	}
}
