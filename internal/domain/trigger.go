package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)

	MinStopLossPercent   = decimal.RequireFromString("0.5")
	MaxStopLossPercent   = decimal.NewFromInt(50)
	MinTakeProfitPercent = decimal.RequireFromString("0.5")
	MaxTakeProfitPercent = decimal.NewFromInt(100)
)

// StopLossPrice returns the trigger price pct percent against the position.
func StopLossPrice(entry, pct decimal.Decimal, side Side) decimal.Decimal {
	f := pct.Div(hundred)
	if side == SideLong {
		return entry.Mul(decimal.NewFromInt(1).Sub(f))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(f))
}

// TakeProfitPrice returns the trigger price pct percent in favor of the
// position.
func TakeProfitPrice(entry, pct decimal.Decimal, side Side) decimal.Decimal {
	f := pct.Div(hundred)
	if side == SideLong {
		return entry.Mul(decimal.NewFromInt(1).Add(f))
	}
	return entry.Mul(decimal.NewFromInt(1).Sub(f))
}

// TriggerPrice dispatches on the conditional type.
func TriggerPrice(typ ConditionalType, entry, pct decimal.Decimal, side Side) decimal.Decimal {
	if typ == ConditionalStopLoss {
		return StopLossPrice(entry, pct, side)
	}
	return TakeProfitPrice(entry, pct, side)
}

// FiresOnRise reports whether the protective order fires when the market
// price rises to the trigger (true) or falls to it (false).
func FiresOnRise(side Side, typ ConditionalType) bool {
	switch {
	case side == SideLong && typ == ConditionalStopLoss:
		return false
	case side == SideLong && typ == ConditionalTakeProfit:
		return true
	case side == SideShort && typ == ConditionalStopLoss:
		return true
	default:
		return false
	}
}

// WouldTriggerImmediately reports whether a trigger at price trigger would
// fire at the current market price, counting anything within marginPct
// percent of the trigger as firing.
func WouldTriggerImmediately(current, trigger decimal.Decimal, side Side, typ ConditionalType, marginPct decimal.Decimal) bool {
	m := marginPct.Div(hundred)
	if FiresOnRise(side, typ) {
		return current.GreaterThanOrEqual(trigger.Mul(decimal.NewFromInt(1).Sub(m)))
	}
	return current.LessThanOrEqual(trigger.Mul(decimal.NewFromInt(1).Add(m)))
}

// ValidateStopLossPercent checks the accepted stop-loss range.
func ValidateStopLossPercent(pct decimal.Decimal) error {
	if pct.LessThan(MinStopLossPercent) || pct.GreaterThan(MaxStopLossPercent) {
		return &ValidationError{
			Field:   "stop_loss_percent",
			Message: fmt.Sprintf("must be between %s and %s, got %s", MinStopLossPercent, MaxStopLossPercent, pct),
		}
	}
	return nil
}

// ValidateTakeProfitPercent checks the accepted take-profit range.
func ValidateTakeProfitPercent(pct decimal.Decimal) error {
	if pct.LessThan(MinTakeProfitPercent) || pct.GreaterThan(MaxTakeProfitPercent) {
		return &ValidationError{
			Field:   "take_profit_percent",
			Message: fmt.Sprintf("must be between %s and %s, got %s", MinTakeProfitPercent, MaxTakeProfitPercent, pct),
		}
	}
	return nil
}
