package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrLockHeld          = errors.New("lock already held")
	ErrLockLost          = errors.New("lock lease lost")
	ErrModeMismatch      = errors.New("position mode mismatch")
	ErrImmediateTrigger  = errors.New("order would trigger immediately")
	ErrInvalidSymbol     = errors.New("invalid symbol")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTimeout           = errors.New("request timed out")
	ErrExchangeInternal  = errors.New("exchange internal error")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownExchange   = errors.New("unknown exchange")
)

// ValidationError reports a bad input before any side effect happened.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// InsufficientBalanceError is returned by the balance gate when one exchange
// cannot cover its leg's margin.
type InsufficientBalanceError struct {
	Exchange  ExchangeID
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance on %s: required %s, available %s, shortfall %s",
		e.Exchange, e.Required.StringFixed(2), e.Available.StringFixed(2), e.Shortfall().StringFixed(2))
}

// Shortfall is Required minus Available.
func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

// ExchangeAPIError is the normalized failure of a single exchange call.
// Kind holds one of the sentinel errors above so callers can errors.Is on it
// without knowing any exchange-specific code.
type ExchangeAPIError struct {
	Exchange  ExchangeID
	Operation string
	Message   string
	Retryable bool
	Kind      error
}

func (e *ExchangeAPIError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Exchange, e.Operation, e.Message)
}

func (e *ExchangeAPIError) Unwrap() error { return e.Kind }

// BilateralOpenFailedError means the position never reached OPEN and no
// exposure remains. RolledBack is true when one leg filled and was closed.
type BilateralOpenFailedError struct {
	PositionID string
	LongErr    error
	ShortErr   error
	RolledBack bool
}

func (e *BilateralOpenFailedError) Error() string {
	if e.RolledBack {
		return fmt.Sprintf("position %s: open failed, filled leg rolled back: long=%v short=%v",
			e.PositionID, e.LongErr, e.ShortErr)
	}
	return fmt.Sprintf("position %s: both legs failed: long=%v short=%v", e.PositionID, e.LongErr, e.ShortErr)
}

func (e *BilateralOpenFailedError) Unwrap() []error {
	var errs []error
	if e.LongErr != nil {
		errs = append(errs, e.LongErr)
	}
	if e.ShortErr != nil {
		errs = append(errs, e.ShortErr)
	}
	return errs
}

// RollbackFailedError means a filled leg could not be closed and the position
// is left PARTIAL with live single-sided exposure.
type RollbackFailedError struct {
	PositionID string
	Exchange   ExchangeID
	OrderID    string
	Side       Side
	Quantity   decimal.Decimal
	Attempts   int
	Cause      error
}

func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("position %s: rollback of %s leg on %s (order %s, qty %s) failed after %d attempts: %v",
		e.PositionID, e.Side, e.Exchange, e.OrderID, e.Quantity, e.Attempts, e.Cause)
}

func (e *RollbackFailedError) Unwrap() error { return e.Cause }

// LockBusyError is returned when another operation holds the (user, symbol)
// lock.
type LockBusyError struct {
	UserID string
	Symbol string
}

func (e *LockBusyError) Error() string {
	return fmt.Sprintf("position lock busy for user %s symbol %s", e.UserID, e.Symbol)
}

func (e *LockBusyError) Unwrap() error { return ErrLockHeld }

// IsRetryable reports whether err is an exchange failure worth retrying.
func IsRetryable(err error) bool {
	var apiErr *ExchangeAPIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}
