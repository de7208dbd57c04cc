package domain

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ExchangeID names a supported derivatives venue.
type ExchangeID string

const (
	ExchangeBinance ExchangeID = "binance"
	ExchangeOKX     ExchangeID = "okx"
	ExchangeBybit   ExchangeID = "bybit"
	ExchangeBitget  ExchangeID = "bitget"
	ExchangeGate    ExchangeID = "gate"
)

// ParseExchangeID normalizes a user supplied exchange name.
func ParseExchangeID(s string) (ExchangeID, error) {
	id := ExchangeID(strings.ToLower(strings.TrimSpace(s)))
	switch id {
	case ExchangeBinance, ExchangeOKX, ExchangeBybit, ExchangeBitget, ExchangeGate:
		return id, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownExchange, s)
}

// Side is the direction of a leg.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// ConditionalType distinguishes protective trigger orders.
type ConditionalType string

const (
	ConditionalStopLoss   ConditionalType = "STOP_LOSS"
	ConditionalTakeProfit ConditionalType = "TAKE_PROFIT"
)

// OrderFill is what an exchange reports back for an executed market order.
// AvgPrice is zero when the venue did not report a fill price.
type OrderFill struct {
	OrderID   string
	AvgPrice  decimal.Decimal
	FilledQty decimal.Decimal
	Fee       decimal.Decimal
}

// ConditionalOrderRequest asks a venue to protect an existing position leg.
// Side is the side of the position being protected, not the order side.
type ConditionalOrderRequest struct {
	Symbol       string
	Side         Side
	Type         ConditionalType
	TriggerPrice decimal.Decimal
	Quantity     decimal.Decimal
}

// TradingPort is the per-(user, exchange) trading surface used by the open
// saga. Quantities are base-asset amounts; adapters convert to contracts.
type TradingPort interface {
	Exchange() ExchangeID
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	AvailableBalance(ctx context.Context) (decimal.Decimal, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	OpenMarket(ctx context.Context, symbol string, side Side, qty decimal.Decimal) (OrderFill, error)
	// CloseMarket reduces an existing position of the given side.
	CloseMarket(ctx context.Context, symbol string, side Side, qty decimal.Decimal) (OrderFill, error)
	// PositionSize reports the live base-asset size held on side, zero when flat.
	PositionSize(ctx context.Context, symbol string, side Side) (decimal.Decimal, error)
}

// ConditionalOrderPort places and cancels exchange-native trigger orders.
type ConditionalOrderPort interface {
	PlaceConditional(ctx context.Context, req ConditionalOrderRequest) (orderID string, err error)
	CancelConditional(ctx context.Context, symbol, orderID string) error
}

// ExchangeClient is implemented by every adapter.
type ExchangeClient interface {
	TradingPort
	ConditionalOrderPort
}

// ClientProvider hands out adapters bound to a user's credentials.
type ClientProvider interface {
	Client(ctx context.Context, userID string, exchange ExchangeID) (ExchangeClient, error)
}

// Credentials are decrypted API keys for one user on one exchange.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
	Testnet    bool
}

// CredentialResolver looks up credentials; it returns ErrNotFound when the
// user has none configured for the exchange.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string, exchange ExchangeID) (Credentials, error)
}

// LegResult is the outcome of submitting one leg.
type LegResult struct {
	Side     Side
	Exchange ExchangeID
	Success  bool
	Fill     OrderFill
	Err      error
	// TimedOut marks a leg whose outcome is unknown: the request may still
	// have filled on the venue.
	TimedOut bool
}
