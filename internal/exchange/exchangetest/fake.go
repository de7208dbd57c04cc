// Package exchangetest provides a scriptable in-memory exchange for tests of
// code that drives domain.ExchangeClient.
package exchangetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// Call records one market order.
type Call struct {
	Symbol string
	Side   domain.Side
	Qty    decimal.Decimal
}

// Client is a fake venue. Configure the exported fields before use; the
// recorded calls are safe to read after the code under test returns.
type Client struct {
	ID domain.ExchangeID

	Price       decimal.Decimal
	PriceErr    error
	Balance     decimal.Decimal
	BalanceErr  error
	LeverageErr error

	// PriceDelay blocks FetchPrice until it elapses or the context ends.
	PriceDelay time.Duration

	// OpenErr fails OpenMarket. OpenDelay blocks OpenMarket until it
	// elapses or the context ends.
	OpenErr   error
	OpenDelay time.Duration
	// FillPrice defaults to Price.
	FillPrice decimal.Decimal
	Fee       decimal.Decimal

	// CloseErrs fail successive CloseMarket calls; later calls succeed.
	// CloseErr, when set, fails every call.
	CloseErrs []error
	CloseErr  error

	PlaceErr  map[domain.ConditionalType]error
	CancelErr error

	// Sizes is returned by PositionSize.
	Sizes map[domain.Side]decimal.Decimal

	mu        sync.Mutex
	seq       int
	opens     []Call
	closes    []Call
	placed    []domain.ConditionalOrderRequest
	cancelled []string
	leverage  []int
}

// New returns a fake with the given price and a large balance.
func New(id domain.ExchangeID, price string) *Client {
	return &Client{
		ID:      id,
		Price:   decimal.RequireFromString(price),
		Balance: decimal.NewFromInt(1_000_000),
	}
}

func (c *Client) nextID(prefix string) string {
	c.seq++
	return fmt.Sprintf("%s-%s-%d", c.ID, prefix, c.seq)
}

// Exchange implements domain.TradingPort.
func (c *Client) Exchange() domain.ExchangeID { return c.ID }

// FetchPrice implements domain.TradingPort.
func (c *Client) FetchPrice(ctx context.Context, _ string) (decimal.Decimal, error) {
	if c.PriceDelay > 0 {
		select {
		case <-time.After(c.PriceDelay):
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
	}
	return c.Price, c.PriceErr
}

// AvailableBalance implements domain.TradingPort.
func (c *Client) AvailableBalance(context.Context) (decimal.Decimal, error) {
	return c.Balance, c.BalanceErr
}

// SetLeverage implements domain.TradingPort.
func (c *Client) SetLeverage(_ context.Context, _ string, leverage int) error {
	c.mu.Lock()
	c.leverage = append(c.leverage, leverage)
	c.mu.Unlock()
	return c.LeverageErr
}

// OpenMarket implements domain.TradingPort.
func (c *Client) OpenMarket(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal) (domain.OrderFill, error) {
	c.mu.Lock()
	c.opens = append(c.opens, Call{symbol, side, qty})
	c.mu.Unlock()

	if c.OpenDelay > 0 {
		select {
		case <-time.After(c.OpenDelay):
		case <-ctx.Done():
			return domain.OrderFill{}, &domain.ExchangeAPIError{
				Exchange: c.ID, Operation: "open", Message: "request timed out, outcome unknown",
				Retryable: true, Kind: domain.ErrTimeout,
			}
		}
	}
	if c.OpenErr != nil {
		return domain.OrderFill{}, c.OpenErr
	}
	return c.fill("open", qty), nil
}

func (c *Client) fill(prefix string, qty decimal.Decimal) domain.OrderFill {
	c.mu.Lock()
	defer c.mu.Unlock()
	price := c.FillPrice
	if price.IsZero() {
		price = c.Price
	}
	return domain.OrderFill{OrderID: c.nextID(prefix), AvgPrice: price, FilledQty: qty, Fee: c.Fee}
}

// CloseMarket implements domain.TradingPort.
func (c *Client) CloseMarket(_ context.Context, symbol string, side domain.Side, qty decimal.Decimal) (domain.OrderFill, error) {
	c.mu.Lock()
	n := len(c.closes)
	c.closes = append(c.closes, Call{symbol, side, qty})
	c.mu.Unlock()

	if c.CloseErr != nil {
		return domain.OrderFill{}, c.CloseErr
	}
	if n < len(c.CloseErrs) && c.CloseErrs[n] != nil {
		return domain.OrderFill{}, c.CloseErrs[n]
	}
	return c.fill("close", qty), nil
}

// PositionSize implements domain.TradingPort.
func (c *Client) PositionSize(_ context.Context, _ string, side domain.Side) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Sizes[side], nil
}

// PlaceConditional implements domain.ConditionalOrderPort.
func (c *Client) PlaceConditional(_ context.Context, req domain.ConditionalOrderRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.placed = append(c.placed, req)
	if err := c.PlaceErr[req.Type]; err != nil {
		return "", err
	}
	return c.nextID("cond"), nil
}

// CancelConditional implements domain.ConditionalOrderPort.
func (c *Client) CancelConditional(_ context.Context, _ string, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, orderID)
	return c.CancelErr
}

// Opens returns the recorded OpenMarket calls.
func (c *Client) Opens() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.opens...)
}

// Closes returns the recorded CloseMarket calls.
func (c *Client) Closes() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.closes...)
}

// Placed returns the recorded conditional orders.
func (c *Client) Placed() []domain.ConditionalOrderRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ConditionalOrderRequest(nil), c.placed...)
}

// Cancelled returns the ids passed to CancelConditional.
func (c *Client) Cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

// LeverageCalls returns the leverage values that were set.
func (c *Client) LeverageCalls() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.leverage...)
}

// Provider serves fakes by exchange id regardless of user.
type Provider map[domain.ExchangeID]*Client

// NewProvider indexes clients by their ID.
func NewProvider(clients ...*Client) Provider {
	p := make(Provider, len(clients))
	for _, c := range clients {
		p[c.ID] = c
	}
	return p
}

// Client implements domain.ClientProvider.
func (p Provider) Client(_ context.Context, _ string, id domain.ExchangeID) (domain.ExchangeClient, error) {
	c, ok := p[id]
	if !ok {
		return nil, fmt.Errorf("exchangetest: %w: %s", domain.ErrUnknownExchange, id)
	}
	return c, nil
}

var (
	_ domain.ExchangeClient = (*Client)(nil)
	_ domain.ClientProvider = Provider(nil)
)
