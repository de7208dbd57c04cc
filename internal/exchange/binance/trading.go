package binance

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

var one = decimal.NewFromInt(1)

// positionSides addresses hedge-mode legs.
var positionSides = map[domain.Side]string{
	domain.SideLong:  "LONG",
	domain.SideShort: "SHORT",
}

func native(symbol string) (string, error) {
	return exchange.JoinNative(symbol, "", "")
}

// FetchPrice returns the last traded price.
func (c *Client) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym, err := native(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	var out struct {
		Price string `json:"price"`
	}
	if err := c.public(ctx, "price", "/fapi/v1/ticker/price", url.Values{"symbol": {sym}}, &out); err != nil {
		return decimal.Zero, err
	}
	return exchange.Decimal(out.Price)
}

// AvailableBalance returns the available USDT margin.
func (c *Client) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	var out []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := c.signed(ctx, "balance", http.MethodGet, "/fapi/v2/balance", nil, &out); err != nil {
		return decimal.Zero, err
	}
	for _, b := range out {
		if b.Asset == "USDT" {
			return exchange.Decimal(b.AvailableBalance)
		}
	}
	return decimal.Zero, nil
}

// SetLeverage sets the symbol leverage.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	sym, err := native(symbol)
	if err != nil {
		return err
	}
	q := url.Values{"symbol": {sym}, "leverage": {strconv.Itoa(leverage)}}
	return c.signed(ctx, "set_leverage", http.MethodPost, "/fapi/v1/leverage", q, nil)
}

type orderResponse struct {
	OrderID     int64  `json:"orderId"`
	AvgPrice    string `json:"avgPrice"`
	ExecutedQty string `json:"executedQty"`
	Status      string `json:"status"`
}

func (c *Client) marketOrder(ctx context.Context, op, symbol string, side domain.Side, qty decimal.Decimal, closing bool) (domain.OrderFill, error) {
	sym, err := native(symbol)
	if err != nil {
		return domain.OrderFill{}, err
	}
	inst, err := c.instruments.Get(ctx, sym)
	if err != nil {
		return domain.OrderFill{}, err
	}
	size := inst.ToContracts(qty)

	return exchange.Do(ctx, c.modes, sym, func(mode exchange.PositionMode) (domain.OrderFill, error) {
		q := url.Values{
			"symbol":           {sym},
			"side":             {exchange.OrderSide(side, closing)},
			"type":             {"MARKET"},
			"quantity":         {size.String()},
			"newOrderRespType": {"RESULT"},
			"newClientOrderId": {exchange.ClientOrderID("fa")},
		}
		if mode == exchange.ModeHedge {
			q.Set("positionSide", positionSides[side])
		} else if closing {
			q.Set("reduceOnly", "true")
		}

		var out orderResponse
		if err := c.signed(ctx, op, http.MethodPost, "/fapi/v1/order", q, &out); err != nil {
			return domain.OrderFill{}, err
		}
		avg, _ := exchange.Decimal(out.AvgPrice)
		filled, _ := exchange.Decimal(out.ExecutedQty)
		return domain.OrderFill{
			OrderID:   strconv.FormatInt(out.OrderID, 10),
			AvgPrice:  avg,
			FilledQty: inst.FromContracts(filled),
		}, nil
	})
}

// OpenMarket opens side with a market order.
func (c *Client) OpenMarket(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal) (domain.OrderFill, error) {
	return c.marketOrder(ctx, "open", symbol, side, qty, false)
}

// CloseMarket reduces the side position with a market order.
func (c *Client) CloseMarket(ctx context.Context, symbol string, side domain.Side, qty decimal.Decimal) (domain.OrderFill, error) {
	return c.marketOrder(ctx, "close", symbol, side, qty, true)
}

// PositionSize reports the open base quantity on side.
func (c *Client) PositionSize(ctx context.Context, symbol string, side domain.Side) (decimal.Decimal, error) {
	sym, err := native(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	var out []struct {
		PositionAmt  string `json:"positionAmt"`
		PositionSide string `json:"positionSide"`
	}
	if err := c.signed(ctx, "position", http.MethodGet, "/fapi/v2/positionRisk", url.Values{"symbol": {sym}}, &out); err != nil {
		return decimal.Zero, err
	}
	for _, p := range out {
		amt, err := exchange.Decimal(p.PositionAmt)
		if err != nil {
			continue
		}
		switch p.PositionSide {
		case positionSides[side]:
			return amt.Abs(), nil
		case "BOTH":
			if side == domain.SideLong && amt.IsPositive() || side == domain.SideShort && amt.IsNegative() {
				return amt.Abs(), nil
			}
		}
	}
	return decimal.Zero, nil
}

var _ domain.ExchangeClient = (*Client)(nil)
