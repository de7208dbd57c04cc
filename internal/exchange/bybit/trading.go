package bybit

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

var one = decimal.NewFromInt(1)

// hedgeIdx is the positionIdx of each side in hedge mode.
var hedgeIdx = map[domain.Side]int{
	domain.SideLong:  1,
	domain.SideShort: 2,
}

func native(symbol string) (string, error) {
	return exchange.JoinNative(symbol, "", "")
}

// side renders BUY/SELL as Buy/Sell.
func side(s domain.Side, closing bool) string {
	v := exchange.OrderSide(s, closing)
	return v[:1] + strings.ToLower(v[1:])
}

// FetchPrice returns the last traded price.
func (c *Client) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym, err := native(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	var out struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	q := url.Values{"category": {category}, "symbol": {sym}}
	if err := c.call(ctx, "price", http.MethodGet, "/v5/market/tickers", q, nil, false, &out); err != nil {
		return decimal.Zero, err
	}
	if len(out.List) == 0 {
		return decimal.Zero, exchange.APIError(domain.ExchangeBybit, "price", domain.ErrInvalidSymbol, false, "no ticker for %s", sym)
	}
	return exchange.Decimal(out.List[0].LastPrice)
}

// AvailableBalance returns the unified account's available balance.
func (c *Client) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		List []struct {
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	q := url.Values{"accountType": {"UNIFIED"}, "coin": {"USDT"}}
	if err := c.call(ctx, "balance", http.MethodGet, "/v5/account/wallet-balance", q, nil, true, &out); err != nil {
		return decimal.Zero, err
	}
	if len(out.List) == 0 {
		return decimal.Zero, nil
	}
	return exchange.Decimal(out.List[0].TotalAvailableBalance)
}

// SetLeverage sets buy and sell leverage together.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	sym, err := native(symbol)
	if err != nil {
		return err
	}
	lev := strconv.Itoa(leverage)
	body := map[string]string{"category": category, "symbol": sym, "buyLeverage": lev, "sellLeverage": lev}
	return c.call(ctx, "set_leverage", http.MethodPost, "/v5/position/set-leverage", nil, body, true, nil)
}

type orderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// positionIdx addresses side in mode; reduceOnly is only meaningful in
// one-way mode.
func positionIdx(mode exchange.PositionMode, s domain.Side) int {
	if mode == exchange.ModeHedge {
		return hedgeIdx[s]
	}
	return 0
}

func (c *Client) marketOrder(ctx context.Context, op, symbol string, s domain.Side, qty decimal.Decimal, closing bool) (domain.OrderFill, error) {
	sym, err := native(symbol)
	if err != nil {
		return domain.OrderFill{}, err
	}
	inst, err := c.instruments.Get(ctx, sym)
	if err != nil {
		return domain.OrderFill{}, err
	}
	size := inst.ToContracts(qty)

	orderID, err := exchange.Do(ctx, c.modes, sym, func(mode exchange.PositionMode) (string, error) {
		body := map[string]any{
			"category":    category,
			"symbol":      sym,
			"side":        side(s, closing),
			"orderType":   "Market",
			"qty":         size.String(),
			"positionIdx": positionIdx(mode, s),
			"orderLinkId": exchange.ClientOrderID("fa"),
		}
		if mode == exchange.ModeOneWay && closing {
			body["reduceOnly"] = true
		}
		var out orderAck
		if err := c.call(ctx, op, http.MethodPost, "/v5/order/create", nil, body, true, &out); err != nil {
			return "", err
		}
		return out.OrderID, nil
	})
	if err != nil {
		return domain.OrderFill{}, err
	}
	return c.fillDetail(ctx, sym, orderID), nil
}

// fillDetail reads the fill back; on failure only the order id is known.
func (c *Client) fillDetail(ctx context.Context, sym, orderID string) domain.OrderFill {
	fill := domain.OrderFill{OrderID: orderID}
	var out struct {
		List []struct {
			AvgPrice   string `json:"avgPrice"`
			CumExecQty string `json:"cumExecQty"`
			CumExecFee string `json:"cumExecFee"`
		} `json:"list"`
	}
	q := url.Values{"category": {category}, "symbol": {sym}, "orderId": {orderID}}
	if err := c.call(ctx, "order_detail", http.MethodGet, "/v5/order/realtime", q, nil, true, &out); err != nil || len(out.List) == 0 {
		c.logger.WarnContext(ctx, "fill detail unavailable",
			slog.String("order_id", orderID),
			slog.Any("error", err),
		)
		return fill
	}
	o := out.List[0]
	fill.AvgPrice, _ = exchange.Decimal(o.AvgPrice)
	fill.FilledQty, _ = exchange.Decimal(o.CumExecQty)
	fill.Fee, _ = exchange.Decimal(o.CumExecFee)
	return fill
}

// OpenMarket opens side with a market order.
func (c *Client) OpenMarket(ctx context.Context, symbol string, s domain.Side, qty decimal.Decimal) (domain.OrderFill, error) {
	return c.marketOrder(ctx, "open", symbol, s, qty, false)
}

// CloseMarket reduces the side position with a market order.
func (c *Client) CloseMarket(ctx context.Context, symbol string, s domain.Side, qty decimal.Decimal) (domain.OrderFill, error) {
	return c.marketOrder(ctx, "close", symbol, s, qty, true)
}

// PositionSize reports the open quantity on side.
func (c *Client) PositionSize(ctx context.Context, symbol string, s domain.Side) (decimal.Decimal, error) {
	sym, err := native(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	pl, err := c.positions(ctx, sym)
	if err != nil {
		return decimal.Zero, err
	}
	want := side(s, false)
	for _, p := range pl.List {
		if p.Side != want {
			continue
		}
		if p.PositionIdx == 0 || p.PositionIdx == hedgeIdx[s] {
			return exchange.Decimal(p.Size)
		}
	}
	return decimal.Zero, nil
}

var _ domain.ExchangeClient = (*Client)(nil)
