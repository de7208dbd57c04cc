package bitget

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

var holdSides = map[domain.Side]string{
	domain.SideLong:  "long",
	domain.SideShort: "short",
}

func native(symbol string) (string, error) {
	return exchange.JoinNative(symbol, "", "")
}

func lower(s domain.Side, closing bool) string {
	return strings.ToLower(exchange.OrderSide(s, closing))
}

// FetchPrice returns the last traded price.
func (c *Client) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	sym, err := native(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	var out []struct {
		LastPr string `json:"lastPr"`
	}
	q := url.Values{"symbol": {sym}, "productType": {productType}}
	if err := c.call(ctx, "price", http.MethodGet, "/api/v2/mix/market/ticker", q, nil, false, &out); err != nil {
		return decimal.Zero, err
	}
	if len(out) == 0 {
		return decimal.Zero, exchange.APIError(domain.ExchangeBitget, "price", domain.ErrInvalidSymbol, false, "no ticker for %s", sym)
	}
	return exchange.Decimal(out[0].LastPr)
}

// AvailableBalance returns the available USDT margin.
func (c *Client) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	var out []struct {
		MarginCoin string `json:"marginCoin"`
		Available  string `json:"available"`
	}
	q := url.Values{"productType": {productType}}
	if err := c.call(ctx, "balance", http.MethodGet, "/api/v2/mix/account/accounts", q, nil, true, &out); err != nil {
		return decimal.Zero, err
	}
	for _, a := range out {
		if a.MarginCoin == marginCoin {
			return exchange.Decimal(a.Available)
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
	body := map[string]string{
		"symbol":      sym,
		"productType": productType,
		"marginCoin":  marginCoin,
		"leverage":    strconv.Itoa(leverage),
	}
	return c.call(ctx, "set_leverage", http.MethodPost, "/api/v2/mix/account/set-leverage", nil, body, true, nil)
}

type orderAck struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
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
		body := map[string]string{
			"symbol":      sym,
			"productType": productType,
			"marginMode":  "crossed",
			"marginCoin":  marginCoin,
			"size":        size.String(),
			"orderType":   "market",
			"clientOid":   exchange.ClientOrderID("fa"),
		}
		if mode == exchange.ModeHedge {
			// In hedge mode side names the position; tradeSide says whether
			// it grows or shrinks.
			body["side"] = lower(s, false)
			body["tradeSide"] = "open"
			if closing {
				body["tradeSide"] = "close"
			}
		} else {
			body["side"] = lower(s, closing)
			if closing {
				body["reduceOnly"] = "YES"
			}
		}
		var out orderAck
		if err := c.call(ctx, op, http.MethodPost, "/api/v2/mix/order/place-order", nil, body, true, &out); err != nil {
			return "", err
		}
		return out.OrderID, nil
	})
	if err != nil {
		return domain.OrderFill{}, err
	}
	return c.fillDetail(ctx, sym, orderID), nil
}

func (c *Client) fillDetail(ctx context.Context, sym, orderID string) domain.OrderFill {
	fill := domain.OrderFill{OrderID: orderID}
	var out struct {
		PriceAvg   string `json:"priceAvg"`
		BaseVolume string `json:"baseVolume"`
		Fee        string `json:"fee"`
	}
	q := url.Values{"symbol": {sym}, "productType": {productType}, "orderId": {orderID}}
	if err := c.call(ctx, "order_detail", http.MethodGet, "/api/v2/mix/order/detail", q, nil, true, &out); err != nil {
		c.logger.WarnContext(ctx, "fill detail unavailable",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
		return fill
	}
	fill.AvgPrice, _ = exchange.Decimal(out.PriceAvg)
	fill.FilledQty, _ = exchange.Decimal(out.BaseVolume)
	fee, _ := exchange.Decimal(out.Fee)
	fill.Fee = fee.Abs()
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
	var out []struct {
		HoldSide string `json:"holdSide"`
		Total    string `json:"total"`
	}
	q := url.Values{"symbol": {sym}, "productType": {productType}, "marginCoin": {marginCoin}}
	if err := c.call(ctx, "position", http.MethodGet, "/api/v2/mix/position/single-position", q, nil, true, &out); err != nil {
		return decimal.Zero, err
	}
	for _, p := range out {
		if p.HoldSide == holdSides[s] {
			return exchange.Decimal(p.Total)
		}
	}
	return decimal.Zero, nil
}

var _ domain.ExchangeClient = (*Client)(nil)
