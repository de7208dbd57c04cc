package okx

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

var posSides = map[domain.Side]string{
	domain.SideLong:  "long",
	domain.SideShort: "short",
}

func native(symbol string) (string, error) {
	return exchange.JoinNative(symbol, "-", "-SWAP")
}

func side(s domain.Side, closing bool) string {
	return strings.ToLower(exchange.OrderSide(s, closing))
}

// FetchPrice returns the last traded price.
func (c *Client) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	instID, err := native(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	var out []struct {
		Last string `json:"last"`
	}
	if err := c.call(ctx, "price", http.MethodGet, "/api/v5/market/ticker", url.Values{"instId": {instID}}, nil, false, &out); err != nil {
		return decimal.Zero, err
	}
	if len(out) == 0 {
		return decimal.Zero, exchange.APIError(domain.ExchangeOKX, "price", domain.ErrInvalidSymbol, false, "no ticker for %s", instID)
	}
	return exchange.Decimal(out[0].Last)
}

// AvailableBalance returns the available USDT in the trading account.
func (c *Client) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	var out []struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
		} `json:"details"`
	}
	if err := c.call(ctx, "balance", http.MethodGet, "/api/v5/account/balance", url.Values{"ccy": {"USDT"}}, nil, true, &out); err != nil {
		return decimal.Zero, err
	}
	for _, acct := range out {
		for _, d := range acct.Details {
			if d.Ccy == "USDT" {
				return exchange.Decimal(d.AvailBal)
			}
		}
	}
	return decimal.Zero, nil
}

// SetLeverage sets cross-margin leverage for the instrument.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	instID, err := native(symbol)
	if err != nil {
		return err
	}
	body := map[string]string{"instId": instID, "lever": strconv.Itoa(leverage), "mgnMode": "cross"}
	return c.call(ctx, "set_leverage", http.MethodPost, "/api/v5/account/set-leverage", nil, body, true, nil)
}

type orderAck struct {
	OrdID   string `json:"ordId"`
	AlgoID  string `json:"algoId"`
	ClOrdID string `json:"clOrdId"`
}

func (c *Client) marketOrder(ctx context.Context, op, symbol string, s domain.Side, qty decimal.Decimal, closing bool) (domain.OrderFill, error) {
	instID, err := native(symbol)
	if err != nil {
		return domain.OrderFill{}, err
	}
	inst, err := c.instruments.Get(ctx, instID)
	if err != nil {
		return domain.OrderFill{}, err
	}
	sz := inst.ToContracts(qty)

	ordID, err := exchange.Do(ctx, c.modes, instID, func(mode exchange.PositionMode) (string, error) {
		body := map[string]string{
			"instId":  instID,
			"tdMode":  "cross",
			"side":    side(s, closing),
			"ordType": "market",
			"sz":      sz.String(),
			"clOrdId": exchange.ClientOrderID("fa"),
		}
		if mode == exchange.ModeHedge {
			body["posSide"] = posSides[s]
		} else {
			body["posSide"] = "net"
			if closing {
				body["reduceOnly"] = "true"
			}
		}
		var out []orderAck
		if err := c.call(ctx, op, http.MethodPost, "/api/v5/trade/order", nil, body, true, &out); err != nil {
			return "", err
		}
		if len(out) == 0 {
			return "", exchange.APIError(domain.ExchangeOKX, op, domain.ErrExchangeInternal, false, "empty order ack")
		}
		return out[0].OrdID, nil
	})
	if err != nil {
		return domain.OrderFill{}, err
	}
	return c.fillDetail(ctx, inst, ordID), nil
}

// fillDetail reads the fill back. A failed lookup still returns the order
// id so the caller can fall back to its own reference price.
func (c *Client) fillDetail(ctx context.Context, inst exchange.Instrument, ordID string) domain.OrderFill {
	fill := domain.OrderFill{OrderID: ordID}
	var out []struct {
		AvgPx     string `json:"avgPx"`
		AccFillSz string `json:"accFillSz"`
		Fee       string `json:"fee"`
	}
	q := url.Values{"instId": {inst.Native}, "ordId": {ordID}}
	if err := c.call(ctx, "order_detail", http.MethodGet, "/api/v5/trade/order", q, nil, true, &out); err != nil || len(out) == 0 {
		c.logger.WarnContext(ctx, "fill detail unavailable",
			slog.String("order_id", ordID),
			slog.Any("error", err),
		)
		return fill
	}
	fill.AvgPrice, _ = exchange.Decimal(out[0].AvgPx)
	filled, _ := exchange.Decimal(out[0].AccFillSz)
	fill.FilledQty = inst.FromContracts(filled)
	fee, _ := exchange.Decimal(out[0].Fee)
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

// PositionSize reports the open base quantity on side.
func (c *Client) PositionSize(ctx context.Context, symbol string, s domain.Side) (decimal.Decimal, error) {
	instID, err := native(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	inst, err := c.instruments.Get(ctx, instID)
	if err != nil {
		return decimal.Zero, err
	}
	var out []struct {
		PosSide string `json:"posSide"`
		Pos     string `json:"pos"`
	}
	if err := c.call(ctx, "position", http.MethodGet, "/api/v5/account/positions", url.Values{"instId": {instID}}, nil, true, &out); err != nil {
		return decimal.Zero, err
	}
	for _, p := range out {
		pos, err := exchange.Decimal(p.Pos)
		if err != nil {
			continue
		}
		switch p.PosSide {
		case posSides[s]:
			return inst.FromContracts(pos.Abs()), nil
		case "net":
			if s == domain.SideLong && pos.IsPositive() || s == domain.SideShort && pos.IsNegative() {
				return inst.FromContracts(pos.Abs()), nil
			}
		}
	}
	return decimal.Zero, nil
}

var _ domain.ExchangeClient = (*Client)(nil)
