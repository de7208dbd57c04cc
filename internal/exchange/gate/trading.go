package gate

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

var one = decimal.NewFromInt(1)

func decimalInt(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

// autoSize closes a whole dual-mode side.
var autoSize = map[domain.Side]string{
	domain.SideLong:  "close_long",
	domain.SideShort: "close_short",
}

// dualModes names the position slots returned in dual mode.
var dualModes = map[domain.Side]string{
	domain.SideLong:  "dual_long",
	domain.SideShort: "dual_short",
}

func native(symbol string) (string, error) {
	return exchange.JoinNative(symbol, "_", "")
}

// signedSize encodes direction in the sign: buys are positive.
func signedSize(s domain.Side, closing bool, contracts decimal.Decimal) int64 {
	n := contracts.IntPart()
	if exchange.OrderSide(s, closing) == "SELL" {
		return -n
	}
	return n
}

// FetchPrice returns the last traded price.
func (c *Client) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	contract, err := native(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	var out []struct {
		Last string `json:"last"`
	}
	if err := c.call(ctx, "price", http.MethodGet, "/futures/usdt/tickers", url.Values{"contract": {contract}}, nil, false, &out); err != nil {
		return decimal.Zero, err
	}
	if len(out) == 0 {
		return decimal.Zero, exchange.APIError(domain.ExchangeGate, "price", domain.ErrInvalidSymbol, false, "no ticker for %s", contract)
	}
	return exchange.Decimal(out[0].Last)
}

// AvailableBalance returns the available USDT in the futures account.
func (c *Client) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	acct, err := c.account(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return exchange.Decimal(acct.Available)
}

// SetLeverage sets leverage. Dual-mode accounts use the dual_comp route.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	contract, err := native(symbol)
	if err != nil {
		return err
	}
	path := "/futures/usdt/positions/" + contract + "/leverage"
	if c.modes.Mode(ctx, contract) == exchange.ModeHedge {
		path = "/futures/usdt/dual_comp/positions/" + contract + "/leverage"
	}
	q := url.Values{"leverage": {strconv.Itoa(leverage)}}
	return c.call(ctx, "set_leverage", http.MethodPost, path, q, nil, true, nil)
}

type order struct {
	ID        int64  `json:"id"`
	Size      int64  `json:"size"`
	Left      int64  `json:"left"`
	FillPrice string `json:"fill_price"`
	Tkfr      string `json:"tkfr"`
	Status    string `json:"status"`
}

func (c *Client) marketOrder(ctx context.Context, op, symbol string, s domain.Side, qty decimal.Decimal, closing bool) (domain.OrderFill, error) {
	contract, err := native(symbol)
	if err != nil {
		return domain.OrderFill{}, err
	}
	inst, err := c.instruments.Get(ctx, contract)
	if err != nil {
		return domain.OrderFill{}, err
	}
	contracts := inst.ToContracts(qty)

	id, err := exchange.Do(ctx, c.modes, contract, func(mode exchange.PositionMode) (int64, error) {
		body := map[string]any{
			"contract": contract,
			"size":     signedSize(s, closing, contracts),
			"price":    "0",
			"tif":      "ioc",
			"text":     "t-" + exchange.ClientOrderID(""),
		}
		if closing {
			body["reduce_only"] = true
			if mode == exchange.ModeHedge {
				body["size"] = 0
				body["auto_size"] = autoSize[s]
			}
		}
		var out order
		if err := c.call(ctx, op, http.MethodPost, "/futures/usdt/orders", nil, body, true, &out); err != nil {
			return 0, err
		}
		return out.ID, nil
	})
	if err != nil {
		return domain.OrderFill{}, err
	}
	return c.fillDetail(ctx, inst, id), nil
}

// fillDetail reads the order back. The fee is derived from the taker rate.
func (c *Client) fillDetail(ctx context.Context, inst exchange.Instrument, id int64) domain.OrderFill {
	orderID := strconv.FormatInt(id, 10)
	fill := domain.OrderFill{OrderID: orderID}
	var out order
	if err := c.call(ctx, "order_detail", http.MethodGet, "/futures/usdt/orders/"+orderID, nil, nil, true, &out); err != nil {
		c.logger.WarnContext(ctx, "fill detail unavailable",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
		return fill
	}
	filled := decimal.NewFromInt(abs(out.Size) - abs(out.Left))
	fill.FilledQty = inst.FromContracts(filled)
	fill.AvgPrice, _ = exchange.Decimal(out.FillPrice)
	tkfr, _ := exchange.Decimal(out.Tkfr)
	fill.Fee = fill.FilledQty.Mul(fill.AvgPrice).Mul(tkfr)
	return fill
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// OpenMarket opens side with an IOC market order.
func (c *Client) OpenMarket(ctx context.Context, symbol string, s domain.Side, qty decimal.Decimal) (domain.OrderFill, error) {
	return c.marketOrder(ctx, "open", symbol, s, qty, false)
}

// CloseMarket reduces the side position. In dual mode the whole side is
// closed.
func (c *Client) CloseMarket(ctx context.Context, symbol string, s domain.Side, qty decimal.Decimal) (domain.OrderFill, error) {
	return c.marketOrder(ctx, "close", symbol, s, qty, true)
}

// PositionSize reports the open base quantity on side.
func (c *Client) PositionSize(ctx context.Context, symbol string, s domain.Side) (decimal.Decimal, error) {
	contract, err := native(symbol)
	if err != nil {
		return decimal.Zero, err
	}
	inst, err := c.instruments.Get(ctx, contract)
	if err != nil {
		return decimal.Zero, err
	}
	var out []struct {
		Contract string `json:"contract"`
		Size     int64  `json:"size"`
		Mode     string `json:"mode"`
	}
	if err := c.call(ctx, "position", http.MethodGet, "/futures/usdt/positions", url.Values{"holding": {"true"}}, nil, true, &out); err != nil {
		return decimal.Zero, err
	}
	for _, p := range out {
		if p.Contract != contract {
			continue
		}
		switch p.Mode {
		case dualModes[s]:
			return inst.FromContracts(decimal.NewFromInt(abs(p.Size))), nil
		case "single":
			if s == domain.SideLong && p.Size > 0 || s == domain.SideShort && p.Size < 0 {
				return inst.FromContracts(decimal.NewFromInt(abs(p.Size))), nil
			}
		}
	}
	return decimal.Zero, nil
}

var _ domain.ExchangeClient = (*Client)(nil)
