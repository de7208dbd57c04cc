// Package bybit adapts Bybit v5 linear perpetuals to the trading and
// conditional-order ports.
package bybit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/alanyoungcy/fundingarb/internal/crypto"
	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

const (
	recvWindow = "5000"
	category   = "linear"
)

// Defaults returns the production and testnet endpoints.
func Defaults() exchange.VenueConfig {
	return exchange.VenueConfig{
		BaseURL:           "https://api.bybit.com",
		TestnetURL:        "https://api-testnet.bybit.com",
		RequestsPerSecond: 10,
		Burst:             5,
	}
}

// Client is a Bybit adapter bound to one set of credentials.
type Client struct {
	rest        *exchange.RESTClient
	creds       domain.Credentials
	modes       *exchange.ModeResolver
	instruments *exchange.InstrumentCache
	logger      *slog.Logger
}

// New creates a Client.
func New(creds domain.Credentials, cfg exchange.VenueConfig, logger *slog.Logger) *Client {
	c := &Client{
		rest:   exchange.NewRESTClient(domain.ExchangeBybit, cfg.REST(creds.Testnet), logger),
		creds:  creds,
		logger: logger.With(slog.String("component", "bybit")),
	}
	c.modes = exchange.NewModeResolver(domain.ExchangeBybit, exchange.ModeOneWay, c.detectMode, logger)
	c.instruments = exchange.NewInstrumentCache(c.loadInstrument, cfg.InstrumentTTL)
	return c
}

// Exchange implements domain.TradingPort.
func (c *Client) Exchange() domain.ExchangeID { return domain.ExchangeBybit }

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// call sends a request and decodes result into out. The signature covers
// ts+key+recvWindow followed by the query string for GET or the JSON body
// otherwise.
func (c *Client) call(ctx context.Context, op, method, path string, q url.Values, body any, signed bool, out any) error {
	req := exchange.Request{Method: method, Path: path, Header: http.Header{}}
	if len(q) > 0 {
		req.RawQuery = q.Encode()
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req.Body = b
	}
	if signed {
		ts := strconv.FormatInt(exchange.NowMillis(), 10)
		payload := req.RawQuery
		if req.Body != nil {
			payload = string(req.Body)
		}
		req.Header.Set("X-BAPI-API-KEY", c.creds.APIKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
		req.Header.Set("X-BAPI-SIGN", crypto.HMACSHA256Hex(c.creds.APISecret, ts+c.creds.APIKey+recvWindow+payload))
	}

	resp, err := c.rest.Do(ctx, op, req)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil || (resp.Status != http.StatusOK && env.RetCode == 0) {
		if resp.Status != http.StatusOK {
			return exchange.StatusError(domain.ExchangeBybit, op, resp.Status, resp.Body)
		}
		return exchange.APIError(domain.ExchangeBybit, op, domain.ErrExchangeInternal, false, "unexpected reply: %.200s", resp.Body)
	}
	switch env.RetCode {
	case 0:
	case codeLeverageNotModified:
		return nil
	default:
		return mapError(op, env.RetCode, env.RetMsg)
	}
	if out == nil {
		return nil
	}
	return exchange.DecodeJSON(domain.ExchangeBybit, op, env.Result, out)
}

type positionList struct {
	List []struct {
		PositionIdx int    `json:"positionIdx"`
		Side        string `json:"side"`
		Size        string `json:"size"`
	} `json:"list"`
}

func (c *Client) positions(ctx context.Context, symbol string) (positionList, error) {
	var out positionList
	q := url.Values{"category": {category}, "symbol": {symbol}}
	err := c.call(ctx, "position", http.MethodGet, "/v5/position/list", q, nil, true, &out)
	return out, err
}

// detectMode infers the mode from positionIdx: 0 is one-way, 1 and 2 are
// the hedge-mode buy and sell slots.
func (c *Client) detectMode(ctx context.Context, symbol string) (exchange.PositionMode, error) {
	pl, err := c.positions(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if len(pl.List) == 0 {
		return 0, exchange.APIError(domain.ExchangeBybit, "position_mode", domain.ErrNotFound, false, "no position slots for %s", symbol)
	}
	if pl.List[0].PositionIdx == 0 {
		return exchange.ModeOneWay, nil
	}
	return exchange.ModeHedge, nil
}

func (c *Client) loadInstrument(ctx context.Context, symbol string) (exchange.Instrument, error) {
	var out struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				QtyStep     string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	q := url.Values{"category": {category}, "symbol": {symbol}}
	if err := c.call(ctx, "instrument", http.MethodGet, "/v5/market/instruments-info", q, nil, false, &out); err != nil {
		return exchange.Instrument{}, err
	}
	if len(out.List) == 0 {
		return exchange.Instrument{}, exchange.APIError(domain.ExchangeBybit, "instrument", domain.ErrInvalidSymbol, false, "unknown symbol %s", symbol)
	}
	f := out.List[0]
	inst := exchange.Instrument{Native: symbol, ContractSize: one}
	inst.LotSize, _ = exchange.Decimal(f.LotSizeFilter.QtyStep)
	inst.MinSize, _ = exchange.Decimal(f.LotSizeFilter.MinOrderQty)
	inst.TickSize, _ = exchange.Decimal(f.PriceFilter.TickSize)
	return inst, nil
}
