// Package okx adapts OKX USDT-margined perpetual swaps to the trading and
// conditional-order ports.
package okx

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/fundingarb/internal/crypto"
	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

// Defaults returns the endpoints. OKX demo trading shares the production
// host and is selected by header.
func Defaults() exchange.VenueConfig {
	return exchange.VenueConfig{
		BaseURL:           "https://www.okx.com",
		RequestsPerSecond: 10,
		Burst:             5,
	}
}

// Client is an OKX adapter bound to one set of credentials.
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
		rest:   exchange.NewRESTClient(domain.ExchangeOKX, cfg.REST(false), logger),
		creds:  creds,
		logger: logger.With(slog.String("component", "okx")),
	}
	c.modes = exchange.NewModeResolver(domain.ExchangeOKX, exchange.ModeHedge, c.detectMode, logger)
	c.instruments = exchange.NewInstrumentCache(c.loadInstrument, cfg.InstrumentTTL)
	return c
}

// Exchange implements domain.TradingPort.
func (c *Client) Exchange() domain.ExchangeID { return domain.ExchangeOKX }

// envelope is the common reply shape. Per-item sCode values carry the real
// reason when a trade call is rejected.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type itemResult struct {
	SCode string `json:"sCode"`
	SMsg  string `json:"sMsg"`
}

func timestamp() string {
	return time.UnixMilli(exchange.NowMillis()).UTC().Format("2006-01-02T15:04:05.000Z")
}

// call sends a request and decodes envelope.data into out. Signed requests
// carry OK-ACCESS-* headers over ts+method+path(?query)+body.
func (c *Client) call(ctx context.Context, op, method, path string, q url.Values, body any, signed bool, out any) error {
	req := exchange.Request{Method: method, Path: path, Header: http.Header{}}
	requestPath := path
	if len(q) > 0 {
		req.RawQuery = q.Encode()
		requestPath += "?" + req.RawQuery
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req.Body = b
	}
	if signed {
		ts := timestamp()
		req.Header.Set("OK-ACCESS-KEY", c.creds.APIKey)
		req.Header.Set("OK-ACCESS-SIGN", crypto.HMACSHA256Base64(c.creds.APISecret, ts+method+requestPath+string(req.Body)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", c.creds.Passphrase)
	}
	if c.creds.Testnet {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.rest.Do(ctx, op, req)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil || env.Code == "" {
		if resp.Status != http.StatusOK {
			return exchange.StatusError(domain.ExchangeOKX, op, resp.Status, resp.Body)
		}
		return exchange.APIError(domain.ExchangeOKX, op, domain.ErrExchangeInternal, false, "unexpected reply: %.200s", resp.Body)
	}
	if env.Code != "0" {
		code, msg := env.Code, env.Msg
		var items []itemResult
		if json.Unmarshal(env.Data, &items) == nil && len(items) > 0 && items[0].SCode != "" && items[0].SCode != "0" {
			code, msg = items[0].SCode, items[0].SMsg
		}
		return mapError(op, resp.Status, code, msg)
	}
	if out == nil {
		return nil
	}
	return exchange.DecodeJSON(domain.ExchangeOKX, op, env.Data, out)
}

func (c *Client) detectMode(ctx context.Context, _ string) (exchange.PositionMode, error) {
	var out []struct {
		PosMode string `json:"posMode"`
	}
	if err := c.call(ctx, "position_mode", http.MethodGet, "/api/v5/account/config", nil, nil, true, &out); err != nil {
		return 0, err
	}
	if len(out) > 0 && out[0].PosMode == "net_mode" {
		return exchange.ModeOneWay, nil
	}
	return exchange.ModeHedge, nil
}

func (c *Client) loadInstrument(ctx context.Context, instID string) (exchange.Instrument, error) {
	var out []struct {
		InstID string `json:"instId"`
		CtVal  string `json:"ctVal"`
		LotSz  string `json:"lotSz"`
		MinSz  string `json:"minSz"`
		TickSz string `json:"tickSz"`
	}
	q := url.Values{"instType": {"SWAP"}, "instId": {instID}}
	if err := c.call(ctx, "instrument", http.MethodGet, "/api/v5/public/instruments", q, nil, false, &out); err != nil {
		return exchange.Instrument{}, err
	}
	if len(out) == 0 {
		return exchange.Instrument{}, exchange.APIError(domain.ExchangeOKX, "instrument", domain.ErrInvalidSymbol, false, "unknown instrument %s", instID)
	}
	inst := exchange.Instrument{Native: instID}
	inst.ContractSize, _ = exchange.Decimal(out[0].CtVal)
	inst.LotSize, _ = exchange.Decimal(out[0].LotSz)
	inst.MinSize, _ = exchange.Decimal(out[0].MinSz)
	inst.TickSize, _ = exchange.Decimal(out[0].TickSz)
	return inst, nil
}
