// Package bitget adapts Bitget v2 USDT-M futures to the trading and
// conditional-order ports.
package bitget

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/crypto"
	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

const (
	productType = "USDT-FUTURES"
	marginCoin  = "USDT"
	codeOK      = "00000"
)

// Defaults returns the endpoints. Demo trading uses the production host
// with the paptrading header.
func Defaults() exchange.VenueConfig {
	return exchange.VenueConfig{
		BaseURL:           "https://api.bitget.com",
		RequestsPerSecond: 10,
		Burst:             5,
	}
}

// Client is a Bitget adapter bound to one set of credentials.
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
		rest:   exchange.NewRESTClient(domain.ExchangeBitget, cfg.REST(false), logger),
		creds:  creds,
		logger: logger.With(slog.String("component", "bitget")),
	}
	c.modes = exchange.NewModeResolver(domain.ExchangeBitget, exchange.ModeHedge, c.detectMode, logger)
	c.instruments = exchange.NewInstrumentCache(c.loadInstrument, cfg.InstrumentTTL)
	return c
}

// Exchange implements domain.TradingPort.
func (c *Client) Exchange() domain.ExchangeID { return domain.ExchangeBitget }

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// call sends a request and decodes data into out. Signed requests carry
// ACCESS-* headers over ts+METHOD+path(?query)+body.
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
		ts := strconv.FormatInt(exchange.NowMillis(), 10)
		req.Header.Set("ACCESS-KEY", c.creds.APIKey)
		req.Header.Set("ACCESS-SIGN", crypto.HMACSHA256Base64(c.creds.APISecret, ts+method+requestPath+string(req.Body)))
		req.Header.Set("ACCESS-TIMESTAMP", ts)
		req.Header.Set("ACCESS-PASSPHRASE", c.creds.Passphrase)
		req.Header.Set("locale", "en-US")
	}
	if c.creds.Testnet {
		req.Header.Set("paptrading", "1")
	}

	resp, err := c.rest.Do(ctx, op, req)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil || env.Code == "" {
		if resp.Status != http.StatusOK {
			return exchange.StatusError(domain.ExchangeBitget, op, resp.Status, resp.Body)
		}
		return exchange.APIError(domain.ExchangeBitget, op, domain.ErrExchangeInternal, false, "unexpected reply: %.200s", resp.Body)
	}
	if env.Code != codeOK {
		return mapError(op, resp.Status, env.Code, env.Msg)
	}
	if out == nil {
		return nil
	}
	return exchange.DecodeJSON(domain.ExchangeBitget, op, env.Data, out)
}

func (c *Client) detectMode(ctx context.Context, symbol string) (exchange.PositionMode, error) {
	var out struct {
		PosMode string `json:"posMode"`
	}
	q := url.Values{"symbol": {symbol}, "productType": {productType}, "marginCoin": {marginCoin}}
	if err := c.call(ctx, "position_mode", http.MethodGet, "/api/v2/mix/account/account", q, nil, true, &out); err != nil {
		return 0, err
	}
	if out.PosMode == "one_way_mode" {
		return exchange.ModeOneWay, nil
	}
	return exchange.ModeHedge, nil
}

func (c *Client) loadInstrument(ctx context.Context, symbol string) (exchange.Instrument, error) {
	var out []struct {
		Symbol         string `json:"symbol"`
		SizeMultiplier string `json:"sizeMultiplier"`
		MinTradeNum    string `json:"minTradeNum"`
		PricePlace     string `json:"pricePlace"`
		PriceEndStep   string `json:"priceEndStep"`
	}
	q := url.Values{"symbol": {symbol}, "productType": {productType}}
	if err := c.call(ctx, "instrument", http.MethodGet, "/api/v2/mix/market/contracts", q, nil, false, &out); err != nil {
		return exchange.Instrument{}, err
	}
	if len(out) == 0 {
		return exchange.Instrument{}, exchange.APIError(domain.ExchangeBitget, "instrument", domain.ErrInvalidSymbol, false, "unknown symbol %s", symbol)
	}
	inst := exchange.Instrument{Native: symbol, ContractSize: one}
	inst.LotSize, _ = exchange.Decimal(out[0].SizeMultiplier)
	inst.MinSize, _ = exchange.Decimal(out[0].MinTradeNum)
	// The tick is priceEndStep units at pricePlace decimals.
	if places, err := strconv.Atoi(out[0].PricePlace); err == nil {
		step, _ := exchange.Decimal(out[0].PriceEndStep)
		if !step.IsPositive() {
			step = one
		}
		inst.TickSize = step.Shift(int32(-places))
	}
	return inst, nil
}

var one = decimal.NewFromInt(1)
