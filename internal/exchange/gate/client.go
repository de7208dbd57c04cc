// Package gate adapts Gate.io v4 USDT-settled futures to the trading and
// conditional-order ports.
package gate

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

const prefix = "/api/v4"

// Defaults returns the production and testnet endpoints.
func Defaults() exchange.VenueConfig {
	return exchange.VenueConfig{
		BaseURL:           "https://api.gateio.ws",
		TestnetURL:        "https://fx-api-testnet.gateio.ws",
		RequestsPerSecond: 10,
		Burst:             5,
	}
}

// Client is a Gate adapter bound to one set of credentials.
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
		rest:   exchange.NewRESTClient(domain.ExchangeGate, cfg.REST(creds.Testnet), logger),
		creds:  creds,
		logger: logger.With(slog.String("component", "gate")),
	}
	c.modes = exchange.NewModeResolver(domain.ExchangeGate, exchange.ModeOneWay, c.detectMode, logger)
	c.instruments = exchange.NewInstrumentCache(c.loadInstrument, cfg.InstrumentTTL)
	return c
}

// Exchange implements domain.TradingPort.
func (c *Client) Exchange() domain.ExchangeID { return domain.ExchangeGate }

// call sends a request under /api/v4. Signed requests carry KEY, Timestamp
// and SIGN, an HMAC-SHA512 over
// method\npath\nquery\nsha512(body)\ntimestamp.
func (c *Client) call(ctx context.Context, op, method, path string, q url.Values, body any, signed bool, out any) error {
	req := exchange.Request{Method: method, Path: prefix + path, Header: http.Header{}}
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
	req.Header.Set("Accept", "application/json")
	if signed {
		ts := strconv.FormatInt(exchange.NowMillis()/1000, 10)
		payload := method + "\n" + req.Path + "\n" + req.RawQuery + "\n" + crypto.SHA512Hex(req.Body) + "\n" + ts
		req.Header.Set("KEY", c.creds.APIKey)
		req.Header.Set("Timestamp", ts)
		req.Header.Set("SIGN", crypto.HMACSHA512Hex(c.creds.APISecret, payload))
	}

	resp, err := c.rest.Do(ctx, op, req)
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return mapError(op, resp.Status, resp.Body)
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return exchange.DecodeJSON(domain.ExchangeGate, op, resp.Body, out)
}

type account struct {
	Available  string `json:"available"`
	InDualMode bool   `json:"in_dual_mode"`
}

func (c *Client) account(ctx context.Context) (account, error) {
	var out account
	err := c.call(ctx, "account", http.MethodGet, "/futures/usdt/accounts", nil, nil, true, &out)
	return out, err
}

func (c *Client) detectMode(ctx context.Context, _ string) (exchange.PositionMode, error) {
	acct, err := c.account(ctx)
	if err != nil {
		return 0, err
	}
	if acct.InDualMode {
		return exchange.ModeHedge, nil
	}
	return exchange.ModeOneWay, nil
}

func (c *Client) loadInstrument(ctx context.Context, contract string) (exchange.Instrument, error) {
	var out struct {
		Name             string `json:"name"`
		QuantoMultiplier string `json:"quanto_multiplier"`
		OrderSizeMin     int64  `json:"order_size_min"`
		OrderPriceRound  string `json:"order_price_round"`
	}
	if err := c.call(ctx, "instrument", http.MethodGet, "/futures/usdt/contracts/"+contract, nil, nil, false, &out); err != nil {
		return exchange.Instrument{}, err
	}
	inst := exchange.Instrument{Native: contract, LotSize: one}
	inst.ContractSize, _ = exchange.Decimal(out.QuantoMultiplier)
	inst.TickSize, _ = exchange.Decimal(out.OrderPriceRound)
	if out.OrderSizeMin > 0 {
		inst.MinSize = decimalInt(out.OrderSizeMin)
	}
	return inst, nil
}
