// Package binance adapts Binance USDⓈ-M perpetual futures to the trading and
// conditional-order ports.
package binance

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/alanyoungcy/fundingarb/internal/crypto"
	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

const recvWindow = "5000"

// Defaults returns the production and testnet endpoints.
func Defaults() exchange.VenueConfig {
	return exchange.VenueConfig{
		BaseURL:           "https://fapi.binance.com",
		TestnetURL:        "https://testnet.binancefuture.com",
		RequestsPerSecond: 20,
		Burst:             10,
	}
}

// Client is a Binance futures adapter bound to one set of credentials.
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
		rest:   exchange.NewRESTClient(domain.ExchangeBinance, cfg.REST(creds.Testnet), logger),
		creds:  creds,
		logger: logger.With(slog.String("component", "binance")),
	}
	// Binance accounts default to one-way mode.
	c.modes = exchange.NewModeResolver(domain.ExchangeBinance, exchange.ModeOneWay, c.detectMode, logger)
	c.instruments = exchange.NewInstrumentCache(c.loadInstrument, cfg.InstrumentTTL)
	return c
}

// Exchange implements domain.TradingPort.
func (c *Client) Exchange() domain.ExchangeID { return domain.ExchangeBinance }

func (c *Client) public(ctx context.Context, op, path string, q url.Values, out any) error {
	resp, err := c.rest.Do(ctx, op, exchange.Request{Method: http.MethodGet, Path: path, Query: q})
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return mapError(op, resp.Status, resp.Body)
	}
	return exchange.DecodeJSON(domain.ExchangeBinance, op, resp.Body, out)
}

// signed sends a HMAC-SHA256 signed request. The signature covers the exact
// query string, so it is sent raw with the signature appended last.
func (c *Client) signed(ctx context.Context, op, method, path string, q url.Values, out any) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("timestamp", strconv.FormatInt(exchange.NowMillis(), 10))
	q.Set("recvWindow", recvWindow)
	payload := q.Encode()
	raw := payload + "&signature=" + crypto.HMACSHA256Hex(c.creds.APISecret, payload)

	resp, err := c.rest.Do(ctx, op, exchange.Request{
		Method:   method,
		Path:     path,
		RawQuery: raw,
		Header:   http.Header{"X-MBX-APIKEY": []string{c.creds.APIKey}},
	})
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return mapError(op, resp.Status, resp.Body)
	}
	if out == nil {
		return nil
	}
	return exchange.DecodeJSON(domain.ExchangeBinance, op, resp.Body, out)
}

func (c *Client) detectMode(ctx context.Context, _ string) (exchange.PositionMode, error) {
	var out struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := c.signed(ctx, "position_mode", http.MethodGet, "/fapi/v1/positionSide/dual", nil, &out); err != nil {
		return 0, err
	}
	if out.DualSidePosition {
		return exchange.ModeHedge, nil
	}
	return exchange.ModeOneWay, nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			StepSize   string `json:"stepSize"`
			MinQty     string `json:"minQty"`
			TickSize   string `json:"tickSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (c *Client) loadInstrument(ctx context.Context, symbol string) (exchange.Instrument, error) {
	var info exchangeInfo
	if err := c.public(ctx, "instrument", "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return exchange.Instrument{}, err
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		inst := exchange.Instrument{Native: symbol, ContractSize: one}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				inst.LotSize, _ = exchange.Decimal(f.StepSize)
				inst.MinSize, _ = exchange.Decimal(f.MinQty)
			case "PRICE_FILTER":
				inst.TickSize, _ = exchange.Decimal(f.TickSize)
			}
		}
		return inst, nil
	}
	return exchange.Instrument{}, exchange.APIError(domain.ExchangeBinance, "instrument", domain.ErrInvalidSymbol, false, "unknown symbol %s", symbol)
}
