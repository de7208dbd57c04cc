package binance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/crypto"
	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

const exchangeInfoJSON = `{"symbols":[{"symbol":"BTCUSDT","filters":[
	{"filterType":"PRICE_FILTER","tickSize":"0.10"},
	{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"}]}]}`

type fakeVenue struct {
	t    *testing.T
	dual bool

	mu     sync.Mutex
	orders []url.Values
	// reject answers the next order request with this body and status 400.
	reject []string
}

func (f *fakeVenue) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, exchangeInfoJSON)
	})
	mux.HandleFunc("/fapi/v1/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"symbol":"BTCUSDT","price":"50000.10"}`)
	})
	mux.HandleFunc("/fapi/v1/positionSide/dual", func(w http.ResponseWriter, r *http.Request) {
		f.checkSignature(r)
		if f.dual {
			io.WriteString(w, `{"dualSidePosition":true}`)
			return
		}
		io.WriteString(w, `{"dualSidePosition":false}`)
	})
	mux.HandleFunc("/fapi/v2/balance", func(w http.ResponseWriter, r *http.Request) {
		f.checkSignature(r)
		io.WriteString(w, `[{"asset":"BNB","availableBalance":"3"},{"asset":"USDT","availableBalance":"1234.5"}]`)
	})
	mux.HandleFunc("/fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		f.checkSignature(r)
		f.mu.Lock()
		f.orders = append(f.orders, r.URL.Query())
		var reject string
		if len(f.reject) > 0 {
			reject, f.reject = f.reject[0], f.reject[1:]
		}
		f.mu.Unlock()
		if reject != "" {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, reject)
			return
		}
		io.WriteString(w, `{"orderId":42,"avgPrice":"50010.5","executedQty":"0.010","status":"FILLED"}`)
	})
	mux.HandleFunc("/fapi/v2/positionRisk", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"symbol":"BTCUSDT","positionAmt":"-0.010","positionSide":"BOTH"}]`)
	})
	return mux
}

func (f *fakeVenue) checkSignature(r *http.Request) {
	f.t.Helper()
	if r.Header.Get("X-MBX-APIKEY") != "key" {
		f.t.Errorf("missing api key header on %s", r.URL.Path)
	}
	raw := r.URL.RawQuery
	i := len(raw) - len("&signature=") - 64
	if i < 0 || raw[i:i+len("&signature=")] != "&signature=" {
		f.t.Errorf("signature not last in %q", raw)
		return
	}
	if want := crypto.HMACSHA256Hex("secret", raw[:i]); raw[i+len("&signature="):] != want {
		f.t.Errorf("bad signature on %s", r.URL.Path)
	}
}

func newTestClient(t *testing.T, f *fakeVenue) *Client {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	cfg := exchange.VenueConfig{BaseURL: srv.URL}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(domain.Credentials{APIKey: "key", APISecret: "secret"}, cfg, logger)
}

func TestFetchPriceAndBalance(t *testing.T) {
	c := newTestClient(t, &fakeVenue{})
	ctx := context.Background()

	price, err := c.FetchPrice(ctx, "BTCUSDT")
	if err != nil || !price.Equal(decimal.RequireFromString("50000.10")) {
		t.Fatalf("FetchPrice = %s, %v", price, err)
	}
	bal, err := c.AvailableBalance(ctx)
	if err != nil || !bal.Equal(decimal.RequireFromString("1234.5")) {
		t.Fatalf("AvailableBalance = %s, %v", bal, err)
	}
}

func TestOpenMarketOneWay(t *testing.T) {
	f := &fakeVenue{}
	c := newTestClient(t, f)

	fill, err := c.OpenMarket(context.Background(), "BTCUSDT", domain.SideShort, decimal.RequireFromString("0.01"))
	if err != nil {
		t.Fatalf("OpenMarket: %v", err)
	}
	if fill.OrderID != "42" || !fill.AvgPrice.Equal(decimal.RequireFromString("50010.5")) {
		t.Fatalf("fill = %+v", fill)
	}
	q := f.orders[0]
	if q.Get("side") != "SELL" || q.Get("type") != "MARKET" || q.Get("quantity") != "0.01" {
		t.Fatalf("order params = %v", q)
	}
	if q.Get("positionSide") != "" || q.Get("reduceOnly") != "" {
		t.Fatalf("one-way open carried hedge or reduce flags: %v", q)
	}
}

func TestCloseMarketHedge(t *testing.T) {
	f := &fakeVenue{dual: true}
	c := newTestClient(t, f)

	if _, err := c.CloseMarket(context.Background(), "BTCUSDT", domain.SideLong, decimal.RequireFromString("0.01")); err != nil {
		t.Fatalf("CloseMarket: %v", err)
	}
	q := f.orders[0]
	if q.Get("side") != "SELL" || q.Get("positionSide") != "LONG" || q.Get("reduceOnly") != "" {
		t.Fatalf("hedge close params = %v", q)
	}
}

func TestModeMismatchRetriesOnce(t *testing.T) {
	f := &fakeVenue{reject: []string{`{"code":-4061,"msg":"Order's position side does not match user's setting."}`}}
	c := newTestClient(t, f)
	ctx := context.Background()

	if _, err := c.OpenMarket(ctx, "BTCUSDT", domain.SideLong, decimal.RequireFromString("0.01")); err != nil {
		t.Fatalf("OpenMarket: %v", err)
	}
	if len(f.orders) != 2 {
		t.Fatalf("orders sent = %d, want 2", len(f.orders))
	}
	if f.orders[1].Get("positionSide") != "LONG" {
		t.Fatalf("retry did not use hedge addressing: %v", f.orders[1])
	}

	// The corrected mode is cached for later calls.
	if _, err := c.OpenMarket(ctx, "BTCUSDT", domain.SideLong, decimal.RequireFromString("0.01")); err != nil {
		t.Fatalf("second OpenMarket: %v", err)
	}
	if len(f.orders) != 3 || f.orders[2].Get("positionSide") != "LONG" {
		t.Fatalf("cached mode not used: %v", f.orders)
	}
}

func TestPlaceConditional(t *testing.T) {
	tests := []struct {
		name     string
		side     domain.Side
		typ      domain.ConditionalType
		trigger  string
		wantType string
		wantSide string
		wantStop string
	}{
		{"long stop loss", domain.SideLong, domain.ConditionalStopLoss, "47500", "STOP_MARKET", "SELL", "47500"},
		{"short stop loss", domain.SideShort, domain.ConditionalStopLoss, "52605.04", "STOP_MARKET", "BUY", "52605"},
		{"long take profit", domain.SideLong, domain.ConditionalTakeProfit, "55000", "TAKE_PROFIT_MARKET", "SELL", "55000"},
		{"short take profit", domain.SideShort, domain.ConditionalTakeProfit, "45000", "TAKE_PROFIT_MARKET", "BUY", "45000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeVenue{}
			c := newTestClient(t, f)
			id, err := c.PlaceConditional(context.Background(), domain.ConditionalOrderRequest{
				Symbol:       "BTCUSDT",
				Side:         tt.side,
				Type:         tt.typ,
				TriggerPrice: decimal.RequireFromString(tt.trigger),
				Quantity:     decimal.RequireFromString("0.01"),
			})
			if err != nil || id != "42" {
				t.Fatalf("PlaceConditional = %q, %v", id, err)
			}
			q := f.orders[0]
			if q.Get("type") != tt.wantType || q.Get("side") != tt.wantSide || q.Get("reduceOnly") != "true" {
				t.Fatalf("params = %v", q)
			}
			if !decimal.RequireFromString(q.Get("stopPrice")).Equal(decimal.RequireFromString(tt.wantStop)) {
				t.Fatalf("stopPrice = %s, want %s", q.Get("stopPrice"), tt.wantStop)
			}
		})
	}
}

func TestImmediateTriggerError(t *testing.T) {
	f := &fakeVenue{reject: []string{`{"code":-2021,"msg":"Order would immediately trigger."}`}}
	c := newTestClient(t, f)

	_, err := c.PlaceConditional(context.Background(), domain.ConditionalOrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideLong, Type: domain.ConditionalStopLoss,
		TriggerPrice: decimal.RequireFromString("51000"), Quantity: decimal.RequireFromString("0.01"),
	})
	if !errors.Is(err, domain.ErrImmediateTrigger) {
		t.Fatalf("err = %v, want ErrImmediateTrigger", err)
	}
	var apiErr *domain.ExchangeAPIError
	if !errors.As(err, &apiErr) || apiErr.Retryable {
		t.Fatalf("err = %#v", err)
	}
}

func TestPositionSizeOneWay(t *testing.T) {
	c := newTestClient(t, &fakeVenue{})
	ctx := context.Background()

	short, err := c.PositionSize(ctx, "BTCUSDT", domain.SideShort)
	if err != nil || !short.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("short size = %s, %v", short, err)
	}
	long, err := c.PositionSize(ctx, "BTCUSDT", domain.SideLong)
	if err != nil || !long.IsZero() {
		t.Fatalf("long size = %s, %v", long, err)
	}
}

func TestUnknownSymbol(t *testing.T) {
	c := newTestClient(t, &fakeVenue{})
	_, err := c.OpenMarket(context.Background(), "DOGEUSDT", domain.SideLong, decimal.RequireFromString("1"))
	if !errors.Is(err, domain.ErrInvalidSymbol) {
		t.Fatalf("err = %v, want ErrInvalidSymbol", err)
	}
}
