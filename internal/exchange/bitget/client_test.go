package bitget

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/crypto"
	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

type fakeVenue struct {
	t       *testing.T
	posMode string
	// reply overrides successive order/plan replies.
	reply []string

	mu     sync.Mutex
	orders []map[string]any
	plans  []map[string]any
	cancel []map[string]any
}

func (f *fakeVenue) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/mix/market/contracts", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":"00000","msg":"success","data":[{"symbol":"BTCUSDT","sizeMultiplier":"0.001","minTradeNum":"0.001","pricePlace":"1","priceEndStep":"1"}]}`)
	})
	mux.HandleFunc("/api/v2/mix/market/ticker", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":"00000","msg":"success","data":[{"lastPr":"50050.5"}]}`)
	})
	mux.HandleFunc("/api/v2/mix/account/account", func(w http.ResponseWriter, r *http.Request) {
		f.checkSignature(r, nil)
		io.WriteString(w, `{"code":"00000","msg":"success","data":{"posMode":"`+f.posMode+`"}}`)
	})
	mux.HandleFunc("/api/v2/mix/account/accounts", func(w http.ResponseWriter, r *http.Request) {
		f.checkSignature(r, nil)
		io.WriteString(w, `{"code":"00000","msg":"success","data":[{"marginCoin":"USDT","available":"321.5"}]}`)
	})
	mux.HandleFunc("/api/v2/mix/order/place-order", func(w http.ResponseWriter, r *http.Request) {
		m := f.body(r)
		f.mu.Lock()
		f.orders = append(f.orders, m)
		reply := f.next()
		f.mu.Unlock()
		if reply != "" {
			io.WriteString(w, reply)
			return
		}
		io.WriteString(w, `{"code":"00000","msg":"success","data":{"orderId":"bg-1"}}`)
	})
	mux.HandleFunc("/api/v2/mix/order/detail", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":"00000","msg":"success","data":{"priceAvg":"50060","baseVolume":"0.01","fee":"-0.3"}}`)
	})
	mux.HandleFunc("/api/v2/mix/order/place-tpsl-order", func(w http.ResponseWriter, r *http.Request) {
		m := f.body(r)
		f.mu.Lock()
		f.plans = append(f.plans, m)
		reply := f.next()
		f.mu.Unlock()
		if reply != "" {
			io.WriteString(w, reply)
			return
		}
		io.WriteString(w, `{"code":"00000","msg":"success","data":{"orderId":"plan-1"}}`)
	})
	mux.HandleFunc("/api/v2/mix/order/cancel-plan-order", func(w http.ResponseWriter, r *http.Request) {
		m := f.body(r)
		f.mu.Lock()
		f.cancel = append(f.cancel, m)
		f.mu.Unlock()
		io.WriteString(w, `{"code":"00000","msg":"success","data":{}}`)
	})
	mux.HandleFunc("/api/v2/mix/position/single-position", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"code":"00000","msg":"success","data":[{"holdSide":"long","total":"0.01"}]}`)
	})
	return mux
}

func (f *fakeVenue) next() string {
	if len(f.reply) == 0 {
		return ""
	}
	r := f.reply[0]
	f.reply = f.reply[1:]
	return r
}

func (f *fakeVenue) body(r *http.Request) map[string]any {
	b, _ := io.ReadAll(r.Body)
	f.checkSignature(r, b)
	var m map[string]any
	json.Unmarshal(b, &m)
	return m
}

func (f *fakeVenue) checkSignature(r *http.Request, body []byte) {
	f.t.Helper()
	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	want := crypto.HMACSHA256Base64("secret", r.Header.Get("ACCESS-TIMESTAMP")+r.Method+path+string(body))
	if r.Header.Get("ACCESS-SIGN") != want || r.Header.Get("ACCESS-PASSPHRASE") != "pass" {
		f.t.Errorf("bad auth headers on %s", path)
	}
}

func newTestClient(t *testing.T, f *fakeVenue) *Client {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	creds := domain.Credentials{APIKey: "key", APISecret: "secret", Passphrase: "pass"}
	return New(creds, exchange.VenueConfig{BaseURL: srv.URL}, logger)
}

func TestInstrumentTick(t *testing.T) {
	c := newTestClient(t, &fakeVenue{posMode: "hedge_mode"})
	inst, err := c.instruments.Get(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if !inst.TickSize.Equal(decimal.RequireFromString("0.1")) || !inst.LotSize.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("inst = %+v", inst)
	}
}

func TestPriceAndBalance(t *testing.T) {
	c := newTestClient(t, &fakeVenue{posMode: "hedge_mode"})
	ctx := context.Background()
	p, err := c.FetchPrice(ctx, "BTCUSDT")
	if err != nil || !p.Equal(decimal.RequireFromString("50050.5")) {
		t.Fatalf("FetchPrice = %s, %v", p, err)
	}
	b, err := c.AvailableBalance(ctx)
	if err != nil || !b.Equal(decimal.RequireFromString("321.5")) {
		t.Fatalf("AvailableBalance = %s, %v", b, err)
	}
}

func TestOrderAddressing(t *testing.T) {
	tests := []struct {
		name          string
		posMode       string
		side          domain.Side
		closing       bool
		wantSide      string
		wantTradeSide string
		wantReduce    string
	}{
		{"hedge open long", "hedge_mode", domain.SideLong, false, "buy", "open", ""},
		{"hedge close long", "hedge_mode", domain.SideLong, true, "buy", "close", ""},
		{"hedge close short", "hedge_mode", domain.SideShort, true, "sell", "close", ""},
		{"one-way open short", "one_way_mode", domain.SideShort, false, "sell", "", ""},
		{"one-way close long", "one_way_mode", domain.SideLong, true, "sell", "", "YES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeVenue{posMode: tt.posMode}
			c := newTestClient(t, f)
			ctx := context.Background()
			qty := decimal.RequireFromString("0.01")
			var fill domain.OrderFill
			var err error
			if tt.closing {
				fill, err = c.CloseMarket(ctx, "BTCUSDT", tt.side, qty)
			} else {
				fill, err = c.OpenMarket(ctx, "BTCUSDT", tt.side, qty)
			}
			if err != nil {
				t.Fatal(err)
			}
			if fill.OrderID != "bg-1" || !fill.AvgPrice.Equal(decimal.RequireFromString("50060")) || !fill.Fee.Equal(decimal.RequireFromString("0.3")) {
				t.Fatalf("fill = %+v", fill)
			}
			o := f.orders[0]
			if o["side"] != tt.wantSide || o["size"] != "0.01" {
				t.Fatalf("body = %v", o)
			}
			ts, _ := o["tradeSide"].(string)
			ro, _ := o["reduceOnly"].(string)
			if ts != tt.wantTradeSide || ro != tt.wantReduce {
				t.Fatalf("tradeSide=%q reduceOnly=%q", ts, ro)
			}
		})
	}
}

func TestModeMismatchRetries(t *testing.T) {
	f := &fakeVenue{posMode: "hedge_mode", reply: []string{`{"code":"40774","msg":"The order type for unilateral position must also be the unilateral position type."}`}}
	c := newTestClient(t, f)
	if _, err := c.CloseMarket(context.Background(), "BTCUSDT", domain.SideLong, decimal.RequireFromString("0.01")); err != nil {
		t.Fatal(err)
	}
	if len(f.orders) != 2 || f.orders[1]["reduceOnly"] != "YES" || f.orders[1]["side"] != "sell" {
		t.Fatalf("orders = %v", f.orders)
	}
}

func TestConditionalPlans(t *testing.T) {
	f := &fakeVenue{posMode: "hedge_mode"}
	c := newTestClient(t, f)
	ctx := context.Background()

	id, err := c.PlaceConditional(ctx, domain.ConditionalOrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideLong, Type: domain.ConditionalStopLoss,
		TriggerPrice: decimal.RequireFromString("47500"), Quantity: decimal.RequireFromString("0.01"),
	})
	if err != nil || id != "plan-1" {
		t.Fatalf("PlaceConditional = %q, %v", id, err)
	}
	p := f.plans[0]
	if p["planType"] != "loss_plan" || p["holdSide"] != "long" || p["triggerPrice"] != "47500" || p["triggerType"] != "mark_price" {
		t.Fatalf("plan = %v", p)
	}

	if err := c.CancelConditional(ctx, "BTCUSDT", id); err != nil {
		t.Fatal(err)
	}
	list, _ := f.cancel[0]["orderIdList"].([]any)
	if len(list) != 1 || f.cancel[0]["planType"] != "profit_loss" {
		t.Fatalf("cancel = %v", f.cancel[0])
	}
}

func TestConditionalImmediateTrigger(t *testing.T) {
	f := &fakeVenue{posMode: "hedge_mode", reply: []string{`{"code":"40915","msg":"The stop loss price of long positions should be less than the current price"}`}}
	c := newTestClient(t, f)
	_, err := c.PlaceConditional(context.Background(), domain.ConditionalOrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideLong, Type: domain.ConditionalStopLoss,
		TriggerPrice: decimal.RequireFromString("51000"), Quantity: decimal.RequireFromString("0.01"),
	})
	if !errors.Is(err, domain.ErrImmediateTrigger) {
		t.Fatalf("err = %v", err)
	}
}

func TestPositionSize(t *testing.T) {
	c := newTestClient(t, &fakeVenue{posMode: "hedge_mode"})
	got, err := c.PositionSize(context.Background(), "BTCUSDT", domain.SideLong)
	if err != nil || !got.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("PositionSize = %s, %v", got, err)
	}
}
