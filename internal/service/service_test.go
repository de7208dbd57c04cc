package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange/exchangetest"
	"github.com/alanyoungcy/fundingarb/internal/lock"
	"github.com/alanyoungcy/fundingarb/internal/store/memory"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newLock(mgr domain.LockManager) *lock.PositionLock {
	return lock.New(mgr, lock.Options{}, discard())
}

func TestRequiredMargin(t *testing.T) {
	if got := RequiredMargin(dec("0.1"), dec("50000"), 2); !got.Equal(dec("2500")) {
		t.Fatalf("RequiredMargin = %s", got)
	}
}

func TestBalanceGate(t *testing.T) {
	tests := []struct {
		name        string
		longBal     string
		shortBal    string
		wantShort   []domain.ExchangeID
		wantBalance bool
	}{
		{"both covered", "2500", "2505", nil, false},
		{"long short by one", "2499", "5000", []domain.ExchangeID{domain.ExchangeBinance}, true},
		{"short short", "5000", "100", []domain.ExchangeID{domain.ExchangeOKX}, true},
		{"both short", "0", "0", []domain.ExchangeID{domain.ExchangeBinance, domain.ExchangeOKX}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			long := exchangetest.New(domain.ExchangeBinance, "50000")
			long.Balance = dec(tt.longBal)
			short := exchangetest.New(domain.ExchangeOKX, "50100")
			short.Balance = dec(tt.shortBal)
			gate := NewBalanceGate(exchangetest.NewProvider(long, short), discard())

			err := gate.Validate(context.Background(), "u1", domain.ExchangeBinance, domain.ExchangeOKX,
				dec("0.1"), dec("50000"), dec("50100"), 2)
			if !tt.wantBalance {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ib *domain.InsufficientBalanceError
			if !errors.As(err, &ib) {
				t.Fatalf("err = %v, want InsufficientBalanceError", err)
			}
			if ib.Exchange != tt.wantShort[0] {
				t.Fatalf("first offending exchange = %s, want %s", ib.Exchange, tt.wantShort[0])
			}
			for _, ex := range tt.wantShort {
				if !containsExchange(err, ex) {
					t.Fatalf("error does not name %s: %v", ex, err)
				}
			}
		})
	}
}

func containsExchange(err error, ex domain.ExchangeID) bool {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			var ib *domain.InsufficientBalanceError
			if errors.As(e, &ib) && ib.Exchange == ex {
				return true
			}
		}
		return false
	}
	var ib *domain.InsufficientBalanceError
	return errors.As(err, &ib) && ib.Exchange == ex
}

func TestBalanceGateShortfall(t *testing.T) {
	long := exchangetest.New(domain.ExchangeBinance, "50000")
	long.Balance = dec("1000")
	short := exchangetest.New(domain.ExchangeOKX, "50100")
	gate := NewBalanceGate(exchangetest.NewProvider(long, short), discard())

	err := gate.Validate(context.Background(), "u1", domain.ExchangeBinance, domain.ExchangeOKX,
		dec("0.1"), dec("50000"), dec("50100"), 2)
	var ib *domain.InsufficientBalanceError
	if !errors.As(err, &ib) || !ib.Shortfall().Equal(dec("1500")) {
		t.Fatalf("err = %v", err)
	}
}

func TestBalanceGateFetchError(t *testing.T) {
	long := exchangetest.New(domain.ExchangeBinance, "50000")
	long.BalanceErr = &domain.ExchangeAPIError{Exchange: domain.ExchangeBinance, Operation: "balance", Kind: domain.ErrUnauthorized}
	short := exchangetest.New(domain.ExchangeOKX, "50100")
	gate := NewBalanceGate(exchangetest.NewProvider(long, short), discard())

	err := gate.Validate(context.Background(), "u1", domain.ExchangeBinance, domain.ExchangeOKX,
		dec("0.1"), dec("50000"), dec("50100"), 2)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
}

func openPosition(t *testing.T, store *memory.PositionStore) domain.Position {
	t.Helper()
	pos := domain.Position{
		ID:              "pos-1",
		UserID:          "u1",
		Symbol:          "BTCUSDT",
		LongExchange:    domain.ExchangeBinance,
		ShortExchange:   domain.ExchangeOKX,
		Quantity:        dec("0.1"),
		Leverage:        2,
		Status:          domain.PositionStatusOpen,
		LongEntryPrice:  decimal.NewNullDecimal(dec("50000")),
		ShortEntryPrice: decimal.NewNullDecimal(dec("50100")),
	}
	if err := store.Create(context.Background(), pos); err != nil {
		t.Fatal(err)
	}
	return pos
}

func TestProtectStopLossOnly(t *testing.T) {
	store := memory.NewPositionStore()
	audit := memory.NewAuditStore()
	pos := openPosition(t, store)
	long := exchangetest.New(domain.ExchangeBinance, "50000")
	short := exchangetest.New(domain.ExchangeOKX, "50100")
	svc := NewConditionalOrderService(store, exchangetest.NewProvider(long, short), audit, newLock(lock.NewMemoryManager()), ConditionalOrderConfig{}, discard())

	res, err := svc.Protect(context.Background(), pos, ProtectionSettings{StopLossEnabled: true, StopLossPercent: dec("5")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.ConditionalStatusSet || res.Long.TakeProfit != nil || res.Short.TakeProfit != nil {
		t.Fatalf("result = %+v", res)
	}
	if !res.Long.StopLoss.TriggerPrice.Equal(dec("47500")) || !res.Short.StopLoss.TriggerPrice.Equal(dec("52605")) {
		t.Fatalf("triggers = %s / %s", res.Long.StopLoss.TriggerPrice, res.Short.StopLoss.TriggerPrice)
	}

	got, _ := store.GetByID(context.Background(), pos.ID)
	if got.ConditionalOrderStatus != domain.ConditionalStatusSet || got.LongStopLossOrderID == "" || got.ShortStopLossOrderID == "" {
		t.Fatalf("persisted = %+v", got)
	}
	if !got.ShortStopLossPrice.Decimal.Equal(dec("52605")) {
		t.Fatalf("short stop = %s", got.ShortStopLossPrice.Decimal)
	}
	if p := short.Placed(); len(p) != 1 || p[0].Side != domain.SideShort || !p[0].Quantity.Equal(dec("0.1")) {
		t.Fatalf("short placed = %+v", p)
	}
	if ev := audit.Events(); len(ev) != 1 || ev[0] != "conditional_orders_set" {
		t.Fatalf("audit = %v", ev)
	}
}

func TestProtectPartialNeverTouchesStatus(t *testing.T) {
	store := memory.NewPositionStore()
	pos := openPosition(t, store)
	long := exchangetest.New(domain.ExchangeBinance, "50000")
	long.PlaceErr = map[domain.ConditionalType]error{domain.ConditionalTakeProfit: domain.ErrImmediateTrigger}
	short := exchangetest.New(domain.ExchangeOKX, "50100")
	svc := NewConditionalOrderService(store, exchangetest.NewProvider(long, short), nil, newLock(lock.NewMemoryManager()), ConditionalOrderConfig{}, discard())

	res, err := svc.Protect(context.Background(), pos, ProtectionSettings{
		StopLossEnabled: true, StopLossPercent: dec("5"),
		TakeProfitEnabled: true, TakeProfitPercent: dec("10"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.ConditionalStatusPartial || len(res.Failures) != 1 {
		t.Fatalf("result = %+v", res)
	}
	f := res.Failures[0]
	if f.Exchange != domain.ExchangeBinance || f.Side != domain.SideLong || f.Type != domain.ConditionalTakeProfit {
		t.Fatalf("failure = %+v", f)
	}

	got, _ := store.GetByID(context.Background(), pos.ID)
	if got.Status != domain.PositionStatusOpen {
		t.Fatalf("status changed to %s", got.Status)
	}
	if got.ConditionalOrderError == "" || got.LongTakeProfitOrderID != "" || !got.LongTakeProfitPrice.Valid {
		t.Fatalf("persisted = %+v", got)
	}
}

func TestProtectAllFailed(t *testing.T) {
	store := memory.NewPositionStore()
	pos := openPosition(t, store)
	errs := map[domain.ConditionalType]error{domain.ConditionalStopLoss: domain.ErrRateLimited}
	long := exchangetest.New(domain.ExchangeBinance, "50000")
	long.PlaceErr = errs
	short := exchangetest.New(domain.ExchangeOKX, "50100")
	short.PlaceErr = errs
	svc := NewConditionalOrderService(store, exchangetest.NewProvider(long, short), nil, newLock(lock.NewMemoryManager()), ConditionalOrderConfig{}, discard())

	res, err := svc.Protect(context.Background(), pos, ProtectionSettings{StopLossEnabled: true, StopLossPercent: dec("5")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.ConditionalStatusFailed || len(res.Failures) != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestProtectPlacesEvenWhenTriggerIsPast(t *testing.T) {
	store := memory.NewPositionStore()
	pos := openPosition(t, store)
	// Price already collapsed below the long stop.
	long := exchangetest.New(domain.ExchangeBinance, "47000")
	short := exchangetest.New(domain.ExchangeOKX, "50100")
	svc := NewConditionalOrderService(store, exchangetest.NewProvider(long, short), nil, newLock(lock.NewMemoryManager()), ConditionalOrderConfig{}, discard())

	res, err := svc.Protect(context.Background(), pos, ProtectionSettings{StopLossEnabled: true, StopLossPercent: dec("5")})
	if err != nil {
		t.Fatal(err)
	}
	if len(long.Placed()) != 1 || res.Status != domain.ConditionalStatusSet {
		t.Fatalf("placed = %d, status = %s", len(long.Placed()), res.Status)
	}
}

func TestSetConditionalOrdersValidation(t *testing.T) {
	store := memory.NewPositionStore()
	pos := openPosition(t, store)
	svc := NewConditionalOrderService(store, exchangetest.NewProvider(), nil, newLock(lock.NewMemoryManager()), ConditionalOrderConfig{}, discard())
	ctx := context.Background()

	var ve *domain.ValidationError
	_, err := svc.SetConditionalOrders(ctx, domain.SetConditionalOrdersParams{PositionID: pos.ID, StopLossEnabled: true, StopLossPercent: dec("60")})
	if !errors.As(err, &ve) || ve.Field != "stop_loss_percent" {
		t.Fatalf("err = %v", err)
	}
	_, err = svc.SetConditionalOrders(ctx, domain.SetConditionalOrdersParams{PositionID: pos.ID, TakeProfitEnabled: true, TakeProfitPercent: dec("0.4")})
	if !errors.As(err, &ve) || ve.Field != "take_profit_percent" {
		t.Fatalf("err = %v", err)
	}

	failed := domain.PositionStatusFailed
	if err := store.Update(ctx, pos.ID, domain.PositionPatch{Status: &failed}); err != nil {
		t.Fatal(err)
	}
	_, err = svc.SetConditionalOrders(ctx, domain.SetConditionalOrdersParams{PositionID: pos.ID, StopLossEnabled: true, StopLossPercent: dec("5")})
	if !errors.As(err, &ve) {
		t.Fatalf("non-open position: %v", err)
	}
	if _, err := svc.SetConditionalOrders(ctx, domain.SetConditionalOrdersParams{PositionID: "missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing position: %v", err)
	}
}

func TestCancelConditionalOrder(t *testing.T) {
	long := exchangetest.New(domain.ExchangeBinance, "50000")
	svc := NewConditionalOrderService(memory.NewPositionStore(), exchangetest.NewProvider(long), nil, newLock(lock.NewMemoryManager()), ConditionalOrderConfig{}, discard())
	ctx := context.Background()

	ok, err := svc.CancelConditionalOrder(ctx, "u1", domain.ExchangeBinance, "BTCUSDT", "42")
	if !ok || err != nil {
		t.Fatalf("cancel = %v, %v", ok, err)
	}
	long.CancelErr = &domain.ExchangeAPIError{Exchange: domain.ExchangeBinance, Kind: domain.ErrNotFound}
	ok, err = svc.CancelConditionalOrder(ctx, "u1", domain.ExchangeBinance, "BTCUSDT", "42")
	if ok || err != nil {
		t.Fatalf("gone order = %v, %v", ok, err)
	}
	long.CancelErr = &domain.ExchangeAPIError{Exchange: domain.ExchangeBinance, Kind: domain.ErrRateLimited, Retryable: true}
	if _, err := svc.CancelConditionalOrder(ctx, "u1", domain.ExchangeBinance, "BTCUSDT", "42"); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("err = %v", err)
	}
	if got := long.Cancelled(); len(got) != 3 {
		t.Fatalf("cancelled = %v", got)
	}
}

func TestSetConditionalOrdersReplacesPrevious(t *testing.T) {
	store := memory.NewPositionStore()
	audit := memory.NewAuditStore()
	pos := openPosition(t, store)
	long := exchangetest.New(domain.ExchangeBinance, "50000")
	short := exchangetest.New(domain.ExchangeOKX, "50100")
	svc := NewConditionalOrderService(store, exchangetest.NewProvider(long, short), audit, newLock(lock.NewMemoryManager()), ConditionalOrderConfig{}, discard())
	ctx := context.Background()

	if _, err := svc.SetConditionalOrders(ctx, domain.SetConditionalOrdersParams{PositionID: pos.ID, StopLossEnabled: true, StopLossPercent: dec("5")}); err != nil {
		t.Fatal(err)
	}
	first, _ := store.GetByID(ctx, pos.ID)

	res, err := svc.SetConditionalOrders(ctx, domain.SetConditionalOrdersParams{PositionID: pos.ID, TakeProfitEnabled: true, TakeProfitPercent: dec("10")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.ConditionalStatusSet {
		t.Fatalf("status = %s", res.Status)
	}
	if got := long.Cancelled(); len(got) != 1 || got[0] != first.LongStopLossOrderID {
		t.Fatalf("long cancelled = %v, want [%s]", got, first.LongStopLossOrderID)
	}
	if got := short.Cancelled(); len(got) != 1 || got[0] != first.ShortStopLossOrderID {
		t.Fatalf("short cancelled = %v, want [%s]", got, first.ShortStopLossOrderID)
	}

	got, _ := store.GetByID(ctx, pos.ID)
	if got.LongStopLossOrderID != "" || got.ShortStopLossOrderID != "" || got.LongStopLossPrice.Valid || got.ShortStopLossPrice.Valid {
		t.Fatalf("old stop-loss slots kept: %+v", got)
	}
	if got.LongTakeProfitOrderID == "" || got.ShortTakeProfitOrderID == "" || got.ConditionalOrderStatus != domain.ConditionalStatusSet {
		t.Fatalf("new take-profit not recorded: %+v", got)
	}
	ev := audit.Events()
	if len(ev) != 3 || ev[1] != "conditional_orders_cancelled" {
		t.Fatalf("audit = %v", ev)
	}
}

func TestSetConditionalOrdersKeepsOrdersWhenCancelFails(t *testing.T) {
	store := memory.NewPositionStore()
	pos := openPosition(t, store)
	long := exchangetest.New(domain.ExchangeBinance, "50000")
	short := exchangetest.New(domain.ExchangeOKX, "50100")
	svc := NewConditionalOrderService(store, exchangetest.NewProvider(long, short), nil, newLock(lock.NewMemoryManager()), ConditionalOrderConfig{}, discard())
	ctx := context.Background()

	params := domain.SetConditionalOrdersParams{PositionID: pos.ID, StopLossEnabled: true, StopLossPercent: dec("5")}
	if _, err := svc.SetConditionalOrders(ctx, params); err != nil {
		t.Fatal(err)
	}
	first, _ := store.GetByID(ctx, pos.ID)

	long.CancelErr = &domain.ExchangeAPIError{Exchange: domain.ExchangeBinance, Kind: domain.ErrRateLimited, Retryable: true}
	if _, err := svc.SetConditionalOrders(ctx, params); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if n := len(long.Placed()) + len(short.Placed()); n != 2 {
		t.Fatalf("placed %d orders, want only the first set", n)
	}
	got, _ := store.GetByID(ctx, pos.ID)
	if got.LongStopLossOrderID != first.LongStopLossOrderID {
		t.Fatalf("live long stop forgotten: %q", got.LongStopLossOrderID)
	}
	if got.ShortStopLossOrderID != "" {
		t.Fatalf("cancelled short stop still recorded: %q", got.ShortStopLossOrderID)
	}
}

func TestConditionalOrdersRespectPositionLock(t *testing.T) {
	store := memory.NewPositionStore()
	pos := openPosition(t, store)
	long := exchangetest.New(domain.ExchangeBinance, "50000")
	short := exchangetest.New(domain.ExchangeOKX, "50100")
	mgr := lock.NewMemoryManager()
	svc := NewConditionalOrderService(store, exchangetest.NewProvider(long, short), nil, newLock(mgr), ConditionalOrderConfig{}, discard())
	ctx := context.Background()

	held, err := mgr.Acquire(ctx, lock.Key("u1", "BTCUSDT"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	var busy *domain.LockBusyError
	_, err = svc.SetConditionalOrders(ctx, domain.SetConditionalOrdersParams{PositionID: pos.ID, StopLossEnabled: true, StopLossPercent: dec("5")})
	if !errors.As(err, &busy) {
		t.Fatalf("set: err = %v, want LockBusyError", err)
	}
	if _, err := svc.CancelConditionalOrder(ctx, "u1", domain.ExchangeBinance, "btc/usdt", "42"); !errors.As(err, &busy) {
		t.Fatalf("cancel: err = %v, want LockBusyError", err)
	}
	if len(long.Placed())+len(long.Cancelled()) != 0 {
		t.Fatal("venue touched without the lock")
	}
}

func TestCancelConditionalOrderUpdatesPosition(t *testing.T) {
	store := memory.NewPositionStore()
	pos := openPosition(t, store)
	long := exchangetest.New(domain.ExchangeBinance, "50000")
	short := exchangetest.New(domain.ExchangeOKX, "50100")
	svc := NewConditionalOrderService(store, exchangetest.NewProvider(long, short), nil, newLock(lock.NewMemoryManager()), ConditionalOrderConfig{}, discard())
	ctx := context.Background()

	if _, err := svc.SetConditionalOrders(ctx, domain.SetConditionalOrdersParams{
		PositionID:        pos.ID,
		StopLossEnabled:   true,
		StopLossPercent:   dec("5"),
		TakeProfitEnabled: true,
		TakeProfitPercent: dec("10"),
	}); err != nil {
		t.Fatal(err)
	}
	set, _ := store.GetByID(ctx, pos.ID)

	steps := []struct {
		name      string
		exchange  domain.ExchangeID
		orderID   string
		cancelErr error
		wantOK    bool
		want      domain.ConditionalOrderStatus
	}{
		{"long stop", domain.ExchangeBinance, set.LongStopLossOrderID, nil, true, domain.ConditionalStatusSet},
		{"long take profit already gone", domain.ExchangeBinance, set.LongTakeProfitOrderID,
			&domain.ExchangeAPIError{Exchange: domain.ExchangeBinance, Kind: domain.ErrNotFound}, false, domain.ConditionalStatusSet},
		{"short stop", domain.ExchangeOKX, set.ShortStopLossOrderID, nil, true, domain.ConditionalStatusSet},
		{"short take profit", domain.ExchangeOKX, set.ShortTakeProfitOrderID, nil, true, domain.ConditionalStatusPending},
	}
	for _, st := range steps {
		long.CancelErr = st.cancelErr
		ok, err := svc.CancelConditionalOrder(ctx, "u1", st.exchange, "BTCUSDT", st.orderID)
		if err != nil || ok != st.wantOK {
			t.Fatalf("%s: cancel = %v, %v", st.name, ok, err)
		}
		got, _ := store.GetByID(ctx, pos.ID)
		if got.ConditionalOrderStatus != st.want {
			t.Fatalf("%s: status = %s, want %s", st.name, got.ConditionalOrderStatus, st.want)
		}
		for _, id := range []string{got.LongStopLossOrderID, got.LongTakeProfitOrderID, got.ShortStopLossOrderID, got.ShortTakeProfitOrderID} {
			if id == st.orderID {
				t.Fatalf("%s: order %s still recorded", st.name, st.orderID)
			}
		}
	}
}
