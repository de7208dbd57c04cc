package executor

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/lock"
)

func flaggedPosition(status domain.PositionStatus) domain.Position {
	return domain.Position{
		ID:                  "pos-1",
		UserID:              "u1",
		Symbol:              "BTCUSDT",
		LongExchange:        domain.ExchangeBinance,
		ShortExchange:       domain.ExchangeOKX,
		Quantity:            dec("0.1"),
		Leverage:            2,
		Status:              status,
		NeedsReconciliation: true,
	}
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name        string
		status      domain.PositionStatus
		longOrder   string
		long, short string
		cleared     bool
	}{
		{"failed and flat", domain.PositionStatusFailed, "", "0", "0", true},
		{"failed but short filled late", domain.PositionStatusFailed, "", "0", "0.1", false},
		{"open and both live", domain.PositionStatusOpen, "1", "0.1", "0.1", true},
		{"open but short missing", domain.PositionStatusOpen, "1", "0.1", "0", false},
		{"partial long live", domain.PositionStatusPartial, "1", "0.1", "0", true},
		{"partial and short appeared", domain.PositionStatusPartial, "1", "0.1", "0.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			pos := flaggedPosition(tt.status)
			pos.LongOrderID = tt.longOrder
			if err := h.store.Create(context.Background(), pos); err != nil {
				t.Fatal(err)
			}
			h.long.Sizes = map[domain.Side]decimal.Decimal{domain.SideLong: dec(tt.long)}
			h.short.Sizes = map[domain.Side]decimal.Decimal{domain.SideShort: dec(tt.short)}

			r := NewReconciler(h.store, h.clients, lock.New(h.mgr, lock.Options{}, discard()),
				h.audit, h.alerts, time.Minute, discard())
			n, err := r.ReconcileOnce(context.Background())
			if err != nil {
				t.Fatal(err)
			}

			got := h.persisted(t, pos.ID)
			if tt.cleared {
				if n != 1 || got.NeedsReconciliation {
					t.Fatalf("cleared = %d, flag = %v", n, got.NeedsReconciliation)
				}
				if len(h.alerts.Events()) != 0 {
					t.Fatalf("unexpected alerts %v", h.alerts.Events())
				}
				return
			}
			if n != 0 || !got.NeedsReconciliation {
				t.Fatalf("cleared = %d, flag = %v", n, got.NeedsReconciliation)
			}
			if ev := h.alerts.Events(); len(ev) != 1 || ev[0] != "ghost_fill_detected" {
				t.Fatalf("alerts = %v", ev)
			}
			if !slices.Contains(h.audit.Events(), "ghost_fill_detected") {
				t.Fatalf("audit = %v", h.audit.Events())
			}
		})
	}
}

func TestReconcileSkipsLockedPosition(t *testing.T) {
	h := newHarness(t)
	if err := h.store.Create(context.Background(), flaggedPosition(domain.PositionStatusFailed)); err != nil {
		t.Fatal(err)
	}
	held, err := h.mgr.Acquire(context.Background(), lock.Key("u1", "BTCUSDT"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	r := NewReconciler(h.store, h.clients, lock.New(h.mgr, lock.Options{}, discard()),
		h.audit, nil, time.Minute, discard())
	n, err := r.ReconcileOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("ReconcileOnce = %d, %v", n, err)
	}
	if !h.persisted(t, "pos-1").NeedsReconciliation {
		t.Fatal("flag cleared without the lock")
	}
}

func TestSagaTimeoutThenReconcile(t *testing.T) {
	h := newHarness(t)
	h.saga.cfg.LegTimeout = 20 * time.Millisecond
	h.short.OpenDelay = 5 * time.Second

	pos, _ := h.saga.OpenPosition(context.Background(), params())
	if !h.persisted(t, pos.ID).NeedsReconciliation {
		t.Fatal("timed out leg not flagged")
	}

	// The slow short order did fill on the venue after all.
	h.short.Sizes = map[domain.Side]decimal.Decimal{domain.SideShort: dec("0.1")}
	r := NewReconciler(h.store, h.clients, lock.New(h.mgr, lock.Options{}, discard()),
		h.audit, h.alerts, time.Minute, discard())
	if n, err := r.ReconcileOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("ReconcileOnce = %d, %v", n, err)
	}
	if ev := h.alerts.Events(); len(ev) != 1 || ev[0] != "ghost_fill_detected" {
		t.Fatalf("alerts = %v", ev)
	}
}
