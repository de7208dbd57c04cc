package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTriggerPrices(t *testing.T) {
	entry := d("50000")
	pct := d("5")

	tests := []struct {
		name string
		typ  ConditionalType
		side Side
		want string
	}{
		{"long stop loss", ConditionalStopLoss, SideLong, "47500"},
		{"short stop loss", ConditionalStopLoss, SideShort, "52500"},
		{"long take profit", ConditionalTakeProfit, SideLong, "52500"},
		{"short take profit", ConditionalTakeProfit, SideShort, "47500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TriggerPrice(tt.typ, entry, pct, tt.side)
			if !got.Equal(d(tt.want)) {
				t.Fatalf("TriggerPrice = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStopLossUsesLegEntryPrice(t *testing.T) {
	short := StopLossPrice(d("50100"), d("5"), SideShort)
	if !short.Equal(d("52605")) {
		t.Fatalf("short stop loss = %s, want 52605", short)
	}
}

func TestFiresOnRise(t *testing.T) {
	if FiresOnRise(SideLong, ConditionalStopLoss) {
		t.Fatal("long stop loss should fire on a fall")
	}
	if !FiresOnRise(SideLong, ConditionalTakeProfit) {
		t.Fatal("long take profit should fire on a rise")
	}
	if !FiresOnRise(SideShort, ConditionalStopLoss) {
		t.Fatal("short stop loss should fire on a rise")
	}
	if FiresOnRise(SideShort, ConditionalTakeProfit) {
		t.Fatal("short take profit should fire on a fall")
	}
}

func TestWouldTriggerImmediately(t *testing.T) {
	margin := d("0.1")
	tests := []struct {
		name    string
		current string
		trigger string
		side    Side
		typ     ConditionalType
		want    bool
	}{
		{"long sl far below", "50000", "47500", SideLong, ConditionalStopLoss, false},
		{"long sl above market", "47000", "47500", SideLong, ConditionalStopLoss, true},
		{"long sl inside margin", "47540", "47500", SideLong, ConditionalStopLoss, true},
		{"short sl far above", "50000", "52500", SideShort, ConditionalStopLoss, false},
		{"short sl inside margin", "52460", "52500", SideShort, ConditionalStopLoss, true},
		{"long tp reached", "53000", "52500", SideLong, ConditionalTakeProfit, true},
		{"short tp not reached", "50000", "47500", SideShort, ConditionalTakeProfit, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WouldTriggerImmediately(d(tt.current), d(tt.trigger), tt.side, tt.typ, margin)
			if got != tt.want {
				t.Fatalf("WouldTriggerImmediately = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidatePercentRanges(t *testing.T) {
	var vErr *ValidationError
	if err := ValidateStopLossPercent(d("0.4")); !errors.As(err, &vErr) {
		t.Fatalf("0.4%% stop loss: got %v, want ValidationError", err)
	}
	if err := ValidateStopLossPercent(d("50")); err != nil {
		t.Fatalf("50%% stop loss: unexpected error %v", err)
	}
	if err := ValidateStopLossPercent(d("50.1")); err == nil {
		t.Fatal("50.1% stop loss accepted")
	}
	if err := ValidateTakeProfitPercent(d("100")); err != nil {
		t.Fatalf("100%% take profit: unexpected error %v", err)
	}
	if err := ValidateTakeProfitPercent(d("100.5")); err == nil {
		t.Fatal("100.5% take profit accepted")
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]PositionStatus{
		{PositionStatusPending, PositionStatusOpening},
		{PositionStatusPending, PositionStatusFailed},
		{PositionStatusOpening, PositionStatusOpen},
		{PositionStatusOpening, PositionStatusFailed},
		{PositionStatusOpening, PositionStatusPartial},
	}
	for _, tr := range legal {
		if !CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be legal", tr[0], tr[1])
		}
	}
	illegal := [][2]PositionStatus{
		{PositionStatusOpen, PositionStatusFailed},
		{PositionStatusFailed, PositionStatusOpening},
		{PositionStatusPending, PositionStatusOpen},
		{PositionStatusPartial, PositionStatusOpen},
	}
	for _, tr := range illegal {
		if CanTransition(tr[0], tr[1]) {
			t.Errorf("%s -> %s should be illegal", tr[0], tr[1])
		}
	}
}

func TestPatchApply(t *testing.T) {
	p := Position{Status: PositionStatusOpening, LongOrderID: "keep"}
	PositionPatch{
		Status:         Ptr(PositionStatusOpen),
		ShortOrderID:   Ptr("s-1"),
		LongEntryPrice: Ptr(d("50000")),
	}.Apply(&p)

	if p.Status != PositionStatusOpen {
		t.Fatalf("status = %s", p.Status)
	}
	if p.LongOrderID != "keep" || p.ShortOrderID != "s-1" {
		t.Fatalf("order ids = %q/%q", p.LongOrderID, p.ShortOrderID)
	}
	if !p.LongEntryPrice.Valid || !p.LongEntryPrice.Decimal.Equal(d("50000")) {
		t.Fatalf("long entry = %+v", p.LongEntryPrice)
	}
	if p.ShortEntryPrice.Valid {
		t.Fatal("short entry should stay unset")
	}
}

func TestInsufficientBalanceShortfall(t *testing.T) {
	err := &InsufficientBalanceError{Exchange: ExchangeOKX, Required: d("1000"), Available: d("400")}
	if !err.Shortfall().Equal(d("600")) {
		t.Fatalf("shortfall = %s", err.Shortfall())
	}
}

func TestAggregateConditionalStatus(t *testing.T) {
	ok := &OrderPlacement{Success: true}
	bad := &OrderPlacement{}
	tests := []struct {
		name string
		in   []*OrderPlacement
		want ConditionalOrderStatus
	}{
		{"nothing requested", []*OrderPlacement{nil, nil, nil, nil}, ConditionalStatusPending},
		{"all set", []*OrderPlacement{ok, nil, ok, nil}, ConditionalStatusSet},
		{"all failed", []*OrderPlacement{bad, bad, bad, bad}, ConditionalStatusFailed},
		{"mixed", []*OrderPlacement{ok, bad, ok, ok}, ConditionalStatusPartial},
	}
	for _, tt := range tests {
		if got := AggregateConditionalStatus(tt.in...); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}
