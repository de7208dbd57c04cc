package exchange

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// VenueConfig is the per-exchange connection setup shared by all adapters.
type VenueConfig struct {
	BaseURL           string
	TestnetURL        string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	InstrumentTTL     time.Duration
	HTTPClient        *http.Client
}

// REST returns the RESTConfig for live or testnet trading.
func (v VenueConfig) REST(testnet bool) RESTConfig {
	base := v.BaseURL
	if testnet && v.TestnetURL != "" {
		base = v.TestnetURL
	}
	return RESTConfig{
		BaseURL:           base,
		Timeout:           v.Timeout,
		RequestsPerSecond: v.RequestsPerSecond,
		Burst:             v.Burst,
		HTTPClient:        v.HTTPClient,
	}
}

// TriggerKey identifies a protective order by the position side it guards
// and its type.
type TriggerKey struct {
	Side domain.Side
	Type domain.ConditionalType
}

// TriggerTable maps every (side, type) pair to a venue encoding.
type TriggerTable[T any] map[TriggerKey]T

// Lookup returns the encoding or an error for an unmapped pair.
func (t TriggerTable[T]) Lookup(side domain.Side, typ domain.ConditionalType) (T, error) {
	v, ok := t[TriggerKey{Side: side, Type: typ}]
	if !ok {
		var zero T
		return zero, fmt.Errorf("no trigger encoding for %s %s", side, typ)
	}
	return v, nil
}

// DirectionTable builds a table for venues that encode a trigger by its
// crossing direction: rise for triggers that fire when price moves up.
func DirectionTable[T any](rise, fall T) TriggerTable[T] {
	t := make(TriggerTable[T], 4)
	for _, side := range []domain.Side{domain.SideLong, domain.SideShort} {
		for _, typ := range []domain.ConditionalType{domain.ConditionalStopLoss, domain.ConditionalTakeProfit} {
			if domain.FiresOnRise(side, typ) {
				t[TriggerKey{Side: side, Type: typ}] = rise
			} else {
				t[TriggerKey{Side: side, Type: typ}] = fall
			}
		}
	}
	return t
}

// OrderSide is the buy/sell direction that opens (or, with closing=true,
// reduces) a position of the given side.
func OrderSide(side domain.Side, closing bool) string {
	buy := side == domain.SideLong
	if closing {
		buy = !buy
	}
	if buy {
		return "BUY"
	}
	return "SELL"
}

// Decimal parses a venue numeric string; empty strings parse as zero.
func Decimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// DecodeJSON unmarshals body and wraps failures with the operation name.
func DecodeJSON(exchange domain.ExchangeID, op string, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return APIError(exchange, op, domain.ErrExchangeInternal, false, "decode response: %v", err)
	}
	return nil
}

// ClientOrderID returns a unique alphanumeric id of at most 24 characters,
// short enough for every venue's client order id field.
func ClientOrderID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n := 24 - len(prefix); n < len(id) {
		id = id[:n]
	}
	return prefix + id
}
