package binance

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

// triggerTypes encodes the trigger direction through the order type; the
// venue infers rise or fall from the type and the order side.
var triggerTypes = exchange.TriggerTable[string]{
	{Side: domain.SideLong, Type: domain.ConditionalStopLoss}:    "STOP_MARKET",
	{Side: domain.SideLong, Type: domain.ConditionalTakeProfit}:  "TAKE_PROFIT_MARKET",
	{Side: domain.SideShort, Type: domain.ConditionalStopLoss}:   "STOP_MARKET",
	{Side: domain.SideShort, Type: domain.ConditionalTakeProfit}: "TAKE_PROFIT_MARKET",
}

// PlaceConditional places a mark-price triggered market order that reduces
// the protected position.
func (c *Client) PlaceConditional(ctx context.Context, req domain.ConditionalOrderRequest) (string, error) {
	orderType, err := triggerTypes.Lookup(req.Side, req.Type)
	if err != nil {
		return "", err
	}
	sym, err := native(req.Symbol)
	if err != nil {
		return "", err
	}
	inst, err := c.instruments.Get(ctx, sym)
	if err != nil {
		return "", err
	}
	size := inst.ToContracts(req.Quantity)
	stop := inst.RoundPrice(req.TriggerPrice)

	return exchange.Do(ctx, c.modes, sym, func(mode exchange.PositionMode) (string, error) {
		q := url.Values{
			"symbol":      {sym},
			"side":        {exchange.OrderSide(req.Side, true)},
			"type":        {orderType},
			"stopPrice":   {stop.String()},
			"quantity":    {size.String()},
			"workingType": {"MARK_PRICE"},
		}
		if mode == exchange.ModeHedge {
			q.Set("positionSide", positionSides[req.Side])
		} else {
			q.Set("reduceOnly", "true")
		}

		var out orderResponse
		if err := c.signed(ctx, "place_conditional", http.MethodPost, "/fapi/v1/order", q, &out); err != nil {
			return "", err
		}
		return strconv.FormatInt(out.OrderID, 10), nil
	})
}

// CancelConditional cancels a trigger order by id.
func (c *Client) CancelConditional(ctx context.Context, symbol, orderID string) error {
	sym, err := native(symbol)
	if err != nil {
		return err
	}
	q := url.Values{"symbol": {sym}, "orderId": {orderID}}
	return c.signed(ctx, "cancel_conditional", http.MethodDelete, "/fapi/v1/order", q, nil)
}
