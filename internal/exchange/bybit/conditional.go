package bybit

import (
	"context"
	"net/http"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

// triggerDirections: 1 fires when the mark price rises to the trigger, 2
// when it falls to it.
var triggerDirections = exchange.DirectionTable(1, 2)

// PlaceConditional places a reduce-only market order that fires on the mark
// price.
func (c *Client) PlaceConditional(ctx context.Context, req domain.ConditionalOrderRequest) (string, error) {
	direction, err := triggerDirections.Lookup(req.Side, req.Type)
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
	trigger := inst.RoundPrice(req.TriggerPrice)

	return exchange.Do(ctx, c.modes, sym, func(mode exchange.PositionMode) (string, error) {
		body := map[string]any{
			"category":         category,
			"symbol":           sym,
			"side":             side(req.Side, true),
			"orderType":        "Market",
			"qty":              size.String(),
			"triggerPrice":     trigger.String(),
			"triggerDirection": direction,
			"triggerBy":        "MarkPrice",
			"positionIdx":      positionIdx(mode, req.Side),
			"reduceOnly":       true,
			"closeOnTrigger":   true,
			"orderLinkId":      exchange.ClientOrderID("fc"),
		}
		var out orderAck
		if err := c.call(ctx, "place_conditional", http.MethodPost, "/v5/order/create", nil, body, true, &out); err != nil {
			return "", err
		}
		return out.OrderID, nil
	})
}

// CancelConditional cancels an untriggered conditional order.
func (c *Client) CancelConditional(ctx context.Context, symbol, orderID string) error {
	sym, err := native(symbol)
	if err != nil {
		return err
	}
	body := map[string]string{"category": category, "symbol": sym, "orderId": orderID}
	return c.call(ctx, "cancel_conditional", http.MethodPost, "/v5/order/cancel", nil, body, true, nil)
}
