package bitget

import (
	"context"
	"net/http"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

var planTypes = exchange.TriggerTable[string]{
	{Side: domain.SideLong, Type: domain.ConditionalStopLoss}:    "loss_plan",
	{Side: domain.SideLong, Type: domain.ConditionalTakeProfit}:  "profit_plan",
	{Side: domain.SideShort, Type: domain.ConditionalStopLoss}:   "loss_plan",
	{Side: domain.SideShort, Type: domain.ConditionalTakeProfit}: "profit_plan",
}

// PlaceConditional attaches a position TP/SL plan that market-closes at the
// mark-price trigger.
func (c *Client) PlaceConditional(ctx context.Context, req domain.ConditionalOrderRequest) (string, error) {
	planType, err := planTypes.Lookup(req.Side, req.Type)
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
		holdSide := holdSides[req.Side]
		if mode == exchange.ModeOneWay {
			// One-way positions are held as buy or sell.
			holdSide = lower(req.Side, false)
		}
		body := map[string]string{
			"symbol":       sym,
			"productType":  productType,
			"marginCoin":   marginCoin,
			"planType":     planType,
			"triggerPrice": trigger.String(),
			"triggerType":  "mark_price",
			"executePrice": "0",
			"holdSide":     holdSide,
			"size":         size.String(),
			"clientOid":    exchange.ClientOrderID("fc"),
		}
		var out orderAck
		if err := c.call(ctx, "place_conditional", http.MethodPost, "/api/v2/mix/order/place-tpsl-order", nil, body, true, &out); err != nil {
			return "", err
		}
		return out.OrderID, nil
	})
}

// CancelConditional cancels a TP/SL plan.
func (c *Client) CancelConditional(ctx context.Context, symbol, orderID string) error {
	sym, err := native(symbol)
	if err != nil {
		return err
	}
	body := map[string]any{
		"orderIdList": []map[string]string{{"orderId": orderID}},
		"symbol":      sym,
		"productType": productType,
		"marginCoin":  marginCoin,
		"planType":    "profit_loss",
	}
	return c.call(ctx, "cancel_conditional", http.MethodPost, "/api/v2/mix/order/cancel-plan-order", nil, body, true, nil)
}
