package gate

import (
	"context"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

// triggerRules: 1 fires when the mark price is >= the trigger, 2 when <=.
var triggerRules = exchange.DirectionTable(1, 2)

const priceTypeMark = 1

// PlaceConditional places a price-triggered IOC close order.
func (c *Client) PlaceConditional(ctx context.Context, req domain.ConditionalOrderRequest) (string, error) {
	rule, err := triggerRules.Lookup(req.Side, req.Type)
	if err != nil {
		return "", err
	}
	contract, err := native(req.Symbol)
	if err != nil {
		return "", err
	}
	inst, err := c.instruments.Get(ctx, contract)
	if err != nil {
		return "", err
	}
	contracts := inst.ToContracts(req.Quantity)
	trigger := inst.RoundPrice(req.TriggerPrice)

	return exchange.Do(ctx, c.modes, contract, func(mode exchange.PositionMode) (string, error) {
		initial := map[string]any{
			"contract":    contract,
			"size":        signedSize(req.Side, true, contracts),
			"price":       "0",
			"tif":         "ioc",
			"reduce_only": true,
			"text":        "t-" + exchange.ClientOrderID(""),
		}
		if mode == exchange.ModeHedge {
			initial["size"] = 0
			initial["auto_size"] = autoSize[req.Side]
		}
		body := map[string]any{
			"initial": initial,
			"trigger": map[string]any{
				"strategy_type": 0,
				"price_type":    priceTypeMark,
				"price":         trigger.String(),
				"rule":          rule,
			},
		}
		var out struct {
			ID int64 `json:"id"`
		}
		if err := c.call(ctx, "place_conditional", http.MethodPost, "/futures/usdt/price_orders", nil, body, true, &out); err != nil {
			return "", err
		}
		return strconv.FormatInt(out.ID, 10), nil
	})
}

// CancelConditional cancels a price-triggered order.
func (c *Client) CancelConditional(ctx context.Context, _ string, orderID string) error {
	return c.call(ctx, "cancel_conditional", http.MethodDelete, "/futures/usdt/price_orders/"+orderID, nil, nil, true, nil)
}
