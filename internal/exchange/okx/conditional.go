package okx

import (
	"context"
	"net/http"

	"github.com/alanyoungcy/fundingarb/internal/domain"
	"github.com/alanyoungcy/fundingarb/internal/exchange"
)

// triggerFields names the algo-order field prefix. The venue fires a stop
// loss or take profit in the right direction given posSide, so only the
// prefix differs.
var triggerFields = exchange.TriggerTable[string]{
	{Side: domain.SideLong, Type: domain.ConditionalStopLoss}:    "sl",
	{Side: domain.SideLong, Type: domain.ConditionalTakeProfit}:  "tp",
	{Side: domain.SideShort, Type: domain.ConditionalStopLoss}:   "sl",
	{Side: domain.SideShort, Type: domain.ConditionalTakeProfit}: "tp",
}

// PlaceConditional places a conditional algo order that market-closes the
// protected position when the mark price crosses the trigger.
func (c *Client) PlaceConditional(ctx context.Context, req domain.ConditionalOrderRequest) (string, error) {
	prefix, err := triggerFields.Lookup(req.Side, req.Type)
	if err != nil {
		return "", err
	}
	instID, err := native(req.Symbol)
	if err != nil {
		return "", err
	}
	inst, err := c.instruments.Get(ctx, instID)
	if err != nil {
		return "", err
	}
	sz := inst.ToContracts(req.Quantity)
	trigger := inst.RoundPrice(req.TriggerPrice)

	return exchange.Do(ctx, c.modes, instID, func(mode exchange.PositionMode) (string, error) {
		body := map[string]string{
			"instId":                 instID,
			"tdMode":                 "cross",
			"side":                   side(req.Side, true),
			"ordType":                "conditional",
			"sz":                     sz.String(),
			prefix + "TriggerPx":     trigger.String(),
			prefix + "OrdPx":         "-1",
			prefix + "TriggerPxType": "mark",
		}
		if mode == exchange.ModeHedge {
			body["posSide"] = posSides[req.Side]
		} else {
			body["posSide"] = "net"
			body["reduceOnly"] = "true"
		}
		var out []orderAck
		if err := c.call(ctx, "place_conditional", http.MethodPost, "/api/v5/trade/order-algo", nil, body, true, &out); err != nil {
			return "", err
		}
		if len(out) == 0 {
			return "", exchange.APIError(domain.ExchangeOKX, "place_conditional", domain.ErrExchangeInternal, false, "empty algo ack")
		}
		return out[0].AlgoID, nil
	})
}

// CancelConditional cancels an algo order.
func (c *Client) CancelConditional(ctx context.Context, symbol, orderID string) error {
	instID, err := native(symbol)
	if err != nil {
		return err
	}
	body := []map[string]string{{"algoId": orderID, "instId": instID}}
	return c.call(ctx, "cancel_conditional", http.MethodPost, "/api/v5/trade/cancel-algos", nil, body, true, nil)
}
