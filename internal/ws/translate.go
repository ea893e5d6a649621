package ws

import (
	"fmt"

	"mt5flow/models"
)

// Trigger directions on the wire: 1 fires when the mark price rises to the
// trigger, 2 when it falls.
const (
	triggerOnRise = 1
	triggerOnFall = 2
)

// createParams translates a domain order request into the wire parameter
// map for order.create. The client order id travels as orderLinkId.
func createParams(req models.OrderRequest) (map[string]interface{}, error) {
	params := map[string]interface{}{
		"category":    string(req.Category),
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"qty":         req.Quantity.String(),
		"orderLinkId": req.ClientOrderID,
	}

	switch req.Type {
	case models.OrderMarket, models.OrderStopMarket, models.OrderMarketIfTouched:
		params["orderType"] = "Market"
	case models.OrderLimit, models.OrderStopLimit, models.OrderLimitIfTouched:
		params["orderType"] = "Limit"
		params["price"] = req.Price.String()
	default:
		return nil, fmt.Errorf("order %s: unsupported type %q", req.ClientOrderID, req.Type)
	}

	if req.Type.HasTrigger() {
		params["triggerPrice"] = req.TriggerPrice.String()
		params["triggerDirection"] = triggerDirection(req.Side, req.Type.IfTouched())
	}

	if tif := timeInForce(req); tif != "" {
		params["timeInForce"] = tif
	}

	if req.Category == models.CategorySpot {
		if req.QuoteQuantity && req.Type == models.OrderMarket {
			// Quantity is denominated in the quote currency.
			params["marketUnit"] = "quoteCoin"
		}
		if req.Leverage {
			params["isLeverage"] = 1
		}
	} else if req.ReduceOnly {
		params["reduceOnly"] = true
	}

	return params, nil
}

// triggerDirection maps side and trigger semantics to the wire direction.
// A stop buy fires when price rises, a stop sell when it falls; if-touched
// orders invert both.
func triggerDirection(side models.Side, ifTouched bool) int {
	rising := side == models.SideBuy
	if ifTouched {
		rising = !rising
	}
	if rising {
		return triggerOnRise
	}
	return triggerOnFall
}

// timeInForce resolves the wire TIF. The PostOnly flag wins over any
// explicit TIF; market orders carry none and default venue-side.
func timeInForce(req models.OrderRequest) string {
	if req.PostOnly || req.TimeInForce == models.TIFPostOnly {
		return "PostOnly"
	}
	if req.TimeInForce == "" {
		return ""
	}
	return string(req.TimeInForce)
}

// amendParams translates a modify request. Zero-valued fields are omitted
// so the venue leaves them untouched.
func amendParams(req models.ModifyRequest) (map[string]interface{}, error) {
	if req.ClientOrderID == "" && req.VenueOrderID == "" {
		return nil, fmt.Errorf("amend: order id is required")
	}
	if req.Quantity.Sign() <= 0 && req.Price.Sign() <= 0 && req.TriggerPrice.Sign() <= 0 {
		return nil, fmt.Errorf("amend %s: nothing to change", req.ClientOrderID)
	}
	params := map[string]interface{}{
		"category": string(req.Category),
		"symbol":   req.Symbol,
	}
	putOrderIDs(params, req.ClientOrderID, req.VenueOrderID)
	if req.Quantity.Sign() > 0 {
		params["qty"] = req.Quantity.String()
	}
	if req.Price.Sign() > 0 {
		params["price"] = req.Price.String()
	}
	if req.TriggerPrice.Sign() > 0 {
		params["triggerPrice"] = req.TriggerPrice.String()
	}
	return params, nil
}

// cancelParams translates a cancel request.
func cancelParams(req models.CancelRequest) (map[string]interface{}, error) {
	if req.ClientOrderID == "" && req.VenueOrderID == "" {
		return nil, fmt.Errorf("cancel: order id is required")
	}
	params := map[string]interface{}{
		"category": string(req.Category),
		"symbol":   req.Symbol,
	}
	putOrderIDs(params, req.ClientOrderID, req.VenueOrderID)
	return params, nil
}

func putOrderIDs(params map[string]interface{}, clientID, venueID string) {
	if clientID != "" {
		params["orderLinkId"] = clientID
	}
	if venueID != "" {
		params["orderId"] = venueID
	}
}
