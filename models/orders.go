package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType covers the order kinds the bridge accepts.
type OrderType string

const (
	OrderMarket          OrderType = "Market"
	OrderLimit           OrderType = "Limit"
	OrderStopMarket      OrderType = "StopMarket"
	OrderStopLimit       OrderType = "StopLimit"
	OrderMarketIfTouched OrderType = "MarketIfTouched"
	OrderLimitIfTouched  OrderType = "LimitIfTouched"
)

// HasTrigger reports whether the order type requires a trigger price.
func (t OrderType) HasTrigger() bool {
	switch t {
	case OrderStopMarket, OrderStopLimit, OrderMarketIfTouched, OrderLimitIfTouched:
		return true
	}
	return false
}

// IfTouched reports whether the trigger semantics are inverted relative
// to stop orders: a buy triggers when price falls to the trigger, a sell
// when it rises.
func (t OrderType) IfTouched() bool {
	return t == OrderMarketIfTouched || t == OrderLimitIfTouched
}

// TimeInForce for limit orders.
type TimeInForce string

const (
	TIFGoodTillCancel    TimeInForce = "GTC"
	TIFImmediateOrCancel TimeInForce = "IOC"
	TIFFillOrKill        TimeInForce = "FOK"
	TIFPostOnly          TimeInForce = "PostOnly"
)

// OrderRequest is a domain-level order submission. The ClientOrderID is the
// correlation key for the venue response; TraderID and StrategyID are carried
// so a rejection can be attributed to its origin.
type OrderRequest struct {
	ClientOrderID string
	TraderID      string
	StrategyID    string
	Symbol        string
	Category      InstrumentCategory
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	TriggerPrice  decimal.Decimal
	TimeInForce   TimeInForce
	PostOnly      bool
	ReduceOnly    bool
	// QuoteQuantity marks a spot market order whose Quantity is denominated
	// in the quote currency.
	QuoteQuantity bool
	// Leverage enables margin trading; only meaningful for spot.
	Leverage bool
}

// Validate checks the structural requirements before anything is sent.
func (r OrderRequest) Validate() error {
	if r.ClientOrderID == "" {
		return fmt.Errorf("order: client order id is required")
	}
	if r.Symbol == "" {
		return fmt.Errorf("order: symbol is required")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("order: invalid side %q", r.Side)
	}
	if r.Quantity.Sign() <= 0 {
		return fmt.Errorf("order: quantity must be positive")
	}
	if r.Type == OrderLimit || r.Type == OrderStopLimit || r.Type == OrderLimitIfTouched {
		if r.Price.Sign() <= 0 {
			return fmt.Errorf("order: limit price must be positive")
		}
	}
	if r.Type.HasTrigger() && r.TriggerPrice.Sign() <= 0 {
		return fmt.Errorf("order: trigger price is required for %s", r.Type)
	}
	return nil
}

// ModifyRequest amends price and/or quantity of a working order.
type ModifyRequest struct {
	ClientOrderID string
	VenueOrderID  string
	TraderID      string
	StrategyID    string
	Symbol        string
	Category      InstrumentCategory
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	TriggerPrice  decimal.Decimal
}

// CancelRequest cancels a working order.
type CancelRequest struct {
	ClientOrderID string
	VenueOrderID  string
	TraderID      string
	StrategyID    string
	Symbol        string
	Category      InstrumentCategory
}

// OrderStatus mirrors the venue's order lifecycle states.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCancelled       OrderStatus = "Cancelled"
	OrderStatusRejected        OrderStatus = "Rejected"
	OrderStatusTriggered       OrderStatus = "Triggered"
)

// OrderReport is a private order channel update.
type OrderReport struct {
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	ClientOrderID string          `json:"client_order_id"`
	VenueOrderID  string          `json:"venue_order_id"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Status        OrderStatus     `json:"status"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ExecutionReport is a private fill notification.
type ExecutionReport struct {
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	ClientOrderID string          `json:"client_order_id"`
	VenueOrderID  string          `json:"venue_order_id"`
	ExecID        string          `json:"exec_id"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Fee           decimal.Decimal `json:"fee"`
	Timestamp     time.Time       `json:"timestamp"`
}

// PositionReport is a private position channel update.
type PositionReport struct {
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl"`
	Timestamp     time.Time       `json:"timestamp"`
}

// WalletBalance is one currency row of a wallet update.
type WalletBalance struct {
	AccountID string          `json:"account_id"`
	Currency  string          `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Timestamp time.Time       `json:"timestamp"`
}
