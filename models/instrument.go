package models

import (
	"github.com/shopspring/decimal"
)

// InstrumentCategory identifies the product class an instrument trades as.
type InstrumentCategory string

const (
	CategorySpot    InstrumentCategory = "spot"
	CategoryLinear  InstrumentCategory = "linear"
	CategoryInverse InstrumentCategory = "inverse"
	CategoryOption  InstrumentCategory = "option"
)

// Instrument carries the per-symbol metadata the stream parsers need to
// resolve string-encoded prices and sizes. It is replayed to the session
// on every (re)connect.
type Instrument struct {
	Symbol         string             `json:"symbol"`
	Category       InstrumentCategory `json:"category"`
	BaseCurrency   string             `json:"base_currency"`
	QuoteCurrency  string             `json:"quote_currency"`
	PricePrecision int32              `json:"price_precision"`
	SizePrecision  int32              `json:"size_precision"`
	TickSize       decimal.Decimal    `json:"tick_size"`
	LotStep        decimal.Decimal    `json:"lot_step"`
	MinQty         decimal.Decimal    `json:"min_qty"`
	MaxQty         decimal.Decimal    `json:"max_qty"`
}

// IsSpot reports whether the instrument trades on the spot market.
func (i Instrument) IsSpot() bool {
	return i.Category == CategorySpot
}

// Account summarizes the trading account as reported by the bridge.
type Account struct {
	AccountID string          `json:"account_id"`
	Login     string          `json:"login"`
	Server    string          `json:"server"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Equity    decimal.Decimal `json:"equity"`
	Margin    decimal.Decimal `json:"margin"`
	Leverage  int             `json:"leverage"`
}
