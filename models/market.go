package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order or a trade aggressor.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Trade is a single public trade print.
type Trade struct {
	Symbol    string          `json:"symbol"`
	TradeID   string          `json:"trade_id"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      Side            `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}

// Quote is a top-of-book snapshot. Sides missing from a partial book update
// are filled from the previous quote for the same symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	BidSize   decimal.Decimal `json:"bid_size"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	AskSize   decimal.Decimal `json:"ask_size"`
	Timestamp time.Time       `json:"timestamp"`
}

// BookLevel is one price level of an order book.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookUpdateType distinguishes full snapshots from incremental deltas.
type BookUpdateType string

const (
	BookSnapshot BookUpdateType = "snapshot"
	BookDelta    BookUpdateType = "delta"
)

// BookUpdate is an order book snapshot or delta. A zero size in a delta
// removes the level.
type BookUpdate struct {
	Symbol    string         `json:"symbol"`
	Type      BookUpdateType `json:"type"`
	Depth     int            `json:"depth"`
	Bids      []BookLevel    `json:"bids"`
	Asks      []BookLevel    `json:"asks"`
	UpdateID  int64          `json:"update_id"`
	Timestamp time.Time      `json:"timestamp"`
}

// Bar is a confirmed kline. Building bars are never emitted.
type Bar struct {
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Start     time.Time       `json:"start"`
	End       time.Time       `json:"end"`
	Timestamp time.Time       `json:"timestamp"`
}

// Ticker is a rolling 24h statistics update.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	BidSize   decimal.Decimal `json:"bid_size"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	AskSize   decimal.Decimal `json:"ask_size"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Timestamp time.Time       `json:"timestamp"`
}

// FundingRate is emitted when the (rate, next funding time) pair changes
// for a linear product.
type FundingRate struct {
	Symbol          string          `json:"symbol"`
	Rate            decimal.Decimal `json:"rate"`
	NextFundingTime time.Time       `json:"next_funding_time"`
	Timestamp       time.Time       `json:"timestamp"`
}
