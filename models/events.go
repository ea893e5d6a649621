package models

import "time"

// Event is anything the session emits on its outbound stream. The stream is
// the single source of truth for consumers: data, rejections and errors all
// arrive interleaved on the same channel, in per-channel venue order.
type Event interface {
	EventType() string
}

// TradesEvent carries one venue batch of public trades.
type TradesEvent struct {
	Trades []Trade
}

func (TradesEvent) EventType() string { return "trades" }

// QuoteEvent is a synthesized or native top-of-book update.
type QuoteEvent struct {
	Quote Quote
}

func (QuoteEvent) EventType() string { return "quote" }

// BookEvent carries an order book snapshot or delta.
type BookEvent struct {
	Book BookUpdate
}

func (BookEvent) EventType() string { return "book" }

// BarEvent carries one confirmed kline.
type BarEvent struct {
	Bar Bar
}

func (BarEvent) EventType() string { return "bar" }

// TickerEvent carries a ticker statistics update.
type TickerEvent struct {
	Ticker Ticker
}

func (TickerEvent) EventType() string { return "ticker" }

// FundingRateEvent is emitted when the funding pair changes for a symbol.
type FundingRateEvent struct {
	Funding FundingRate
}

func (FundingRateEvent) EventType() string { return "funding_rate" }

// OrderUpdateEvent carries private order reports.
type OrderUpdateEvent struct {
	Reports []OrderReport
}

func (OrderUpdateEvent) EventType() string { return "order_update" }

// ExecutionEvent carries private fill reports.
type ExecutionEvent struct {
	Reports []ExecutionReport
}

func (ExecutionEvent) EventType() string { return "execution" }

// PositionEvent carries private position reports.
type PositionEvent struct {
	Reports []PositionReport
}

func (PositionEvent) EventType() string { return "position" }

// WalletEvent carries private wallet balances.
type WalletEvent struct {
	Balances []WalletBalance
}

func (WalletEvent) EventType() string { return "wallet" }

// AuthenticatedEvent reports the outcome of the auth handshake.
type AuthenticatedEvent struct {
	OK     bool
	Reason string
}

func (AuthenticatedEvent) EventType() string { return "authenticated" }

// ReconnectedEvent is emitted after a reconnect once resubscription has been
// issued, so consumers observe a consistent post-reconnect state.
type ReconnectedEvent struct {
	Timestamp time.Time
}

func (ReconnectedEvent) EventType() string { return "reconnected" }

// RejectionKind distinguishes the three typed order rejections.
type RejectionKind string

const (
	RejectSubmit RejectionKind = "submit"
	RejectModify RejectionKind = "modify"
	RejectCancel RejectionKind = "cancel"
)

// OrderRejectedEvent is a typed venue refusal, materialized from the pending
// request's origin metadata plus the venue reason string.
type OrderRejectedEvent struct {
	Kind          RejectionKind
	TraderID      string
	StrategyID    string
	Symbol        string
	ClientOrderID string
	VenueOrderID  string
	Reason        string
	Timestamp     time.Time
}

func (e OrderRejectedEvent) EventType() string { return "order_rejected_" + string(e.Kind) }

// OrderAcceptedEvent confirms a simulated or venue-acknowledged order
// operation. Real venue acks for live orders are silent; this event is only
// produced in order-simulation mode.
type OrderAcceptedEvent struct {
	Kind          RejectionKind
	ClientOrderID string
	Timestamp     time.Time
}

func (OrderAcceptedEvent) EventType() string { return "order_accepted" }

// UnmatchedResponseEvent flags an order response with no pending entry.
type UnmatchedResponseEvent struct {
	Op        string
	RequestID string
	Reason    string
}

func (UnmatchedResponseEvent) EventType() string { return "unmatched_response" }

// ErrorEvent surfaces a session-level failure to the consumer.
type ErrorEvent struct {
	Kind    string
	Message string
}

func (ErrorEvent) EventType() string { return "error" }
