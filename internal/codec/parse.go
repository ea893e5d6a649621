package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"mt5flow/internal/topic"
	"mt5flow/logger"
	"mt5flow/models"
)

// InstrumentSource resolves per-symbol precision data for numeric parsing.
type InstrumentSource interface {
	Get(symbol string) (models.Instrument, bool)
}

// Parser turns classified stream frames into typed domain values. Prices
// and sizes arrive as strings and are truncated to the instrument's
// declared precision when the instrument is known.
type Parser struct {
	instruments InstrumentSource
	log         *logger.Log
}

func NewParser(instruments InstrumentSource) *Parser {
	return &Parser{instruments: instruments, log: logger.GetLogger()}
}

func (p *Parser) price(symbol, s string) (decimal.Decimal, error) {
	return p.parseDecimal(symbol, s, true)
}

func (p *Parser) size(symbol, s string) (decimal.Decimal, error) {
	return p.parseDecimal(symbol, s, false)
}

func (p *Parser) parseDecimal(symbol, s string, isPrice bool) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("parse %s: empty numeric field", symbol)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", symbol, err)
	}
	if inst, ok := p.instruments.Get(symbol); ok {
		if isPrice {
			return d.Truncate(inst.PricePrecision), nil
		}
		return d.Truncate(inst.SizePrecision), nil
	}
	return d, nil
}

type bookPayload struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID int64      `json:"u"`
	Seq      int64      `json:"seq"`
}

// ParseBook decodes an orderbook snapshot or delta. Level parse failures on
// a snapshot abort the message; on a delta the broken level is skipped so
// the surviving sides can still synthesize a quote.
func (p *Parser) ParseBook(t topic.Topic, msgType string, ts time.Time, data json.RawMessage) (models.BookUpdate, error) {
	var payload bookPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return models.BookUpdate{}, fmt.Errorf("orderbook: %w", err)
	}
	symbol := payload.Symbol
	if symbol == "" {
		symbol = t.Symbol()
	}
	depth, _ := t.Depth()

	update := models.BookUpdate{
		Symbol:    symbol,
		Type:      models.BookDelta,
		Depth:     depth,
		UpdateID:  payload.UpdateID,
		Timestamp: ts,
	}
	if msgType == "snapshot" || payload.UpdateID == 1 {
		update.Type = models.BookSnapshot
	}

	strict := update.Type == models.BookSnapshot
	var err error
	if update.Bids, err = p.parseLevels(symbol, payload.Bids, strict); err != nil {
		return models.BookUpdate{}, err
	}
	if update.Asks, err = p.parseLevels(symbol, payload.Asks, strict); err != nil {
		return models.BookUpdate{}, err
	}
	return update, nil
}

func (p *Parser) parseLevels(symbol string, raw [][]string, strict bool) ([]models.BookLevel, error) {
	levels := make([]models.BookLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			if strict {
				return nil, fmt.Errorf("orderbook %s: short level", symbol)
			}
			continue
		}
		price, err := p.price(symbol, pair[0])
		if err != nil {
			if strict {
				return nil, fmt.Errorf("orderbook %s: %w", symbol, err)
			}
			logger.IncrementParseError()
			continue
		}
		size, err := p.size(symbol, pair[1])
		if err != nil {
			if strict {
				return nil, fmt.Errorf("orderbook %s: %w", symbol, err)
			}
			logger.IncrementParseError()
			continue
		}
		levels = append(levels, models.BookLevel{Price: price, Size: size})
	}
	return levels, nil
}

type tradePayload struct {
	Symbol  string `json:"s"`
	Price   string `json:"p"`
	Size    string `json:"v"`
	Side    string `json:"S"`
	TradeID string `json:"i"`
	Time    int64  `json:"T"`
}

// ParseTrades decodes a public trade batch. Broken entries are dropped
// individually; the rest of the batch survives.
func (p *Parser) ParseTrades(data json.RawMessage) ([]models.Trade, error) {
	var payload []tradePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("trades: %w", err)
	}
	trades := make([]models.Trade, 0, len(payload))
	for _, tp := range payload {
		price, err := p.price(tp.Symbol, tp.Price)
		if err != nil {
			logger.IncrementParseError()
			continue
		}
		size, err := p.size(tp.Symbol, tp.Size)
		if err != nil {
			logger.IncrementParseError()
			continue
		}
		trades = append(trades, models.Trade{
			Symbol:    tp.Symbol,
			TradeID:   tp.TradeID,
			Price:     price,
			Size:      size,
			Side:      models.Side(tp.Side),
			Timestamp: time.UnixMilli(tp.Time),
		})
	}
	return trades, nil
}

type klinePayload struct {
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Close    string `json:"close"`
	Volume   string `json:"volume"`
	Confirm  bool   `json:"confirm"`
	Time     int64  `json:"timestamp"`
}

// ParseKlines decodes a kline batch, emitting only confirmed bars. Bars
// still building are dropped.
func (p *Parser) ParseKlines(t topic.Topic, data json.RawMessage) ([]models.Bar, error) {
	var payload []klinePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("kline: %w", err)
	}
	symbol := t.Symbol()
	bars := make([]models.Bar, 0, len(payload))
	for _, kp := range payload {
		if !kp.Confirm {
			continue
		}
		bar := models.Bar{
			Symbol:    symbol,
			Interval:  kp.Interval,
			Start:     time.UnixMilli(kp.Start),
			End:       time.UnixMilli(kp.End),
			Timestamp: time.UnixMilli(kp.Time),
		}
		var err error
		if bar.Open, err = p.price(symbol, kp.Open); err != nil {
			return nil, fmt.Errorf("kline %s: %w", symbol, err)
		}
		if bar.High, err = p.price(symbol, kp.High); err != nil {
			return nil, fmt.Errorf("kline %s: %w", symbol, err)
		}
		if bar.Low, err = p.price(symbol, kp.Low); err != nil {
			return nil, fmt.Errorf("kline %s: %w", symbol, err)
		}
		if bar.Close, err = p.price(symbol, kp.Close); err != nil {
			return nil, fmt.Errorf("kline %s: %w", symbol, err)
		}
		if bar.Volume, err = p.size(symbol, kp.Volume); err != nil {
			return nil, fmt.Errorf("kline %s: %w", symbol, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

type tickerPayload struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	Bid1Price       string `json:"bid1Price"`
	Bid1Size        string `json:"bid1Size"`
	Ask1Price       string `json:"ask1Price"`
	Ask1Size        string `json:"ask1Size"`
	Volume24h       string `json:"volume24h"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

// TickerUpdate is a parsed ticker frame. Ticker frames on derivatives are
// deltas: absent fields stay zero and the caller merges against its cache.
// Funding is set only when both funding fields were present.
type TickerUpdate struct {
	Ticker  models.Ticker
	Funding *models.FundingRate
}

// ParseTicker decodes a ticker update. Individual field parse failures on a
// delta are recoverable and leave the field zero.
func (p *Parser) ParseTicker(t topic.Topic, ts time.Time, data json.RawMessage) (TickerUpdate, error) {
	var payload tickerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return TickerUpdate{}, fmt.Errorf("ticker: %w", err)
	}
	symbol := payload.Symbol
	if symbol == "" {
		symbol = t.Symbol()
	}

	tick := models.Ticker{Symbol: symbol, Timestamp: ts}
	tick.LastPrice = p.optPrice(symbol, payload.LastPrice)
	tick.BidPrice = p.optPrice(symbol, payload.Bid1Price)
	tick.BidSize = p.optSize(symbol, payload.Bid1Size)
	tick.AskPrice = p.optPrice(symbol, payload.Ask1Price)
	tick.AskSize = p.optSize(symbol, payload.Ask1Size)
	tick.Volume24h = p.optSize(symbol, payload.Volume24h)

	update := TickerUpdate{Ticker: tick}
	if payload.FundingRate != "" && payload.NextFundingTime != "" {
		rate, err1 := decimal.NewFromString(payload.FundingRate)
		nextMs, err2 := strconv.ParseInt(payload.NextFundingTime, 10, 64)
		if err1 == nil && err2 == nil {
			update.Funding = &models.FundingRate{
				Symbol:          symbol,
				Rate:            rate,
				NextFundingTime: time.UnixMilli(nextMs),
				Timestamp:       ts,
			}
		} else {
			logger.IncrementParseError()
		}
	}
	return update, nil
}

func (p *Parser) optPrice(symbol, s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := p.price(symbol, s)
	if err != nil {
		logger.IncrementParseError()
		return decimal.Zero
	}
	return d
}

func (p *Parser) optSize(symbol, s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := p.size(symbol, s)
	if err != nil {
		logger.IncrementParseError()
		return decimal.Zero
	}
	return d
}

type orderReportPayload struct {
	Symbol      string `json:"symbol"`
	OrderLinkID string `json:"orderLinkId"`
	OrderID     string `json:"orderId"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	OrderStatus string `json:"orderStatus"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	UpdatedTime string `json:"updatedTime"`
}

// ParseOrders decodes a private order channel batch.
func (p *Parser) ParseOrders(accountID string, data json.RawMessage) ([]models.OrderReport, error) {
	var payload []orderReportPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("order report: %w", err)
	}
	reports := make([]models.OrderReport, 0, len(payload))
	for _, op := range payload {
		reports = append(reports, models.OrderReport{
			AccountID:     accountID,
			Symbol:        op.Symbol,
			ClientOrderID: op.OrderLinkID,
			VenueOrderID:  op.OrderID,
			Side:          models.Side(op.Side),
			Type:          models.OrderType(op.OrderType),
			Status:        models.OrderStatus(op.OrderStatus),
			Price:         p.optPrice(op.Symbol, op.Price),
			Quantity:      p.optSize(op.Symbol, op.Qty),
			FilledQty:     p.optSize(op.Symbol, op.CumExecQty),
			Timestamp:     msTime(op.UpdatedTime),
		})
	}
	return reports, nil
}

type execReportPayload struct {
	Symbol      string `json:"symbol"`
	OrderLinkID string `json:"orderLinkId"`
	OrderID     string `json:"orderId"`
	ExecID      string `json:"execId"`
	Side        string `json:"side"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecFee     string `json:"execFee"`
	ExecTime    string `json:"execTime"`
}

// ParseExecutions decodes a private execution channel batch.
func (p *Parser) ParseExecutions(accountID string, data json.RawMessage) ([]models.ExecutionReport, error) {
	var payload []execReportPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("execution report: %w", err)
	}
	reports := make([]models.ExecutionReport, 0, len(payload))
	for _, ep := range payload {
		fee, _ := decimal.NewFromString(ep.ExecFee)
		reports = append(reports, models.ExecutionReport{
			AccountID:     accountID,
			Symbol:        ep.Symbol,
			ClientOrderID: ep.OrderLinkID,
			VenueOrderID:  ep.OrderID,
			ExecID:        ep.ExecID,
			Side:          models.Side(ep.Side),
			Price:         p.optPrice(ep.Symbol, ep.ExecPrice),
			Quantity:      p.optSize(ep.Symbol, ep.ExecQty),
			Fee:           fee,
			Timestamp:     msTime(ep.ExecTime),
		})
	}
	return reports, nil
}

type positionPayload struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	EntryPrice    string `json:"entryPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	UpdatedTime   string `json:"updatedTime"`
}

// ParsePositions decodes a private position channel batch.
func (p *Parser) ParsePositions(accountID string, data json.RawMessage) ([]models.PositionReport, error) {
	var payload []positionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("position report: %w", err)
	}
	reports := make([]models.PositionReport, 0, len(payload))
	for _, pp := range payload {
		pnl, _ := decimal.NewFromString(pp.UnrealisedPnl)
		reports = append(reports, models.PositionReport{
			AccountID:     accountID,
			Symbol:        pp.Symbol,
			Side:          models.Side(pp.Side),
			Size:          p.optSize(pp.Symbol, pp.Size),
			EntryPrice:    p.optPrice(pp.Symbol, pp.EntryPrice),
			UnrealizedPnl: pnl,
			Timestamp:     msTime(pp.UpdatedTime),
		})
	}
	return reports, nil
}

type walletPayload struct {
	Coin []struct {
		Coin          string `json:"coin"`
		WalletBalance string `json:"walletBalance"`
		Available     string `json:"availableToWithdraw"`
	} `json:"coin"`
}

// ParseWallet decodes a private wallet channel batch.
func (p *Parser) ParseWallet(accountID string, ts time.Time, data json.RawMessage) ([]models.WalletBalance, error) {
	var payload []walletPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("wallet: %w", err)
	}
	var balances []models.WalletBalance
	for _, wp := range payload {
		for _, c := range wp.Coin {
			total, _ := decimal.NewFromString(c.WalletBalance)
			avail, _ := decimal.NewFromString(c.Available)
			balances = append(balances, models.WalletBalance{
				AccountID: accountID,
				Currency:  c.Coin,
				Total:     total,
				Available: avail,
				Timestamp: ts,
			})
		}
	}
	return balances, nil
}

func msTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
