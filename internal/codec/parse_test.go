package codec

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mt5flow/internal/topic"
	"mt5flow/models"
)

type fakeInstruments map[string]models.Instrument

func (f fakeInstruments) Get(symbol string) (models.Instrument, bool) {
	inst, ok := f[symbol]
	return inst, ok
}

func testParser() *Parser {
	return NewParser(fakeInstruments{
		"EURUSD": {Symbol: "EURUSD", PricePrecision: 5, SizePrecision: 2},
	})
}

func mustTopic(t *testing.T, s string) topic.Topic {
	t.Helper()
	parsed, err := topic.Parse(s)
	if err != nil {
		t.Fatalf("parse topic %s: %v", s, err)
	}
	return parsed
}

func TestParseBookSnapshotTruncatesPrecision(t *testing.T) {
	p := testParser()
	data := json.RawMessage(`{"s":"EURUSD","b":[["1.1234567","0.123"]],"a":[["1.1300001","2.005"]],"u":1}`)
	update, err := p.ParseBook(mustTopic(t, "orderbook.50.EURUSD"), "snapshot", time.Now(), data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if update.Type != models.BookSnapshot {
		t.Fatalf("type: got %v", update.Type)
	}
	if got := update.Bids[0].Price.String(); got != "1.12345" {
		t.Fatalf("bid price: got %s, want 1.12345", got)
	}
	if got := update.Bids[0].Size.String(); got != "0.12" {
		t.Fatalf("bid size: got %s, want 0.12", got)
	}
}

func TestParseBookSnapshotStrict(t *testing.T) {
	p := testParser()
	data := json.RawMessage(`{"s":"EURUSD","b":[["garbage","1"]],"a":[],"u":1}`)
	if _, err := p.ParseBook(mustTopic(t, "orderbook.50.EURUSD"), "snapshot", time.Now(), data); err == nil {
		t.Fatalf("expected error for broken snapshot level")
	}
}

func TestParseBookDeltaSkipsBrokenLevels(t *testing.T) {
	p := testParser()
	data := json.RawMessage(`{"s":"EURUSD","b":[["garbage","1"],["1.10000","3"]],"a":[],"u":42}`)
	update, err := p.ParseBook(mustTopic(t, "orderbook.50.EURUSD"), "delta", time.Now(), data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if update.Type != models.BookDelta {
		t.Fatalf("type: got %v", update.Type)
	}
	if len(update.Bids) != 1 || update.Bids[0].Price.String() != "1.1" {
		t.Fatalf("bids: got %+v", update.Bids)
	}
}

func TestParseBookUpdateIDOneIsSnapshot(t *testing.T) {
	p := testParser()
	data := json.RawMessage(`{"s":"EURUSD","b":[],"a":[],"u":1}`)
	update, err := p.ParseBook(mustTopic(t, "orderbook.50.EURUSD"), "delta", time.Now(), data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if update.Type != models.BookSnapshot {
		t.Fatalf("update id 1 should force a snapshot, got %v", update.Type)
	}
}

func TestParseTradesDropsBrokenEntries(t *testing.T) {
	p := testParser()
	data := json.RawMessage(`[
		{"s":"EURUSD","p":"1.10001","v":"0.5","S":"Buy","i":"t1","T":1700000000000},
		{"s":"EURUSD","p":"broken","v":"0.5","S":"Sell","i":"t2","T":1700000000001}
	]`)
	trades, err := p.ParseTrades(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(trades) != 1 || trades[0].TradeID != "t1" {
		t.Fatalf("trades: got %+v", trades)
	}
	if trades[0].Side != models.SideBuy {
		t.Fatalf("side: got %v", trades[0].Side)
	}
}

func TestParseKlinesConfirmedOnly(t *testing.T) {
	p := testParser()
	data := json.RawMessage(`[
		{"start":1700000000000,"end":1700000060000,"interval":"1","open":"1.1","high":"1.2","low":"1.0","close":"1.15","volume":"10","confirm":true,"timestamp":1700000060000},
		{"start":1700000060000,"end":1700000120000,"interval":"1","open":"1.15","high":"1.16","low":"1.14","close":"1.15","volume":"3","confirm":false,"timestamp":1700000090000}
	]`)
	bars, err := p.ParseKlines(mustTopic(t, "kline.1.EURUSD"), data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(bars) != 1 {
		t.Fatalf("bars: got %d, want 1 (building bar must be dropped)", len(bars))
	}
	if bars[0].Close.String() != "1.15" {
		t.Fatalf("close: got %s", bars[0].Close)
	}
}

func TestParseTickerFundingRequiresBothFields(t *testing.T) {
	p := testParser()

	data := json.RawMessage(`{"symbol":"EURUSD","lastPrice":"1.1","fundingRate":"0.0001"}`)
	update, err := p.ParseTicker(mustTopic(t, "ticker.EURUSD"), time.Now(), data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if update.Funding != nil {
		t.Fatalf("funding should be nil without nextFundingTime")
	}

	data = json.RawMessage(`{"symbol":"EURUSD","fundingRate":"0.0001","nextFundingTime":"1700003600000"}`)
	update, err = p.ParseTicker(mustTopic(t, "ticker.EURUSD"), time.Now(), data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if update.Funding == nil {
		t.Fatalf("funding should be set with both fields present")
	}
	if !update.Funding.Rate.Equal(decimal.RequireFromString("0.0001")) {
		t.Fatalf("rate: got %s", update.Funding.Rate)
	}
}

func TestParseTickerDeltaTolerant(t *testing.T) {
	p := testParser()
	data := json.RawMessage(`{"symbol":"EURUSD","bid1Price":"broken","ask1Price":"1.10010"}`)
	update, err := p.ParseTicker(mustTopic(t, "ticker.EURUSD"), time.Now(), data)
	if err != nil {
		t.Fatalf("delta field failure must be recoverable: %v", err)
	}
	if !update.Ticker.BidPrice.IsZero() {
		t.Fatalf("broken bid should stay zero, got %s", update.Ticker.BidPrice)
	}
	if update.Ticker.AskPrice.String() != "1.1001" {
		t.Fatalf("ask: got %s", update.Ticker.AskPrice)
	}
}

func TestParseOrdersCarriesAccount(t *testing.T) {
	p := testParser()
	data := json.RawMessage(`[{"symbol":"EURUSD","orderLinkId":"c1","orderId":"v1","side":"Buy","orderType":"Limit","orderStatus":"New","price":"1.1","qty":"2","cumExecQty":"0","updatedTime":"1700000000000"}]`)
	reports, err := p.ParseOrders("acct-1", data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(reports) != 1 || reports[0].AccountID != "acct-1" {
		t.Fatalf("reports: got %+v", reports)
	}
	if reports[0].Status != models.OrderStatusNew {
		t.Fatalf("status: got %v", reports[0].Status)
	}
}

func TestParseWallet(t *testing.T) {
	p := testParser()
	data := json.RawMessage(`[{"coin":[{"coin":"USD","walletBalance":"1000.5","availableToWithdraw":"900"}]}]`)
	balances, err := p.ParseWallet("acct-1", time.Now(), data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(balances) != 1 || balances[0].Currency != "USD" {
		t.Fatalf("balances: got %+v", balances)
	}
	if balances[0].Total.String() != "1000.5" {
		t.Fatalf("total: got %s", balances[0].Total)
	}
}

func TestUnknownSymbolKeepsFullPrecision(t *testing.T) {
	p := testParser()
	data := json.RawMessage(`{"s":"GBPUSD","b":[["1.123456789","0.123456"]],"a":[],"u":1}`)
	update, err := p.ParseBook(mustTopic(t, "orderbook.50.GBPUSD"), "snapshot", time.Now(), data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := update.Bids[0].Price.String(); got != "1.123456789" {
		t.Fatalf("price without instrument metadata should be untruncated, got %s", got)
	}
}
