package ws

import (
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"mt5flow/internal/session"
	"mt5flow/internal/subs"
	"mt5flow/models"
)

func testClient() *Client {
	return NewClient(Config{
		Session: session.Config{URL: "ws://127.0.0.1:1/realtime"},
	})
}

func TestEventsSingleTake(t *testing.T) {
	c := testClient()
	if _, err := c.Events(); err != nil {
		t.Fatalf("first take: %v", err)
	}
	if _, err := c.Events(); err == nil {
		t.Fatalf("second take must fail")
	}
}

func TestSubscribeRefCounting(t *testing.T) {
	c := testClient()
	if err := c.SubscribeTrades("EURUSD"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.SubscribeTrades("EURUSD"); err != nil {
		t.Fatalf("duplicate subscribe: %v", err)
	}
	if refs := c.registry.Refs("publicTrade.EURUSD"); refs != 2 {
		t.Fatalf("refs: got %d, want 2", refs)
	}
	if err := c.UnsubscribeTrades("EURUSD"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	state, ok := c.registry.StateOf("publicTrade.EURUSD")
	if !ok || state == subs.StatePendingUnsubscribe {
		t.Fatalf("one reference remains, state got %v ok=%v", state, ok)
	}
}

func TestUnsubscribeUnknownFails(t *testing.T) {
	c := testClient()
	if err := c.UnsubscribeTicker("EURUSD"); err == nil {
		t.Fatalf("expected error for unknown subscription")
	}
}

func TestSubscriptionLimit(t *testing.T) {
	c := NewClient(Config{
		Session:          session.Config{URL: "ws://127.0.0.1:1/realtime"},
		MaxSubscriptions: 2,
	})
	if err := c.SubscribeTrades("EURUSD"); err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	if err := c.SubscribeTicker("EURUSD"); err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}
	if err := c.SubscribeTrades("XAUUSD"); err == nil {
		t.Fatalf("expected limit error for third topic")
	}
	// Another reference to a tracked topic does not count against the cap.
	if err := c.SubscribeTrades("EURUSD"); err != nil {
		t.Fatalf("duplicate reference: %v", err)
	}
}

func TestPrivateSubscribeRequiresCredentials(t *testing.T) {
	c := testClient()
	for name, fn := range map[string]func() error{
		"orders":     c.SubscribeOrders,
		"executions": c.SubscribeExecutions,
		"positions":  c.SubscribePositions,
		"wallet":     c.SubscribeWallet,
	} {
		if err := fn(); err == nil {
			t.Errorf("%s: expected credential error", name)
		}
	}

	authed := NewClient(Config{
		Session: session.Config{
			URL:    "ws://127.0.0.1:1/realtime",
			APIKey: "k", APISecret: "s",
		},
	})
	if err := authed.SubscribeWallet(); err != nil {
		t.Fatalf("authed wallet subscribe: %v", err)
	}
}

func TestAuthenticateRequiresCredentials(t *testing.T) {
	c := testClient()
	if err := c.Authenticate(); err == nil {
		t.Fatalf("expected credential error")
	}
	authed := NewClient(Config{
		Session: session.Config{
			URL:   "ws://127.0.0.1:1/realtime",
			Login: "1000001", Password: "pw", Server: "Demo",
		},
	})
	if err := authed.Authenticate(); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
}

func TestKlineIntervalValidated(t *testing.T) {
	c := testClient()
	if err := c.SubscribeKlines("EURUSD", "banana"); err == nil {
		t.Fatalf("expected error for invalid interval")
	}
	if err := c.SubscribeKlines("EURUSD", "15"); err != nil {
		t.Fatalf("valid interval: %v", err)
	}
}

func TestSubmitOrderValidation(t *testing.T) {
	c := testClient()
	err := c.SubmitOrder(models.OrderRequest{Symbol: "EURUSD"})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if c.sess.Pending() != 0 {
		t.Fatalf("invalid order must not reach the pending table")
	}
}

func TestBatchSizeGuard(t *testing.T) {
	c := testClient()

	if err := c.SubmitOrderBatch(nil); err == nil {
		t.Fatalf("expected error for empty batch")
	}

	reqs := make([]models.OrderRequest, batchLimit+1)
	for i := range reqs {
		reqs[i] = models.OrderRequest{
			ClientOrderID: fmt.Sprintf("c%d", i),
			Symbol:        "EURUSD",
			Side:          models.SideBuy,
			Type:          models.OrderMarket,
			Quantity:      decimal.NewFromInt(1),
		}
	}
	err := c.SubmitOrderBatch(reqs)
	if err == nil {
		t.Fatalf("expected error for oversized batch")
	}
	if !strings.Contains(err.Error(), "exceeds limit") {
		t.Fatalf("error: %v", err)
	}
	if c.sess.Pending() != 0 {
		t.Fatalf("oversized batch must not reach the pending table")
	}

	if err := c.SubmitOrderBatch(reqs[:batchLimit]); err != nil {
		t.Fatalf("batch at limit: %v", err)
	}
}

func TestBatchAbortsOnAnyInvalidEntry(t *testing.T) {
	c := testClient()
	reqs := []models.OrderRequest{
		{
			ClientOrderID: "good",
			Symbol:        "EURUSD",
			Side:          models.SideBuy,
			Type:          models.OrderMarket,
			Quantity:      decimal.NewFromInt(1),
		},
		{ClientOrderID: "bad"},
	}
	if err := c.SubmitOrderBatch(reqs); err == nil {
		t.Fatalf("expected error for invalid entry")
	}
	if c.sess.Pending() != 0 {
		t.Fatalf("partially valid batch must not reach the pending table")
	}
}

func TestCacheInstrumentBeforeConnect(t *testing.T) {
	c := testClient()
	c.CacheInstrument(models.Instrument{Symbol: "EURUSD", PricePrecision: 5})
	// Not connected yet, so the shared cache is still empty; the
	// instrument is buffered for replay.
	if _, ok := c.Instrument("EURUSD"); ok {
		t.Fatalf("instrument should be buffered, not cached, before connect")
	}
	if len(c.preConnect) != 1 {
		t.Fatalf("buffer: got %d entries, want 1", len(c.preConnect))
	}
}
