package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mt5flow/internal/instruments"
	"mt5flow/internal/pending"
	"mt5flow/internal/retry"
	"mt5flow/internal/subs"
	"mt5flow/models"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type wireFrame struct {
	ReqID string            `json:"req_id"`
	Op    string            `json:"op"`
	Args  []json.RawMessage `json:"args"`
}

// stubVenue is a scripted websocket peer. Each inbound frame is handed to
// the behavior func together with a send callback.
type stubVenue struct {
	t        *testing.T
	server   *httptest.Server
	behavior func(conn int, frame wireFrame, send func(interface{}))
	pongs    chan string

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newStubVenue(t *testing.T, behavior func(conn int, frame wireFrame, send func(interface{}))) *stubVenue {
	v := &stubVenue{t: t, behavior: behavior, pongs: make(chan string, 8)}
	v.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws.SetPongHandler(func(data string) error {
			select {
			case v.pongs <- data:
			default:
			}
			return nil
		})
		v.mu.Lock()
		v.conns = append(v.conns, ws)
		connID := len(v.conns)
		v.mu.Unlock()

		var sendMu sync.Mutex
		send := func(msg interface{}) {
			payload, err := json.Marshal(msg)
			if err != nil {
				return
			}
			sendMu.Lock()
			ws.WriteMessage(websocket.TextMessage, payload)
			sendMu.Unlock()
		}
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var frame wireFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			v.behavior(connID, frame, send)
		}
	}))
	t.Cleanup(v.server.Close)
	return v
}

func (v *stubVenue) url() string {
	return "ws" + strings.TrimPrefix(v.server.URL, "http")
}

func (v *stubVenue) closeConn(i int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i <= len(v.conns) {
		v.conns[i-1].Close()
	}
}

func (v *stubVenue) pingConn(i int, payload string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i > len(v.conns) {
		return fmt.Errorf("no connection %d", i)
	}
	return v.conns[i-1].WriteControl(websocket.PingMessage, []byte(payload), time.Now().Add(time.Second))
}

func testConfig(url string) Config {
	return Config{
		URL:               url,
		HeartbeatInterval: time.Second,
		WSTimeout:         5 * time.Second,
		Reconnect: retry.Policy{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			Multiplier:   1.5,
			Jitter:       time.Millisecond,
		},
		ReconnectEnabled:   true,
		MaxConnectAttempts: 3,
		SendAttempts:       2,
	}
}

func startSession(t *testing.T, cfg Config) (*Session, *subs.Registry) {
	t.Helper()
	registry := subs.NewRegistry()
	s := New(cfg, registry, instruments.NewCache())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		s.Shutdown()
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
		}
		cancel()
	})
	go s.Run(ctx)
	return s, registry
}

func waitEvent(t *testing.T, events <-chan models.Event, match func(models.Event) bool) models.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				t.Fatalf("event stream closed while waiting")
			}
			if match(e) {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never satisfied")
}

func ackAndStream(conn int, frame wireFrame, send func(interface{})) {
	switch frame.Op {
	case "ping":
		send(map[string]interface{}{"op": "pong", "success": true})
	case "subscribe", "unsubscribe":
		send(map[string]interface{}{"op": frame.Op, "success": true, "req_id": frame.ReqID})
	}
}

func TestSubscribeConfirmAndStream(t *testing.T) {
	venue := newStubVenue(t, func(conn int, frame wireFrame, send func(interface{})) {
		ackAndStream(conn, frame, send)
		if frame.Op == "subscribe" {
			send(map[string]interface{}{
				"topic": "orderbook.1.EURUSD",
				"type":  "snapshot",
				"ts":    time.Now().UnixMilli(),
				"data": map[string]interface{}{
					"s": "EURUSD",
					"b": [][]string{{"1.1000", "2"}},
					"a": [][]string{{"1.1002", "3"}},
					"u": 1,
				},
			})
		}
	})

	s, registry := startSession(t, testConfig(venue.url()))
	waitFor(t, func() bool { return s.Mode() == ModeActive })

	registry.AddReference("orderbook.1.EURUSD")
	s.Subscribe([]string{"orderbook.1.EURUSD"})

	waitFor(t, func() bool {
		state, ok := registry.StateOf("orderbook.1.EURUSD")
		return ok && state == subs.StateConfirmed
	})

	e := waitEvent(t, s.Events(), func(e models.Event) bool {
		_, ok := e.(models.BookEvent)
		return ok
	})
	book := e.(models.BookEvent).Book
	if book.Symbol != "EURUSD" || book.Type != models.BookSnapshot {
		t.Fatalf("book: %+v", book)
	}

	// Depth-1 book updates also synthesize a top-of-book quote.
	q := waitEvent(t, s.Events(), func(e models.Event) bool {
		_, ok := e.(models.QuoteEvent)
		return ok
	})
	quote := q.(models.QuoteEvent).Quote
	if quote.BidPrice.String() != "1.1" || quote.AskPrice.String() != "1.1002" {
		t.Fatalf("quote: %+v", quote)
	}
}

func TestOrderRejectionCarriesOrigin(t *testing.T) {
	venue := newStubVenue(t, func(conn int, frame wireFrame, send func(interface{})) {
		ackAndStream(conn, frame, send)
		if strings.HasPrefix(frame.Op, "order.") {
			var params struct {
				OrderLinkID string `json:"orderLinkId"`
			}
			if len(frame.Args) > 0 {
				json.Unmarshal(frame.Args[0], &params)
			}
			send(map[string]interface{}{
				"op": frame.Op, "retCode": 10001, "retMsg": "insufficient margin",
				"data": map[string]string{"orderLinkId": params.OrderLinkID},
			})
		}
	})

	s, _ := startSession(t, testConfig(venue.url()))
	waitFor(t, func() bool { return s.Mode() == ModeActive })

	s.SubmitOrder("order.create", pending.Origin{
		Op:            pending.OpCreate,
		TraderID:      "trader-1",
		StrategyID:    "strat-1",
		Symbol:        "EURUSD",
		ClientOrderID: "c-99",
	}, map[string]interface{}{"orderLinkId": "c-99"})

	e := waitEvent(t, s.Events(), func(e models.Event) bool {
		_, ok := e.(models.OrderRejectedEvent)
		return ok
	})
	rej := e.(models.OrderRejectedEvent)
	if rej.Kind != models.RejectSubmit || rej.TraderID != "trader-1" || rej.ClientOrderID != "c-99" {
		t.Fatalf("rejection: %+v", rej)
	}
	if rej.Reason != "insufficient margin" {
		t.Fatalf("reason: %q", rej.Reason)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending entry should be removed after correlation")
	}
}

func TestSuccessfulOrderIsSilent(t *testing.T) {
	venue := newStubVenue(t, func(conn int, frame wireFrame, send func(interface{})) {
		ackAndStream(conn, frame, send)
		if strings.HasPrefix(frame.Op, "order.") {
			var params struct {
				OrderLinkID string `json:"orderLinkId"`
			}
			if len(frame.Args) > 0 {
				json.Unmarshal(frame.Args[0], &params)
			}
			send(map[string]interface{}{
				"op": frame.Op, "retCode": 0, "retMsg": "OK",
				"data": map[string]string{"orderLinkId": params.OrderLinkID},
			})
		}
	})

	s, _ := startSession(t, testConfig(venue.url()))
	waitFor(t, func() bool { return s.Mode() == ModeActive })

	s.SubmitOrder("order.create", pending.Origin{
		Op:            pending.OpCreate,
		ClientOrderID: "c-1",
	}, map[string]interface{}{"orderLinkId": "c-1"})

	waitFor(t, func() bool { return s.Pending() == 0 })
	select {
	case e := <-s.Events():
		if _, bad := e.(models.OrderRejectedEvent); bad {
			t.Fatalf("successful order must not emit a rejection: %+v", e)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

// batchEcho answers every order op with a list-shaped response carrying one
// entry per submitted order, the way the venue answers batch frames.
func batchEcho(retCode int, retMsg string) func(conn int, frame wireFrame, send func(interface{})) {
	return func(conn int, frame wireFrame, send func(interface{})) {
		ackAndStream(conn, frame, send)
		if !strings.HasPrefix(frame.Op, "order.") {
			return
		}
		var list []map[string]string
		for _, arg := range frame.Args {
			var p struct {
				OrderLinkID string `json:"orderLinkId"`
			}
			if err := json.Unmarshal(arg, &p); err == nil {
				list = append(list, map[string]string{"orderLinkId": p.OrderLinkID})
			}
		}
		send(map[string]interface{}{
			"op": frame.Op, "retCode": retCode, "retMsg": retMsg,
			"data": map[string]interface{}{"list": list},
		})
	}
}

func submitTestBatch(s *Session) {
	s.SubmitBatch("order.create-batch",
		[]pending.Origin{
			{Op: pending.OpCreate, Symbol: "EURUSD", ClientOrderID: "b-1"},
			{Op: pending.OpCreate, Symbol: "XAUUSD", ClientOrderID: "b-2"},
		},
		[]map[string]interface{}{
			{"orderLinkId": "b-1"},
			{"orderLinkId": "b-2"},
		})
}

func TestBatchAckSettlesEveryEntry(t *testing.T) {
	venue := newStubVenue(t, batchEcho(0, "OK"))
	s, _ := startSession(t, testConfig(venue.url()))
	waitFor(t, func() bool { return s.Mode() == ModeActive })

	submitTestBatch(s)
	waitFor(t, func() bool { return s.Pending() == 0 })
	select {
	case e := <-s.Events():
		if _, bad := e.(models.OrderRejectedEvent); bad {
			t.Fatalf("positive batch ack must not emit a rejection: %+v", e)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBatchRefusalRejectsEveryEntry(t *testing.T) {
	venue := newStubVenue(t, batchEcho(10001, "insufficient margin"))
	s, _ := startSession(t, testConfig(venue.url()))
	waitFor(t, func() bool { return s.Mode() == ModeActive })

	submitTestBatch(s)

	events := s.Events()
	seen := map[string]bool{}
	for len(seen) < 2 {
		e := waitEvent(t, events, func(e models.Event) bool {
			_, ok := e.(models.OrderRejectedEvent)
			return ok
		})
		rej := e.(models.OrderRejectedEvent)
		if rej.Kind != models.RejectSubmit || rej.Reason != "insufficient margin" {
			t.Fatalf("rejection: %+v", rej)
		}
		seen[rej.ClientOrderID] = true
	}
	if !seen["b-1"] || !seen["b-2"] {
		t.Fatalf("rejections: %v", seen)
	}
	if s.Pending() != 0 {
		t.Fatalf("pending: got %d, want 0", s.Pending())
	}
}

func TestHeartbeatPingsWhileActive(t *testing.T) {
	var mu sync.Mutex
	pings := 0
	venue := newStubVenue(t, func(conn int, frame wireFrame, send func(interface{})) {
		if frame.Op == "ping" {
			mu.Lock()
			pings++
			mu.Unlock()
		}
		ackAndStream(conn, frame, send)
	})

	cfg := testConfig(venue.url())
	cfg.HeartbeatInterval = 100 * time.Millisecond
	s, _ := startSession(t, cfg)
	waitFor(t, func() bool { return s.Mode() == ModeActive })

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return pings >= 2
	})
}

func TestControlPingAnsweredWithControlPong(t *testing.T) {
	venue := newStubVenue(t, ackAndStream)
	s, _ := startSession(t, testConfig(venue.url()))
	waitFor(t, func() bool { return s.Mode() == ModeActive })

	if err := venue.pingConn(1, "hb-1"); err != nil {
		t.Fatalf("control ping: %v", err)
	}
	select {
	case data := <-venue.pongs:
		if data != "hb-1" {
			t.Fatalf("pong payload: got %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("control pong never arrived")
	}
}

func TestReadPumpStopsWhenAbandoned(t *testing.T) {
	venue := newStubVenue(t, func(conn int, frame wireFrame, send func(interface{})) {
		if frame.Op == "ping" {
			for i := 0; i < 4; i++ {
				send(map[string]interface{}{"op": "pong", "success": true})
			}
		}
	})

	s := New(testConfig(venue.url()), subs.NewRegistry(), instruments.NewCache())
	conn, _, err := websocket.DefaultDialer.Dial(venue.url(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	frames := make(chan frame)
	errs := make(chan error, 1)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.readPump(conn, 1, frames, errs, stop)
		close(done)
	}()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-frames:
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame from pump")
	}

	// More frames are queued but nobody drains the channel anymore; the
	// stop signal must release the blocked pump.
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("read pump did not exit after being abandoned")
	}
}

func TestShutdownDrainsPendingToSyntheticRejections(t *testing.T) {
	venue := newStubVenue(t, func(conn int, frame wireFrame, send func(interface{})) {
		// Swallow order requests so the pending entry never correlates.
		ackAndStream(conn, frame, send)
	})

	s, _ := startSession(t, testConfig(venue.url()))
	waitFor(t, func() bool { return s.Mode() == ModeActive })

	s.SubmitOrder("order.cancel", pending.Origin{
		Op:            pending.OpCancel,
		Symbol:        "EURUSD",
		ClientOrderID: "c-5",
	}, map[string]interface{}{"orderLinkId": "c-5"})
	waitFor(t, func() bool { return s.Pending() == 1 })

	events := s.Events()
	s.Shutdown()

	var rejection *models.OrderRejectedEvent
	for e := range events {
		if rej, ok := e.(models.OrderRejectedEvent); ok {
			rejection = &rej
		}
	}
	if rejection == nil {
		t.Fatalf("expected synthetic rejection before the stream closed")
	}
	if rejection.Kind != models.RejectCancel || rejection.Reason != "session closed" {
		t.Fatalf("rejection: %+v", rejection)
	}
	if s.Mode() != ModeClosed {
		t.Fatalf("mode: got %v, want closed", s.Mode())
	}
}

func TestReconnectReplaysEachTopicSeparately(t *testing.T) {
	var mu sync.Mutex
	subscribesByConn := make(map[int][]string)

	venue := newStubVenue(t, func(conn int, frame wireFrame, send func(interface{})) {
		if frame.Op == "subscribe" {
			var topics []string
			for _, arg := range frame.Args {
				var s string
				if err := json.Unmarshal(arg, &s); err == nil {
					topics = append(topics, s)
				}
			}
			mu.Lock()
			subscribesByConn[conn] = append(subscribesByConn[conn], topics...)
			mu.Unlock()
		}
		ackAndStream(conn, frame, send)
	})

	s, registry := startSession(t, testConfig(venue.url()))
	waitFor(t, func() bool { return s.Mode() == ModeActive })

	registry.AddReference("ticker.EURUSD")
	registry.AddReference("publicTrade.XAUUSD")
	s.Subscribe([]string{"ticker.EURUSD", "publicTrade.XAUUSD"})
	waitFor(t, func() bool {
		a, _ := registry.StateOf("ticker.EURUSD")
		b, _ := registry.StateOf("publicTrade.XAUUSD")
		return a == subs.StateConfirmed && b == subs.StateConfirmed
	})

	events := s.Events()
	venue.closeConn(1)

	waitEvent(t, events, func(e models.Event) bool {
		_, ok := e.(models.ReconnectedEvent)
		return ok
	})

	waitFor(t, func() bool {
		a, _ := registry.StateOf("ticker.EURUSD")
		b, _ := registry.StateOf("publicTrade.XAUUSD")
		return a == subs.StateConfirmed && b == subs.StateConfirmed
	})

	mu.Lock()
	replayed := subscribesByConn[2]
	mu.Unlock()
	if len(replayed) != 2 {
		t.Fatalf("replay: got %v, want both topics", replayed)
	}
	seen := map[string]bool{}
	for _, topic := range replayed {
		seen[topic] = true
	}
	if !seen["ticker.EURUSD"] || !seen["publicTrade.XAUUSD"] {
		t.Fatalf("replay: got %v", replayed)
	}
}

func TestAuthHandshakeGatesActive(t *testing.T) {
	venue := newStubVenue(t, func(conn int, frame wireFrame, send func(interface{})) {
		if frame.Op == "auth" {
			send(map[string]interface{}{"op": "auth", "success": true, "ret_msg": ""})
			return
		}
		ackAndStream(conn, frame, send)
	})

	cfg := testConfig(venue.url())
	cfg.APIKey = "key"
	cfg.APISecret = "secret"
	s, _ := startSession(t, cfg)

	e := waitEvent(t, s.Events(), func(e models.Event) bool {
		_, ok := e.(models.AuthenticatedEvent)
		return ok
	})
	if !e.(models.AuthenticatedEvent).OK {
		t.Fatalf("auth should succeed")
	}
	waitFor(t, func() bool { return s.Mode() == ModeActive })
	if s.AuthStatus() != AuthSucceeded {
		t.Fatalf("auth status: got %v", s.AuthStatus())
	}
}

func TestAuthRejectionReported(t *testing.T) {
	venue := newStubVenue(t, func(conn int, frame wireFrame, send func(interface{})) {
		if frame.Op == "auth" {
			send(map[string]interface{}{"op": "auth", "success": false, "ret_msg": "bad signature"})
			return
		}
		ackAndStream(conn, frame, send)
	})

	cfg := testConfig(venue.url())
	cfg.APIKey = "key"
	cfg.APISecret = "wrong"
	s, _ := startSession(t, cfg)

	e := waitEvent(t, s.Events(), func(e models.Event) bool {
		_, ok := e.(models.AuthenticatedEvent)
		return ok
	})
	auth := e.(models.AuthenticatedEvent)
	if auth.OK || auth.Reason != "bad signature" {
		t.Fatalf("auth event: %+v", auth)
	}
	if s.AuthStatus() != AuthFailed {
		t.Fatalf("auth status: got %v", s.AuthStatus())
	}
}

func TestSimulatedOrdersShortCircuit(t *testing.T) {
	received := make(chan string, 8)
	venue := newStubVenue(t, func(conn int, frame wireFrame, send func(interface{})) {
		if strings.HasPrefix(frame.Op, "order.") {
			received <- frame.Op
		}
		ackAndStream(conn, frame, send)
	})

	cfg := testConfig(venue.url())
	cfg.SimulateOrders = true
	s, _ := startSession(t, cfg)
	waitFor(t, func() bool { return s.Mode() == ModeActive })

	s.SubmitOrder("order.create", pending.Origin{
		Op:            pending.OpCreate,
		ClientOrderID: "sim-1",
	}, map[string]interface{}{"orderLinkId": "sim-1"})

	e := waitEvent(t, s.Events(), func(e models.Event) bool {
		_, ok := e.(models.OrderAcceptedEvent)
		return ok
	})
	if e.(models.OrderAcceptedEvent).ClientOrderID != "sim-1" {
		t.Fatalf("event: %+v", e)
	}
	select {
	case op := <-received:
		t.Fatalf("simulated order must not reach the wire, got %s", op)
	case <-time.After(200 * time.Millisecond):
	}
}
