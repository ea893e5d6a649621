package ws

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mt5flow/internal/codec"
	"mt5flow/internal/instruments"
	"mt5flow/internal/pending"
	"mt5flow/internal/session"
	"mt5flow/internal/subs"
	"mt5flow/internal/topic"
	"mt5flow/logger"
	"mt5flow/models"
)

// batchLimit is the venue ceiling on orders per batch frame.
const batchLimit = 20

// Config wraps the session configuration with façade-level limits.
type Config struct {
	Session          session.Config
	MaxSubscriptions int
	ConnectTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = 200
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
}

// Client is the public streaming interface. It validates and translates
// requests on the caller's goroutine, hands them to the session actor, and
// never touches the socket itself.
type Client struct {
	cfg      Config
	log      *logger.Log
	registry *subs.Registry
	cache    *instruments.Cache
	sess     *session.Session

	mu         sync.Mutex
	started    bool
	closed     bool
	cancel     context.CancelFunc
	preConnect []models.Instrument

	eventsTaken atomic.Bool
}

// NewClient builds an unconnected client.
func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	registry := subs.NewRegistry()
	cache := instruments.NewCache()
	return &Client{
		cfg:      cfg,
		log:      logger.GetLogger(),
		registry: registry,
		cache:    cache,
		sess:     session.New(cfg.Session, registry, cache),
	}
}

// Connect starts the session actor and blocks until the session is active,
// including the auth handshake when credentials are configured.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connect: client is closed")
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("connect: already connected")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	buffered := c.preConnect
	c.preConnect = nil
	c.mu.Unlock()

	go c.sess.Run(runCtx)
	if len(buffered) > 0 {
		c.sess.InitInstruments(buffered)
	}
	return c.waitUntilActive(ctx)
}

func (c *Client) waitUntilActive(ctx context.Context) error {
	deadline := time.NewTimer(c.cfg.ConnectTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			switch c.sess.Mode() {
			case session.ModeActive:
				if c.cfg.Session.RequiresAuth() && c.sess.AuthStatus() == session.AuthFailed {
					return fmt.Errorf("connect: authentication rejected")
				}
				return nil
			case session.ModeClosed:
				return fmt.Errorf("connect: session closed during startup")
			}
		case <-c.sess.Done():
			return fmt.Errorf("connect: session closed during startup")
		case <-deadline.C:
			return fmt.Errorf("connect: timed out after %s", c.cfg.ConnectTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close shuts the session down and waits a bounded time for the actor to
// drain. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	cancel := c.cancel
	c.mu.Unlock()

	if !started {
		return nil
	}
	c.sess.Shutdown()
	select {
	case <-c.sess.Done():
	case <-time.After(2 * time.Second):
		c.log.WithComponent("ws_client").Warn("session did not drain before deadline")
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// IsActive reports whether the session is connected and past the handshake.
func (c *Client) IsActive() bool {
	return c.sess.Mode() == session.ModeActive
}

// IsClosed reports whether the session has fully shut down.
func (c *Client) IsClosed() bool {
	return c.sess.Mode() == session.ModeClosed
}

// Events hands out the session's outbound stream. The channel has a single
// owner: the second call fails.
func (c *Client) Events() (<-chan models.Event, error) {
	if c.eventsTaken.Swap(true) {
		return nil, fmt.Errorf("events: stream already taken")
	}
	return c.sess.Events(), nil
}

// CacheInstrument stores per-symbol precision metadata. Instruments cached
// before Connect are replayed to the session at startup.
func (c *Client) CacheInstrument(inst models.Instrument) {
	c.CacheInstruments([]models.Instrument{inst})
}

// CacheInstruments caches a batch of instruments.
func (c *Client) CacheInstruments(insts []models.Instrument) {
	c.mu.Lock()
	started := c.started
	if !started {
		c.preConnect = append(c.preConnect, insts...)
	}
	c.mu.Unlock()
	if started {
		c.sess.InitInstruments(insts)
	}
}

// Instrument returns the cached metadata for a symbol.
func (c *Client) Instrument(symbol string) (models.Instrument, bool) {
	return c.cache.Get(symbol)
}

// SubscribeOrderBook subscribes to the order book at the given depth.
// Depth 1 also drives synthesized top-of-book quotes.
func (c *Client) SubscribeOrderBook(symbol string, depth int) error {
	return c.subscribe(topic.OrderBook(symbol, depth))
}

// UnsubscribeOrderBook drops one order book reference.
func (c *Client) UnsubscribeOrderBook(symbol string, depth int) error {
	return c.unsubscribe(topic.OrderBook(symbol, depth))
}

// SubscribeTrades subscribes to public trades for a symbol.
func (c *Client) SubscribeTrades(symbol string) error {
	return c.subscribe(topic.Trades(symbol))
}

// UnsubscribeTrades drops one trade reference.
func (c *Client) UnsubscribeTrades(symbol string) error {
	return c.unsubscribe(topic.Trades(symbol))
}

// SubscribeTicker subscribes to ticker statistics, which also carry funding
// updates on linear products.
func (c *Client) SubscribeTicker(symbol string) error {
	return c.subscribe(topic.Ticker(symbol))
}

// UnsubscribeTicker drops one ticker reference.
func (c *Client) UnsubscribeTicker(symbol string) error {
	return c.unsubscribe(topic.Ticker(symbol))
}

// SubscribeKlines subscribes to confirmed bars at the given interval.
func (c *Client) SubscribeKlines(symbol, interval string) error {
	t, err := topic.Parse(topic.Kline(symbol, interval))
	if err != nil {
		return err
	}
	if _, err := t.Interval(); err != nil {
		return err
	}
	return c.subscribe(t.String())
}

// UnsubscribeKlines drops one kline reference.
func (c *Client) UnsubscribeKlines(symbol, interval string) error {
	return c.unsubscribe(topic.Kline(symbol, interval))
}

// Authenticate re-runs the auth handshake, for recovering from a rejected
// handshake after credentials were fixed out of band. The outcome arrives as
// an AuthenticatedEvent.
func (c *Client) Authenticate() error {
	if !c.cfg.Session.RequiresAuth() {
		return fmt.Errorf("authenticate: no credentials configured")
	}
	c.sess.Authenticate()
	return nil
}

// SubscribeOrders subscribes to the private order report channel.
func (c *Client) SubscribeOrders() error {
	return c.subscribePrivate(topic.ChannelOrder)
}

// SubscribeExecutions subscribes to the private fill channel.
func (c *Client) SubscribeExecutions() error {
	return c.subscribePrivate(topic.ChannelExecution)
}

// SubscribePositions subscribes to the private position channel.
func (c *Client) SubscribePositions() error {
	return c.subscribePrivate(topic.ChannelPosition)
}

// SubscribeWallet subscribes to the private wallet channel.
func (c *Client) SubscribeWallet() error {
	return c.subscribePrivate(topic.ChannelWallet)
}

// UnsubscribePrivate drops one reference to a private channel.
func (c *Client) UnsubscribePrivate(channel string) error {
	if !topic.IsPrivate(channel) {
		return fmt.Errorf("unsubscribe: %q is not a private channel", channel)
	}
	return c.unsubscribe(channel)
}

func (c *Client) subscribePrivate(channel string) error {
	if !c.cfg.Session.RequiresAuth() {
		return fmt.Errorf("subscribe %s: credentials are required for private channels", channel)
	}
	return c.subscribe(channel)
}

// subscribe adds a logical reference; only the first reference for a topic
// produces a wire subscribe.
func (c *Client) subscribe(t string) error {
	if _, tracked := c.registry.StateOf(t); !tracked && c.registry.Len() >= c.cfg.MaxSubscriptions {
		return fmt.Errorf("subscribe %s: subscription limit %d reached", t, c.cfg.MaxSubscriptions)
	}
	if c.registry.AddReference(t) == subs.FirstSubscriber {
		c.sess.Subscribe([]string{t})
	}
	return nil
}

// unsubscribe drops a logical reference; only the last reference produces a
// wire unsubscribe.
func (c *Client) unsubscribe(t string) error {
	switch c.registry.RemoveReference(t) {
	case subs.NotFound:
		return fmt.Errorf("unsubscribe %s: not subscribed", t)
	case subs.LastSubscriber:
		c.sess.Unsubscribe([]string{t})
	}
	return nil
}

// SubmitOrder validates and submits a single order. The venue response is
// correlated by ClientOrderID; refusals surface as typed rejection events.
func (c *Client) SubmitOrder(req models.OrderRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	params, err := createParams(req)
	if err != nil {
		return err
	}
	c.sess.SubmitOrder(codec.OpOrderCreate, pending.Origin{
		Op:            pending.OpCreate,
		TraderID:      req.TraderID,
		StrategyID:    req.StrategyID,
		Symbol:        req.Symbol,
		ClientOrderID: req.ClientOrderID,
	}, params)
	return nil
}

// ModifyOrder amends a working order.
func (c *Client) ModifyOrder(req models.ModifyRequest) error {
	params, err := amendParams(req)
	if err != nil {
		return err
	}
	c.sess.SubmitOrder(codec.OpOrderAmend, pending.Origin{
		Op:            pending.OpAmend,
		TraderID:      req.TraderID,
		StrategyID:    req.StrategyID,
		Symbol:        req.Symbol,
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  req.VenueOrderID,
	}, params)
	return nil
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(req models.CancelRequest) error {
	params, err := cancelParams(req)
	if err != nil {
		return err
	}
	c.sess.SubmitOrder(codec.OpOrderCancel, pending.Origin{
		Op:            pending.OpCancel,
		TraderID:      req.TraderID,
		StrategyID:    req.StrategyID,
		Symbol:        req.Symbol,
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  req.VenueOrderID,
	}, params)
	return nil
}

// SubmitOrderBatch submits up to the venue batch limit of orders in one
// frame. Any validation failure aborts the whole batch before the wire.
func (c *Client) SubmitOrderBatch(reqs []models.OrderRequest) error {
	if err := checkBatchSize(len(reqs)); err != nil {
		return err
	}
	origins := make([]pending.Origin, 0, len(reqs))
	params := make([]map[string]interface{}, 0, len(reqs))
	for i, req := range reqs {
		if err := req.Validate(); err != nil {
			return fmt.Errorf("batch entry %d: %w", i, err)
		}
		p, err := createParams(req)
		if err != nil {
			return fmt.Errorf("batch entry %d: %w", i, err)
		}
		origins = append(origins, pending.Origin{
			Op:            pending.OpCreate,
			TraderID:      req.TraderID,
			StrategyID:    req.StrategyID,
			Symbol:        req.Symbol,
			ClientOrderID: req.ClientOrderID,
		})
		params = append(params, p)
	}
	c.sess.SubmitBatch(codec.OpOrderCreateBatch, origins, params)
	return nil
}

// ModifyOrderBatch amends up to the venue batch limit of orders in one frame.
func (c *Client) ModifyOrderBatch(reqs []models.ModifyRequest) error {
	if err := checkBatchSize(len(reqs)); err != nil {
		return err
	}
	origins := make([]pending.Origin, 0, len(reqs))
	params := make([]map[string]interface{}, 0, len(reqs))
	for i, req := range reqs {
		p, err := amendParams(req)
		if err != nil {
			return fmt.Errorf("batch entry %d: %w", i, err)
		}
		origins = append(origins, pending.Origin{
			Op:            pending.OpAmend,
			TraderID:      req.TraderID,
			StrategyID:    req.StrategyID,
			Symbol:        req.Symbol,
			ClientOrderID: req.ClientOrderID,
			VenueOrderID:  req.VenueOrderID,
		})
		params = append(params, p)
	}
	c.sess.SubmitBatch(codec.OpOrderAmendBatch, origins, params)
	return nil
}

// CancelOrderBatch cancels up to the venue batch limit of orders in one frame.
func (c *Client) CancelOrderBatch(reqs []models.CancelRequest) error {
	if err := checkBatchSize(len(reqs)); err != nil {
		return err
	}
	origins := make([]pending.Origin, 0, len(reqs))
	params := make([]map[string]interface{}, 0, len(reqs))
	for i, req := range reqs {
		p, err := cancelParams(req)
		if err != nil {
			return fmt.Errorf("batch entry %d: %w", i, err)
		}
		origins = append(origins, pending.Origin{
			Op:            pending.OpCancel,
			TraderID:      req.TraderID,
			StrategyID:    req.StrategyID,
			Symbol:        req.Symbol,
			ClientOrderID: req.ClientOrderID,
			VenueOrderID:  req.VenueOrderID,
		})
		params = append(params, p)
	}
	c.sess.SubmitBatch(codec.OpOrderCancelBatch, origins, params)
	return nil
}

func checkBatchSize(n int) error {
	if n == 0 {
		return fmt.Errorf("batch: empty")
	}
	if n > batchLimit {
		return fmt.Errorf("batch: %d entries exceeds limit %d", n, batchLimit)
	}
	return nil
}

// SendRaw forwards a pre-encoded frame to the session. Escape hatch for
// venue extensions not modeled here.
func (c *Client) SendRaw(data []byte) {
	c.sess.SendRaw(data)
}
