package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"mt5flow/internal/codec"
	"mt5flow/internal/instruments"
	"mt5flow/internal/pending"
	"mt5flow/internal/retry"
	"mt5flow/internal/subs"
	"mt5flow/logger"
	"mt5flow/models"
)

// Mode is the connection lifecycle state, owned by the actor and observable
// read-only by the façade.
type Mode int32

const (
	ModeClosed Mode = iota
	ModeConnecting
	ModeAuthenticating
	ModeActive
	ModeReconnecting
)

func (m Mode) String() string {
	switch m {
	case ModeClosed:
		return "closed"
	case ModeConnecting:
		return "connecting"
	case ModeAuthenticating:
		return "authenticating"
	case ModeActive:
		return "active"
	case ModeReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// AuthState tracks the handshake outcome; reset to pending on reconnect.
type AuthState int32

const (
	AuthNotAttempted AuthState = iota
	AuthPending
	AuthSucceeded
	AuthFailed
)

// Config holds everything the actor needs to run one streaming session.
type Config struct {
	URL       string
	ProxyURL  string
	AccountID string

	// HMAC credential shape.
	APIKey    string
	APISecret string
	// Terminal credential shape.
	Login    string
	Password string
	Server   string

	HeartbeatInterval time.Duration
	WSTimeout         time.Duration

	Reconnect          retry.Policy
	ReconnectEnabled   bool
	ReconnectTimeout   time.Duration
	MaxConnectAttempts int
	SendAttempts       int

	// SimulateOrders short-circuits order operations before the wire and
	// acknowledges them locally. Market data is unaffected.
	SimulateOrders bool

	EventBuffer   int
	CommandBuffer int
}

// RequiresAuth reports whether either credential shape is configured.
func (c Config) RequiresAuth() bool {
	return (c.APIKey != "" && c.APISecret != "") || c.Login != ""
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.WSTimeout <= 0 {
		c.WSTimeout = 30 * time.Second
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = 5
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = 3
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 4096
	}
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = 1024
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect = retry.DefaultPolicy()
	}
}

type frame struct {
	gen  int
	data []byte
}

type inflightSub struct {
	op     string
	topics []string
}

// Session is the actor that exclusively owns the socket, the pending-request
// table and the subscription lifecycle. All mutation happens on the actor
// goroutine; the façade communicates through the command channel and reads
// the registry and mode.
type Session struct {
	cfg Config
	log *logger.Log

	registry    *subs.Registry
	pendingTab  *pending.Table
	instruments *instruments.Cache
	parser      *codec.Parser

	commands chan command
	events   chan models.Event

	conn     *websocket.Conn
	frames   chan frame
	readErrs chan error
	pumpStop chan struct{}
	gen      int

	mode     atomic.Int32
	auth     atomic.Int32
	shutdown atomic.Bool
	done     chan struct{}
	once     sync.Once

	// Parser caches cleared on every reconnect.
	lastQuotes  map[string]models.Quote
	fundingSeen map[string]fundingKey
	inflight    map[string]inflightSub

	// Set while a reconnect waits for the auth ack before resubscribing.
	resubAfterAuth  bool
	emitReconnected bool
}

type fundingKey struct {
	rate decimal.Decimal
	next time.Time
}

// New builds a session actor around the shared registry and instrument
// cache. Run must be called exactly once.
func New(cfg Config, registry *subs.Registry, cache *instruments.Cache) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:         cfg,
		log:         logger.GetLogger(),
		registry:    registry,
		pendingTab:  pending.NewTable(),
		instruments: cache,
		parser:      codec.NewParser(cache),
		commands:    make(chan command, cfg.CommandBuffer),
		events:      make(chan models.Event, cfg.EventBuffer),
		done:        make(chan struct{}),
		lastQuotes:  make(map[string]models.Quote),
		fundingSeen: make(map[string]fundingKey),
		inflight:    make(map[string]inflightSub),
	}
}

// Events returns the outbound event stream. It is closed exactly once when
// the actor exits.
func (s *Session) Events() <-chan models.Event { return s.events }

// Mode returns the current connection mode.
func (s *Session) Mode() Mode { return Mode(s.mode.Load()) }

// AuthStatus returns the current auth tracker state.
func (s *Session) AuthStatus() AuthState { return AuthState(s.auth.Load()) }

// Done is closed when the actor goroutine has fully exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Pending exposes the number of outstanding order requests.
func (s *Session) Pending() int { return s.pendingTab.Len() }

// Run drives the session until shutdown. It owns the socket: it dials,
// authenticates, replays instruments and subscriptions, and multiplexes
// commands, frames and the idle timer.
func (s *Session) Run(ctx context.Context) {
	log := s.log.WithComponent("ws_session")
	defer s.finish()

	s.mode.Store(int32(ModeConnecting))
	if err := s.dial(ctx, s.cfg.MaxConnectAttempts); err != nil {
		log.WithError(err).Error("initial connect failed")
		s.emit(models.ErrorEvent{Kind: string(retry.KindOf(err)), Message: err.Error()})
		return
	}
	s.afterConnect(ctx, false)

	idle := time.NewTicker(100 * time.Millisecond)
	defer idle.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		if s.shutdown.Load() {
			return
		}
		select {
		case cmd := <-s.commands:
			if exit := s.handleCommand(ctx, cmd); exit {
				return
			}
		case fr := <-s.frames:
			if fr.gen == s.gen {
				s.handleFrame(ctx, fr.data)
			}
		case err := <-s.readErrs:
			log.WithError(err).Warn("socket read ended")
			if !s.reconnect(ctx) {
				return
			}
		case <-heartbeat.C:
			s.sendHeartbeat()
		case <-idle.C:
			// Wakeup to observe the shutdown flag.
		case <-ctx.Done():
			return
		}
	}
}

// finish drains outstanding order requests into synthetic rejections,
// closes the socket and ends the event stream.
func (s *Session) finish() {
	for _, origin := range s.pendingTab.Drain() {
		s.emit(models.OrderRejectedEvent{
			Kind:          origin.Rejection(),
			TraderID:      origin.TraderID,
			StrategyID:    origin.StrategyID,
			Symbol:        origin.Symbol,
			ClientOrderID: origin.ClientOrderID,
			VenueOrderID:  origin.VenueOrderID,
			Reason:        "session closed",
			Timestamp:     time.Now().UTC(),
		})
	}
	if s.pumpStop != nil {
		close(s.pumpStop)
		s.pumpStop = nil
	}
	if s.conn != nil {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
	}
	s.mode.Store(int32(ModeClosed))
	s.once.Do(func() {
		close(s.events)
		close(s.done)
	})
}

// Shutdown flips the shutdown flag and queues a disconnect so the actor
// observes it at its next suspension point.
func (s *Session) Shutdown() {
	s.shutdown.Store(true)
	select {
	case s.commands <- disconnectCmd{}:
	default:
	}
}

func (s *Session) dial(ctx context.Context, maxAttempts int) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if s.cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(s.cfg.ProxyURL); err == nil {
			dialer.Proxy = http.ProxyURL(proxyURL)
		}
	}

	log := s.log.WithComponent("ws_session").WithFields(logger.Fields{"url": s.cfg.URL})
	return retry.Do(ctx, s.cfg.Reconnect, maxAttempts, "connect", log, func() error {
		if s.shutdown.Load() {
			return retry.New(retry.KindNotConnected, "connect", fmt.Errorf("session closed"))
		}
		conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
		if err != nil {
			return retry.New(retry.KindTransport, "connect", err)
		}
		s.install(conn)
		log.Info("websocket connected")
		return nil
	})
}

// install swaps in a fresh socket and starts its read pump under a new
// generation so late frames from a dead pump are ignored.
func (s *Session) install(conn *websocket.Conn) {
	if s.pumpStop != nil {
		close(s.pumpStop)
	}
	s.conn = conn
	s.gen++
	s.frames = make(chan frame, 512)
	s.readErrs = make(chan error, 1)
	s.pumpStop = make(chan struct{})

	conn.SetPingHandler(func(data string) error {
		// Control pong goes back synchronously; no queuing.
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	go s.readPump(conn, s.gen, s.frames, s.readErrs, s.pumpStop)
}

func (s *Session) readPump(conn *websocket.Conn, gen int, frames chan<- frame, errs chan<- error, stop <-chan struct{}) {
	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.WSTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case errs <- err:
			default:
			}
			return
		}
		logger.IncrementStreamRead(len(data))
		select {
		case frames <- frame{gen: gen, data: data}:
		case <-stop:
			// The actor abandoned this generation; nobody drains frames.
			return
		}
	}
}

// afterConnect runs the post-open protocol: replay instruments, then either
// authenticate (resubscription deferred until the auth ack) or resubscribe
// immediately. The Reconnected event is emitted after resubscription has
// been issued.
func (s *Session) afterConnect(ctx context.Context, reconnected bool) {
	log := s.log.WithComponent("ws_session")
	log.WithFields(logger.Fields{
		"instruments": s.instruments.Len(),
	}).Debug("instrument cache replayed to parser")

	if s.cfg.RequiresAuth() {
		s.mode.Store(int32(ModeAuthenticating))
		s.auth.Store(int32(AuthPending))
		s.resubAfterAuth = true
		s.emitReconnected = reconnected
		if err := s.sendAuth(); err != nil {
			log.WithError(err).Error("auth send failed")
			s.emit(models.ErrorEvent{Kind: string(retry.KindOf(err)), Message: err.Error()})
		}
		return
	}

	s.mode.Store(int32(ModeActive))
	s.resubscribe()
	if reconnected {
		s.emit(models.ReconnectedEvent{Timestamp: time.Now().UTC()})
	}
}

func (s *Session) sendAuth() error {
	var (
		payload []byte
		err     error
	)
	if s.cfg.APIKey != "" {
		payload, err = codec.Auth(s.cfg.APIKey, s.cfg.APISecret, codec.AuthExpiry(time.Now()))
	} else {
		payload, err = codec.AuthLogin(s.cfg.Login, s.cfg.Password, s.cfg.Server)
	}
	if err != nil {
		return retry.New(retry.KindSerialization, "auth", err)
	}
	return s.sendWithRetry("auth", payload)
}

// reconnect reopens the socket with backoff, downgrades every confirmed
// topic for replay and clears the parser caches that must not leak across
// sessions. Returns false when the loop should exit instead.
func (s *Session) reconnect(ctx context.Context) bool {
	log := s.log.WithComponent("ws_session")

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if !s.cfg.ReconnectEnabled {
		log.Info("reconnection disabled; closing session")
		return false
	}
	if s.shutdown.Load() {
		return false
	}

	logger.IncrementReconnect()
	s.mode.Store(int32(ModeReconnecting))
	s.registry.MarkAllFailed()
	s.lastQuotes = make(map[string]models.Quote)
	s.fundingSeen = make(map[string]fundingKey)
	s.inflight = make(map[string]inflightSub)

	var deadline time.Time
	if s.cfg.ReconnectTimeout > 0 {
		deadline = time.Now().Add(s.cfg.ReconnectTimeout)
	}

	for attempt := 0; ; attempt++ {
		if s.shutdown.Load() || ctx.Err() != nil {
			return false
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			log.Error("reconnect window exhausted")
			s.emit(models.ErrorEvent{Kind: string(retry.KindTransport), Message: "reconnect window exhausted"})
			return false
		}
		if err := s.dial(ctx, 1); err != nil {
			delay := s.cfg.Reconnect.Delay(attempt)
			log.WithError(err).WithFields(logger.Fields{
				"attempt":  attempt + 1,
				"delay_ms": delay.Milliseconds(),
			}).Warn("reconnect attempt failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false
			}
			continue
		}
		break
	}

	log.Info("websocket reconnected")
	s.afterConnect(ctx, true)
	return true
}

// resubscribe replays every topic whose final intent is subscribed. One
// wire frame per topic, so a partial failure leaves the rest intact.
func (s *Session) resubscribe() {
	topics := s.registry.AllTopics()
	if len(topics) == 0 {
		return
	}
	s.log.WithComponent("ws_session").WithFields(logger.Fields{
		"count": len(topics),
	}).Info("replaying subscriptions")
	s.sendSubscribe(topics)
}

func (s *Session) sendSubscribe(topics []string) {
	for _, t := range topics {
		reqID := uuid.NewString()
		payload, err := codec.Subscribe(reqID, []string{t})
		if err != nil {
			s.log.WithComponent("ws_session").WithError(err).Error("subscribe encode failed")
			continue
		}
		s.registry.MarkSubscribe(t)
		s.inflight[reqID] = inflightSub{op: codec.OpSubscribe, topics: []string{t}}
		if err := s.sendWithRetry("subscribe", payload); err != nil {
			// Entry stays in the registry so reconnect replays it.
			delete(s.inflight, reqID)
			s.log.WithComponent("ws_session").WithError(err).WithFields(logger.Fields{
				"topic": t,
			}).Warn("subscribe send failed; topic left for replay")
		}
	}
}

func (s *Session) sendUnsubscribe(topics []string) {
	for _, t := range topics {
		reqID := uuid.NewString()
		payload, err := codec.Unsubscribe(reqID, []string{t})
		if err != nil {
			s.log.WithComponent("ws_session").WithError(err).Error("unsubscribe encode failed")
			continue
		}
		s.inflight[reqID] = inflightSub{op: codec.OpUnsubscribe, topics: []string{t}}
		if err := s.sendWithRetry("unsubscribe", payload); err != nil {
			delete(s.inflight, reqID)
			s.log.WithComponent("ws_session").WithError(err).WithFields(logger.Fields{
				"topic": t,
			}).Warn("unsubscribe send failed")
		}
	}
}

func (s *Session) sendHeartbeat() {
	if s.conn == nil || Mode(s.mode.Load()) == ModeReconnecting {
		return
	}
	payload, err := codec.Ping()
	if err != nil {
		return
	}
	if err := s.write(payload); err != nil {
		s.log.WithComponent("ws_session").WithError(err).Warn("heartbeat send failed")
	}
}

func (s *Session) write(data []byte) error {
	if s.conn == nil {
		return retry.New(retry.KindNotConnected, "write", fmt.Errorf("no socket"))
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WSTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return retry.New(retry.KindSend, "write", err)
	}
	return nil
}

// sendWithRetry applies the backoff policy to a socket write. Shutdown and
// non-retryable failures short-circuit.
func (s *Session) sendWithRetry(op string, data []byte) error {
	log := s.log.WithComponent("ws_session")
	var err error
	for attempt := 0; attempt < s.cfg.SendAttempts; attempt++ {
		if s.shutdown.Load() {
			return retry.New(retry.KindNotConnected, op, fmt.Errorf("session closed"))
		}
		if attempt > 0 {
			time.Sleep(s.cfg.Reconnect.Delay(attempt - 1))
		}
		if err = s.write(data); err == nil {
			return nil
		}
		if !retry.Retryable(err) {
			return err
		}
		log.WithError(err).WithFields(logger.Fields{"operation": op, "attempt": attempt + 1}).Debug("send retry")
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, err)
}

func (s *Session) emit(e models.Event) {
	select {
	case s.events <- e:
		logger.IncrementEventEmitted()
	default:
		logger.IncrementDroppedFrame()
		s.log.WithComponent("ws_session").WithFields(logger.Fields{
			"event": e.EventType(),
		}).Warn("event buffer full, dropping event")
	}
}
