package session

import (
	"context"
	"time"

	"mt5flow/internal/codec"
	"mt5flow/internal/pending"
	"mt5flow/internal/retry"
	"mt5flow/internal/topic"
	"mt5flow/logger"
	"mt5flow/models"
)

// handleCommand executes one façade command on the actor goroutine. The
// returned flag asks the loop to exit.
func (s *Session) handleCommand(ctx context.Context, cmd command) bool {
	log := s.log.WithComponent("ws_session")
	logger.RecordChannelMessage("commands", 0)

	switch c := cmd.(type) {
	case subscribeCmd:
		s.sendSubscribe(c.topics)

	case unsubscribeCmd:
		s.sendUnsubscribe(c.topics)

	case authenticateCmd:
		if !s.cfg.RequiresAuth() {
			log.Warn("authenticate requested without credentials")
			return false
		}
		s.auth.Store(int32(AuthPending))
		if err := s.sendAuth(); err != nil {
			log.WithError(err).Error("auth send failed")
			s.emit(models.ErrorEvent{Kind: string(retry.KindOf(err)), Message: err.Error()})
		}

	case orderCmd:
		s.sendOrder(c)

	case batchOrderCmd:
		s.sendBatch(c)

	case sendRawCmd:
		if err := s.sendWithRetry("send_raw", c.data); err != nil {
			log.WithError(err).Warn("raw send failed")
			s.emit(models.ErrorEvent{Kind: string(retry.KindOf(err)), Message: err.Error()})
		}

	case initInstrumentsCmd:
		s.instruments.PutAll(c.instruments)
		log.WithFields(logger.Fields{"count": len(c.instruments)}).Debug("instruments cached")

	case disconnectCmd:
		s.shutdown.Store(true)
		return true
	}
	return false
}

// sendOrder registers the pending entry first, then writes the frame. A
// send failure removes the entry and surfaces an immediate typed rejection.
func (s *Session) sendOrder(c orderCmd) {
	if s.cfg.SimulateOrders {
		s.acceptSimulated(c.origin)
		return
	}
	payload, err := codec.OrderRequest(c.op, time.Now(), c.params)
	if err != nil {
		s.rejectNow(c.origin, err.Error())
		return
	}
	s.pendingTab.Insert(c.origin.ClientOrderID, c.origin)
	logger.IncrementOrderSent()
	if err := s.sendWithRetry(c.op, payload); err != nil {
		if origin, ok := s.pendingTab.Remove(c.origin.ClientOrderID); ok {
			s.rejectNow(origin, err.Error())
		}
	}
}

func (s *Session) sendBatch(c batchOrderCmd) {
	if s.cfg.SimulateOrders {
		for _, origin := range c.origins {
			s.acceptSimulated(origin)
		}
		return
	}
	payload, err := codec.OrderRequest(c.op, time.Now(), c.params...)
	if err != nil {
		for _, origin := range c.origins {
			s.rejectNow(origin, err.Error())
		}
		return
	}
	for _, origin := range c.origins {
		s.pendingTab.Insert(origin.ClientOrderID, origin)
		logger.IncrementOrderSent()
	}
	if err := s.sendWithRetry(c.op, payload); err != nil {
		for _, origin := range c.origins {
			if o, ok := s.pendingTab.Remove(origin.ClientOrderID); ok {
				s.rejectNow(o, err.Error())
			}
		}
	}
}

func (s *Session) acceptSimulated(origin pending.Origin) {
	logger.IncrementOrderSent()
	s.emit(models.OrderAcceptedEvent{
		Kind:          origin.Rejection(),
		ClientOrderID: origin.ClientOrderID,
		Timestamp:     time.Now().UTC(),
	})
}

func (s *Session) rejectNow(origin pending.Origin, reason string) {
	logger.IncrementOrderReject()
	s.emit(models.OrderRejectedEvent{
		Kind:          origin.Rejection(),
		TraderID:      origin.TraderID,
		StrategyID:    origin.StrategyID,
		Symbol:        origin.Symbol,
		ClientOrderID: origin.ClientOrderID,
		VenueOrderID:  origin.VenueOrderID,
		Reason:        reason,
		Timestamp:     time.Now().UTC(),
	})
}

// handleFrame classifies one inbound frame and routes it. Exactly one
// variant applies.
func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	log := s.log.WithComponent("ws_session")

	msg, err := codec.Classify(raw)
	if err != nil {
		logger.IncrementParseError()
		log.WithError(err).Debug("unparseable frame dropped")
		return
	}

	switch msg.Kind {
	case codec.KindPong:
		// Read deadline was refreshed by the read itself.

	case codec.KindAuthResponse:
		s.handleAuthResponse(msg)

	case codec.KindSubscriptionAck:
		s.handleSubscriptionAck(msg)

	case codec.KindOrderResponse:
		s.handleOrderResponse(msg)

	case codec.KindStream:
		s.dispatchStream(msg)

	case codec.KindError:
		log.WithFields(logger.Fields{"ret_code": msg.RetCode, "reason": msg.Reason}).Warn("venue error frame")
		s.emit(models.ErrorEvent{Kind: "venue", Message: msg.Reason})

	default:
		log.WithFields(logger.Fields{"op": msg.Op}).Debug("unknown frame ignored")
	}
}

func (s *Session) handleAuthResponse(msg codec.Message) {
	log := s.log.WithComponent("ws_session")

	if msg.OK {
		s.auth.Store(int32(AuthSucceeded))
		s.mode.Store(int32(ModeActive))
		log.Info("authenticated")
		s.emit(models.AuthenticatedEvent{OK: true})
		if s.resubAfterAuth {
			s.resubAfterAuth = false
			s.resubscribe()
			if s.emitReconnected {
				s.emitReconnected = false
				s.emit(models.ReconnectedEvent{Timestamp: time.Now().UTC()})
			}
		}
		return
	}

	// Auth refusals are not retried; private traffic will be refused until
	// the caller re-authenticates with fixed credentials.
	s.auth.Store(int32(AuthFailed))
	s.mode.Store(int32(ModeActive))
	log.WithFields(logger.Fields{"reason": msg.Reason}).Error("authentication rejected")
	s.emit(models.AuthenticatedEvent{OK: false, Reason: msg.Reason})
	if s.resubAfterAuth {
		s.resubAfterAuth = false
		s.resubscribe()
		if s.emitReconnected {
			s.emitReconnected = false
			s.emit(models.ReconnectedEvent{Timestamp: time.Now().UTC()})
		}
	}
}

// handleSubscriptionAck reconciles an ack against the in-flight request it
// answers. Acks carry no topics of their own, so the req_id tag is the only
// join key; an untagged ack conservatively confirms everything in flight
// with the matching op.
func (s *Session) handleSubscriptionAck(msg codec.Message) {
	log := s.log.WithComponent("ws_session")

	var matched []inflightSub
	if msg.ReqID != "" {
		if in, ok := s.inflight[msg.ReqID]; ok {
			matched = append(matched, in)
			delete(s.inflight, msg.ReqID)
		}
	} else {
		for id, in := range s.inflight {
			if in.op == msg.Op {
				matched = append(matched, in)
				delete(s.inflight, id)
			}
		}
	}
	if len(matched) == 0 {
		log.WithFields(logger.Fields{"op": msg.Op, "req_id": msg.ReqID}).Debug("ack with no in-flight request")
		return
	}

	for _, in := range matched {
		for _, t := range in.topics {
			switch {
			case in.op == codec.OpSubscribe && msg.OK:
				s.registry.ConfirmSubscribe(t)

			case in.op == codec.OpSubscribe && !msg.OK:
				s.registry.MarkFailure(t)
				log.WithFields(logger.Fields{"topic": t, "reason": msg.Reason}).Warn("subscribe rejected")
				s.emit(models.ErrorEvent{Kind: "subscribe_rejected", Message: t + ": " + msg.Reason})

			case in.op == codec.OpUnsubscribe && msg.OK:
				s.registry.ConfirmUnsubscribe(t)

			case in.op == codec.OpUnsubscribe && !msg.OK:
				// The venue still considers the topic subscribed, so the
				// registry must return it to Confirmed rather than lose it.
				s.registry.ConfirmUnsubscribe(t)
				s.registry.MarkSubscribe(t)
				s.registry.ConfirmSubscribe(t)
				log.WithFields(logger.Fields{"topic": t, "reason": msg.Reason}).Warn("unsubscribe rejected; topic kept")
			}
		}
	}
}

// handleOrderResponse correlates a venue order response with its pending
// entry. Successes complete silently; private stream reports carry the
// fills. Refusals materialize the typed rejection from the stored origin.
func (s *Session) handleOrderResponse(msg codec.Message) {
	log := s.log.WithComponent("ws_session")

	if len(msg.RequestIDs) == 0 {
		s.emit(models.UnmatchedResponseEvent{Op: msg.Op, Reason: "response carries no request id"})
		return
	}
	// Batch responses carry one id per entry; each settles its own row.
	for _, id := range msg.RequestIDs {
		origin, ok := s.pendingTab.Remove(id)
		if !ok {
			log.WithFields(logger.Fields{"op": msg.Op, "request_id": id}).Warn("order response with no pending entry")
			s.emit(models.UnmatchedResponseEvent{Op: msg.Op, RequestID: id, Reason: msg.Reason})
			continue
		}
		if msg.OK {
			log.WithFields(logger.Fields{"op": msg.Op, "request_id": id}).Debug("order acknowledged")
			continue
		}
		logger.IncrementOrderReject()
		s.emit(models.OrderRejectedEvent{
			Kind:          origin.Rejection(),
			TraderID:      origin.TraderID,
			StrategyID:    origin.StrategyID,
			Symbol:        origin.Symbol,
			ClientOrderID: origin.ClientOrderID,
			VenueOrderID:  origin.VenueOrderID,
			Reason:        msg.Reason,
			Timestamp:     msgTimeOrNow(msg.Ts),
		})
	}
}

// dispatchStream parses a data frame and emits the typed events for its
// channel. Account channels require a configured account id.
func (s *Session) dispatchStream(msg codec.Message) {
	log := s.log.WithComponent("ws_session")
	logger.RecordChannelMessage(msg.Topic.Channel, len(msg.Data))

	if topic.IsPrivate(msg.Topic.Channel) && s.cfg.AccountID == "" {
		log.WithFields(logger.Fields{"topic": msg.RawTopic}).Warn("private frame without account id dropped")
		logger.IncrementDroppedFrame()
		return
	}

	switch msg.Topic.Channel {
	case topic.ChannelOrderBook:
		update, err := s.parser.ParseBook(msg.Topic, msg.Type, msgTimeOrNow(msg.Ts), msg.Data)
		if err != nil {
			logger.IncrementParseError()
			log.WithError(err).Warn("orderbook frame dropped")
			return
		}
		s.emit(models.BookEvent{Book: update})
		if update.Depth == 1 {
			s.emitQuote(update)
		}

	case topic.ChannelTrade:
		trades, err := s.parser.ParseTrades(msg.Data)
		if err != nil {
			logger.IncrementParseError()
			log.WithError(err).Warn("trade frame dropped")
			return
		}
		if len(trades) > 0 {
			s.emit(models.TradesEvent{Trades: trades})
		}

	case topic.ChannelKline:
		bars, err := s.parser.ParseKlines(msg.Topic, msg.Data)
		if err != nil {
			logger.IncrementParseError()
			log.WithError(err).Warn("kline frame dropped")
			return
		}
		for _, bar := range bars {
			s.emit(models.BarEvent{Bar: bar})
		}

	case topic.ChannelTicker:
		update, err := s.parser.ParseTicker(msg.Topic, msgTimeOrNow(msg.Ts), msg.Data)
		if err != nil {
			logger.IncrementParseError()
			log.WithError(err).Warn("ticker frame dropped")
			return
		}
		s.emit(models.TickerEvent{Ticker: update.Ticker})
		if update.Funding != nil {
			s.emitFunding(*update.Funding)
		}

	case topic.ChannelOrder:
		reports, err := s.parser.ParseOrders(s.cfg.AccountID, msg.Data)
		if err != nil {
			logger.IncrementParseError()
			log.WithError(err).Warn("order report frame dropped")
			return
		}
		if len(reports) > 0 {
			s.emit(models.OrderUpdateEvent{Reports: reports})
		}

	case topic.ChannelExecution:
		reports, err := s.parser.ParseExecutions(s.cfg.AccountID, msg.Data)
		if err != nil {
			logger.IncrementParseError()
			log.WithError(err).Warn("execution frame dropped")
			return
		}
		if len(reports) > 0 {
			s.emit(models.ExecutionEvent{Reports: reports})
		}

	case topic.ChannelPosition:
		reports, err := s.parser.ParsePositions(s.cfg.AccountID, msg.Data)
		if err != nil {
			logger.IncrementParseError()
			log.WithError(err).Warn("position frame dropped")
			return
		}
		if len(reports) > 0 {
			s.emit(models.PositionEvent{Reports: reports})
		}

	case topic.ChannelWallet:
		balances, err := s.parser.ParseWallet(s.cfg.AccountID, msgTimeOrNow(msg.Ts), msg.Data)
		if err != nil {
			logger.IncrementParseError()
			log.WithError(err).Warn("wallet frame dropped")
			return
		}
		if len(balances) > 0 {
			s.emit(models.WalletEvent{Balances: balances})
		}

	default:
		log.WithFields(logger.Fields{"topic": msg.RawTopic}).Debug("stream frame for unhandled channel")
	}
}

// emitQuote synthesizes a top-of-book quote from a depth-1 book update,
// carrying sides forward from the previous quote when a delta only moved
// one side.
func (s *Session) emitQuote(update models.BookUpdate) {
	quote := models.Quote{Symbol: update.Symbol, Timestamp: update.Timestamp}
	if prev, ok := s.lastQuotes[update.Symbol]; ok {
		quote.BidPrice, quote.BidSize = prev.BidPrice, prev.BidSize
		quote.AskPrice, quote.AskSize = prev.AskPrice, prev.AskSize
	}
	if len(update.Bids) > 0 {
		quote.BidPrice, quote.BidSize = update.Bids[0].Price, update.Bids[0].Size
	}
	if len(update.Asks) > 0 {
		quote.AskPrice, quote.AskSize = update.Asks[0].Price, update.Asks[0].Size
	}
	if quote.BidPrice.IsZero() && quote.AskPrice.IsZero() {
		return
	}
	s.lastQuotes[update.Symbol] = quote
	s.emit(models.QuoteEvent{Quote: quote})
}

// emitFunding deduplicates funding updates on the (rate, next time) pair so
// every ticker delta does not re-announce an unchanged rate.
func (s *Session) emitFunding(f models.FundingRate) {
	key := fundingKey{rate: f.Rate, next: f.NextFundingTime}
	if prev, ok := s.fundingSeen[f.Symbol]; ok && prev.rate.Equal(key.rate) && prev.next.Equal(key.next) {
		return
	}
	s.fundingSeen[f.Symbol] = key
	s.emit(models.FundingRateEvent{Funding: f})
}

func msgTimeOrNow(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts
}
