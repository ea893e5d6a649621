package session

import (
	"mt5flow/internal/pending"
	"mt5flow/models"
)

// command is a request from the façade to the actor. All socket writes and
// registry transitions triggered by a command happen on the actor goroutine.
type command interface {
	name() string
}

type subscribeCmd struct {
	topics []string
}

func (subscribeCmd) name() string { return "subscribe" }

type unsubscribeCmd struct {
	topics []string
}

func (unsubscribeCmd) name() string { return "unsubscribe" }

type authenticateCmd struct{}

func (authenticateCmd) name() string { return "authenticate" }

// orderCmd is a single order operation: the origin is recorded in the
// pending table before the frame leaves, so a refusal or shutdown can still
// materialize a typed rejection.
type orderCmd struct {
	op     string
	origin pending.Origin
	params map[string]interface{}
}

func (orderCmd) name() string { return "order" }

// batchOrderCmd carries up to the venue batch limit of homogeneous order
// operations in one frame. Origins and params are index-aligned.
type batchOrderCmd struct {
	op      string
	origins []pending.Origin
	params  []map[string]interface{}
}

func (batchOrderCmd) name() string { return "order_batch" }

type sendRawCmd struct {
	data []byte
}

func (sendRawCmd) name() string { return "send_raw" }

type initInstrumentsCmd struct {
	instruments []models.Instrument
}

func (initInstrumentsCmd) name() string { return "init_instruments" }

type disconnectCmd struct{}

func (disconnectCmd) name() string { return "disconnect" }

// Subscribe queues topics for a wire subscribe.
func (s *Session) Subscribe(topics []string) {
	s.commands <- subscribeCmd{topics: topics}
}

// Unsubscribe queues topics for a wire unsubscribe.
func (s *Session) Unsubscribe(topics []string) {
	s.commands <- unsubscribeCmd{topics: topics}
}

// Authenticate queues an explicit auth handshake.
func (s *Session) Authenticate() {
	s.commands <- authenticateCmd{}
}

// SubmitOrder queues a single order operation.
func (s *Session) SubmitOrder(op string, origin pending.Origin, params map[string]interface{}) {
	s.commands <- orderCmd{op: op, origin: origin, params: params}
}

// SubmitBatch queues a homogeneous batch of order operations.
func (s *Session) SubmitBatch(op string, origins []pending.Origin, params []map[string]interface{}) {
	s.commands <- batchOrderCmd{op: op, origins: origins, params: params}
}

// SendRaw queues a pre-encoded frame. Escape hatch for venue extensions.
func (s *Session) SendRaw(data []byte) {
	s.commands <- sendRawCmd{data: data}
}

// InitInstruments queues instruments for the shared cache.
func (s *Session) InitInstruments(instruments []models.Instrument) {
	s.commands <- initInstrumentsCmd{instruments: instruments}
}
