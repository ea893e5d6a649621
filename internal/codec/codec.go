package codec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mt5flow/internal/topic"
)

// Order operation names carried in the op field of outbound requests.
const (
	OpAuth        = "auth"
	OpPing        = "ping"
	OpPong        = "pong"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"

	OpOrderCreate      = "order.create"
	OpOrderAmend       = "order.amend"
	OpOrderCancel      = "order.cancel"
	OpOrderCreateBatch = "order.create-batch"
	OpOrderAmendBatch  = "order.amend-batch"
	OpOrderCancelBatch = "order.cancel-batch"

	orderOpPrefix = "order."
)

// Kind is the classification of an inbound frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindPong
	KindAuthResponse
	KindSubscriptionAck
	KindOrderResponse
	KindStream
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindPong:
		return "pong"
	case KindAuthResponse:
		return "auth_response"
	case KindSubscriptionAck:
		return "subscription_ack"
	case KindOrderResponse:
		return "order_response"
	case KindStream:
		return "stream"
	case KindError:
		return "error"
	}
	return "unknown"
}

// Message is a classified inbound frame. Exactly one Kind applies.
type Message struct {
	Kind       Kind
	OK         bool
	Reason     string
	Op         string
	ReqID      string   // subscribe/unsubscribe correlation id
	RequestID  string   // first client order id extracted from an order response
	RequestIDs []string // every client order id the response carries (batch responses carry one per entry)
	RetCode    int
	Topic      topic.Topic
	RawTopic   string
	Type       string // snapshot or delta for stream frames
	Data       json.RawMessage
	Ts         time.Time
}

type envelope struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	ReqID   string          `json:"req_id"`
	RetCode *int            `json:"retCode"`
	RetMsg2 string          `json:"retMsg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Ts      int64           `json:"ts"`
}

type orderRespData struct {
	OrderLinkID string          `json:"orderLinkId"`
	OrderID     string          `json:"orderId"`
	List        []orderRespData `json:"list"`
}

// Classify parses a raw frame and assigns exactly one inbound variant.
// Rules are evaluated in order: pong, auth response, subscription ack,
// order response, stream, error, unknown.
func Classify(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("classify: %w", err)
	}

	msg := Message{
		Op:    env.Op,
		ReqID: env.ReqID,
		Data:  env.Data,
	}
	if env.Ts > 0 {
		msg.Ts = time.UnixMilli(env.Ts)
	}
	if env.RetCode != nil {
		msg.RetCode = *env.RetCode
	}

	switch {
	case env.Op == OpPong || (env.Op == OpPing && strings.EqualFold(env.RetMsg, OpPong)):
		msg.Kind = KindPong
		msg.OK = true

	case env.Op == OpAuth:
		msg.Kind = KindAuthResponse
		msg.OK = env.Success != nil && *env.Success
		msg.Reason = env.RetMsg

	case env.Success != nil && !strings.HasPrefix(env.Op, orderOpPrefix):
		msg.Kind = KindSubscriptionAck
		msg.OK = *env.Success
		msg.Reason = env.RetMsg

	case strings.HasPrefix(env.Op, orderOpPrefix):
		msg.Kind = KindOrderResponse
		msg.OK = env.RetCode != nil && *env.RetCode == 0
		msg.Reason = env.RetMsg2
		if msg.Reason == "" {
			msg.Reason = env.RetMsg
		}
		var d orderRespData
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &d); err == nil {
				if d.OrderLinkID != "" {
					msg.RequestIDs = append(msg.RequestIDs, d.OrderLinkID)
				}
				for _, entry := range d.List {
					if entry.OrderLinkID != "" {
						msg.RequestIDs = append(msg.RequestIDs, entry.OrderLinkID)
					}
				}
				if len(msg.RequestIDs) > 0 {
					msg.RequestID = msg.RequestIDs[0]
				}
			}
		}

	case env.Topic != "":
		t, err := topic.Parse(env.Topic)
		if err != nil {
			return Message{}, fmt.Errorf("classify: %w", err)
		}
		msg.Kind = KindStream
		msg.Topic = t
		msg.RawTopic = env.Topic
		msg.Type = env.Type

	case env.RetCode != nil && *env.RetCode != 0:
		msg.Kind = KindError
		msg.Reason = env.RetMsg2
		if msg.Reason == "" {
			msg.Reason = env.RetMsg
		}

	default:
		msg.Kind = KindUnknown
	}

	return msg, nil
}

// request is the outbound frame shape shared by all op requests.
type request struct {
	ReqID  string            `json:"req_id,omitempty"`
	Op     string            `json:"op"`
	Header map[string]string `json:"header,omitempty"`
	Args   []interface{}     `json:"args,omitempty"`
}

// Ping builds the application-level heartbeat frame.
func Ping() ([]byte, error) {
	return json.Marshal(request{Op: OpPing})
}

// Subscribe builds a subscribe frame for the given topics, tagged with a
// correlation id so the ack can be reconciled.
func Subscribe(reqID string, topics []string) ([]byte, error) {
	args := make([]interface{}, len(topics))
	for i, t := range topics {
		args[i] = t
	}
	return json.Marshal(request{ReqID: reqID, Op: OpSubscribe, Args: args})
}

// Unsubscribe builds an unsubscribe frame.
func Unsubscribe(reqID string, topics []string) ([]byte, error) {
	args := make([]interface{}, len(topics))
	for i, t := range topics {
		args[i] = t
	}
	return json.Marshal(request{ReqID: reqID, Op: OpUnsubscribe, Args: args})
}

// Auth builds the auth handshake frame. The signature is an HMAC-SHA256 of
// "GET/realtime<expires_ms>" keyed with the API secret.
func Auth(apiKey, apiSecret string, expires int64) ([]byte, error) {
	return json.Marshal(request{
		Op:   OpAuth,
		Args: []interface{}{apiKey, expires, Sign(apiSecret, expires)},
	})
}

// AuthLogin builds the auth frame for the terminal credential shape, where
// the venue checks login, password and server name instead of a signature.
func AuthLogin(login, password, server string) ([]byte, error) {
	return json.Marshal(request{
		Op:   OpAuth,
		Args: []interface{}{login, password, server},
	})
}

// Sign computes the auth signature for the given expiry.
func Sign(apiSecret string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(apiSecret))
	fmt.Fprintf(mac, "GET/realtime%d", expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// AuthExpiry returns the signature expiry for a handshake starting at now.
func AuthExpiry(now time.Time) int64 {
	return now.Add(5 * time.Second).UnixMilli()
}

// OrderRequest builds an order-operation frame. Every order request carries
// a header with the current timestamp; params hold the wire parameters with
// the client order id under orderLinkId.
func OrderRequest(op string, now time.Time, params ...map[string]interface{}) ([]byte, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("order request %s: no params", op)
	}
	args := make([]interface{}, len(params))
	for i, p := range params {
		args[i] = p
	}
	return json.Marshal(request{
		Op: op,
		Header: map[string]string{
			"X-BAPI-TIMESTAMP": strconv.FormatInt(now.UnixMilli(), 10),
		},
		Args: args,
	})
}

// IsOrderOp reports whether op names an order operation.
func IsOrderOp(op string) bool {
	return strings.HasPrefix(op, orderOpPrefix)
}

// BatchOp maps a single-order op to its batch counterpart.
func BatchOp(op string) string {
	switch op {
	case OpOrderCreate:
		return OpOrderCreateBatch
	case OpOrderAmend:
		return OpOrderAmendBatch
	case OpOrderCancel:
		return OpOrderCancelBatch
	}
	return op
}
