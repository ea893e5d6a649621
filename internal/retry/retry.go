package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"mt5flow/logger"
)

// Kind classifies adapter errors for retry decisions and event reporting.
type Kind string

const (
	KindTransport      Kind = "transport"
	KindSend           Kind = "send"
	KindTimeout        Kind = "timeout"
	KindNotConnected   Kind = "not_connected"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindInvalidRequest Kind = "invalid_request"
	KindRateLimit      Kind = "rate_limit"
	KindSerialization  Kind = "serialization"
)

// Error wraps an underlying failure with its classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification of an error, defaulting to transport
// for plain network failures and serialization for nothing recognizable.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return KindTimeout
		}
		return KindTransport
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"),
		strings.Contains(msg, "broken pipe"), strings.Contains(msg, "reset by peer"):
		return KindTransport
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return KindTimeout
	}
	return KindInvalidRequest
}

// Retryable reports whether the error is worth another attempt. Auth,
// validation and serialization errors short-circuit the retry loop.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransport, KindSend, KindTimeout, KindRateLimit, KindNotConnected:
		return true
	}
	return false
}

// Policy is an exponential backoff with additive jitter.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       time.Duration
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       250 * time.Millisecond,
	}
}

// Delay computes the backoff for the given zero-based attempt. The
// exponential component is capped at MaxDelay before jitter is added.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.MaxDelay {
			d = float64(p.MaxDelay)
			break
		}
	}
	delay := time.Duration(d)
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return delay
}

// Do runs fn up to maxAttempts times, sleeping the policy delay between
// attempts. Non-retryable errors and context cancellation short-circuit.
// maxAttempts <= 0 means a single attempt.
func Do(ctx context.Context, p Policy, maxAttempts int, op string, log *logger.Entry, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt - 1)
			if log != nil {
				log.WithFields(logger.Fields{
					"operation": op,
					"attempt":   attempt + 1,
					"delay_ms":  delay.Milliseconds(),
				}).Debug("retrying after backoff")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, err)
}
