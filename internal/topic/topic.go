package topic

import (
	"fmt"
	"strconv"
	"strings"
)

// Channel names carried as the first dot-delimited topic segment.
const (
	ChannelOrderBook = "orderbook"
	ChannelTrade     = "publicTrade"
	ChannelTicker    = "ticker"
	ChannelKline     = "kline"
	ChannelOrder     = "order"
	ChannelExecution = "execution"
	ChannelPosition  = "position"
	ChannelWallet    = "wallet"
)

// Topic is a parsed subscription key. The channel is the first segment;
// the remaining segments are channel-specific parameters.
type Topic struct {
	Channel string
	Args    []string
}

// Parse splits a canonical topic string. Topics with empty segments are
// rejected.
func Parse(s string) (Topic, error) {
	if s == "" {
		return Topic{}, fmt.Errorf("topic: empty")
	}
	parts := strings.Split(s, ".")
	for _, p := range parts {
		if p == "" {
			return Topic{}, fmt.Errorf("topic %q: empty segment", s)
		}
	}
	return Topic{Channel: parts[0], Args: parts[1:]}, nil
}

// String reassembles the canonical form.
func (t Topic) String() string {
	if len(t.Args) == 0 {
		return t.Channel
	}
	return t.Channel + "." + strings.Join(t.Args, ".")
}

// Symbol returns the trailing symbol segment, or "" for account topics.
func (t Topic) Symbol() string {
	if len(t.Args) == 0 {
		return ""
	}
	return t.Args[len(t.Args)-1]
}

// OrderBook builds an orderbook topic at the given depth.
func OrderBook(symbol string, depth int) string {
	return fmt.Sprintf("%s.%d.%s", ChannelOrderBook, depth, symbol)
}

// Trades builds a public trade topic.
func Trades(symbol string) string {
	return ChannelTrade + "." + symbol
}

// Ticker builds a ticker topic.
func Ticker(symbol string) string {
	return ChannelTicker + "." + symbol
}

// Kline builds a kline topic for the given interval.
func Kline(symbol, interval string) string {
	return ChannelKline + "." + interval + "." + symbol
}

// Depth extracts the depth parameter of an orderbook topic.
func (t Topic) Depth() (int, error) {
	if t.Channel != ChannelOrderBook || len(t.Args) < 2 {
		return 0, fmt.Errorf("topic %q: not an orderbook topic", t)
	}
	d, err := strconv.Atoi(t.Args[0])
	if err != nil {
		return 0, fmt.Errorf("topic %q: bad depth: %w", t, err)
	}
	return d, nil
}

// Interval extracts and validates the interval parameter of a kline topic.
// Valid intervals are an integer number of minutes or one of the named
// units D, W and M.
func (t Topic) Interval() (string, error) {
	if t.Channel != ChannelKline || len(t.Args) < 2 {
		return "", fmt.Errorf("topic %q: not a kline topic", t)
	}
	iv := t.Args[0]
	switch iv {
	case "D", "W", "M":
		return iv, nil
	}
	if _, err := strconv.Atoi(iv); err != nil {
		return "", fmt.Errorf("topic %q: bad interval %q", t, iv)
	}
	return iv, nil
}

// IsPrivate reports whether the channel requires an authenticated session.
func IsPrivate(channel string) bool {
	switch channel {
	case ChannelOrder, ChannelExecution, ChannelPosition, ChannelWallet:
		return true
	}
	return false
}
