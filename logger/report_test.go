package logger

import (
	"sync/atomic"
	"testing"
)

func TestCountersIncrement(t *testing.T) {
	beforeReads := atomic.LoadInt64(&streamReads)
	beforeEvents := atomic.LoadInt64(&eventsEmitted)
	beforeReconnects := atomic.LoadInt64(&reconnects)

	IncrementStreamRead(128)
	IncrementEventEmitted()
	IncrementReconnect()

	if got := atomic.LoadInt64(&streamReads); got != beforeReads+1 {
		t.Fatalf("stream reads: got %d, want %d", got, beforeReads+1)
	}
	if got := atomic.LoadInt64(&eventsEmitted); got != beforeEvents+1 {
		t.Fatalf("events emitted: got %d, want %d", got, beforeEvents+1)
	}
	if got := atomic.LoadInt64(&reconnects); got != beforeReconnects+1 {
		t.Fatalf("reconnects: got %d, want %d", got, beforeReconnects+1)
	}
}

func TestChannelStatsAccumulate(t *testing.T) {
	RecordChannelMessage("test_channel", 100)
	RecordChannelMessage("test_channel", 50)

	v, ok := channels.Load("test_channel")
	if !ok {
		t.Fatalf("channel stat missing")
	}
	cs := v.(*channelStat)
	if atomic.LoadInt64(&cs.messages) != 2 {
		t.Fatalf("messages: got %d, want 2", cs.messages)
	}
	if atomic.LoadInt64(&cs.bytes) != 150 {
		t.Fatalf("bytes: got %d, want 150", cs.bytes)
	}
}

func TestWarnRecordingByComponent(t *testing.T) {
	before := atomic.LoadInt64(&warnsSession)
	Logger().WithComponent("ws_session").Warn("test warning")
	if got := atomic.LoadInt64(&warnsSession); got != before+1 {
		t.Fatalf("session warns: got %d, want %d", got, before+1)
	}

	beforeRest := atomic.LoadInt64(&warnsRest)
	Logger().WithComponent("rest_client").Warn("test warning")
	if got := atomic.LoadInt64(&warnsRest); got != beforeRest+1 {
		t.Fatalf("rest warns: got %d, want %d", got, beforeRest+1)
	}
}
