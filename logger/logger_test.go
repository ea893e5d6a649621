package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"testing"
)

func TestConfigureAcceptsAdapterOptions(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	defer log.SetOutput(os.Stdout)
	if err := log.Configure("info", "json", "stdout", 7); err != nil {
		t.Fatalf("default options: %v", err)
	}
	if err := log.Configure("report", "text", "stderr", 0); err != nil {
		t.Fatalf("report mode: %v", err)
	}
}

func TestConfigureRejectsBadOptions(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("verbose", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestJSONEntriesCarrySessionFields(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("debug", "json", "stdout", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stdout)

	log.WithComponent("ws_session").WithFields(Fields{"topic": "orderbook.1.EURUSD"}).Info("subscribed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not json: %v (%q)", err, buf.String())
	}
	if entry["component"] != "ws_session" || entry["topic"] != "orderbook.1.EURUSD" {
		t.Fatalf("fields: %v", entry)
	}
	if entry["message"] != "subscribed" {
		t.Fatalf("message: %v", entry["message"])
	}
}

func TestWithComponent(t *testing.T) {
	entry := Logger().WithComponent("rest_client")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "rest_client" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestWithErrorAttachesError(t *testing.T) {
	entry := Logger().WithComponent("rest_client").WithError(fmt.Errorf("connection refused"))
	if v, ok := entry.Entry.Data["error"]; !ok || v == nil {
		t.Fatalf("error field missing: %v", entry.Entry.Data)
	}
}

func TestWithEnvReadsEnvironment(t *testing.T) {
	t.Setenv("MT5_SERVER", "Demo")
	entry := Logger().WithEnv("MT5_SERVER")
	if v, ok := entry.Entry.Data["MT5_SERVER"]; !ok || v != "Demo" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}
