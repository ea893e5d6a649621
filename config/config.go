package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration, loaded from YAML with
// environment overrides for secrets.
type Config struct {
	Endpoints     EndpointsConfig     `yaml:"endpoints"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	Timeouts      TimeoutsConfig      `yaml:"timeouts"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	Limits        LimitsConfig        `yaml:"limits"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`

	// SimulateOrders acknowledges order operations locally without touching
	// the venue. Market data still flows.
	SimulateOrders bool `yaml:"simulate_orders"`
}

type EndpointsConfig struct {
	WSURL    string `yaml:"ws_url"`
	RestURL  string `yaml:"rest_url"`
	ProxyURL string `yaml:"proxy_url"`
}

// CredentialsConfig supports both credential shapes: an API key pair for
// the signed websocket handshake, or terminal login credentials for the
// bridge. Either may be present; private channels need at least one.
type CredentialsConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Login     string `yaml:"login"`
	Password  string `yaml:"password"`
	Server    string `yaml:"server"`
	AccountID string `yaml:"account_id"`
}

// Configured reports whether any credential shape is present.
func (c CredentialsConfig) Configured() bool {
	return (c.APIKey != "" && c.APISecret != "") || c.Login != ""
}

type TimeoutsConfig struct {
	WSTimeoutMs          int `yaml:"ws_timeout_ms"`
	HeartbeatIntervalMs  int `yaml:"heartbeat_interval_ms"`
	ConnectTimeoutMs     int `yaml:"connect_timeout_ms"`
	RestTimeoutMs        int `yaml:"rest_timeout_ms"`
	InstrumentRefreshSec int `yaml:"instrument_refresh_sec"`
}

type ReconnectConfig struct {
	Enabled            bool    `yaml:"enabled"`
	InitialDelayMs     int     `yaml:"initial_delay_ms"`
	MaxDelayMs         int     `yaml:"max_delay_ms"`
	Multiplier         float64 `yaml:"multiplier"`
	JitterMs           int     `yaml:"jitter_ms"`
	TimeoutMs          int     `yaml:"timeout_ms"`
	MaxConnectAttempts int     `yaml:"max_connect_attempts"`
	SendAttempts       int     `yaml:"send_attempts"`
}

type LimitsConfig struct {
	MaxSubscriptions int     `yaml:"max_subscriptions"`
	RateLimit        float64 `yaml:"rate_limit"`
	RateBurst        int     `yaml:"rate_burst"`
	EventBuffer      int     `yaml:"event_buffer"`
	CommandBuffer    int     `yaml:"command_buffer"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MetricsConfig struct {
	CloudWatchEnabled bool   `yaml:"cloudwatch_enabled"`
	Region            string `yaml:"region"`
	ReportIntervalSec int    `yaml:"report_interval_sec"`
}

// SubscriptionsConfig seeds the startup subscriptions of the adapter
// process. The library surface ignores it.
type SubscriptionsConfig struct {
	OrderBookDepth int      `yaml:"orderbook_depth"`
	OrderBook      []string `yaml:"orderbook"`
	Trades         []string `yaml:"trades"`
	Ticker         []string `yaml:"ticker"`
	KlineInterval  string   `yaml:"kline_interval"`
	Klines         []string `yaml:"klines"`
	Private        bool     `yaml:"private"`
}

// DefaultConfig returns the built-in defaults; LoadConfig layers the YAML
// file and environment on top.
func DefaultConfig() *Config {
	return &Config{
		Endpoints: EndpointsConfig{
			WSURL:   "ws://127.0.0.1:8765/realtime",
			RestURL: "http://127.0.0.1:8000",
		},
		Timeouts: TimeoutsConfig{
			WSTimeoutMs:          30000,
			HeartbeatIntervalMs:  20000,
			ConnectTimeoutMs:     30000,
			RestTimeoutMs:        15000,
			InstrumentRefreshSec: 300,
		},
		Reconnect: ReconnectConfig{
			Enabled:            true,
			InitialDelayMs:     500,
			MaxDelayMs:         30000,
			Multiplier:         2.0,
			JitterMs:           250,
			MaxConnectAttempts: 5,
			SendAttempts:       3,
		},
		Limits: LimitsConfig{
			MaxSubscriptions: 200,
			RateLimit:        10,
			RateBurst:        20,
			EventBuffer:      4096,
			CommandBuffer:    1024,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxAgeDays: 7,
		},
		Metrics: MetricsConfig{
			ReportIntervalSec: 60,
		},
		Subscriptions: SubscriptionsConfig{
			OrderBookDepth: 50,
			KlineInterval:  "1",
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults and applies
// environment overrides for secrets.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets secrets come from the environment instead of the file.
func (c *Config) applyEnv() {
	setIfPresent := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setIfPresent(&c.Endpoints.WSURL, "MT5_WS_URL")
	setIfPresent(&c.Endpoints.RestURL, "MT5_REST_URL")
	setIfPresent(&c.Endpoints.ProxyURL, "MT5_PROXY_URL")
	setIfPresent(&c.Credentials.APIKey, "MT5_API_KEY")
	setIfPresent(&c.Credentials.APISecret, "MT5_API_SECRET")
	setIfPresent(&c.Credentials.Login, "MT5_LOGIN")
	setIfPresent(&c.Credentials.Password, "MT5_PASSWORD")
	setIfPresent(&c.Credentials.Server, "MT5_SERVER")
	setIfPresent(&c.Credentials.AccountID, "MT5_ACCOUNT_ID")
}

// Validate rejects configurations that cannot produce a working session.
func (c *Config) Validate() error {
	if c.Endpoints.WSURL == "" {
		return fmt.Errorf("config: endpoints.ws_url is required")
	}
	if c.Timeouts.HeartbeatIntervalMs <= 0 {
		return fmt.Errorf("config: timeouts.heartbeat_interval_ms must be positive")
	}
	if c.Timeouts.WSTimeoutMs <= c.Timeouts.HeartbeatIntervalMs {
		return fmt.Errorf("config: timeouts.ws_timeout_ms must exceed the heartbeat interval")
	}
	if c.Reconnect.Multiplier < 1.0 {
		return fmt.Errorf("config: reconnect.multiplier must be at least 1.0")
	}
	if c.Limits.MaxSubscriptions <= 0 {
		return fmt.Errorf("config: limits.max_subscriptions must be positive")
	}
	if c.Credentials.APIKey != "" && c.Credentials.APISecret == "" {
		return fmt.Errorf("config: credentials.api_secret is required with api_key")
	}
	if c.Subscriptions.Private && !c.Credentials.Configured() {
		return fmt.Errorf("config: subscriptions.private requires credentials")
	}
	return nil
}

// WSTimeout returns the socket read/write deadline.
func (c *Config) WSTimeout() time.Duration {
	return time.Duration(c.Timeouts.WSTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns the application ping cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Timeouts.HeartbeatIntervalMs) * time.Millisecond
}

// ConnectTimeout returns the startup deadline.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Timeouts.ConnectTimeoutMs) * time.Millisecond
}

// RestTimeout returns the per-request HTTP deadline.
func (c *Config) RestTimeout() time.Duration {
	return time.Duration(c.Timeouts.RestTimeoutMs) * time.Millisecond
}
