package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mt5flow/config"
	"mt5flow/internal/rest"
	"mt5flow/internal/retry"
	"mt5flow/internal/session"
	"mt5flow/internal/ws"
	"mt5flow/logger"
	"mt5flow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath, "config/config.yml"))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAgeDays); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	if cfg.SimulateOrders && config.IsProductionLike(env) {
		log.WithFields(logger.Fields{"environment": env}).Warn("order simulation enabled in a production-like environment")
	}

	log.WithFields(logger.Fields{
		"environment": env,
		"ws_url":      cfg.Endpoints.WSURL,
		"rest_url":    cfg.Endpoints.RestURL,
	}).Info("starting mt5flow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatchEnabled {
		logger.InitCloudWatch(cfg.Metrics.Region, "", "")
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, time.Duration(cfg.Metrics.ReportIntervalSec)*time.Second)
	}

	client := ws.NewClient(ws.Config{
		Session: session.Config{
			URL:       cfg.Endpoints.WSURL,
			ProxyURL:  cfg.Endpoints.ProxyURL,
			AccountID: cfg.Credentials.AccountID,
			APIKey:    cfg.Credentials.APIKey,
			APISecret: cfg.Credentials.APISecret,
			Login:     cfg.Credentials.Login,
			Password:  cfg.Credentials.Password,
			Server:    cfg.Credentials.Server,

			HeartbeatInterval: cfg.HeartbeatInterval(),
			WSTimeout:         cfg.WSTimeout(),
			Reconnect: retry.Policy{
				InitialDelay: time.Duration(cfg.Reconnect.InitialDelayMs) * time.Millisecond,
				MaxDelay:     time.Duration(cfg.Reconnect.MaxDelayMs) * time.Millisecond,
				Multiplier:   cfg.Reconnect.Multiplier,
				Jitter:       time.Duration(cfg.Reconnect.JitterMs) * time.Millisecond,
			},
			ReconnectEnabled:   cfg.Reconnect.Enabled,
			ReconnectTimeout:   time.Duration(cfg.Reconnect.TimeoutMs) * time.Millisecond,
			MaxConnectAttempts: cfg.Reconnect.MaxConnectAttempts,
			SendAttempts:       cfg.Reconnect.SendAttempts,
			SimulateOrders:     cfg.SimulateOrders,
			EventBuffer:        cfg.Limits.EventBuffer,
			CommandBuffer:      cfg.Limits.CommandBuffer,
		},
		MaxSubscriptions: cfg.Limits.MaxSubscriptions,
		ConnectTimeout:   cfg.ConnectTimeout(),
	})

	if cfg.Endpoints.RestURL != "" && cfg.Credentials.Login != "" {
		restClient := rest.NewClient(rest.Config{
			BaseURL:   cfg.Endpoints.RestURL,
			ProxyURL:  cfg.Endpoints.ProxyURL,
			Login:     cfg.Credentials.Login,
			Password:  cfg.Credentials.Password,
			Server:    cfg.Credentials.Server,
			Timeout:   cfg.RestTimeout(),
			RateLimit: cfg.Limits.RateLimit,
			RateBurst: cfg.Limits.RateBurst,
		})
		if err := restClient.Login(ctx); err != nil {
			log.WithError(err).Error("REST login failed")
			os.Exit(1)
		}
		insts, err := restClient.Symbols(ctx)
		if err != nil {
			log.WithError(err).Warn("instrument load failed; parsing without precision data")
		} else {
			client.CacheInstruments(insts)
			log.WithFields(logger.Fields{"count": len(insts)}).Info("instruments loaded")
		}
	}

	if err := client.Connect(ctx); err != nil {
		log.WithError(err).Error("connect failed")
		os.Exit(1)
	}

	if err := subscribeAll(client, cfg); err != nil {
		log.WithError(err).Error("startup subscriptions failed")
		client.Close()
		os.Exit(1)
	}

	events, err := client.Events()
	if err != nil {
		log.WithError(err).Error("event stream unavailable")
		client.Close()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutting down")
		client.Close()
		cancel()
	}()

	for event := range events {
		logEvent(log, event)
	}
	log.Info("event stream drained; exiting")
}

func subscribeAll(client *ws.Client, cfg *config.Config) error {
	subs := cfg.Subscriptions
	for _, symbol := range subs.OrderBook {
		if err := client.SubscribeOrderBook(symbol, subs.OrderBookDepth); err != nil {
			return err
		}
	}
	for _, symbol := range subs.Trades {
		if err := client.SubscribeTrades(symbol); err != nil {
			return err
		}
	}
	for _, symbol := range subs.Ticker {
		if err := client.SubscribeTicker(symbol); err != nil {
			return err
		}
	}
	for _, symbol := range subs.Klines {
		if err := client.SubscribeKlines(symbol, subs.KlineInterval); err != nil {
			return err
		}
	}
	if subs.Private {
		for _, fn := range []func() error{
			client.SubscribeOrders,
			client.SubscribeExecutions,
			client.SubscribePositions,
			client.SubscribeWallet,
		} {
			if err := fn(); err != nil {
				return err
			}
		}
	}
	return nil
}

func logEvent(log *logger.Log, event models.Event) {
	entry := log.WithComponent("event_loop").WithFields(logger.Fields{"event": event.EventType()})
	switch e := event.(type) {
	case models.QuoteEvent:
		entry.WithFields(logger.Fields{
			"symbol": e.Quote.Symbol,
			"bid":    e.Quote.BidPrice.String(),
			"ask":    e.Quote.AskPrice.String(),
		}).Debug("quote")
	case models.TradesEvent:
		entry.WithFields(logger.Fields{"count": len(e.Trades)}).Debug("trades")
	case models.BookEvent:
		entry.WithFields(logger.Fields{
			"symbol": e.Book.Symbol,
			"type":   string(e.Book.Type),
		}).Debug("book")
	case models.BarEvent:
		entry.WithFields(logger.Fields{
			"symbol":   e.Bar.Symbol,
			"interval": e.Bar.Interval,
		}).Debug("bar")
	case models.OrderRejectedEvent:
		entry.WithFields(logger.Fields{
			"kind":            string(e.Kind),
			"client_order_id": e.ClientOrderID,
			"reason":          e.Reason,
		}).Warn("order rejected")
	case models.AuthenticatedEvent:
		if e.OK {
			entry.Info("authenticated")
		} else {
			entry.WithFields(logger.Fields{"reason": e.Reason}).Error("authentication failed")
		}
	case models.ReconnectedEvent:
		entry.Info("reconnected")
	case models.ErrorEvent:
		entry.WithFields(logger.Fields{"kind": e.Kind, "message": e.Message}).Warn("session error")
	default:
		entry.Debug("event")
	}
}
