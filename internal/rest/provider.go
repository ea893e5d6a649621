package rest

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"mt5flow/internal/instruments"
	"mt5flow/logger"
)

// InstrumentProvider pulls the symbol universe over HTTP and keeps the
// shared instrument cache current.
type InstrumentProvider struct {
	client *Client
	cache  *instruments.Cache
	log    *logger.Log
}

func NewInstrumentProvider(client *Client, cache *instruments.Cache) *InstrumentProvider {
	return &InstrumentProvider{
		client: client,
		cache:  cache,
		log:    logger.GetLogger(),
	}
}

// Refresh replaces the cache contents with the current symbol listing.
func (p *InstrumentProvider) Refresh(ctx context.Context) (int, error) {
	insts, err := p.client.Symbols(ctx)
	if err != nil {
		return 0, err
	}
	p.cache.PutAll(insts)
	return len(insts), nil
}

// Start refreshes on an interval until the context ends. The first refresh
// runs immediately.
func (p *InstrumentProvider) Start(ctx context.Context, interval time.Duration) {
	log := p.log.WithComponent("instrument_provider")
	if n, err := p.Refresh(ctx); err != nil {
		log.WithError(err).Warn("initial instrument refresh failed")
	} else {
		log.WithFields(logger.Fields{"count": n}).Info("instruments loaded")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.Refresh(ctx); err != nil {
				log.WithError(err).Warn("instrument refresh failed")
			} else {
				log.WithFields(logger.Fields{"count": n}).Debug("instruments refreshed")
			}
		}
	}
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func floatDecimal(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
