package instruments

import (
	"sync"

	"mt5flow/logger"
	"mt5flow/models"
)

// Cache is a read-mostly store of instrument metadata keyed by symbol.
// The REST instrument provider and the client façade write to it; the
// message codec reads it while parsing string-encoded numerics.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]models.Instrument
	log     *logger.Log
}

func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]models.Instrument),
		log:     logger.GetLogger(),
	}
}

// Put stores or replaces one instrument.
func (c *Cache) Put(inst models.Instrument) {
	if inst.Symbol == "" {
		return
	}
	c.mu.Lock()
	c.entries[inst.Symbol] = inst
	c.mu.Unlock()
}

// PutAll stores a batch of instruments.
func (c *Cache) PutAll(insts []models.Instrument) {
	c.mu.Lock()
	for _, inst := range insts {
		if inst.Symbol == "" {
			continue
		}
		c.entries[inst.Symbol] = inst
	}
	c.mu.Unlock()
	c.log.WithComponent("instrument_cache").WithFields(logger.Fields{
		"count": len(insts),
	}).Debug("instruments cached")
}

// Get looks up an instrument by symbol.
func (c *Cache) Get(symbol string) (models.Instrument, bool) {
	c.mu.RLock()
	inst, ok := c.entries[symbol]
	c.mu.RUnlock()
	return inst, ok
}

// All returns a copy of every cached instrument.
func (c *Cache) All() []models.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Instrument, 0, len(c.entries))
	for _, inst := range c.entries {
		out = append(out, inst)
	}
	return out
}

// Len reports the number of cached instruments.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
