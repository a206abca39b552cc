package signal

import (
	"hash/fnv"
	"sync"

	"github.com/fxsage/fxadvisor/internal/market"
)

const stripeCount = 64

// stateCache holds the last emitted signal per (pair, timeframe).
// Striped locking keeps contention local: concurrent check tasks for
// different keys rarely share a stripe.
type stateCache struct {
	stripes [stripeCount]stripe
}

type stripe struct {
	mu sync.Mutex
	m  map[market.Key]*Signal
}

func newStateCache() *stateCache {
	c := &stateCache{}
	for i := range c.stripes {
		c.stripes[i].m = make(map[market.Key]*Signal)
	}
	return c
}

func (c *stateCache) stripeFor(k market.Key) *stripe {
	h := fnv.New32a()
	h.Write([]byte(k.String()))
	return &c.stripes[h.Sum32()%stripeCount]
}

// get returns the last signal for a key, or nil
func (c *stateCache) get(k market.Key) *Signal {
	s := c.stripeFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[k]
}

// set replaces the last signal for a key
func (c *stateCache) set(k market.Key, sig *Signal) {
	s := c.stripeFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[k] = sig
}

// warm seeds the cache in bulk
func (c *stateCache) warm(last map[market.Key]*Signal) {
	for k, sig := range last {
		c.set(k, sig)
	}
}

// size counts cached keys across stripes
func (c *stateCache) size() int {
	total := 0
	for i := range c.stripes {
		c.stripes[i].mu.Lock()
		total += len(c.stripes[i].m)
		c.stripes[i].mu.Unlock()
	}
	return total
}
