package mcp

import (
	"math/big"
	"sync"
	"time"
)

// priceTracker records the price each caller last saw for a dataset so
// himitsu_query only pays a price the agent has looked at. Entries expire
// after window. In-memory and per process: a restart just means the agent
// looks at the dataset again.
type priceTracker struct {
	mu     sync.Mutex
	seen   map[priceKey]seenPrice
	window time.Duration
}

type priceKey struct {
	clientID  string
	datasetID uint64
}

type seenPrice struct {
	price *big.Int
	at    time.Time
}

func newPriceTracker(window time.Duration) *priceTracker {
	return &priceTracker{
		seen:   make(map[priceKey]seenPrice),
		window: window,
	}
}

// Record notes that clientID saw datasetID at price.
func (t *priceTracker) Record(clientID string, datasetID uint64, price *big.Int) {
	if price == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[priceKey{clientID, datasetID}] = seenPrice{price: new(big.Int).Set(price), at: time.Now()}

	if len(t.seen) > 1000 {
		t.purgeStale()
	}
}

// Seen returns the price clientID saw for datasetID within the window.
func (t *priceTracker) Seen(clientID string, datasetID uint64) (*big.Int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := priceKey{clientID, datasetID}
	s, ok := t.seen[k]
	if !ok {
		return nil, false
	}
	if time.Since(s.at) > t.window {
		delete(t.seen, k)
		return nil, false
	}
	return s.price, true
}

// purgeStale removes expired entries. Must be called with mu held.
func (t *priceTracker) purgeStale() {
	now := time.Now()
	for k, s := range t.seen {
		if now.Sub(s.at) > t.window {
			delete(t.seen, k)
		}
	}
}
