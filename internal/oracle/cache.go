// Package oracle implements the Oracle Price Cache (C1): it ingests a
// streaming oracle push feed and captures, per symbol and window, the
// first tick landing in the price-to-beat slice and the first tick landing
// in the close-price slice, at most once per role per window (P2).
package oracle

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Sample is a PriceSample: one oracle tick.
type Sample struct {
	Symbol      string
	OracleTSMs  int64
	Value       decimal.Decimal
	ReceivedAtMs int64
}

// Capture is a WindowCapture entry: a price pinned to a window+role.
type Capture struct {
	Value        decimal.Decimal
	OracleTSMs   int64
	ReceivedAtMs int64
}

// Cache holds, per symbol, the price-to-beat and close-price maps keyed by
// window-start epoch seconds, plus the latest raw tick. One Cache instance
// is shared by all coordinators; each symbol has its own lock so unrelated
// symbols never contend (single writer per symbol is the feed-reading
// goroutine for that symbol; many coordinator readers).
type Cache struct {
	mu    sync.RWMutex
	state map[string]*symbolState
}

type symbolState struct {
	mu          sync.RWMutex
	priceToBeat map[int64]Capture
	closePrice  map[int64]Capture
	latest      Sample
	hasLatest   bool
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{state: make(map[string]*symbolState)}
}

func (c *Cache) stateFor(symbol string) *symbolState {
	c.mu.RLock()
	s, ok := c.state[symbol]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.state[symbol]; ok {
		return s
	}
	s = &symbolState{
		priceToBeat: make(map[int64]Capture),
		closePrice:  make(map[int64]Capture),
	}
	c.state[symbol] = s
	return s
}

// Ingest applies one tick per the capture rule in spec §4.1: compute the
// tick's window; if the tick falls in [window, window+captureSecs) and no
// price-to-beat is recorded yet for (symbol, window), record it. If the
// tick falls in the post-close slice [window+duration, window+duration+
// captureSecs) of the *previous* window and no close-price is recorded
// yet for that window, record it.
func (c *Cache) Ingest(sample Sample, windowDurationSecs, captureSecs int64, windowFor func(tsSec int64) int64) {
	s := c.stateFor(sample.Symbol)
	tsSec := sample.OracleTSMs / 1000
	window := windowFor(tsSec)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = sample
	s.hasLatest = true

	if tsSec >= window && tsSec < window+captureSecs {
		capture := Capture{
			Value:        sample.Value,
			OracleTSMs:   sample.OracleTSMs,
			ReceivedAtMs: sample.ReceivedAtMs,
		}
		if _, exists := s.priceToBeat[window]; !exists {
			s.priceToBeat[window] = capture
		}
		// The same slice [window, window+captureSecs) is also the
		// post-close capture window of the window immediately before it.
		prevWindow := window - windowDurationSecs
		if _, exists := s.closePrice[prevWindow]; !exists {
			s.closePrice[prevWindow] = capture
		}
	}
}

// PriceToBeat returns the captured price-to-beat for (symbol, window), if any.
func (c *Cache) PriceToBeat(symbol string, window int64) (Capture, bool) {
	s := c.stateFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	cap, ok := s.priceToBeat[window]
	return cap, ok
}

// ClosePrice returns the captured close-price for (symbol, window), if any,
// along with whether it is fresh per the freshness contract (age in
// wall-clock ms from ReceivedAtMs must not exceed freshnessSecs).
func (c *Cache) ClosePrice(symbol string, window int64, freshnessSecs int64, now time.Time) (Capture, bool, bool) {
	s := c.stateFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	cap, ok := s.closePrice[window]
	if !ok {
		return Capture{}, false, false
	}
	ageMs := now.UnixMilli() - cap.ReceivedAtMs
	fresh := ageMs <= freshnessSecs*1000
	return cap, true, fresh
}

// Latest returns the most recent tick received for symbol, for
// diagnostics; it is not a captured role.
func (c *Cache) Latest(symbol string) (Sample, bool) {
	s := c.stateFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.hasLatest
}
