// Package bookmirror implements the Book Mirror (C2): a local mapping from
// token-id to TokenBook, kept current from a push feed of snapshot and
// delta events, with single-writer-per-token access from the feed-reading
// goroutine and many concurrent coordinator readers.
package bookmirror

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Level is a BookLevel: (price, total-size). Size is always positive in a
// stored book; size=0 deltas remove the level instead of being stored.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// placeholderBid and placeholderAsk are the synthetic resting levels
// Polymarket shows on a market with no real liquidity yet.
var (
	placeholderBid = decimal.NewFromFloat(0.01)
	placeholderAsk = decimal.NewFromFloat(0.99)
)

// TokenBook is one token's order book: asks ascending, bids descending.
type TokenBook struct {
	asks map[string]decimal.Decimal // price string -> size, for O(1) delta apply
	bids map[string]decimal.Decimal
}

func newTokenBook() *TokenBook {
	return &TokenBook{
		asks: make(map[string]decimal.Decimal),
		bids: make(map[string]decimal.Decimal),
	}
}

func (b *TokenBook) applySnapshot(asks, bids []Level) {
	b.asks = make(map[string]decimal.Decimal, len(asks))
	b.bids = make(map[string]decimal.Decimal, len(bids))
	for _, l := range asks {
		if l.Size.IsPositive() {
			b.asks[l.Price.String()] = l.Size
		}
	}
	for _, l := range bids {
		if l.Size.IsPositive() {
			b.bids[l.Price.String()] = l.Size
		}
	}
}

func (b *TokenBook) applyDelta(side string, price, size decimal.Decimal) {
	m := b.asks
	if side == "BUY" || side == "buy" || side == "bid" {
		m = b.bids
	}
	key := price.String()
	if size.Sign() <= 0 {
		delete(m, key)
		return
	}
	m[key] = size
}

// Asks returns the ask side sorted ascending (cheapest first), per P1,
// with the placeholder level filtered out if the book is otherwise empty.
func (b *TokenBook) Asks() []Level {
	if b.isPlaceholderOnly() {
		return nil
	}
	return sortedLevels(b.asks, true)
}

// Bids returns the bid side sorted descending (best bid first).
func (b *TokenBook) Bids() []Level {
	if b.isPlaceholderOnly() {
		return nil
	}
	return sortedLevels(b.bids, false)
}

func sortedLevels(m map[string]decimal.Decimal, ascending bool) []Level {
	out := make([]Level, 0, len(m))
	for priceStr, size := range m {
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		out = append(out, Level{Price: price, Size: size})
	}
	sort.Slice(out, func(i, j int) bool {
		if ascending {
			return out[i].Price.LessThan(out[j].Price)
		}
		return out[i].Price.GreaterThan(out[j].Price)
	})
	return out
}

// isPlaceholderOnly reports whether the book holds nothing but the
// synthetic placeholder pair (a single 0.01 bid and a single 0.99 ask),
// per §4.2's placeholder filter.
func (b *TokenBook) isPlaceholderOnly() bool {
	return singleLevelAt(b.bids, placeholderBid) && singleLevelAt(b.asks, placeholderAsk)
}

func singleLevelAt(m map[string]decimal.Decimal, want decimal.Decimal) bool {
	if len(m) != 1 {
		return false
	}
	for priceStr := range m {
		price, err := decimal.NewFromString(priceStr)
		return err == nil && price.Equal(want)
	}
	return false
}

// Mirror holds every subscribed token's book behind one lock per token.
type Mirror struct {
	mu     sync.RWMutex
	tokens map[string]*tokenEntry
}

type tokenEntry struct {
	mu   sync.RWMutex
	book *TokenBook
	// updated is closed and replaced on every applied event, the Go
	// idiom for Tokio's Notify::notify_waiters — WaitForUpdate below
	// returns the channel current at call time.
	updated chan struct{}
}

// New creates an empty Mirror.
func New() *Mirror {
	return &Mirror{tokens: make(map[string]*tokenEntry)}
}

func (m *Mirror) entryFor(tokenID string) *tokenEntry {
	m.mu.RLock()
	e, ok := m.tokens[tokenID]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tokens[tokenID]; ok {
		return e
	}
	e = &tokenEntry{book: newTokenBook(), updated: make(chan struct{})}
	m.tokens[tokenID] = e
	return e
}

// ApplySnapshot replaces a token's entire book. Applying the same
// snapshot twice in succession is idempotent (P6): the second apply
// produces byte-identical maps from identical inputs.
func (m *Mirror) ApplySnapshot(tokenID string, asks, bids []Level) {
	e := m.entryFor(tokenID)
	e.mu.Lock()
	e.book.applySnapshot(asks, bids)
	m.notifyLocked(e)
	e.mu.Unlock()
}

// ApplyDelta applies one price_change level update.
func (m *Mirror) ApplyDelta(tokenID, side string, price, size decimal.Decimal) {
	e := m.entryFor(tokenID)
	e.mu.Lock()
	e.book.applyDelta(side, price, size)
	m.notifyLocked(e)
	e.mu.Unlock()
}

func (m *Mirror) notifyLocked(e *tokenEntry) {
	close(e.updated)
	e.updated = make(chan struct{})
}

// Book returns a read-only snapshot of a token's current asks and bids.
// A token with no events yet returns an empty, non-nil book.
func (m *Mirror) Book(tokenID string) *TokenBook {
	e := m.entryFor(tokenID)
	e.mu.RLock()
	defer e.mu.RUnlock()
	snap := newTokenBook()
	for k, v := range e.book.asks {
		snap.asks[k] = v
	}
	for k, v := range e.book.bids {
		snap.bids[k] = v
	}
	return snap
}

// WaitForUpdate returns a channel that is closed when the next event is
// applied to tokenID; it does not block. Callers select on it alongside
// their own timeout/cancellation.
func (m *Mirror) WaitForUpdate(tokenID string) <-chan struct{} {
	e := m.entryFor(tokenID)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.updated
}

// Unsubscribe drops a token's book entirely, per the T+window-close
// unsubscribe(tokens) lifecycle call in §4.2.
func (m *Mirror) Unsubscribe(tokenID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, tokenID)
}
