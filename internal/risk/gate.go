// Package risk implements the Risk Gate (C8): confidence threshold,
// source agreement, the correlation circuit breaker, and the position
// cap, closing a window's decided/skip outcome before it reaches C7.
package risk

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Direction is the winning side implied by diff = close - price_to_beat.
type Direction string

const (
	DirectionUp   Direction = "Up"
	DirectionDown Direction = "Down"
)

// Request is what a coordinator asks the gate to evaluate for one
// symbol's window at T+0.
type Request struct {
	Symbol        string
	WindowStart   int64
	PriceToBeat   decimal.Decimal
	ClosePrice    decimal.Decimal
	RPCClosePrice *decimal.Decimal // fallback source, nil if unavailable
	RequestedCost decimal.Decimal  // max this window could cost if it sweeps
}

// Decision is the gate's verdict: either proceed with a Direction, or
// a rejection reason. Every rejection is logged and journaled as a
// reason-only row (the caller does the journaling; the gate only
// decides).
type Decision struct {
	Approved     bool
	Direction    Direction
	Diff         decimal.Decimal
	DiffRatio    decimal.Decimal
	RejectionMsg string
}

// reject builds a rejected Decision and logs it, mirroring teacher's
// gate.go reject(msg) closure pattern.
func reject(symbol, msg string) Decision {
	log.Debug().Str("symbol", symbol).Str("reason", msg).Msg("window rejected by risk gate")
	return Decision{Approved: false, RejectionMsg: msg}
}

// Gate is the process-wide risk gate: one instance shared by every
// symbol's coordinator, since both the correlation breaker and the
// position cap are shared mutable state across symbols.
type Gate struct {
	minConfidencePct decimal.Decimal
	floors           map[string]decimal.Decimal
	positionCap      decimal.Decimal
	arbitrationDelay time.Duration

	mu         sync.Mutex
	outstanding decimal.Decimal
	buckets    map[int64]*arbitrationBucket
}

// New constructs a Gate. floors maps symbol -> absolute confidence
// floor (§6's min_confidence_abs table). arbitrationDelay is how long
// the correlation breaker waits to collect candidates for the same
// window boundary before resolving winners (coordinators for different
// symbols reach T+0 within milliseconds of each other, since windows
// share the same period-math boundaries).
func New(minConfidencePct decimal.Decimal, floors map[string]decimal.Decimal, positionCap decimal.Decimal, arbitrationDelay time.Duration) *Gate {
	return &Gate{
		minConfidencePct: minConfidencePct,
		floors:           floors,
		positionCap:      positionCap,
		arbitrationDelay: arbitrationDelay,
		buckets:          make(map[int64]*arbitrationBucket),
	}
}

// Evaluate runs the confidence and source-agreement checks, then
// blocks on the correlation circuit breaker for this window boundary,
// then checks the position cap. It blocks for up to arbitrationDelay
// only when the confidence/agreement checks pass.
func (g *Gate) Evaluate(req Request) Decision {
	diff := req.ClosePrice.Sub(req.PriceToBeat)
	absDiff := diff.Abs()

	if req.PriceToBeat.IsZero() {
		return reject(req.Symbol, "price-to-beat is zero, cannot compute confidence ratio")
	}
	diffRatio := absDiff.Div(req.PriceToBeat)

	if diffRatio.LessThan(g.minConfidencePct) {
		return reject(req.Symbol, fmt.Sprintf("diff ratio %s below min_confidence_pct %s", diffRatio, g.minConfidencePct))
	}
	if floor, ok := g.floors[req.Symbol]; ok && absDiff.LessThan(floor) {
		return reject(req.Symbol, fmt.Sprintf("abs diff %s below symbol floor %s", absDiff, floor))
	}

	if req.RPCClosePrice != nil {
		rpcDiff := req.RPCClosePrice.Sub(req.PriceToBeat)
		if sign(diff) != sign(rpcDiff) {
			return reject(req.Symbol, "oracle and RPC fallback disagree on direction")
		}
	}

	direction := DirectionUp
	if diff.IsNegative() {
		direction = DirectionDown
	}

	if !g.arbitrate(req.WindowStart, req.Symbol, diffRatio) {
		return reject(req.Symbol, "correlation circuit breaker: more than 2 symbols decided simultaneously")
	}

	g.mu.Lock()
	wouldBe := g.outstanding.Add(req.RequestedCost)
	capExceeded := wouldBe.GreaterThan(g.positionCap)
	g.mu.Unlock()
	if capExceeded {
		return reject(req.Symbol, fmt.Sprintf("position cap %s exceeded by outstanding %s + requested %s", g.positionCap, g.outstanding, req.RequestedCost))
	}

	return Decision{Approved: true, Direction: direction, Diff: diff, DiffRatio: diffRatio}
}

func sign(d decimal.Decimal) int {
	switch {
	case d.IsPositive():
		return 1
	case d.IsNegative():
		return -1
	default:
		return 0
	}
}

// AddOutstanding records cost committed to an open position, for the
// position-cap check. ReleaseOutstanding subtracts cost again, never
// going below zero; nothing in this repository calls it.
func (g *Gate) AddOutstanding(cost decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outstanding = g.outstanding.Add(cost)
}

func (g *Gate) ReleaseOutstanding(cost decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outstanding = g.outstanding.Sub(cost)
	if g.outstanding.IsNegative() {
		g.outstanding = decimal.Zero
	}
}

// candidate is one symbol's entry into a window boundary's arbitration.
type candidate struct {
	symbol    string
	diffRatio decimal.Decimal
	resultCh  chan bool
}

// arbitrationBucket collects every symbol that cleared confidence and
// agreement for the same window boundary, then — once arbitrationDelay
// has elapsed since the first entry — resolves: if 3 or more symbols
// are present, only the top 2 by |diff|/price_to_beat proceed.
type arbitrationBucket struct {
	mu         sync.Mutex
	candidates []candidate
	timer      *time.Timer
}

func (g *Gate) arbitrate(windowStart int64, symbol string, diffRatio decimal.Decimal) bool {
	g.mu.Lock()
	b, ok := g.buckets[windowStart]
	if !ok {
		b = &arbitrationBucket{}
		g.buckets[windowStart] = b
		b.timer = time.AfterFunc(g.arbitrationDelay, func() { g.resolve(windowStart) })
	}
	g.mu.Unlock()

	ch := make(chan bool, 1)
	b.mu.Lock()
	b.candidates = append(b.candidates, candidate{symbol: symbol, diffRatio: diffRatio, resultCh: ch})
	b.mu.Unlock()

	return <-ch
}

func (g *Gate) resolve(windowStart int64) {
	g.mu.Lock()
	b := g.buckets[windowStart]
	delete(g.buckets, windowStart)
	g.mu.Unlock()
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.candidates) < 3 {
		for _, c := range b.candidates {
			c.resultCh <- true
		}
		return
	}

	sorted := make([]candidate, len(b.candidates))
	copy(sorted, b.candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].diffRatio.GreaterThan(sorted[j].diffRatio) })

	winners := make(map[string]bool, 2)
	for i := 0; i < 2 && i < len(sorted); i++ {
		winners[sorted[i].symbol] = true
	}

	for _, c := range b.candidates {
		c.resultCh <- winners[c.symbol]
	}
	log.Info().
		Int("candidates", len(b.candidates)).
		Int64("window_start", windowStart).
		Msg("correlation circuit breaker arbitrated simultaneous decisions")
}
