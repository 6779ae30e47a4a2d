// Package coordinator implements the Window Coordinator (C6): one
// instance per symbol, driving the pending -> armed -> prepared ->
// decided -> sweeping -> closed state machine from spec §3/§4.6 for
// every aligned window, for the life of the process.
//
// Grounded structurally on teacher's internal/arbitrage/engine.go
// (per-entity state tracked in a map, ticker-driven goroutines started
// from a Start method, a stopCh/context for shutdown) generalized from
// a single shared-map engine to one goroutine per symbol, since C6's
// state belongs exclusively to its symbol (§3's ownership rule).
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/arbwatch/sweepbot/internal/bookmirror"
	"github.com/arbwatch/sweepbot/internal/config"
	"github.com/arbwatch/sweepbot/internal/discovery"
	"github.com/arbwatch/sweepbot/internal/journal"
	"github.com/arbwatch/sweepbot/internal/oracle"
	"github.com/arbwatch/sweepbot/internal/orderbuilder"
	"github.com/arbwatch/sweepbot/internal/period"
	"github.com/arbwatch/sweepbot/internal/risk"
	"github.com/arbwatch/sweepbot/internal/rpcfallback"
	"github.com/arbwatch/sweepbot/internal/sweep"
)

// State is one of the window lifecycle's named states, §3's Window type.
type State string

const (
	StatePending  State = "pending"
	StateArmed    State = "armed"
	StatePrepared State = "prepared"
	StateDecided  State = "decided"
	StateSweeping State = "sweeping"
	StateClosed   State = "closed"
)

// armLead is how long before the window boundary the coordinator
// resolves the market and subscribes books, per §4.6's armed row.
const armLead = 30 * time.Second

// prepareLead is how long before the window boundary pre-orders are
// built and signed, per §4.6's prepared row.
const prepareLead = 5 * time.Second

// discoveryRetryInterval is the delay between discovery retries while
// a market has not yet been created, per §7's "Discovery miss" row.
const discoveryRetryInterval = 10 * time.Second

// Deps bundles the shared components a Coordinator drives. Every field
// is shared by reference across every symbol's Coordinator, per §3's
// ownership rule.
type Deps struct {
	OracleCache *oracle.Cache
	Mirror      *bookmirror.Mirror
	BookFeed    *bookmirror.Feed
	Discovery   *discovery.Client
	Builder     *orderbuilder.Builder
	Sweep       *sweep.Engine
	Gate        *risk.Gate
	Journal     *journal.Journal
	RPC         *rpcfallback.Client
}

// Coordinator drives one symbol's window state machine.
type Coordinator struct {
	symbol string
	cfg    config.Strategy
	zone   *time.Location
	deps   Deps

	mu    sync.RWMutex
	state State
}

// New constructs a Coordinator for symbol.
func New(symbol string, cfg config.Strategy, zone *time.Location, deps Deps) *Coordinator {
	return &Coordinator{symbol: symbol, cfg: cfg, zone: zone, deps: deps, state: StatePending}
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives windows for the life of ctx. It returns only when ctx is
// cancelled (process shutdown); every other failure is per-window and
// logged/journaled, not fatal to the coordinator.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		windowStart := c.nextArmableWindow(time.Now())
		c.setState(StatePending)
		if err := sleepUntil(ctx, time.Unix(windowStart-int64(armLead/time.Second), 0)); err != nil {
			return err
		}
		if err := c.runWindow(ctx, windowStart); err != nil {
			return err
		}
	}
}

// nextArmableWindow returns the smallest window-start strictly after
// now whose arm time (windowStart - armLead) has not yet passed.
func (c *Coordinator) nextArmableWindow(now time.Time) int64 {
	w := period.WindowForUnix(now.Unix(), c.cfg.WindowDurationSecs, c.zone)
	for w-int64(armLead/time.Second) <= now.Unix() {
		w += c.cfg.WindowDurationSecs
	}
	return w
}

// runWindow carries one window through armed -> closed. Only a ctx
// cancellation error propagates to the caller; every in-window failure
// (discovery miss, stale oracle, gate rejection) is logged/journaled
// and ends the window at closed.
func (c *Coordinator) runWindow(ctx context.Context, windowStart int64) error {
	c.setState(StateArmed)
	market, err := c.resolveMarket(ctx, windowStart)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Str("symbol", c.symbol).Int64("window", windowStart).Err(err).Msg("window skipped: discovery miss")
		c.recordSkip(windowStart, "discovery miss: "+err.Error())
		c.setState(StateClosed)
		return nil
	}

	c.deps.BookFeed.Subscribe([]string{market.UpTokenID, market.DownTokenID})
	defer c.deps.BookFeed.Unsubscribe([]string{market.UpTokenID, market.DownTokenID})

	if err := sleepUntil(ctx, time.Unix(windowStart-int64(prepareLead/time.Second), 0)); err != nil {
		return err
	}

	c.setState(StatePrepared)
	c.prebuildOrders(market)

	if err := sleepUntil(ctx, time.Unix(windowStart, 0)); err != nil {
		return err
	}

	c.setState(StateDecided)
	decision, ok := c.decideWinner(ctx, windowStart)
	if !ok {
		c.setState(StateClosed)
		return nil
	}
	if !decision.Approved {
		log.Info().Str("symbol", c.symbol).Int64("window", windowStart).Str("reason", decision.RejectionMsg).Msg("window skipped by risk gate")
		c.recordSkip(windowStart, decision.RejectionMsg)
		c.setState(StateClosed)
		return nil
	}

	winningToken, side := market.UpTokenID, "Up"
	if decision.Direction == risk.DirectionDown {
		winningToken, side = market.DownTokenID, "Down"
	}

	c.setState(StateSweeping)
	result := c.sweep(ctx, winningToken)

	if result.TotalCost.IsPositive() {
		c.deps.Gate.AddOutstanding(result.TotalCost)
	}
	for _, fill := range result.Fills {
		cost := fill.Size.Mul(fill.Price)
		if _, err := c.deps.Journal.RecordFill(c.symbol, windowStart, market.ConditionID, winningToken, side, cost, fill.Size, fill.Price, time.Now(), fill.ExternalOrderID, c.cfg.SimulationMode); err != nil {
			log.Error().Err(err).Str("symbol", c.symbol).Int64("window", windowStart).Msg("failed to journal fill")
		}
	}

	c.setState(StateClosed)
	return nil
}

// resolveMarket retries discovery every discoveryRetryInterval until
// the window boundary, per §7's "Discovery miss" disposition.
func (c *Coordinator) resolveMarket(ctx context.Context, windowStart int64) (discovery.Market, error) {
	deadline := time.Unix(windowStart, 0)
	for {
		m, err := c.deps.Discovery.Market(c.symbol, c.cfg.WindowDurationSecs, windowStart)
		if err == nil {
			return m, nil
		}
		if !time.Now().Before(deadline) {
			return discovery.Market{}, fmt.Errorf("market not found by window boundary: %w", err)
		}
		wait := discoveryRetryInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return discovery.Market{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// prebuildOrders warms the fee/tick cache and pre-signs a rung for
// both outcome tokens. Per the T-5s->T+0 signing-budget resolution in
// DESIGN.md, these pre-signed orders are not what's submitted at T+0
// (the sweep loop re-signs against the actual decided price/size);
// their purpose is making that later signature's fee/tick lookup free.
func (c *Coordinator) prebuildOrders(market discovery.Market) {
	maxSize := c.cfg.MaxPositionPerMarket.Div(c.cfg.SweepTargetPrice)
	for _, tokenID := range []string{market.UpTokenID, market.DownTokenID} {
		if _, err := c.deps.Builder.BuildRungs(tokenID, []decimal.Decimal{c.cfg.SweepTargetPrice}, maxSize, "sweepbot", "prebuild"); err != nil {
			log.Warn().Err(err).Str("symbol", c.symbol).Str("token_id", tokenID).Msg("pre-build failed, will sign fresh at decision time")
		}
	}
}

// decideWinner reads the price-to-beat and close-price, falling back
// to RPC when the close-price is missing or stale, then asks the risk
// gate for a decision. ok is false when the window must close skipped
// before ever reaching the gate (no price-to-beat, or no close price
// from any source).
func (c *Coordinator) decideWinner(ctx context.Context, windowStart int64) (risk.Decision, bool) {
	ptb, ok := c.deps.OracleCache.PriceToBeat(c.symbol, windowStart)
	if !ok {
		log.Warn().Str("symbol", c.symbol).Int64("window", windowStart).Msg("window skipped: no price-to-beat captured")
		c.recordSkip(windowStart, "no price-to-beat captured")
		return risk.Decision{}, false
	}

	var closePrice decimal.Decimal
	var rpcClosePrice *decimal.Decimal

	capture, found, fresh := c.deps.OracleCache.ClosePrice(c.symbol, windowStart, c.cfg.OracleFreshnessSecs, time.Now())
	if found && fresh {
		closePrice = capture.Value
	} else {
		price, _, err := c.deps.RPC.ClosePrice(ctx, c.symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", c.symbol).Int64("window", windowStart).Msg("window skipped: close price missing/stale and RPC fallback failed")
			c.recordSkip(windowStart, "close price unavailable: oracle stale/missing and RPC fallback failed")
			return risk.Decision{}, false
		}
		closePrice = price
		if found {
			// Oracle had a stale value; cross-check it against RPC for agreement.
			closePrice = capture.Value
			rpcClosePrice = &price
		}
	}

	decision := c.deps.Gate.Evaluate(risk.Request{
		Symbol:        c.symbol,
		WindowStart:   windowStart,
		PriceToBeat:   ptb.Value,
		ClosePrice:    closePrice,
		RPCClosePrice: rpcClosePrice,
		RequestedCost: c.cfg.MaxPositionPerMarket,
	})
	return decision, true
}

// sweep runs the real sweep engine, or (in paper-trading mode) a
// simulated sweep that reads the book mirror without submitting.
func (c *Coordinator) sweep(ctx context.Context, tokenID string) sweep.Result {
	if c.cfg.SimulationMode {
		return c.simulateSweep(tokenID)
	}
	return c.deps.Sweep.Run(ctx, tokenID, "sweepbot", c.cfg.MaxPositionPerMarket)
}

// simulateSweep walks the winning token's live asks cheapest-first,
// assuming full fill at every eligible level up to budget — the
// SimulatedFill supplement from SPEC_FULL §3, grounded on
// paper_trade.rs's capped_cost/capped_shares accumulation loop over
// sweepable asks, ported from its logging-only use to a journaled
// dry-run result.
func (c *Coordinator) simulateSweep(tokenID string) sweep.Result {
	result := sweep.Result{TotalCost: decimal.Zero, TotalShares: decimal.Zero}
	budget := c.cfg.MaxPositionPerMarket

	for _, ask := range c.deps.Mirror.Book(tokenID).Asks() {
		if ask.Price.GreaterThan(c.cfg.SweepTargetPrice) || !ask.Size.IsPositive() {
			continue
		}
		remaining := budget.Sub(result.TotalCost)
		if !remaining.IsPositive() {
			break
		}
		levelCost := ask.Price.Mul(ask.Size)
		buyableCost := levelCost
		if buyableCost.GreaterThan(remaining) {
			buyableCost = remaining
		}
		buyableShares := buyableCost.Div(ask.Price)

		result.TotalCost = result.TotalCost.Add(buyableCost)
		result.TotalShares = result.TotalShares.Add(buyableShares)
		result.Fills = append(result.Fills, sweep.Fill{Price: ask.Price, Size: buyableShares, ExternalOrderID: "simulated"})
	}
	return result
}

func (c *Coordinator) recordSkip(windowStart int64, reason string) {
	if _, err := c.deps.Journal.RecordSkip(c.symbol, windowStart, reason); err != nil {
		log.Error().Err(err).Str("symbol", c.symbol).Int64("window", windowStart).Msg("failed to journal skip reason")
	}
}

// sleepUntil blocks until t or ctx cancellation, whichever comes
// first. A t already in the past returns immediately.
func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
