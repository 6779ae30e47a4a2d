// Package sweep implements the Sweep Engine (C7): once a window is
// decided, repeatedly submits FOK orders against the winning token's
// live asks, cheapest first, until the budget, timeout, or available
// liquidity runs out.
package sweep

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/arbwatch/sweepbot/internal/bookmirror"
	"github.com/arbwatch/sweepbot/internal/orderbuilder"
	"github.com/arbwatch/sweepbot/internal/submitter"
)

// Fill is one accepted (fully or partially filled) submission.
type Fill struct {
	Price           decimal.Decimal
	Size            decimal.Decimal
	ExternalOrderID string
}

// Result is what a sweep returns to the coordinator for journaling.
type Result struct {
	TotalCost   decimal.Decimal
	TotalShares decimal.Decimal
	Fills       []Fill
}

// Config holds the tunables from §6: max_position_per_market is
// supplied per call since it is the per-window budget, not a fixed
// engine setting.
type Config struct {
	SweepTargetPrice  decimal.Decimal
	SweepTimeout      time.Duration
	InterOrderDelay   time.Duration
	MinTradeableSize  decimal.Decimal
	BookEventWait     time.Duration // default 3s, §4.7 step 2
}

// Engine runs sweeps against the book mirror, using the builder to
// sign each submission and the submitter to send it. One Engine is
// shared across symbols; none of its fields are mutated per-call.
type Engine struct {
	mirror  *bookmirror.Mirror
	builder *orderbuilder.Builder
	sub     *submitter.Submitter
	cfg     Config
}

// New constructs a sweep Engine.
func New(mirror *bookmirror.Mirror, builder *orderbuilder.Builder, sub *submitter.Submitter, cfg Config) *Engine {
	if cfg.BookEventWait == 0 {
		cfg.BookEventWait = 3 * time.Second
	}
	return &Engine{mirror: mirror, builder: builder, sub: sub, cfg: cfg}
}

// Run sweeps tokenID's book, spending up to budget, for up to
// cfg.SweepTimeout wall-clock. The loop invariant total_cost <=
// budget holds at every observation point: remaining is recomputed
// from total_cost after every fill before the next order_size
// calculation.
func (e *Engine) Run(ctx context.Context, tokenID, strategyName string, budget decimal.Decimal) Result {
	result := Result{TotalCost: decimal.Zero, TotalShares: decimal.Zero}
	deadline := time.Now().Add(e.cfg.SweepTimeout)

	for {
		if ctx.Err() != nil || time.Now().After(deadline) {
			return result
		}

		remaining := budget.Sub(result.TotalCost)
		if !remaining.IsPositive() {
			return result
		}

		asks := eligibleAsks(e.mirror.Book(tokenID).Asks(), e.cfg.SweepTargetPrice)
		if len(asks) == 0 {
			if !e.waitForLiquidity(ctx, tokenID, deadline) {
				return result
			}
			continue
		}

		progressed := false
		for _, ask := range asks {
			remaining = budget.Sub(result.TotalCost)
			if !remaining.IsPositive() {
				return result
			}

			orderSize := minDecimal(ask.Size, remaining.Div(ask.Price))
			if orderSize.LessThan(e.cfg.MinTradeableSize) {
				continue
			}

			fill, ok := e.submitWithRetry(ctx, tokenID, ask.Price, orderSize, strategyName)
			if ok {
				result.TotalCost = result.TotalCost.Add(fill.Size.Mul(fill.Price))
				result.TotalShares = result.TotalShares.Add(fill.Size)
				result.Fills = append(result.Fills, fill)
				progressed = true
			}

			time.Sleep(e.cfg.InterOrderDelay)

			if time.Now().After(deadline) {
				return result
			}
		}

		if !progressed {
			if !e.waitForLiquidity(ctx, tokenID, deadline) {
				return result
			}
		}
	}
}

// submitWithRetry submits one FOK at price/size. On a Rejected result
// it retries once at 90% of size, then 50%, then gives up the level.
// On NetworkError it gives up the level immediately, per §4.7 step 4.
func (e *Engine) submitWithRetry(ctx context.Context, tokenID string, price, size decimal.Decimal, strategyName string) (Fill, bool) {
	sizes := []decimal.Decimal{size, size.Mul(decimal.NewFromFloat(0.9)), size.Mul(decimal.NewFromFloat(0.5))}

	for i, s := range sizes {
		if s.LessThan(e.cfg.MinTradeableSize) {
			return Fill{}, false
		}

		order, err := e.builder.BuildAndSign(tokenID, price, s, strategyName, "sweep")
		if err != nil {
			log.Warn().Err(err).Str("token_id", tokenID).Msg("sweep: failed to sign retry order")
			return Fill{}, false
		}

		res := e.sub.Submit(ctx, order)
		switch res.Status {
		case submitter.StatusFilled, submitter.StatusPartiallyFilled:
			return Fill{Price: res.FilledPriceAvg, Size: res.FilledSize, ExternalOrderID: res.ExternalOrderID}, true
		case submitter.StatusNetworkError:
			log.Warn().Err(res.Err).Str("token_id", tokenID).Msg("sweep: network error, dropping level")
			return Fill{}, false
		case submitter.StatusRejected:
			if i == len(sizes)-1 {
				return Fill{}, false
			}
			continue
		}
	}
	return Fill{}, false
}

// waitForLiquidity blocks for a book update on tokenID, bounded by
// cfg.BookEventWait and the sweep deadline. Returns false when the
// sweep should end (no update arrived, or past deadline/cancelled).
func (e *Engine) waitForLiquidity(ctx context.Context, tokenID string, deadline time.Time) bool {
	wait := e.cfg.BookEventWait
	if remaining := time.Until(deadline); remaining < wait {
		wait = remaining
	}
	if wait <= 0 {
		return false
	}

	select {
	case <-e.mirror.WaitForUpdate(tokenID):
		return true
	case <-time.After(wait):
		return false
	case <-ctx.Done():
		return false
	}
}

func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// eligibleAsks filters to price <= target with positive size, already
// sorted ascending by bookmirror.TokenBook.Asks.
func eligibleAsks(asks []bookmirror.Level, target decimal.Decimal) []bookmirror.Level {
	out := make([]bookmirror.Level, 0, len(asks))
	for _, a := range asks {
		if a.Price.LessThanOrEqual(target) && a.Size.IsPositive() {
			out = append(out, a)
		}
	}
	return out
}
