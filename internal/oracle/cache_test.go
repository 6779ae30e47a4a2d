package oracle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func fiveMinWindowFor(windowStart int64) func(int64) int64 {
	return func(tsSec int64) int64 {
		return (tsSec / 300) * 300
	}
}

func TestIngestCapturesPriceToBeatOnce(t *testing.T) {
	c := New()
	windowFor := fiveMinWindowFor(1771820400)

	s1 := Sample{Symbol: "xrp", OracleTSMs: 1771820400_500, Value: decimal.NewFromFloat(1.3382), ReceivedAtMs: 1}
	s2 := Sample{Symbol: "xrp", OracleTSMs: 1771820400_900, Value: decimal.NewFromFloat(1.3390), ReceivedAtMs: 2}

	c.Ingest(s1, 300, 2, windowFor)
	c.Ingest(s2, 300, 2, windowFor)

	cap, ok := c.PriceToBeat("xrp", 1771820400)
	require.True(t, ok)
	require.True(t, cap.Value.Equal(decimal.NewFromFloat(1.3382)), "first tick in capture slice wins, P2")
}

func TestIngestCapturesClosePriceForPreviousWindow(t *testing.T) {
	c := New()
	windowFor := fiveMinWindowFor(0)

	// Tick at the start of the NEXT window is the close-price of the
	// window that just ended.
	tick := Sample{Symbol: "xrp", OracleTSMs: 1771820700_800, Value: decimal.NewFromFloat(1.3403), ReceivedAtMs: 1771820700_900}
	c.Ingest(tick, 300, 2, windowFor)

	cap, ok := c.ClosePriceNoFreshness(1771820400, "xrp")
	require.True(t, ok)
	require.True(t, cap.Value.Equal(decimal.NewFromFloat(1.3403)))
}

func TestClosePriceFreshnessContract(t *testing.T) {
	c := New()
	windowFor := fiveMinWindowFor(0)

	now := time.Now()
	tick := Sample{
		Symbol:       "btc",
		OracleTSMs:   1771820700_000,
		Value:        decimal.NewFromFloat(64790.08),
		ReceivedAtMs: now.Add(-15 * time.Second).UnixMilli(),
	}
	c.Ingest(tick, 300, 2, windowFor)

	_, ok, fresh := c.ClosePrice("btc", 1771820400, 10, now)
	require.True(t, ok)
	require.False(t, fresh, "15s old close-price must be refused per the 10s freshness contract")
}

// ClosePriceNoFreshness is a test helper: always "fresh", used where the
// scenario does not care about the freshness contract.
func (c *Cache) ClosePriceNoFreshness(window int64, symbol string) (Capture, bool) {
	cap, ok, _ := c.ClosePrice(symbol, window, 1<<30, time.Now())
	return cap, ok
}
