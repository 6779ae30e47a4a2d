package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestEvaluateRejectsBelowConfidencePct(t *testing.T) {
	g := New(d("0.01"), nil, d("10000"), 10*time.Millisecond)
	dec := g.Evaluate(Request{
		Symbol:        "btc",
		WindowStart:   1,
		PriceToBeat:   d("64928.77"),
		ClosePrice:    d("64935.00"),
		RequestedCost: d("100"),
	})
	require.False(t, dec.Approved)
}

func TestEvaluateRejectsBelowAbsoluteFloor(t *testing.T) {
	g := New(d("0.0001"), map[string]decimal.Decimal{"xrp": d("0.005")}, d("10000"), 10*time.Millisecond)
	dec := g.Evaluate(Request{
		Symbol:        "xrp",
		WindowStart:   1,
		PriceToBeat:   d("1.3382"),
		ClosePrice:    d("1.3384"),
		RequestedCost: d("100"),
	})
	require.False(t, dec.Approved, "diff of 0.0002 is below the 0.005 absolute floor")
}

func TestEvaluateApprovesAndDeterminesDirection(t *testing.T) {
	g := New(d("0.001"), map[string]decimal.Decimal{"btc": d("68")}, d("10000"), 10*time.Millisecond)
	dec := g.Evaluate(Request{
		Symbol:        "btc",
		WindowStart:   1,
		PriceToBeat:   d("64928.77"),
		ClosePrice:    d("64790.08"),
		RequestedCost: d("100"),
	})
	require.True(t, dec.Approved)
	require.Equal(t, DirectionDown, dec.Direction)
}

func TestEvaluateRejectsOnSourceDisagreement(t *testing.T) {
	g := New(d("0.0001"), nil, d("10000"), 10*time.Millisecond)
	rpcPrice := d("64930.00") // implies positive diff vs a negative oracle diff
	dec := g.Evaluate(Request{
		Symbol:        "btc",
		WindowStart:   1,
		PriceToBeat:   d("64928.77"),
		ClosePrice:    d("64790.08"),
		RPCClosePrice: &rpcPrice,
		RequestedCost: d("100"),
	})
	require.False(t, dec.Approved)
}

func TestPositionCapRejectsExcessExposure(t *testing.T) {
	g := New(d("0.0001"), nil, d("500"), 10*time.Millisecond)
	g.AddOutstanding(d("450"))

	dec := g.Evaluate(Request{
		Symbol:        "btc",
		WindowStart:   1,
		PriceToBeat:   d("64928.77"),
		ClosePrice:    d("64790.08"),
		RequestedCost: d("100"),
	})
	require.False(t, dec.Approved)
}

func TestCorrelationBreakerKeepsOnlyTopTwoOfThreeOrMore(t *testing.T) {
	g := New(d("0.0001"), nil, d("1000000"), 20*time.Millisecond)

	type result struct {
		symbol   string
		approved bool
	}
	results := make(chan result, 4)
	var wg sync.WaitGroup

	entries := []struct {
		symbol    string
		diffRatio string
	}{
		{"btc", "0.0050"},
		{"eth", "0.0200"},
		{"sol", "0.0100"},
		{"xrp", "0.0030"},
	}

	for _, e := range entries {
		wg.Add(1)
		go func(symbol, ratioStr string) {
			defer wg.Done()
			approved := g.arbitrate(42, symbol, d(ratioStr))
			results <- result{symbol: symbol, approved: approved}
		}(e.symbol, e.diffRatio)
	}
	wg.Wait()
	close(results)

	approvedSymbols := map[string]bool{}
	for r := range results {
		if r.approved {
			approvedSymbols[r.symbol] = true
		}
	}

	require.Len(t, approvedSymbols, 2, "only the top 2 by diffRatio should proceed when >=3 decide simultaneously")
	require.True(t, approvedSymbols["eth"], "eth has the highest diffRatio")
	require.True(t, approvedSymbols["sol"], "sol has the second highest diffRatio")
}

func TestArbitrationPassesAllWhenFewerThanThree(t *testing.T) {
	g := New(d("0.0001"), nil, d("1000000"), 20*time.Millisecond)

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	for _, sym := range []string{"btc", "eth"} {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			results <- g.arbitrate(7, symbol, d("0.01"))
		}(sym)
	}
	wg.Wait()
	close(results)

	for approved := range results {
		require.True(t, approved)
	}
}
