package orderbuilder

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestBuilder(t *testing.T, tickSize string) *Builder {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(tokenMeta{TickSize: tickSize, FeeRateBps: 1000})
	}))
	t.Cleanup(srv.Close)

	pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(pk.PublicKey)

	return New(pk, addr, common.Address{}, 0, srv.URL, srv.Client())
}

func TestBuildAndSignProducesNonEmptySignature(t *testing.T) {
	b := newTestBuilder(t, "0.01")

	ps, err := b.BuildAndSign("123456789", decimal.NewFromFloat(0.99), decimal.NewFromFloat(200), "sweepbot", "nominal")
	require.NoError(t, err)
	require.NotEmpty(t, ps.Signature)
	require.Equal(t, "0", ps.Nonce, "no-expiry pre-signed orders always carry nonce 0")
}

func TestBuildAndSignZeroExpiration(t *testing.T) {
	b := newTestBuilder(t, "0.01")

	ps, err := b.BuildAndSign("123456789", decimal.NewFromFloat(0.99), decimal.NewFromFloat(200), "sweepbot", "nominal")
	require.NoError(t, err)
	require.Equal(t, "0", ps.order.Expiration.String())
}

func TestFeeAndTickCachedAfterFirstFetch(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(tokenMeta{TickSize: "0.01", FeeRateBps: 1000})
	}))
	defer srv.Close()

	pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(pk.PublicKey)
	b := New(pk, addr, common.Address{}, 0, srv.URL, srv.Client())

	_, err = b.feeAndTickFor("tok1")
	require.NoError(t, err)
	_, err = b.feeAndTickFor("tok1")
	require.NoError(t, err)

	require.Equal(t, 1, calls, "fee/tick lookup must be cached for process lifetime per token")
}

func TestBuildRungsSignsOnePerRung(t *testing.T) {
	b := newTestBuilder(t, "0.01")

	rungs := []decimal.Decimal{decimal.NewFromFloat(0.99), decimal.NewFromFloat(0.95)}
	orders, err := b.BuildRungs("123456789", rungs, decimal.NewFromFloat(500), "sweepbot", "nominal")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.True(t, orders[0].Intent.Price.Equal(rungs[0]))
	require.True(t, orders[1].Intent.Price.Equal(rungs[1]))
}
