package rpcfallback

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func abiWord(v *big.Int) string {
	b := make([]byte, 32)
	v.FillBytes(b)
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}

func chainlinkResultServer(t *testing.T, answer int64, updatedAt int64) *httptest.Server {
	t.Helper()
	result := "0x" +
		abiWord(big.NewInt(1)) + // roundId
		abiWord(big.NewInt(answer)) + // answer
		abiWord(big.NewInt(0)) + // startedAt
		abiWord(big.NewInt(updatedAt)) + // updatedAt
		abiWord(big.NewInt(1)) // answeredInRound

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      1,
			"result":  result,
		})
	}))
}

func TestClosePriceDecodesAnswerAndUpdatedAt(t *testing.T) {
	srv := chainlinkResultServer(t, 6492877000000, 1771820705)
	defer srv.Close()

	c := New([]string{srv.URL})
	price, updatedAt, err := c.ClosePrice(context.Background(), "btc")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.RequireFromString("64928.77")))
	require.Equal(t, int64(1771820705), updatedAt.Unix())
}

func TestClosePriceRejectsUnknownSymbol(t *testing.T) {
	c := New([]string{"http://unused.invalid"})
	_, _, err := c.ClosePrice(context.Background(), "doge")
	require.Error(t, err)
}

func TestClosePriceTriesNextURLOnFailure(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := chainlinkResultServer(t, 139850000, 1771820705)
	defer good.Close()

	c := New([]string{bad.URL, good.URL})
	price, _, err := c.ClosePrice(context.Background(), "xrp")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.RequireFromString("1.3985")))
}
