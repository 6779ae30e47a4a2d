// Package rpcfallback queries a Chainlink aggregator's latestRoundData
// directly over RPC when the oracle push feed's close-price sample is
// missing or stale, per spec.md §4.1's freshness contract and §7's
// "Oracle capture missing at T+0 → consult RPC fallback" disposition.
//
// Grounded on original_source/src/api.rs::get_chainlink_price_rpc: the
// same hand-rolled eth_call (no ABI bindings) against the same
// Polygon mainnet aggregator proxy addresses, trying configured RPC
// URLs in order until one answers.
package rpcfallback

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// aggregators are Chainlink proxy addresses on Polygon mainnet, 8
// decimals, unchanged from the source table.
var aggregators = map[string]common.Address{
	"btc": common.HexToAddress("0xc907E116054Ad103354f2D350FD2514433D57F6f"),
	"eth": common.HexToAddress("0xF9680D99D6C9589e2a93a78A04A279e509205945"),
	"sol": common.HexToAddress("0x10C8264C0935b3B9870013e057f330Ff3e9C56dC"),
	"xrp": common.HexToAddress("0x785ba89291f676b5386652eB12b30cF361020694"),
}

var latestRoundDataSelector = crypto.Keccak256([]byte("latestRoundData()"))[:4]

// Client queries the configured RPC endpoints in order.
type Client struct {
	urls []string
}

// New constructs a Client. An empty urls list falls back to the
// public Polygon RPC, matching the source's behavior when
// rpc_urls is unset.
func New(urls []string) *Client {
	if len(urls) == 0 {
		urls = []string{"https://polygon-rpc.com"}
	}
	return &Client{urls: urls}
}

// ClosePrice returns the aggregator's latest answer and its on-chain
// updatedAt time for symbol, trying each configured RPC URL in turn.
func (c *Client) ClosePrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	aggregator, ok := aggregators[symbol]
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("rpcfallback: no chainlink aggregator for symbol %q", symbol)
	}

	var lastErr error
	for _, url := range c.urls {
		price, updatedAt, err := c.call(ctx, url, aggregator)
		if err == nil {
			return price, updatedAt, nil
		}
		lastErr = fmt.Errorf("rpc %s: %w", url, err)
	}
	return decimal.Zero, time.Time{}, lastErr
}

func (c *Client) call(ctx context.Context, url string, aggregator common.Address) (decimal.Decimal, time.Time, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	defer client.Close()

	msg := ethereum.CallMsg{To: &aggregator, Data: latestRoundDataSelector}
	raw, err := client.CallContract(ctx, msg, nil)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	// latestRoundData returns (roundId, answer, startedAt, updatedAt,
	// answeredInRound), each a 32-byte ABI word; answer is the 2nd word,
	// updatedAt the 4th.
	if len(raw) < 32*5 {
		return decimal.Zero, time.Time{}, fmt.Errorf("latestRoundData result too short: %d bytes", len(raw))
	}

	answer := new(big.Int).SetBytes(raw[32:64])
	// Chainlink int256 answers are never negative in practice for price
	// feeds, but preserve sign correctly via two's-complement if the
	// high bit is set.
	if raw[32]&0x80 != 0 {
		answer.Sub(answer, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	price := decimal.NewFromBigInt(answer, -8) // 8 decimals

	updatedAt := new(big.Int).SetBytes(raw[96:128]).Int64()
	return price, time.Unix(updatedAt, 0), nil
}
