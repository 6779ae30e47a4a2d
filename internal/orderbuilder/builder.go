// Package orderbuilder implements the Order Pre-Builder (C4): at T-5s,
// fetch and cache per-token fee_rate_bps/tick_size, then build and sign
// BUY FOK orders at the anticipated price rungs for both outcome tokens.
package orderbuilder

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Intent is the C4/spec OrderIntent type.
type Intent struct {
	TokenID      string
	Side         string // always "BUY"
	Price        decimal.Decimal
	Size         decimal.Decimal
	Type         string // always "FOK"
	StrategyName string
	Reason       string
}

// PreSigned is the C4/spec PreSignedOrder type: a fully serialized
// signed payload ready to submit unchanged at T+0.
type PreSigned struct {
	Intent    Intent
	Salt      string
	Nonce     string
	TokenID   string
	Signature string
	order     *ctfOrder
}

// APIPayload returns the order in the shape C5's submitter POSTs,
// matching teacher's ToAPIPayloadWithType: signature lives inside the
// order object, owner is the API key, not the maker address.
func (p *PreSigned) APIPayload(apiKey, orderType string) map[string]any {
	sideStr := "BUY"
	if p.order.Side == 1 {
		sideStr = "SELL"
	}
	return map[string]any{
		"order": map[string]any{
			"salt":          p.order.Salt.Int64(),
			"maker":         p.order.Maker.Hex(),
			"signer":        p.order.Signer.Hex(),
			"taker":         p.order.Taker.Hex(),
			"tokenId":       p.order.TokenID.String(),
			"makerAmount":   p.order.MakerAmount.String(),
			"takerAmount":   p.order.TakerAmount.String(),
			"expiration":    p.order.Expiration.String(),
			"nonce":         p.order.Nonce.String(),
			"feeRateBps":    p.order.FeeRateBps.String(),
			"side":          sideStr,
			"signatureType": int(p.order.SignatureType),
			"signature":     p.Signature,
		},
		"owner":     apiKey,
		"orderType": orderType,
		"postOnly":  false,
	}
}

// feeAndTick is what C4 caches per token-id for process lifetime.
type feeAndTick struct {
	FeeRateBps int64
	TickSize   decimal.Decimal
}

// Builder pre-builds and signs orders. One Builder is shared by every
// symbol's coordinator; its fee/tick cache and signer are safe for
// concurrent use.
type Builder struct {
	signer  *signer
	clobURL string
	http    *http.Client

	mu    sync.RWMutex
	cache map[string]feeAndTick
}

// New constructs a Builder for one wallet, signing against clobURL's
// CLOB API for fee/tick-size lookups.
func New(privateKey *ecdsa.PrivateKey, signerAddr, funderAddr common.Address, signatureType int, clobURL string, httpClient *http.Client) *Builder {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Builder{
		signer:  newSigner(privateKey, signerAddr, funderAddr, signatureType),
		clobURL: clobURL,
		http:    httpClient,
		cache:   make(map[string]feeAndTick),
	}
}

type tokenMeta struct {
	TickSize   string `json:"minimum_tick_size"`
	FeeRateBps int64  `json:"maker_base_fee"`
}

// feeAndTickFor fetches and caches fee_rate_bps/tick_size for tokenID,
// one HTTP call per token-id for the life of the process (§4.4).
func (b *Builder) feeAndTickFor(tokenID string) (feeAndTick, error) {
	b.mu.RLock()
	ft, ok := b.cache[tokenID]
	b.mu.RUnlock()
	if ok {
		return ft, nil
	}

	url := fmt.Sprintf("%s/tick-size?token_id=%s", b.clobURL, tokenID)
	resp, err := b.http.Get(url)
	if err != nil {
		return feeAndTick{}, fmt.Errorf("orderbuilder: fetch tick size for %s: %w", tokenID, err)
	}
	defer resp.Body.Close()

	var meta tokenMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return feeAndTick{}, fmt.Errorf("orderbuilder: decode tick size for %s: %w", tokenID, err)
	}
	tick, err := decimal.NewFromString(meta.TickSize)
	if err != nil {
		return feeAndTick{}, fmt.Errorf("orderbuilder: parse tick size for %s: %w", tokenID, err)
	}

	ft = feeAndTick{FeeRateBps: meta.FeeRateBps, TickSize: tick}

	b.mu.Lock()
	b.cache[tokenID] = ft
	b.mu.Unlock()

	return ft, nil
}

// BuildAndSign builds and signs one BUY FOK order for tokenID at price
// for size shares. Each call signs exactly one order; the fee/tick
// lookup is served from the per-token cache after the first call.
func (b *Builder) BuildAndSign(tokenID string, price, size decimal.Decimal, strategyName, reason string) (*PreSigned, error) {
	ft, err := b.feeAndTickFor(tokenID)
	if err != nil {
		return nil, err
	}

	order, err := b.signer.createBuyOrder(tokenID, price, size, ft.FeeRateBps)
	if err != nil {
		return nil, err
	}
	sig, err := b.signer.sign(order)
	if err != nil {
		return nil, err
	}

	return &PreSigned{
		Intent: Intent{
			TokenID:      tokenID,
			Side:         "BUY",
			Price:        price,
			Size:         size,
			Type:         "FOK",
			StrategyName: strategyName,
			Reason:       reason,
		},
		Salt:      order.Salt.String(),
		Nonce:     order.Nonce.String(),
		TokenID:   tokenID,
		Signature: sig,
		order:     order,
	}, nil
}

// BuildRungs pre-signs one order per price rung for a token, e.g.
// [0.99, 0.95], each sized at maxSize — the maximum configured
// per-window position, per §4.4.
func (b *Builder) BuildRungs(tokenID string, rungs []decimal.Decimal, maxSize decimal.Decimal, strategyName, reason string) ([]*PreSigned, error) {
	out := make([]*PreSigned, 0, len(rungs))
	for _, price := range rungs {
		ps, err := b.BuildAndSign(tokenID, price, maxSize, strategyName, reason)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, nil
}
