package sweep

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/arbwatch/sweepbot/internal/bookmirror"
	"github.com/arbwatch/sweepbot/internal/orderbuilder"
	"github.com/arbwatch/sweepbot/internal/submitter"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func newEngine(t *testing.T, fillHandler http.HandlerFunc, cfg Config) (*Engine, *bookmirror.Mirror) {
	t.Helper()
	tickSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"minimum_tick_size": "0.01", "maker_base_fee": 1000})
	}))
	t.Cleanup(tickSrv.Close)

	subSrv := httptest.NewServer(fillHandler)
	t.Cleanup(subSrv.Close)

	pk, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(pk.PublicKey)
	builder := orderbuilder.New(pk, addr, common.Address{}, 0, tickSrv.URL, tickSrv.Client())
	sub := submitter.New(subSrv.URL, submitter.Creds{APIKey: "k", APISecret: "c2VjcmV0", Passphrase: "p"}, 1000, subSrv.Client())

	mirror := bookmirror.New()

	if cfg.SweepTargetPrice.IsZero() {
		cfg.SweepTargetPrice = d("0.99")
	}
	if cfg.SweepTimeout == 0 {
		cfg.SweepTimeout = time.Second
	}
	if cfg.MinTradeableSize.IsZero() {
		cfg.MinTradeableSize = d("1")
	}
	if cfg.BookEventWait == 0 {
		cfg.BookEventWait = 50 * time.Millisecond
	}

	return New(mirror, builder, sub, cfg), mirror
}

func TestSweepFillsAcrossTwoLevels(t *testing.T) {
	engine, mirror := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Order struct {
				TakerAmount string `json:"takerAmount"`
			} `json:"order"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		// Fill exactly the requested share count (takerAmount is shares scaled by 1e6).
		filled := "0"
		if amt, err := decimal.NewFromString(body.Order.TakerAmount); err == nil {
			filled = amt.Shift(-6).String()
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"orderID": "x", "status": "matched", "filledSize": filled, "filledPrice": "0.99"})
	}, Config{InterOrderDelay: time.Millisecond, SweepTargetPrice: d("0.995")})

	mirror.ApplySnapshot("123456789", []bookmirror.Level{
		{Price: d("0.99"), Size: d("200")},
		{Price: d("0.995"), Size: d("500")},
	}, nil)

	res := engine.Run(context.Background(), "123456789", "sweepbot", d("500"))
	require.True(t, res.TotalCost.LessThanOrEqual(d("500")), "loop invariant: total_cost <= budget")
	require.True(t, res.TotalShares.GreaterThan(decimal.Zero))
}

func TestSweepEndsOnTimeoutWithRejections(t *testing.T) {
	engine, mirror := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"errorCode": "REJECTED", "error": "no match"})
	}, Config{InterOrderDelay: time.Millisecond, SweepTimeout: 80 * time.Millisecond, BookEventWait: 20 * time.Millisecond})

	mirror.ApplySnapshot("123456789", []bookmirror.Level{{Price: d("0.99"), Size: d("50")}}, nil)

	res := engine.Run(context.Background(), "123456789", "sweepbot", d("500"))
	require.True(t, res.TotalCost.IsZero())
}

func TestSweepEndsWhenNoEligibleLiquidity(t *testing.T) {
	engine, mirror := newEngine(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"orderID": "x", "status": "matched", "filledSize": "1", "filledPrice": "0.99"})
	}, Config{InterOrderDelay: time.Millisecond, BookEventWait: 20 * time.Millisecond, SweepTimeout: 60 * time.Millisecond})

	// Book has only a placeholder level: treated as empty.
	mirror.ApplySnapshot("tok-up", []bookmirror.Level{{Price: d("0.99"), Size: d("1000000")}}, []bookmirror.Level{{Price: d("0.01"), Size: d("1000000")}})

	res := engine.Run(context.Background(), "tok-up", "sweepbot", d("500"))
	require.True(t, res.TotalShares.IsZero())
}
