// Package submitter implements the Authenticated Submitter (C5): one
// HMAC-authenticated session for the process lifetime, exposing a
// rate-limited submit(intent) -> ExecutionResult call that blocks for
// the matching engine's response.
package submitter

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/arbwatch/sweepbot/internal/orderbuilder"
)

// Status is an ExecutionResult.status value.
type Status string

const (
	StatusFilled          Status = "Filled"
	StatusPartiallyFilled Status = "PartiallyFilled"
	StatusRejected        Status = "Rejected"
	StatusNetworkError    Status = "NetworkError"
)

// Result is the C5/spec ExecutionResult type.
type Result struct {
	Intent          orderbuilder.Intent
	Status          Status
	FilledSize      decimal.Decimal
	FilledPriceAvg  decimal.Decimal
	ExternalOrderID string
	Err             error
}

// Creds holds the L2 HMAC credentials derived once at process start.
type Creds struct {
	APIKey     string
	APISecret  string
	Passphrase string
	Address    common.Address
}

// Submitter is the single authenticated session shared by every
// symbol's coordinator; its rate limiter is shared mutable state
// across all callers, per spec's ownership rule for C5.
type Submitter struct {
	baseURL string
	creds   Creds
	http    *http.Client
	limiter *rate.Limiter
}

// New constructs a Submitter. ratePerSec is the configured
// rate_limit_per_sec (default 10): no more than that many submissions
// per second; excess calls wait rather than erroring.
func New(baseURL string, creds Creds, ratePerSec int, httpClient *http.Client) *Submitter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Submitter{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
	}
}

type orderResponse struct {
	OrderID     string `json:"orderID"`
	Status      string `json:"status"`
	ErrorCode   string `json:"errorCode"`
	Message     string `json:"error"`
	FilledSize  string `json:"filledSize"`
	FilledPrice string `json:"filledPrice"`
}

// Submit posts a pre-signed FOK order, waiting on the rate limiter
// first. It never retries on application-level rejection — the caller
// (C7 Sweep Engine) decides what to do next.
func (s *Submitter) Submit(ctx context.Context, order *orderbuilder.PreSigned) Result {
	if err := s.limiter.Wait(ctx); err != nil {
		return Result{Intent: order.Intent, Status: StatusNetworkError, Err: err}
	}

	payload := order.APIPayload(s.creds.APIKey, "FOK")
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Intent: order.Intent, Status: StatusNetworkError, Err: fmt.Errorf("submitter: marshal: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/order", bytes.NewReader(body))
	if err != nil {
		return Result{Intent: order.Intent, Status: StatusNetworkError, Err: fmt.Errorf("submitter: request: %w", err)}
	}
	s.signL2Request(req, http.MethodPost, "/order", body)

	resp, err := s.http.Do(req)
	if err != nil {
		return Result{Intent: order.Intent, Status: StatusNetworkError, Err: fmt.Errorf("submitter: do: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Intent: order.Intent, Status: StatusNetworkError, Err: fmt.Errorf("submitter: read response: %w", err)}
	}

	var parsed orderResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{Intent: order.Intent, Status: StatusNetworkError, Err: fmt.Errorf("submitter: decode response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return Result{Intent: order.Intent, Status: StatusNetworkError, Err: fmt.Errorf("submitter: server error %d: %s", resp.StatusCode, parsed.Message)}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Result{Intent: order.Intent, Status: StatusRejected, ExternalOrderID: parsed.OrderID, Err: fmt.Errorf("submitter: rejected: %s - %s", parsed.ErrorCode, parsed.Message)}
	}

	filledSize, _ := decimal.NewFromString(parsed.FilledSize)
	filledPrice, _ := decimal.NewFromString(parsed.FilledPrice)

	status := statusFromWire(parsed.Status, filledSize, order.Intent.Size)

	log.Info().
		Str("order_id", parsed.OrderID).
		Str("status", string(status)).
		Str("filled_size", filledSize.String()).
		Msg("order submitted")

	return Result{
		Intent:          order.Intent,
		Status:          status,
		FilledSize:      filledSize,
		FilledPriceAvg:  filledPrice,
		ExternalOrderID: parsed.OrderID,
	}
}

func statusFromWire(wireStatus string, filledSize, requestedSize decimal.Decimal) Status {
	switch strings.ToLower(wireStatus) {
	case "matched", "filled":
		if filledSize.LessThan(requestedSize) && filledSize.IsPositive() {
			return StatusPartiallyFilled
		}
		return StatusFilled
	case "unmatched", "rejected", "cancelled":
		return StatusRejected
	default:
		if filledSize.IsPositive() && filledSize.LessThan(requestedSize) {
			return StatusPartiallyFilled
		}
		if filledSize.IsPositive() {
			return StatusFilled
		}
		return StatusRejected
	}
}

// signL2Request adds Level 2 HMAC auth headers, grounded verbatim on
// teacher's clob.go::signL2Request (timestamp+method+path+body HMAC,
// urlsafe-base64 secret with standard-base64 fallback, POLY_* headers).
func (s *Submitter) signL2Request(req *http.Request, method, path string, body []byte) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	message := timestamp + method + path
	if len(body) > 0 {
		message += string(body)
	}

	secretBytes, err := base64.URLEncoding.DecodeString(s.creds.APISecret)
	if err != nil {
		padded := s.creds.APISecret
		if len(padded)%4 != 0 {
			padded += strings.Repeat("=", 4-len(padded)%4)
		}
		secretBytes, err = base64.URLEncoding.DecodeString(padded)
		if err != nil {
			secretBytes, _ = base64.StdEncoding.DecodeString(s.creds.APISecret)
		}
	}

	h := hmac.New(sha256.New, secretBytes)
	h.Write([]byte(message))
	signature := base64.URLEncoding.EncodeToString(h.Sum(nil))

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("POLY_API_KEY", s.creds.APIKey)
	req.Header.Set("POLY_SIGNATURE", signature)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", s.creds.Passphrase)
	if s.creds.Address != (common.Address{}) {
		req.Header.Set("POLY_ADDRESS", s.creds.Address.Hex())
	}
}
