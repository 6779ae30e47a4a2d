// Package discovery implements Market Discovery (C3): resolving a
// (symbol, window-start) pair to a Market (condition-id, up-token-id,
// down-token-id) via Polymarket's gamma API.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrAmbiguousOutcome is returned when a market's outcome tokens cannot be
// mapped to Up/Down unambiguously; the caller must skip the window.
var ErrAmbiguousOutcome = errors.New("discovery: ambiguous outcome mapping")

// Market is the C3 Market type: condition-id plus the two outcome tokens.
// Outcome-index 0 = Up, 1 = Down, but the mapping below never trusts
// index alone — it is always checked against the outcome text too.
type Market struct {
	ConditionID string
	UpTokenID   string
	DownTokenID string
}

// Client looks up markets on the gamma API by deterministic slug.
type Client struct {
	gammaURL string
	http     *http.Client
}

// NewClient builds a discovery Client against gammaURL (e.g.
// https://gamma-api.polymarket.com).
func NewClient(gammaURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{gammaURL: strings.TrimRight(gammaURL, "/"), http: httpClient}
}

// Slug builds the deterministic market slug for symbol at windowStart,
// per §4.3: {symbol}-updown-{duration}m-{window-start-epoch}.
func Slug(symbol string, windowDurationSecs, windowStart int64) string {
	minutes := windowDurationSecs / 60
	return fmt.Sprintf("%s-updown-%dm-%d", strings.ToLower(symbol), minutes, windowStart)
}

type gammaEvent struct {
	Markets []gammaMarket `json:"markets"`
}

type gammaMarket struct {
	ConditionID  string `json:"conditionId"`
	Active       bool   `json:"active"`
	Closed       bool   `json:"closed"`
	Outcomes     string `json:"outcomes"`
	ClobTokenIds string `json:"clobTokenIds"`
}

// Market looks up the market for (symbol, windowStart). Results are not
// cached across windows — a fresh call is made every window, per §4.3.
func (c *Client) Market(symbol string, windowDurationSecs, windowStart int64) (Market, error) {
	slug := Slug(symbol, windowDurationSecs, windowStart)
	url := fmt.Sprintf("%s/events?slug=%s", c.gammaURL, slug)

	resp, err := c.http.Get(url)
	if err != nil {
		return Market{}, fmt.Errorf("discovery: fetch %s: %w", slug, err)
	}
	defer resp.Body.Close()

	var events []gammaEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return Market{}, fmt.Errorf("discovery: decode %s: %w", slug, err)
	}
	if len(events) == 0 || len(events[0].Markets) == 0 {
		return Market{}, fmt.Errorf("discovery: no market for slug %s", slug)
	}

	m := events[0].Markets[0]
	if !m.Active || m.Closed {
		return Market{}, fmt.Errorf("discovery: market %s not active", slug)
	}

	var outcomes []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil {
		return Market{}, fmt.Errorf("discovery: parse outcomes for %s: %w", slug, err)
	}
	var tokenIDs []string
	if err := json.Unmarshal([]byte(m.ClobTokenIds), &tokenIDs); err != nil {
		return Market{}, fmt.Errorf("discovery: parse clobTokenIds for %s: %w", slug, err)
	}

	upToken, downToken, err := mapOutcomes(outcomes, tokenIDs)
	if err != nil {
		return Market{}, fmt.Errorf("discovery: %s: %w", slug, err)
	}

	return Market{ConditionID: m.ConditionID, UpTokenID: upToken, DownTokenID: downToken}, nil
}

// mapOutcomes maps outcome text + index to token IDs using two
// independent checks that must agree, grounded on
// discovery.rs::get_market_tokens (which scans every token and assigns
// by text, never strategy.rs's single "outcomes[0] is Up" assumption).
// Any disagreement or missing side is ErrAmbiguousOutcome, per §4.3's
// "ambiguity is fatal for the window" rule.
func mapOutcomes(outcomes, tokenIDs []string) (upToken, downToken string, err error) {
	if len(outcomes) < 2 || len(tokenIDs) < 2 {
		return "", "", fmt.Errorf("%w: fewer than 2 outcomes/tokens", ErrAmbiguousOutcome)
	}

	byText := map[int]string{} // 0 = up, 1 = down
	for i, o := range outcomes {
		upper := strings.ToUpper(strings.TrimSpace(o))
		switch {
		case strings.Contains(upper, "UP"):
			byText[0] = tokenIDs[i]
		case strings.Contains(upper, "DOWN"):
			byText[1] = tokenIDs[i]
		}
	}

	byIndex := map[int]string{0: tokenIDs[0], 1: tokenIDs[1]}

	up, upOK := byText[0]
	down, downOK := byText[1]
	if !upOK || !downOK {
		return "", "", fmt.Errorf("%w: could not classify outcome text %v", ErrAmbiguousOutcome, outcomes)
	}
	if up != byIndex[0] || down != byIndex[1] {
		return "", "", fmt.Errorf("%w: text mapping disagrees with index mapping for %v", ErrAmbiguousOutcome, outcomes)
	}

	return up, down, nil
}
