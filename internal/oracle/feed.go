package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const reconnectBackoff = 5 * time.Second

// subscribeMsg mirrors §6's oracle subscribe envelope.
type subscribeMsg struct {
	Action        string         `json:"action"`
	Subscriptions []subscription `json:"subscriptions"`
}

type subscription struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Filters string `json:"filters"`
}

type envelope struct {
	Topic   string   `json:"topic"`
	Type    string   `json:"type"`
	Payload *payload `json:"payload"`
}

type payload struct {
	Symbol            string          `json:"symbol"`
	Timestamp         jsonNumber      `json:"timestamp"`
	Value             jsonNumber      `json:"value"`
	FullAccuracyValue string          `json:"full_accuracy_value,omitempty"`
}

// jsonNumber accepts both numeric and string JSON encodings, grounded on
// rtds.rs's deser_ts/deser_f64 custom deserializers.
type jsonNumber float64

func (n *jsonNumber) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*n = jsonNumber(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("jsonNumber: %w", err)
	}
	*n = jsonNumber(f)
	return nil
}

// Feed connects to the oracle push feed and ingests ticks into a Cache.
type Feed struct {
	url   string
	topic string
	cache *Cache

	windowDurationSecs int64
	captureSecs        int64
	windowFor          func(tsSec int64) int64
}

// NewFeed constructs a Feed. windowFor should be internal/period's
// WindowForUnix bound to the configured zone and duration.
func NewFeed(url, topic string, cache *Cache, windowDurationSecs, captureSecs int64, windowFor func(tsSec int64) int64) *Feed {
	return &Feed{
		url:                url,
		topic:              topic,
		cache:              cache,
		windowDurationSecs: windowDurationSecs,
		captureSecs:        captureSecs,
		windowFor:          windowFor,
	}
}

// Run connects and reconnects with a fixed 5s backoff until ctx is done.
// Price-to-beat captures already in the cache persist across reconnects
// (per §4.1's failure contract): missing a window is not an error.
func (f *Feed) Run(ctx context.Context, symbols []string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.runOnce(ctx, symbols); err != nil {
			log.Warn().Err(err).Str("url", f.url).Msg("oracle feed disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectBackoff):
		}
	}
}

func (f *Feed) runOnce(ctx context.Context, symbols []string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("oracle ws dial: %w", err)
	}
	defer conn.Close()

	subs := make([]subscription, 0, len(symbols))
	for _, sym := range symbols {
		subs = append(subs, subscription{
			Topic:   f.topic,
			Type:    "*",
			Filters: fmt.Sprintf(`{"symbol":"%s/usd"}`, sym),
		})
	}
	if err := conn.WriteJSON(subscribeMsg{Action: "subscribe", Subscriptions: subs}); err != nil {
		return fmt.Errorf("oracle ws subscribe: %w", err)
	}

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	symbolSet := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		symbolSet[sym] = struct{}{}
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return ctx.Err()
			default:
			}
			return fmt.Errorf("oracle ws read: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Topic != f.topic || env.Payload == nil {
			continue
		}

		key := symbolKey(env.Payload.Symbol)
		if _, ok := symbolSet[key]; !ok {
			continue
		}

		sample := Sample{
			Symbol:       key,
			OracleTSMs:   int64(env.Payload.Timestamp),
			ReceivedAtMs: time.Now().UnixMilli(),
		}
		sample.Value = decimalFromFloat(float64(env.Payload.Value))
		f.cache.Ingest(sample, f.windowDurationSecs, f.captureSecs, f.windowFor)
	}
}
