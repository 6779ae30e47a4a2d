package bookmirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const reconnectBackoff = 5 * time.Second

// bookEvent is a full snapshot ("book") push event.
type bookEvent struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Bids      []wireLevel `json:"bids"`
	Asks      []wireLevel `json:"asks"`
}

// priceChangeEvent is a delta ("price_change") push event.
type priceChangeEvent struct {
	EventType    string `json:"event_type"`
	PriceChanges []struct {
		AssetID string `json:"asset_id"`
		Price   string `json:"price"`
		Size    string `json:"size"`
		Side    string `json:"side"`
	} `json:"price_changes"`
}

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Feed maintains a websocket connection to the book push feed, decoding
// snapshot/delta events into a Mirror. Grounded on teacher's
// ws_client.go dial/reconnect idiom, generalized from best-bid/ask-only
// tracking to full per-level TokenBook maintenance.
//
// The coordinator's window lifecycle calls Subscribe at T-30s and
// Unsubscribe at window close (§4.2's subscription lifecycle), so the
// tracked token set changes every window; Feed keeps the current set
// and resends it on every reconnect rather than taking a fixed list at
// construction.
type Feed struct {
	url    string
	mirror *Mirror

	mu      sync.Mutex
	tracked map[string]bool
	conn    *websocket.Conn
}

// NewFeed constructs a Feed writing into mirror.
func NewFeed(url string, mirror *Mirror) *Feed {
	return &Feed{url: url, mirror: mirror, tracked: make(map[string]bool)}
}

// Subscribe adds tokenIDs to the tracked set and, if a connection is
// live, sends the subscribe message immediately. The first event the
// feed sends back for a newly subscribed token is always a full
// snapshot, per §4.2.
func (f *Feed) Subscribe(tokenIDs []string) {
	f.mu.Lock()
	for _, id := range tokenIDs {
		f.tracked[id] = true
	}
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		_ = conn.WriteJSON(map[string]any{"type": "market", "assets_ids": tokenIDs})
	}
}

// Unsubscribe removes tokenIDs from the tracked set, tells the server
// to stop pushing updates for them, and frees their mirror state so
// memory does not grow window over window.
func (f *Feed) Unsubscribe(tokenIDs []string) {
	f.mu.Lock()
	for _, id := range tokenIDs {
		delete(f.tracked, id)
	}
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		_ = conn.WriteJSON(map[string]any{"type": "unsubscribe", "assets_ids": tokenIDs})
	}
	for _, id := range tokenIDs {
		f.mirror.Unsubscribe(id)
	}
}

// Run dials the feed and reconnects with fixed backoff for the life of
// ctx, resubscribing to the currently tracked token set on every
// (re)connect.
func (f *Feed) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := f.runOnce(ctx); err != nil {
			log.Warn().Err(err).Str("url", f.url).Msg("book feed disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectBackoff):
		}
	}
}

func (f *Feed) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("book ws dial: %w", err)
	}
	defer conn.Close()

	f.mu.Lock()
	tokenIDs := make([]string, 0, len(f.tracked))
	for id := range f.tracked {
		tokenIDs = append(tokenIDs, id)
	}
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
	}()

	if len(tokenIDs) > 0 {
		if err := conn.WriteJSON(map[string]any{"type": "market", "assets_ids": tokenIDs}); err != nil {
			return fmt.Errorf("book ws subscribe: %w", err)
		}
	}

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

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
			return fmt.Errorf("book ws read: %w", err)
		}
		f.handleMessage(data)
	}
}

func (f *Feed) handleMessage(data []byte) {
	var probe struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return
	}

	switch probe.EventType {
	case "book":
		var ev bookEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		f.mirror.ApplySnapshot(ev.AssetID, toLevels(ev.Asks), toLevels(ev.Bids))
	case "price_change":
		var ev priceChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		for _, pc := range ev.PriceChanges {
			price, err := decimal.NewFromString(pc.Price)
			if err != nil {
				continue
			}
			size, err := decimal.NewFromString(pc.Size)
			if err != nil {
				continue
			}
			f.mirror.ApplyDelta(pc.AssetID, pc.Side, price, size)
		}
	}
}

func toLevels(wire []wireLevel) []Level {
	out := make([]Level, 0, len(wire))
	for _, w := range wire {
		price, err := decimal.NewFromString(w.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(w.Size)
		if err != nil {
			continue
		}
		out = append(out, Level{Price: price, Size: size})
	}
	return out
}
