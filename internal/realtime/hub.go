// Package realtime maintains the single upstream market-data stream and
// fans ticker/trade updates out to per-market subscriber sets.
package realtime

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	dialTimeout        = 30 * time.Second
	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute
)

// Channel identifies an upstream subscription channel.
type Channel string

const (
	ChannelTicker Channel = "ticker"
	ChannelTrade  Channel = "trade"
)

// Update is one inbound market-data message.
type Update struct {
	Channel   Channel   `json:"type"`
	Market    string    `json:"code"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Callback receives updates for a subscribed market. Callbacks run on the
// dispatch goroutine; slow callbacks delay same-market delivery only.
type Callback func(Update)

// Handle identifies one subscription for later removal. Callbacks are not
// comparable in Go, so subscriptions are tracked by handle.
type Handle uint64

type subscriber struct {
	handle Handle
	cb     Callback
}

type command struct {
	Type    string   `json:"type"` // "subscribe" | "unsubscribe"
	Channel Channel  `json:"channel"`
	Codes   []string `json:"codes"`
}

// Hub owns the upstream connection and the subscriber sets.
type Hub struct {
	url        string
	httpClient *http.Client
	log        zerolog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	connCtx    context.Context
	connCancel context.CancelFunc
	nextHandle Handle
	subs       map[Channel]map[string][]subscriber // channel → market → subscribers
	latest     map[string]Update                   // market → latest ticker
	stopChan   chan struct{}
	stopped    bool
}

// createHTTP1Client forces HTTP/1.1; the upstream sits behind a proxy that
// negotiates HTTP/2 via ALPN, which breaks the WebSocket upgrade handshake.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewHub creates a hub for the given upstream URL.
func NewHub(url string, log zerolog.Logger) *Hub {
	return &Hub{
		url:        url,
		httpClient: createHTTP1Client(),
		log:        log.With().Str("component", "realtime").Logger(),
		subs: map[Channel]map[string][]subscriber{
			ChannelTicker: {},
			ChannelTrade:  {},
		},
		latest:   make(map[string]Update),
		stopChan: make(chan struct{}),
	}
}

// Start connects and launches the read loop. A failed initial connection is
// retried in the background.
func (h *Hub) Start() error {
	if err := h.connect(); err != nil {
		h.log.Warn().Err(err).Msg("initial upstream connection failed, retrying in background")
		go h.reconnectLoop()
		return err
	}

	h.mu.Lock()
	ctx := h.connCtx
	h.mu.Unlock()
	go h.readLoop(ctx)
	return nil
}

// Stop closes the upstream connection and halts reconnection.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.stopChan)
	conn := h.conn
	cancel := h.connCancel
	h.conn = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	return nil
}

func (h *Hub) connect() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, h.url, &websocket.DialOptions{
		HTTPClient: h.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial upstream: %w", err)
	}

	h.conn = conn
	h.connCtx, h.connCancel = context.WithCancel(context.Background())

	// Re-send the union of active subscriptions.
	for ch, markets := range h.subs {
		codes := make([]string, 0, len(markets))
		for market, set := range markets {
			if len(set) > 0 {
				codes = append(codes, market)
			}
		}
		if len(codes) > 0 {
			if err := h.sendLocked(command{Type: "subscribe", Channel: ch, Codes: codes}); err != nil {
				h.log.Warn().Err(err).Str("channel", string(ch)).Msg("resubscribe failed")
			}
		}
	}

	h.log.Info().Str("url", h.url).Msg("upstream connected")
	return nil
}

func (h *Hub) sendLocked(cmd command) error {
	if h.conn == nil {
		return fmt.Errorf("upstream not connected")
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(h.connCtx, 10*time.Second)
	defer cancel()
	return h.conn.Write(writeCtx, websocket.MessageText, payload)
}

// readLoop reads upstream messages and dispatches them until the connection
// drops, then hands off to the reconnect loop.
func (h *Hub) readLoop(ctx context.Context) {
	for {
		h.mu.Lock()
		conn := h.conn
		h.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-h.stopChan:
				return
			default:
			}
			h.log.Warn().Err(err).Msg("upstream read failed, reconnecting")
			go h.reconnectLoop()
			return
		}

		var upd Update
		if err := json.Unmarshal(data, &upd); err != nil {
			h.log.Debug().Err(err).Msg("skipping unparseable upstream message")
			continue
		}
		h.dispatch(upd)
	}
}

// reconnectLoop retries the upstream with exponential backoff, unbounded.
func (h *Hub) reconnectLoop() {
	delay := baseReconnectDelay
	for {
		select {
		case <-h.stopChan:
			return
		case <-time.After(delay):
		}

		if err := h.connect(); err != nil {
			h.log.Warn().Err(err).Dur("next_retry", delay).Msg("reconnect failed")
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}

		h.mu.Lock()
		ctx := h.connCtx
		h.mu.Unlock()
		go h.readLoop(ctx)
		return
	}
}

// dispatch delivers an update to the market's subscribers in registration
// order. A panicking callback is logged and skipped.
func (h *Hub) dispatch(upd Update) {
	h.mu.Lock()
	if upd.Channel == ChannelTicker {
		h.latest[upd.Market] = upd
	}
	markets := h.subs[upd.Channel]
	targets := make([]subscriber, len(markets[upd.Market]))
	copy(targets, markets[upd.Market])
	h.mu.Unlock()

	for _, sub := range targets {
		h.deliver(sub, upd)
	}
}

func (h *Hub) deliver(sub subscriber, upd Update) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().
				Interface("panic", r).
				Str("market", upd.Market).
				Msg("subscriber callback panicked")
		}
	}()
	sub.cb(upd)
}

// SubscribeTicker adds a callback for ticker updates on the given markets.
// Markets with no prior subscribers trigger an upstream subscribe; a cached
// snapshot, when present, is delivered synchronously before returning.
func (h *Hub) SubscribeTicker(markets []string, cb Callback) Handle {
	return h.subscribe(ChannelTicker, markets, cb)
}

// SubscribeTrade adds a callback for trade updates on the given markets.
func (h *Hub) SubscribeTrade(markets []string, cb Callback) Handle {
	return h.subscribe(ChannelTrade, markets, cb)
}

func (h *Hub) subscribe(ch Channel, markets []string, cb Callback) Handle {
	h.mu.Lock()
	h.nextHandle++
	handle := h.nextHandle
	var newMarkets []string
	var snapshots []Update
	for _, m := range markets {
		set := h.subs[ch][m]
		if len(set) == 0 {
			newMarkets = append(newMarkets, m)
		}
		h.subs[ch][m] = append(set, subscriber{handle: handle, cb: cb})
		if ch == ChannelTicker {
			if snap, ok := h.latest[m]; ok {
				snapshots = append(snapshots, snap)
			}
		}
	}
	if len(newMarkets) > 0 {
		if err := h.sendLocked(command{Type: "subscribe", Channel: ch, Codes: newMarkets}); err != nil {
			h.log.Warn().Err(err).Msg("upstream subscribe deferred until reconnect")
		}
	}
	h.mu.Unlock()

	for _, snap := range snapshots {
		h.deliver(subscriber{handle: handle, cb: cb}, snap)
	}
	return handle
}

// Unsubscribe removes a handle from the given markets on one channel and
// sends an upstream unsubscribe for markets whose set became empty.
func (h *Hub) Unsubscribe(ch Channel, markets []string, handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var emptied []string
	for _, m := range markets {
		set := h.subs[ch][m]
		kept := set[:0]
		for _, sub := range set {
			if sub.handle != handle {
				kept = append(kept, sub)
			}
		}
		if len(kept) == 0 {
			delete(h.subs[ch], m)
			if len(set) > 0 {
				emptied = append(emptied, m)
			}
		} else {
			h.subs[ch][m] = kept
		}
	}
	if len(emptied) > 0 {
		if err := h.sendLocked(command{Type: "unsubscribe", Channel: ch, Codes: emptied}); err != nil {
			h.log.Debug().Err(err).Msg("upstream unsubscribe skipped")
		}
	}
}

// UnsubscribeAll sweeps a handle out of every market on both channels.
func (h *Hub) UnsubscribeAll(handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, markets := range h.subs {
		var emptied []string
		for m, set := range markets {
			kept := set[:0]
			for _, sub := range set {
				if sub.handle != handle {
					kept = append(kept, sub)
				}
			}
			if len(kept) == 0 {
				delete(markets, m)
				if len(set) > 0 {
					emptied = append(emptied, m)
				}
			} else {
				markets[m] = kept
			}
		}
		if len(emptied) > 0 {
			if err := h.sendLocked(command{Type: "unsubscribe", Channel: ch, Codes: emptied}); err != nil {
				h.log.Debug().Err(err).Msg("upstream unsubscribe skipped")
			}
		}
	}
}

// LatestTicker returns the cached snapshot for a market, if any.
func (h *Hub) LatestTicker(market string) (Update, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	upd, ok := h.latest[market]
	return upd, ok
}
