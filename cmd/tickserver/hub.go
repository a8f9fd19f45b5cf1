package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"trading-livepnl/internal/marketdata/feed"
	"trading-livepnl/internal/model"
)

// ─── Market simulation ───────────────────────────────────────────────────────

// market holds per-instrument simulation state shared by every client, so
// two clients watching the same instrument see the same prices.
type market struct {
	mu     sync.Mutex
	rng    *rand.Rand
	prices map[model.InstrumentID]decimal.Decimal
	volume map[model.InstrumentID]int64
}

func newMarket(seed int64) *market {
	return &market{
		rng:    rand.New(rand.NewSource(seed)),
		prices: make(map[model.InstrumentID]decimal.Decimal),
		volume: make(map[model.InstrumentID]int64),
	}
}

var (
	startPrice = decimal.NewFromInt(1000)
	floorPrice = decimal.New(5, -2)
)

// next advances the instrument's random walk and returns the resulting tick.
// Unknown instruments start at 1000.00.
func (m *market) next(id model.InstrumentID, at time.Time) model.Tick {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.prices[id]
	if !ok {
		p = startPrice
	}
	p = walkPrice(p, m.rng.Float64())
	m.prices[id] = p

	qty := int64(m.rng.Intn(100) + 1)
	m.volume[id] += qty

	return model.Tick{
		InstrumentID: id,
		LastPrice:    p,
		Volume:       m.volume[id],
		BuyQuantity:  int64(m.rng.Intn(5000)),
		SellQuantity: int64(m.rng.Intn(5000)),
		ReceivedAt:   at,
	}
}

// walkPrice moves price by up to ±0.1%, driven by u in [0,1), and keeps it
// on the exchange's 0.05 grid.
func walkPrice(price decimal.Decimal, u float64) decimal.Decimal {
	pct := decimal.NewFromFloat((u*0.2 - 0.1) / 100.0)
	next := price.Add(price.Mul(pct))
	next = next.Div(floorPrice).Round(0).Mul(floorPrice)
	if next.LessThan(floorPrice) {
		return floorPrice
	}
	return next
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[model.InstrumentID]struct{}
}

func (c *client) subscriptions() []model.InstrumentID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]model.InstrumentID, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	market   *market
	upgrader websocket.Upgrader
	log      *slog.Logger

	// RequireAuth rejects connections without api_key and access_token.
	RequireAuth bool
	// HeartbeatEvery is how often idle clients get a 1-byte heartbeat.
	HeartbeatEvery time.Duration
}

func newHub(m *market, log *slog.Logger) *hub {
	if log == nil {
		log = slog.Default()
	}
	return &hub{
		clients:        make(map[*client]struct{}),
		market:         m,
		upgrader:       websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:            log.With(slog.String("component", "hub")),
		RequireAuth:    true,
		HeartbeatEvery: time.Second,
	}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.RequireAuth && (q.Get("api_key") == "" || q.Get("access_token") == "") {
		http.Error(w, "missing api_key or access_token", http.StatusForbidden)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", slog.Any("error", err))
		return
	}
	log := h.log.With(slog.String("remote", r.RemoteAddr))
	log.Info("client connected")

	c := &client{conn: conn, send: make(chan []byte, 256), subs: make(map[model.InstrumentID]struct{})}
	h.register(c)
	go h.writePump(c)
	defer func() {
		h.unregister(c)
		log.Info("client disconnected")
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if err := h.apply(c, data); err != nil {
			log.Debug("bad request", slog.Any("error", err))
		}
	}
}

type request struct {
	Action string          `json:"a"`
	Value  json.RawMessage `json:"v"`
}

// apply updates the client's subscription set. Mode requests are accepted
// and ignored: every client is served quote packets.
func (h *hub) apply(c *client, data []byte) error {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}
	switch req.Action {
	case "subscribe", "unsubscribe":
		var ids []model.InstrumentID
		if err := json.Unmarshal(req.Value, &ids); err != nil {
			return err
		}
		c.mu.Lock()
		for _, id := range ids {
			if req.Action == "subscribe" {
				c.subs[id] = struct{}{}
			} else {
				delete(c.subs, id)
			}
		}
		c.mu.Unlock()
		h.log.Debug(req.Action, slog.Int("count", len(ids)))
	}
	return nil
}

func (h *hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return
		}
	}
}

// broadcast advances every subscribed instrument once and sends each client
// a frame with the packets it asked for. Clients with no subscriptions get a
// heartbeat when heartbeat is set.
func (h *hub) broadcast(now time.Time, heartbeat bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	packets := make(map[model.InstrumentID][]byte)
	for c := range h.clients {
		ids := c.subscriptions()
		var frame []byte
		switch {
		case len(ids) > 0:
			batch := make([][]byte, 0, len(ids))
			for _, id := range ids {
				p, ok := packets[id]
				if !ok {
					p = feed.EncodeQuotePacket(h.market.next(id, now))
					packets[id] = p
				}
				batch = append(batch, p)
			}
			frame = feed.EncodeFrame(batch...)
		case heartbeat:
			frame = []byte{0}
		default:
			continue
		}
		select {
		case c.send <- frame:
		default: // slow client, drop the frame
		}
	}
}

// Run drives the generator until ctx is cancelled.
func (h *hub) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastBeat := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			beat := now.Sub(lastBeat) >= h.HeartbeatEvery
			if beat {
				lastBeat = now
			}
			h.broadcast(now, beat)
		}
	}
}
