// Package feed is a client for the broker's streaming tick WebSocket.
//
// Ticks arrive as binary frames; order postbacks and errors arrive as JSON
// text frames. The client reconnects on its own after an unexpected loss and
// re-subscribes everything it was asked to watch.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"trading-livepnl/internal/model"
)

// Subscription modes.
const (
	ModeLTP   = "ltp"
	ModeQuote = "quote"
	ModeFull  = "full"
)

var (
	// ErrAuthRejected is returned when the feed refuses the credentials.
	ErrAuthRejected = errors.New("feed: credentials rejected")
	// ErrNotConnected is returned by Subscribe/Unsubscribe before Connect.
	ErrNotConnected = errors.New("feed: not connected")
)

// Handlers are the lifecycle and data callbacks. All of them run on the
// client's read goroutine except OnConnect for the initial Connect, which
// runs on the caller's. None may call Close.
type Handlers struct {
	OnTicks       func(ticks []model.Tick)
	OnHeartbeat   func()
	OnConnect     func()
	OnClose       func(code int, reason string)
	OnError       func(err error)
	OnReconnect   func(attempt int)
	OnNoReconnect func()
	OnOrderUpdate func(u model.OrderUpdate)
}

// Config configures a Client.
type Config struct {
	URL                  string
	APIKey               string
	AccessToken          string
	Mode                 string        // ltp, quote or full; defaults to full
	ReadTimeout          time.Duration // max silence before the connection is treated as lost
	WriteTimeout         time.Duration
	MaxReconnectAttempts int
	Backoff              Backoff
	Dialer               *websocket.Dialer
}

// Client is a reconnecting feed connection.
type Client struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	handlers Handlers
	conn     *websocket.Conn
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	subs     map[model.InstrumentID]struct{}

	writeMu   sync.Mutex
	malformed atomic.Uint64

	// Metrics hooks (optional, set externally)
	OnMalformedPacket func(n int)
}

// NewClient creates a Client. Nothing is dialled until Connect.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.Mode == "" {
		cfg.Mode = ModeFull
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 50
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff(60 * time.Second)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		log:  log.With(slog.String("component", "feed")),
		subs: make(map[model.InstrumentID]struct{}),
	}
}

// SetHandlers replaces the callbacks.
func (c *Client) SetHandlers(h Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
}

func (c *Client) h() Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

// Malformed returns the number of packets skipped because they could not be
// decoded.
func (c *Client) Malformed() uint64 { return c.malformed.Load() }

// Connect dials the feed and starts the read loop. It is a no-op while the
// client is already running.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.conn = conn
	c.running = true
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.log.Info("feed connected", slog.String("url", c.cfg.URL))
	if h := c.h(); h.OnConnect != nil {
		h.OnConnect()
	}
	go c.run(loopCtx, conn, done)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("feed: parse url: %w", err)
	}
	q := u.Query()
	if c.cfg.APIKey != "" {
		q.Set("api_key", c.cfg.APIKey)
	}
	if c.cfg.AccessToken != "" {
		q.Set("access_token", c.cfg.AccessToken)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized) {
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, resp.Status)
		}
		return nil, fmt.Errorf("feed: dial: %w", err)
	}
	return conn, nil
}

// Close stops reconnecting, sends a close frame and forgets every
// subscription. No OnTicks is delivered after Close returns.
func (c *Client) Close(code int, reason string) error {
	c.mu.Lock()
	c.subs = make(map[model.InstrumentID]struct{})
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()
	conn, done := c.conn, c.done
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		err = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	<-done
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.log.Debug("close frame not sent", slog.Any("error", err))
	}
	return nil
}

// Subscribe adds ids to the watched set and asks the feed for them in the
// configured mode. While a reconnect is in progress the ids are remembered
// and sent once the connection is back.
func (c *Client) Subscribe(ids []model.InstrumentID) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotConnected
	}
	for _, id := range ids {
		c.subs[id] = struct{}{}
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || len(ids) == 0 {
		return nil
	}
	return c.sendSubscribe(conn, ids)
}

// Unsubscribe removes ids from the watched set.
func (c *Client) Unsubscribe(ids []model.InstrumentID) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotConnected
	}
	for _, id := range ids {
		delete(c.subs, id)
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || len(ids) == 0 {
		return nil
	}
	return c.send(conn, request{Action: "unsubscribe", Value: ids})
}

type request struct {
	Action string `json:"a"`
	Value  any    `json:"v"`
}

func (c *Client) sendSubscribe(conn *websocket.Conn, ids []model.InstrumentID) error {
	if err := c.send(conn, request{Action: "subscribe", Value: ids}); err != nil {
		return err
	}
	return c.send(conn, request{Action: "mode", Value: []any{c.cfg.Mode, ids}})
}

func (c *Client) send(conn *websocket.Conn, req request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("feed: %s: %w", req.Action, err)
	}
	return nil
}

func (c *Client) subscribed() []model.InstrumentID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]model.InstrumentID, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// run owns the connection until Close: read, and on loss reconnect.
func (c *Client) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		err := c.readLoop(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}

		code, reason := closeInfo(err)
		c.log.Warn("feed connection lost", slog.Int("code", code), slog.String("reason", reason))
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		if h := c.h(); h.OnClose != nil {
			h.OnClose(code, reason)
		}

		var ok bool
		conn, ok = c.reconnect(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			c.running = false
			c.cancel()
			c.mu.Unlock()
			c.log.Error("feed reconnect attempts exhausted",
				slog.Int("attempts", c.cfg.MaxReconnectAttempts))
			if h := c.h(); h.OnNoReconnect != nil {
				h.OnNoReconnect()
			}
			return
		}
	}
}

func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, bool) {
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		wait := c.cfg.Backoff.Next(attempt)
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(wait):
		}

		if h := c.h(); h.OnReconnect != nil {
			h.OnReconnect(attempt)
		}
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false
			}
			c.log.Warn("feed reconnect failed", slog.Int("attempt", attempt), slog.Any("error", err))
			if h := c.h(); h.OnError != nil {
				h.OnError(err)
			}
			continue
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close()
			return nil, false
		}
		c.conn = conn
		c.mu.Unlock()

		if ids := c.subscribed(); len(ids) > 0 {
			if err := c.sendSubscribe(conn, ids); err != nil {
				c.log.Warn("feed resubscribe failed", slog.Any("error", err))
			}
		}
		c.log.Info("feed reconnected", slog.Int("attempt", attempt))
		if h := c.h(); h.OnConnect != nil {
			h.OnConnect()
		}
		return conn, true
	}
	return nil, false
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch mt {
		case websocket.BinaryMessage:
			c.handleBinary(data)
		case websocket.TextMessage:
			c.handleText(data)
		}
	}
}

func (c *Client) handleBinary(data []byte) {
	if len(data) == 1 {
		if h := c.h(); h.OnHeartbeat != nil {
			h.OnHeartbeat()
		}
		return
	}
	ticks, bad, err := DecodeFrame(data, time.Now())
	if err != nil {
		bad++
		c.log.Warn("truncated feed frame", slog.Int("bytes", len(data)), slog.Any("error", err))
	}
	if bad > 0 {
		c.malformed.Add(uint64(bad))
		if c.OnMalformedPacket != nil {
			c.OnMalformedPacket(bad)
		}
	}
	if len(ticks) == 0 {
		return
	}
	if h := c.h(); h.OnTicks != nil {
		h.OnTicks(ticks)
	}
}

type textMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) handleText(data []byte) {
	var msg textMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Debug("ignoring text frame", slog.Any("error", err))
		return
	}
	h := c.h()
	switch msg.Type {
	case "order":
		var u model.OrderUpdate
		if err := json.Unmarshal(msg.Data, &u); err != nil {
			c.log.Warn("bad order postback", slog.Any("error", err))
			return
		}
		u.At = time.Now()
		if h.OnOrderUpdate != nil {
			h.OnOrderUpdate(u)
		}
	case "error":
		var text string
		_ = json.Unmarshal(msg.Data, &text)
		if h.OnError != nil {
			h.OnError(fmt.Errorf("feed: server error: %s", text))
		}
	case "message":
		var text string
		_ = json.Unmarshal(msg.Data, &text)
		c.log.Info("feed message", slog.String("message", text))
	}
}

func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	if err == nil {
		return websocket.CloseAbnormalClosure, ""
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
