// Package stream owns the live feed connection: its lifecycle, the
// subscription set, and dispatch of inbound ticks to the candle aggregator
// and the position store.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"trading-livepnl/internal/marketdata/feed"
	"trading-livepnl/internal/model"
	"trading-livepnl/internal/notification"
)

var (
	ErrNotConnected   = errors.New("stream: not connected")
	ErrConnectTimeout = errors.New("stream: connect timed out")
	ErrConnectRefused = errors.New("stream: connect refused")
	// ErrAuthRejected is the feed's credential rejection.
	ErrAuthRejected = feed.ErrAuthRejected
)

// Transport is the feed connection the session drives.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ids []model.InstrumentID) error
	Unsubscribe(ids []model.InstrumentID) error
	Close(code int, reason string) error
	SetHandlers(h feed.Handlers)
}

// Aggregator receives every valid tick.
type Aggregator interface {
	Ingest(t model.Tick) bool
}

// PositionStore receives every valid tick after the aggregator.
type PositionStore interface {
	ApplyTick(t model.Tick) bool
}

// Notifier raises operator alerts.
type Notifier interface {
	Notify(ctx context.Context, message string, level notification.AlertLevel) error
}

// Config holds session timing.
type Config struct {
	ConnectTimeout time.Duration // wait for the feed's confirmation; defaults to 10s
	ReconnectPause time.Duration // gap between disconnect and connect in Reconnect; defaults to 1s
}

// Session is one live feed subscription.
type Session struct {
	cfg       Config
	transport Transport
	agg       Aggregator
	store     PositionStore
	sink      model.EventSink
	notifier  Notifier
	log       *slog.Logger

	// lifecycle serialises Connect, Disconnect and Reconnect.
	lifecycle sync.Mutex

	connected  atomic.Bool
	heartbeat  atomic.Int64 // unix nanos of the last processed feed event; 0 = never
	reconnects atomic.Int64

	confirmMu sync.Mutex
	confirm   chan struct{}

	subMu sync.Mutex
	subs  map[model.InstrumentID]struct{}

	lastMu sync.RWMutex
	last   map[model.InstrumentID]model.Tick

	// AfterConnect runs after every successful Connect, once subscriptions
	// are restored. When the transport reconnects on its own it runs on a
	// separate goroutine.
	AfterConnect func()
	// OnOrderUpdate receives order postbacks from the feed.
	OnOrderUpdate func(u model.OrderUpdate)

	// Metrics hooks (optional, set externally)
	OnTickBatch    func(n int)
	OnTickRejected func(err error)
	OnReconnect    func(attempt int)
}

// New creates a Session and installs its handlers on transport.
func New(cfg Config, transport Transport, agg Aggregator, store PositionStore, sink model.EventSink, notifier Notifier, log *slog.Logger) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectPause <= 0 {
		cfg.ReconnectPause = time.Second
	}
	if sink == nil {
		sink = model.NopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		cfg:       cfg,
		transport: transport,
		agg:       agg,
		store:     store,
		sink:      sink,
		notifier:  notifier,
		log:       log.With(slog.String("component", "stream")),
		subs:      make(map[model.InstrumentID]struct{}),
		last:      make(map[model.InstrumentID]model.Tick),
	}
	transport.SetHandlers(feed.Handlers{
		OnTicks:       s.onTicks,
		OnHeartbeat:   s.onHeartbeat,
		OnConnect:     s.onConnect,
		OnClose:       s.onClose,
		OnError:       s.onError,
		OnReconnect:   s.onReconnect,
		OnNoReconnect: s.onNoReconnect,
		OnOrderUpdate: s.onOrderUpdate,
	})
	return s
}

// Connect opens the feed and waits for it to confirm. Calling it while
// connected is a no-op. After a successful connect the whole subscription
// set is sent again, so a forced reconnect resumes where it left off.
func (s *Session) Connect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.connectLocked(ctx)
}

func (s *Session) connectLocked(ctx context.Context) error {
	if s.connected.Load() {
		return nil
	}

	confirmed := s.armConfirm()
	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	if err := s.transport.Connect(cctx); err != nil {
		s.emitHealth(model.HealthEvent{Type: model.HealthConnect, Error: err.Error()})
		switch {
		case errors.Is(err, ErrAuthRejected):
			return fmt.Errorf("stream: connect: %w", err)
		case errors.Is(cctx.Err(), context.DeadlineExceeded):
			return fmt.Errorf("%w after %s", ErrConnectTimeout, s.cfg.ConnectTimeout)
		default:
			return fmt.Errorf("%w: %w", ErrConnectRefused, err)
		}
	}

	select {
	case <-confirmed:
	case <-cctx.Done():
		s.transport.Close(websocket.CloseNormalClosure, "connect timeout")
		s.emitHealth(model.HealthEvent{Type: model.HealthConnect, Error: "timeout"})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrConnectTimeout, s.cfg.ConnectTimeout)
	}

	if ids := s.Subscriptions(); len(ids) > 0 {
		if err := s.transport.Subscribe(ids); err != nil {
			s.log.Warn("restore subscriptions failed", slog.Int("count", len(ids)), slog.Any("error", err))
		} else {
			s.log.Info("subscriptions restored", slog.Int("count", len(ids)))
		}
	}
	if s.AfterConnect != nil {
		s.AfterConnect()
	}
	return nil
}

func (s *Session) armConfirm() <-chan struct{} {
	s.confirmMu.Lock()
	defer s.confirmMu.Unlock()
	ch := make(chan struct{})
	s.confirm = ch
	return ch
}

// Disconnect closes the feed gracefully. Safe to call when not connected.
// The subscription set is kept for the next Connect.
func (s *Session) Disconnect() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.disconnectLocked("client disconnect")
}

func (s *Session) disconnectLocked(reason string) {
	was := s.connected.Swap(false)
	err := s.transport.Close(websocket.CloseNormalClosure, reason)
	if !was {
		return
	}
	ev := model.HealthEvent{Type: model.HealthDisconnect, Success: err == nil}
	if err != nil {
		ev.Error = err.Error()
	}
	s.emitHealth(ev)
	s.log.Info("feed disconnected", slog.String("reason", reason))
}

// Reconnect tears the connection down and brings it back up without letting
// another Connect or Disconnect interleave.
func (s *Session) Reconnect(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.disconnectLocked("forced reconnect")
	t := time.NewTimer(s.cfg.ReconnectPause)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
	}
	return s.connectLocked(ctx)
}

// Subscribe adds ids to the subscription set. Only ids not already
// subscribed are sent to the feed.
func (s *Session) Subscribe(ids []model.InstrumentID) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	fresh := make([]model.InstrumentID, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := s.subs[id]; ok {
			continue
		}
		s.subs[id] = struct{}{}
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := s.transport.Subscribe(fresh); err != nil {
		for _, id := range fresh {
			delete(s.subs, id)
		}
		s.emitHealth(model.HealthEvent{Type: model.HealthSubscribe, Error: err.Error()})
		return fmt.Errorf("stream: subscribe: %w", err)
	}
	s.emitHealth(model.HealthEvent{Type: model.HealthSubscribe, Success: true}.WithCount(len(fresh)))
	s.log.Info("subscribed", slog.Int("added", len(fresh)), slog.Int("total", len(s.subs)))
	return nil
}

// Unsubscribe removes ids from the subscription set. Ids not subscribed are
// ignored.
func (s *Session) Unsubscribe(ids []model.InstrumentID) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	gone := make([]model.InstrumentID, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.subs[id]; !ok {
			continue
		}
		delete(s.subs, id)
		gone = append(gone, id)
	}
	if len(gone) == 0 {
		return nil
	}
	if err := s.transport.Unsubscribe(gone); err != nil {
		for _, id := range gone {
			s.subs[id] = struct{}{}
		}
		s.emitHealth(model.HealthEvent{Type: model.HealthUnsubscribe, Error: err.Error()})
		return fmt.Errorf("stream: unsubscribe: %w", err)
	}
	s.emitHealth(model.HealthEvent{Type: model.HealthUnsubscribe, Success: true}.WithCount(len(gone)))
	s.log.Info("unsubscribed", slog.Int("removed", len(gone)), slog.Int("total", len(s.subs)))
	return nil
}

// Subscriptions returns the subscription set, sorted.
func (s *Session) Subscriptions() []model.InstrumentID {
	s.subMu.Lock()
	ids := make([]model.InstrumentID, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.subMu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Connected reports whether the feed is currently up.
func (s *Session) Connected() bool { return s.connected.Load() }

// LastHeartbeat returns when the last feed event was processed. The zero
// time means none ever was.
func (s *Session) LastHeartbeat() time.Time {
	ns := s.heartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ReconnectCount returns how many transport reconnect attempts were made.
func (s *Session) ReconnectCount() int { return int(s.reconnects.Load()) }

// LastTick returns the most recent valid tick for id.
func (s *Session) LastTick(id model.InstrumentID) (model.Tick, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	t, ok := s.last[id]
	return t, ok
}

// ── Feed callbacks ──
// Each runs on the transport's goroutine and must not escape with a panic.

func (s *Session) onTicks(ticks []model.Tick) {
	now := time.Now()
	for i := range ticks {
		s.dispatch(ticks[i], now)
	}
	s.heartbeat.Store(time.Now().UnixNano())
	if s.OnTickBatch != nil {
		s.OnTickBatch(len(ticks))
	}
}

func (s *Session) dispatch(t model.Tick, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tick dispatch panic",
				slog.Any("panic", r), slog.Uint64("instrument", uint64(t.InstrumentID)))
			if s.OnTickRejected != nil {
				s.OnTickRejected(fmt.Errorf("panic: %v", r))
			}
		}
	}()

	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = now
	}
	if err := t.Validate(); err != nil {
		s.log.Debug("dropping tick", slog.Any("error", err))
		if s.OnTickRejected != nil {
			s.OnTickRejected(err)
		}
		return
	}

	s.agg.Ingest(t)
	s.store.ApplyTick(t)
	s.sink.EmitTick(t)

	s.lastMu.Lock()
	s.last[t.InstrumentID] = t
	s.lastMu.Unlock()
}

func (s *Session) onHeartbeat() {
	s.heartbeat.Store(time.Now().UnixNano())
}

func (s *Session) onConnect() {
	defer s.recoverCallback("connect")
	s.connected.Store(true)
	s.emitHealth(model.HealthEvent{Type: model.HealthConnect, Success: true})
	s.log.Info("feed connection confirmed")

	s.confirmMu.Lock()
	awaited := s.confirm != nil
	if awaited {
		close(s.confirm)
		s.confirm = nil
	}
	s.confirmMu.Unlock()

	// Nobody is inside connectLocked: the transport reconnected by itself
	// and has already resubscribed what it remembers. The hook may call
	// back into the transport, so keep it off the read goroutine.
	if !awaited && s.AfterConnect != nil {
		go s.runAfterConnect()
	}
}

func (s *Session) runAfterConnect() {
	defer s.recoverCallback("after connect")
	s.AfterConnect()
}

func (s *Session) onClose(code int, reason string) {
	defer s.recoverCallback("close")
	s.connected.Store(false)
	s.emitHealth(model.HealthEvent{
		Type:    model.HealthClose,
		Success: true,
		Error:   fmt.Sprintf("code: %d, reason: %s", code, reason),
	})
	s.log.Warn("feed closed", slog.Int("code", code), slog.String("reason", reason))
}

func (s *Session) onError(err error) {
	defer s.recoverCallback("error")
	s.emitHealth(model.HealthEvent{Type: model.HealthError, Error: err.Error()})
	s.log.Error("feed error", slog.Any("error", err))
}

func (s *Session) onReconnect(attempt int) {
	defer s.recoverCallback("reconnect")
	s.reconnects.Add(1)
	s.emitHealth(model.HealthEvent{
		Type:    model.HealthReconnect,
		Success: true,
		Error:   fmt.Sprintf("attempt: %d", attempt),
	})
	s.log.Warn("feed reconnecting", slog.Int("attempt", attempt))
	if s.OnReconnect != nil {
		s.OnReconnect(attempt)
	}
}

func (s *Session) onNoReconnect() {
	defer s.recoverCallback("noreconnect")
	s.connected.Store(false)
	s.emitHealth(model.HealthEvent{Type: model.HealthNoReconnect, Error: "reconnection failed permanently"})
	s.log.Error("feed reconnection failed permanently")
	if s.notifier != nil {
		_ = s.notifier.Notify(context.Background(),
			"Tick feed reconnection failed permanently; waiting for the health check to reconnect",
			notification.AlertCritical)
	}
}

func (s *Session) onOrderUpdate(u model.OrderUpdate) {
	defer s.recoverCallback("order_update")
	s.log.Info("order update",
		slog.String("order_id", u.OrderID),
		slog.String("status", u.Status),
		slog.String("symbol", u.TradingSymbol))
	if s.OnOrderUpdate != nil {
		s.OnOrderUpdate(u)
	}
}

func (s *Session) recoverCallback(name string) {
	if r := recover(); r != nil {
		s.log.Error("feed callback panic", slog.String("callback", name), slog.Any("panic", r))
	}
}

func (s *Session) emitHealth(e model.HealthEvent) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.ReconnectCount = int(s.reconnects.Load())
	s.sink.EmitHealth(e)
}
