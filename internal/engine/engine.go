// Package engine ties the feed session, the candle aggregator, the position
// store and the health supervisor into one explicitly owned unit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"trading-livepnl/internal/health"
	"trading-livepnl/internal/marketdata/agg"
	"trading-livepnl/internal/model"
	"trading-livepnl/internal/portfolio"
	"trading-livepnl/internal/stream"
)

// Config holds engine-level settings.
type Config struct {
	// SealEvery is how often open candles past their interval are sealed
	// when no tick arrives to do it; defaults to 1s.
	SealEvery time.Duration
	// Watchlist instruments stay subscribed with or without a position.
	Watchlist []model.InstrumentID
}

// Engine owns the live PnL pipeline. There is no package-level state; every
// collaborator is passed in.
type Engine struct {
	Session    *stream.Session
	Store      *portfolio.Store
	Aggregator *agg.Aggregator
	Supervisor *health.Supervisor

	cfg       Config
	watchlist map[model.InstrumentID]struct{}
	log       *slog.Logger

	// serialises RefreshPositions and the post-connect resync
	syncMu sync.Mutex

	// Now is the clock used by the candle expiry loop.
	Now func() time.Time
}

// New wires an Engine. The session's AfterConnect hook is taken over to
// resync subscriptions after every successful connect.
func New(cfg Config, session *stream.Session, store *portfolio.Store, aggregator *agg.Aggregator, supervisor *health.Supervisor, log *slog.Logger) *Engine {
	if cfg.SealEvery <= 0 {
		cfg.SealEvery = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		Session:    session,
		Store:      store,
		Aggregator: aggregator,
		Supervisor: supervisor,
		cfg:        cfg,
		watchlist:  make(map[model.InstrumentID]struct{}, len(cfg.Watchlist)),
		log:        log.With(slog.String("component", "engine")),
		Now:        time.Now,
	}
	for _, id := range cfg.Watchlist {
		if id != 0 {
			e.watchlist[id] = struct{}{}
		}
	}

	prev := session.AfterConnect
	session.AfterConnect = func() {
		if prev != nil {
			prev()
		}
		if err := e.SyncSubscriptions(); err != nil {
			e.log.Warn("resync after connect failed", slog.Any("error", err))
		}
	}
	return e
}

// RefreshPositions replaces the position table, then brings the
// subscription set to exactly the open positions plus the watchlist.
// The table is replaced even when the subscription sync fails.
func (e *Engine) RefreshPositions(positions []model.Position) error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	e.Store.ReplacePositions(positions)
	return e.syncLocked()
}

// SyncSubscriptions re-applies the subscription rule against the current
// position table.
func (e *Engine) SyncSubscriptions() error {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	return e.syncLocked()
}

func (e *Engine) syncLocked() error {
	want := e.wanted()
	var drop []model.InstrumentID
	for _, id := range e.Session.Subscriptions() {
		if _, ok := want[id]; !ok {
			drop = append(drop, id)
		}
	}
	add := make([]model.InstrumentID, 0, len(want))
	for id := range want {
		add = append(add, id)
	}
	sort.Slice(add, func(i, j int) bool { return add[i] < add[j] })

	var errs []error
	if len(drop) > 0 {
		if err := e.Session.Unsubscribe(drop); err != nil {
			errs = append(errs, err)
		}
	}
	if len(add) > 0 {
		if err := e.Session.Subscribe(add); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) wanted() map[model.InstrumentID]struct{} {
	want := make(map[model.InstrumentID]struct{}, len(e.watchlist))
	for id := range e.watchlist {
		want[id] = struct{}{}
	}
	for _, id := range e.Store.InstrumentIDs(true) {
		want[id] = struct{}{}
	}
	return want
}

// SetRealizedPnL forwards the broker's realized PnL to the store.
func (e *Engine) SetRealizedPnL(v decimal.Decimal) { e.Store.SetRealizedPnL(v) }

// ResetSession starts a new trading session in the store.
func (e *Engine) ResetSession() { e.Store.ResetSession() }

// Run connects, then runs the supervisor and the candle expiry loop until
// ctx is cancelled. Only the initial connect failure is returned; later
// feed trouble is handled by the client, the session and the supervisor.
// On the way out the feed is closed and open candles are sealed.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Session.Connect(ctx); err != nil {
		return fmt.Errorf("engine: initial connect: %w", err)
	}
	e.log.Info("engine running", slog.Int("subscriptions", len(e.Session.Subscriptions())))

	defer func() {
		e.Session.Disconnect()
		n := e.Aggregator.Flush()
		e.log.Info("engine stopped", slog.Int("candles_flushed", n))
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Supervisor.Run(gctx) })
	g.Go(func() error { return e.sealLoop(gctx) })
	return g.Wait()
}

func (e *Engine) sealLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SealEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := e.Aggregator.SealExpired(e.Now()); n > 0 {
				e.log.Debug("sealed idle candles", slog.Int("count", n))
			}
		}
	}
}

// State is the read model served on the state endpoint.
type State struct {
	PnL           model.PortfolioPnL   `json:"pnl"`
	Positions     []model.Position     `json:"positions"`
	Subscriptions []model.InstrumentID `json:"subscriptions"`
	Connected     bool                 `json:"connected"`
	LastHeartbeat time.Time            `json:"last_heartbeat"`
}

// State returns a point-in-time view of the engine.
func (e *Engine) State() State {
	return State{
		PnL:           e.Store.Snapshot(),
		Positions:     e.Store.Positions(),
		Subscriptions: e.Session.Subscriptions(),
		Connected:     e.Session.Connected(),
		LastHeartbeat: e.Session.LastHeartbeat(),
	}
}
