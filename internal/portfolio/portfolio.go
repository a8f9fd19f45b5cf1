// Package portfolio holds the live position table and the portfolio PnL
// aggregate derived from it.
//
// The table is replaced wholesale whenever the broker's positions are polled,
// and marked to market on every tick between polls.
package portfolio

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trading-livepnl/internal/model"
)

// Store is the position state store. One RWMutex guards the table and the
// aggregate together so readers never see them disagree.
type Store struct {
	mu         sync.RWMutex
	positions  map[model.InstrumentID]*model.Position
	unrealized decimal.Decimal
	realized   decimal.Decimal
	tracker    dayTracker
	updatedAt  time.Time

	sink model.EventSink
	log  *slog.Logger

	// Now is the clock used for LastUpdate and snapshot timestamps.
	Now func() time.Time

	// Metrics hooks (optional, set externally)
	OnSnapshot func(p model.PortfolioPnL)
}

// New creates an empty Store that publishes snapshots to sink.
func New(sink model.EventSink, log *slog.Logger) *Store {
	if sink == nil {
		sink = model.NopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		positions: make(map[model.InstrumentID]*model.Position),
		sink:      sink,
		log:       log.With(slog.String("component", "portfolio")),
		Now:       time.Now,
	}
}

// ReplacePositions swaps in a freshly polled position table. Entries not in
// positions are dropped; for duplicate instrument ids the first one wins.
func (s *Store) ReplacePositions(positions []model.Position) {
	now := s.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	table := make(map[model.InstrumentID]*model.Position, len(positions))
	total := decimal.Zero
	skipped := 0
	for i := range positions {
		p := positions[i]
		if p.InstrumentID == 0 {
			skipped++
			continue
		}
		if _, dup := table[p.InstrumentID]; dup {
			skipped++
			continue
		}
		if p.LastPrice.IsZero() {
			p.UnrealizedPnL = decimal.Zero
		} else {
			p.UnrealizedPnL = p.MarkToMarket(p.LastPrice)
		}
		if p.LastUpdate.IsZero() {
			p.LastUpdate = now
		}
		total = total.Add(p.UnrealizedPnL)
		table[p.InstrumentID] = &p
	}
	if skipped > 0 {
		s.log.Warn("skipped positions on replace",
			slog.Int("skipped", skipped), slog.Int("kept", len(table)))
	}

	s.positions = table
	s.unrealized = total
	s.updatedAt = now
	s.tracker.observe(s.unrealized.Add(s.realized))

	s.sink.EmitPositions(s.positionsLocked())
	s.publishLocked()
}

// ApplyTick marks the tick's position to market. It reports false when the
// instrument has no position.
func (s *Store) ApplyTick(t model.Tick) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[t.InstrumentID]
	if !ok {
		return false
	}
	pnl := p.MarkToMarket(t.LastPrice)
	s.unrealized = s.unrealized.Sub(p.UnrealizedPnL).Add(pnl)
	p.LastPrice = t.LastPrice
	p.UnrealizedPnL = pnl
	p.LastUpdate = t.ReceivedAt
	s.updatedAt = t.ReceivedAt
	s.tracker.observe(s.unrealized.Add(s.realized))

	s.publishLocked()
	return true
}

// SetRealizedPnL records the session's realized PnL as reported by the broker.
func (s *Store) SetRealizedPnL(v decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.Equal(s.realized) {
		return
	}
	s.realized = v
	s.updatedAt = s.Now()
	s.tracker.observe(s.unrealized.Add(s.realized))
	s.publishLocked()
}

// ResetSession starts a new trading session: realized PnL, the peak and both
// drawdowns go back to zero. Positions are kept.
func (s *Store) ResetSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realized = decimal.Zero
	s.tracker.reset()
	s.updatedAt = s.Now()
	s.tracker.observe(s.unrealized)
	s.log.Info("session reset", slog.String("unrealized", s.unrealized.String()))
	s.publishLocked()
}

// RestoreSession seeds realized PnL, the peak and the max drawdown from a
// snapshot persisted earlier in the same session. The peak and max drawdown
// never move down.
func (s *Store) RestoreSession(p model.PortfolioPnL) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realized = p.RealizedPnL
	if p.PeakDayPnL.GreaterThan(s.tracker.peak) {
		s.tracker.peak = p.PeakDayPnL
	}
	if p.MaxDrawdown.GreaterThan(s.tracker.maxDrawdown) {
		s.tracker.maxDrawdown = p.MaxDrawdown
	}
	s.updatedAt = s.Now()
	s.tracker.observe(s.unrealized.Add(s.realized))
	s.log.Info("session restored",
		slog.String("realized", s.realized.String()),
		slog.String("peak", s.tracker.peak.String()),
		slog.String("max_drawdown", s.tracker.maxDrawdown.String()))
	s.publishLocked()
}

// Snapshot returns the current portfolio aggregate.
func (s *Store) Snapshot() model.PortfolioPnL {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Positions returns copies of all positions ordered by instrument id.
func (s *Store) Positions() []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positionsLocked()
}

// Position returns a copy of one position.
func (s *Store) Position(id model.InstrumentID) (model.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// InstrumentIDs lists the instruments in the table, sorted. With openOnly,
// flat positions are left out.
func (s *Store) InstrumentIDs(openOnly bool) []model.InstrumentID {
	s.mu.RLock()
	ids := make([]model.InstrumentID, 0, len(s.positions))
	for id, p := range s.positions {
		if openOnly && p.Quantity == 0 {
			continue
		}
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) snapshotLocked() model.PortfolioPnL {
	return model.PortfolioPnL{
		UnrealizedPnL:   s.unrealized,
		RealizedPnL:     s.realized,
		DayPnL:          s.tracker.day,
		PeakDayPnL:      s.tracker.peak,
		CurrentDrawdown: s.tracker.currentDrawdown,
		MaxDrawdown:     s.tracker.maxDrawdown,
		Positions:       len(s.positions),
		At:              s.updatedAt,
	}
}

func (s *Store) positionsLocked() []model.Position {
	out := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}

// publishLocked pushes the aggregate to the sink. The sink never blocks, so
// emitting under the lock keeps snapshots in mutation order.
func (s *Store) publishLocked() {
	snap := s.snapshotLocked()
	s.sink.EmitPnL(snap)
	if s.OnSnapshot != nil {
		s.OnSnapshot(snap)
	}
}
