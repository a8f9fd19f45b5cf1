// Package agg builds fixed-interval OHLCV candles from a per-instrument tick
// sequence. Bar boundaries are aligned to the wall clock, not to the first
// tick, so every instrument shares the same boundaries.
package agg

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"trading-livepnl/internal/model"
	"trading-livepnl/internal/ringbuf"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultHistory  = 100
)

// Config configures an Aggregator.
type Config struct {
	Interval time.Duration // bar width; defaults to 5m
	History  int           // sealed candles kept in memory per instrument; defaults to 100
}

// instrumentState holds the open candle and sealed history for one instrument.
type instrumentState struct {
	mu sync.Mutex

	open    model.Candle
	hasOpen bool

	// start of the newest sealed interval; sealed bars are never reopened
	lastSealed time.Time
	hasSealed  bool

	// last cumulative session volume seen
	lastVolume int64
	hasVolume  bool

	closed *ringbuf.Ring[model.Candle]
}

// Aggregator converts ticks into candles. Different instruments never share a
// lock: the map is guarded by mu, each entry by its own mutex.
type Aggregator struct {
	interval time.Duration
	history  int
	sink     model.EventSink
	log      *slog.Logger

	mu     sync.RWMutex
	states map[model.InstrumentID]*instrumentState

	// Metrics hooks (optional, set externally)
	OnSealed   func(c model.Candle)
	OnLateTick func(t model.Tick)
}

// New creates an Aggregator that reports sealed candles to sink.
func New(cfg Config, sink model.EventSink, log *slog.Logger) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}
	if sink == nil {
		sink = model.NopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		interval: cfg.Interval,
		history:  cfg.History,
		sink:     sink,
		log:      log.With(slog.String("component", "agg")),
		states:   make(map[model.InstrumentID]*instrumentState),
	}
}

// Interval returns the configured bar width.
func (a *Aggregator) Interval() time.Duration { return a.interval }

func (a *Aggregator) state(id model.InstrumentID) *instrumentState {
	a.mu.RLock()
	st, ok := a.states[id]
	a.mu.RUnlock()
	if ok {
		return st
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok = a.states[id]; ok {
		return st
	}
	st = &instrumentState{closed: ringbuf.New[model.Candle](a.history)}
	a.states[id] = st
	return st
}

func (a *Aggregator) lookup(id model.InstrumentID) (*instrumentState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.states[id]
	return st, ok
}

// Ingest folds one tick into its instrument's open candle, sealing the
// previous candle when the tick falls into a later interval. A tick for an
// interval that is already sealed, or older than the open one, is late: it
// only advances the volume baseline and reports false.
func (a *Aggregator) Ingest(tick model.Tick) bool {
	start := model.Floor(tick.ReceivedAt, a.interval)
	st := a.state(tick.InstrumentID)

	st.mu.Lock()
	contribution := st.volumeContribution(tick.Volume)

	if st.isLate(start) {
		st.mu.Unlock()
		a.log.Debug("late tick",
			slog.String("instrument", tick.InstrumentID.String()),
			slog.Time("interval", start))
		if a.OnLateTick != nil {
			a.OnLateTick(tick)
		}
		return false
	}

	if st.hasOpen && st.open.IntervalStart.Equal(start) {
		c := &st.open
		if tick.LastPrice.GreaterThan(c.High) {
			c.High = tick.LastPrice
		}
		if tick.LastPrice.LessThan(c.Low) {
			c.Low = tick.LastPrice
		}
		c.Close = tick.LastPrice
		c.VolumeDelta += contribution
		c.Ticks++
		st.mu.Unlock()
		return true
	}

	var sealed model.Candle
	didSeal := false
	if st.hasOpen {
		sealed = st.seal()
		didSeal = true
	}
	st.open = model.Candle{
		InstrumentID:  tick.InstrumentID,
		IntervalStart: start,
		Interval:      a.interval,
		Open:          tick.LastPrice,
		High:          tick.LastPrice,
		Low:           tick.LastPrice,
		Close:         tick.LastPrice,
		VolumeDelta:   contribution,
		Ticks:         1,
	}
	st.hasOpen = true
	st.mu.Unlock()

	if didSeal {
		a.emit(sealed)
	}
	return true
}

// isLate reports whether an interval starting at start can no longer take
// ticks. Caller holds st.mu.
func (st *instrumentState) isLate(start time.Time) bool {
	if st.hasOpen && start.Before(st.open.IntervalStart) {
		return true
	}
	return st.hasSealed && !start.After(st.lastSealed)
}

// volumeContribution converts the feed's cumulative volume into a delta.
// A drop in the cumulative value means the session rolled over: the new
// value becomes the baseline and nothing is added.
func (st *instrumentState) volumeContribution(cumulative int64) int64 {
	if !st.hasVolume {
		st.lastVolume = cumulative
		st.hasVolume = true
		return 0
	}
	delta := cumulative - st.lastVolume
	st.lastVolume = cumulative
	if delta < 0 {
		return 0
	}
	return delta
}

// seal moves the open candle into history. Caller holds st.mu.
func (st *instrumentState) seal() model.Candle {
	c := st.open
	st.closed.Push(c)
	st.lastSealed = c.IntervalStart
	st.hasSealed = true
	st.hasOpen = false
	st.open = model.Candle{}
	return c
}

func (a *Aggregator) emit(c model.Candle) {
	a.sink.EmitCandle(c)
	if a.OnSealed != nil {
		a.OnSealed(c)
	}
}

// SealExpired seals every open candle whose interval ended at or before now.
// Returns the number of candles sealed.
func (a *Aggregator) SealExpired(now time.Time) int {
	return a.sealWhere(func(c *model.Candle) bool {
		return !c.IntervalEnd().After(now)
	})
}

// Flush seals all open candles regardless of interval (used at shutdown).
func (a *Aggregator) Flush() int {
	return a.sealWhere(func(*model.Candle) bool { return true })
}

func (a *Aggregator) sealWhere(match func(c *model.Candle) bool) int {
	a.mu.RLock()
	states := make([]*instrumentState, 0, len(a.states))
	for _, st := range a.states {
		states = append(states, st)
	}
	a.mu.RUnlock()

	n := 0
	for _, st := range states {
		st.mu.Lock()
		if !st.hasOpen || !match(&st.open) {
			st.mu.Unlock()
			continue
		}
		c := st.seal()
		st.mu.Unlock()
		a.emit(c)
		n++
	}
	if n > 0 {
		a.log.Debug("sealed open candles", slog.Int("count", n))
	}
	return n
}

// Current returns the in-progress candle for id.
func (a *Aggregator) Current(id model.InstrumentID) (model.Candle, bool) {
	st, ok := a.lookup(id)
	if !ok {
		return model.Candle{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.open, st.hasOpen
}

// History returns the sealed candles kept in memory for id, oldest first.
func (a *Aggregator) History(id model.InstrumentID) []model.Candle {
	st, ok := a.lookup(id)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed.Items()
}

// Instruments returns every instrument that has produced a candle, sorted.
func (a *Aggregator) Instruments() []model.InstrumentID {
	a.mu.RLock()
	ids := make([]model.InstrumentID, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	a.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
