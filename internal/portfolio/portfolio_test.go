package portfolio

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-livepnl/internal/model"
)

type recordingSink struct {
	model.NopSink
	mu        sync.Mutex
	pnl       []model.PortfolioPnL
	positions [][]model.Position
}

func (s *recordingSink) EmitPnL(p model.PortfolioPnL) {
	s.mu.Lock()
	s.pnl = append(s.pnl, p)
	s.mu.Unlock()
}

func (s *recordingSink) EmitPositions(ps []model.Position) {
	s.mu.Lock()
	s.positions = append(s.positions, ps)
	s.mu.Unlock()
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func px(id model.InstrumentID, price string) model.Tick {
	return model.Tick{InstrumentID: id, LastPrice: d(price), ReceivedAt: t0}
}

func TestStore_PnLSign(t *testing.T) {
	for _, qty := range []int64{1, 7, 250} {
		s := New(nil, nil)
		s.ReplacePositions([]model.Position{
			{InstrumentID: 1, Quantity: qty, AveragePrice: d("100")},
			{InstrumentID: 2, Quantity: -qty, AveragePrice: d("100")},
		})
		require.True(t, s.ApplyTick(px(1, "110")))
		require.True(t, s.ApplyTick(px(2, "110")))

		long, _ := s.Position(1)
		short, _ := s.Position(2)
		assert.True(t, long.UnrealizedPnL.Equal(decimal.NewFromInt(10*qty)), "long qty=%d got %s", qty, long.UnrealizedPnL)
		assert.True(t, short.UnrealizedPnL.Equal(decimal.NewFromInt(-10*qty)), "short qty=%d got %s", qty, short.UnrealizedPnL)
		assert.True(t, s.Snapshot().UnrealizedPnL.IsZero())
	}
}

func TestStore_FlatPositionHasNoPnL(t *testing.T) {
	s := New(nil, nil)
	s.ReplacePositions([]model.Position{{InstrumentID: 1, Quantity: 0, AveragePrice: d("100")}})
	require.True(t, s.ApplyTick(px(1, "150")))
	p, _ := s.Position(1)
	assert.True(t, p.UnrealizedPnL.IsZero())
	assert.True(t, p.LastPrice.Equal(d("150")))
}

func TestStore_AggregateMatchesRecomputation(t *testing.T) {
	s := New(nil, nil)
	rng := rand.New(rand.NewSource(7))

	var positions []model.Position
	for id := model.InstrumentID(1); id <= 20; id++ {
		positions = append(positions, model.Position{
			InstrumentID: id,
			Quantity:     int64(rng.Intn(400) - 200),
			AveragePrice: decimal.NewFromInt(int64(rng.Intn(50000))).Shift(-2),
		})
	}
	s.ReplacePositions(positions)

	for i := 0; i < 5000; i++ {
		id := model.InstrumentID(rng.Intn(25) + 1) // some ids are unknown
		price := decimal.NewFromInt(int64(rng.Intn(60000))).Shift(-2)
		s.ApplyTick(model.Tick{InstrumentID: id, LastPrice: price, ReceivedAt: t0})

		if i%250 == 0 {
			oracle := decimal.Zero
			for _, p := range s.Positions() {
				oracle = oracle.Add(p.UnrealizedPnL)
			}
			require.True(t, s.Snapshot().UnrealizedPnL.Equal(oracle), "step %d", i)
		}
	}
}

func TestStore_PeakAndMaxDrawdownNeverDecrease(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink, nil)
	s.ReplacePositions([]model.Position{{InstrumentID: 1, Quantity: 3, AveragePrice: d("100")}})

	rng := rand.New(rand.NewSource(99))
	for i := 0; i < 2000; i++ {
		price := decimal.NewFromInt(int64(rng.Intn(20000))).Shift(-2)
		s.ApplyTick(model.Tick{InstrumentID: 1, LastPrice: price, ReceivedAt: t0})
		if i%300 == 0 {
			s.SetRealizedPnL(decimal.NewFromInt(int64(rng.Intn(200) - 100)))
		}
	}

	for i := 1; i < len(sink.pnl); i++ {
		prev, cur := sink.pnl[i-1], sink.pnl[i]
		require.True(t, cur.PeakDayPnL.GreaterThanOrEqual(prev.PeakDayPnL), "peak decreased at %d", i)
		require.True(t, cur.MaxDrawdown.GreaterThanOrEqual(prev.MaxDrawdown), "max drawdown decreased at %d", i)
		require.True(t, cur.DayPnL.Equal(cur.UnrealizedPnL.Add(cur.RealizedPnL)))
	}
}

func TestStore_DrawdownWithoutPositivePeak(t *testing.T) {
	s := New(nil, nil)
	s.ReplacePositions([]model.Position{{InstrumentID: 1, Quantity: 10, AveragePrice: d("100")}})

	s.ApplyTick(px(1, "96"))
	snap := s.Snapshot()
	assert.True(t, snap.CurrentDrawdown.Equal(d("40")))
	assert.True(t, snap.PeakDayPnL.IsZero())

	// first positive day clears the drawdown
	s.ApplyTick(px(1, "101"))
	snap = s.Snapshot()
	assert.True(t, snap.CurrentDrawdown.IsZero())
	assert.True(t, snap.PeakDayPnL.Equal(d("10")))
	assert.True(t, snap.MaxDrawdown.Equal(d("40")))
}

func TestStore_ReplaceIsAtomic(t *testing.T) {
	s := New(nil, nil)
	gen := func(avg string) []model.Position {
		ps := make([]model.Position, 0, 50)
		for id := model.InstrumentID(1); id <= 50; id++ {
			ps = append(ps, model.Position{InstrumentID: id, Quantity: 1, AveragePrice: d(avg)})
		}
		return ps
	}
	s.ReplacePositions(gen("1"))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var mixed int
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			ps := s.Positions()
			if len(ps) == 0 {
				continue
			}
			first := ps[0].AveragePrice
			for _, p := range ps {
				if !p.AveragePrice.Equal(first) {
					mixed++
					break
				}
			}
		}
	}()

	for i := 0; i < 500; i++ {
		if i%2 == 0 {
			s.ReplacePositions(gen("2"))
		} else {
			s.ReplacePositions(gen("1"))
		}
	}
	close(stop)
	wg.Wait()
	assert.Zero(t, mixed)
}

func TestStore_UnknownInstrumentIsNoop(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink, nil)
	s.ReplacePositions([]model.Position{{InstrumentID: 1, Quantity: 5, AveragePrice: d("10")}})
	s.ApplyTick(px(1, "12"))

	before := s.Snapshot()
	emitted := len(sink.pnl)

	assert.False(t, s.ApplyTick(px(404, "1000")))
	assert.Equal(t, before, s.Snapshot())
	assert.Len(t, sink.pnl, emitted)
}

func TestStore_ReplaceDropsStaleAndDedupes(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink, nil)
	s.ReplacePositions([]model.Position{
		{InstrumentID: 1, Quantity: 5, AveragePrice: d("10")},
		{InstrumentID: 2, Quantity: 5, AveragePrice: d("10")},
	})
	s.ReplacePositions([]model.Position{
		{InstrumentID: 2, Quantity: 8, AveragePrice: d("20"), LastPrice: d("21")},
		{InstrumentID: 2, Quantity: 99, AveragePrice: d("1")},
		{InstrumentID: 0, Quantity: 1},
		{InstrumentID: 3, Quantity: 0, AveragePrice: d("5")},
	})

	ps := s.Positions()
	require.Len(t, ps, 2)
	assert.Equal(t, model.InstrumentID(2), ps[0].InstrumentID)
	assert.Equal(t, int64(8), ps[0].Quantity)
	assert.True(t, ps[0].UnrealizedPnL.Equal(d("8")))
	assert.Equal(t, model.InstrumentID(3), ps[1].InstrumentID)

	assert.True(t, s.Snapshot().UnrealizedPnL.Equal(d("8")))
	assert.Equal(t, 2, s.Snapshot().Positions)
	assert.Equal(t, []model.InstrumentID{2}, s.InstrumentIDs(true))
	assert.Equal(t, []model.InstrumentID{2, 3}, s.InstrumentIDs(false))

	require.Len(t, sink.positions, 2)
	assert.Len(t, sink.positions[1], 2)
	assert.False(t, s.ApplyTick(px(1, "11")))
}

func TestStore_ResetSession(t *testing.T) {
	s := New(nil, nil)
	s.ReplacePositions([]model.Position{{InstrumentID: 1, Quantity: 10, AveragePrice: d("100")}})
	s.SetRealizedPnL(d("500"))
	s.ApplyTick(px(1, "90"))

	snap := s.Snapshot()
	assert.True(t, snap.DayPnL.Equal(d("400")))
	assert.True(t, snap.PeakDayPnL.Equal(d("500")))
	assert.True(t, snap.MaxDrawdown.Equal(d("100")))

	s.ResetSession()
	snap = s.Snapshot()
	assert.True(t, snap.RealizedPnL.IsZero())
	assert.True(t, snap.DayPnL.Equal(d("-100")))
	assert.True(t, snap.PeakDayPnL.IsZero())
	assert.True(t, snap.MaxDrawdown.Equal(d("100")))
	assert.Equal(t, 1, snap.Positions)
}

func TestStore_Scenario(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink, nil)
	s.ReplacePositions([]model.Position{{InstrumentID: 256265, TradingSymbol: "INFY", Quantity: 10, AveragePrice: d("100")}})

	var unrealized []string
	for _, p := range []string{"105", "95", "102"} {
		require.True(t, s.ApplyTick(px(256265, p)))
		unrealized = append(unrealized, s.Snapshot().UnrealizedPnL.String())
	}
	assert.Equal(t, []string{"50", "-50", "20"}, unrealized)

	snap := s.Snapshot()
	assert.True(t, snap.PeakDayPnL.Equal(d("50")))
	assert.True(t, snap.CurrentDrawdown.Equal(d("30")))
	assert.True(t, snap.MaxDrawdown.Equal(d("100")))
	// replace + three ticks
	assert.Len(t, sink.pnl, 4)
}

func TestStore_RestoreSession(t *testing.T) {
	sink := &recordingSink{}
	s := New(sink, nil)
	s.ReplacePositions([]model.Position{{InstrumentID: 1, Quantity: 10, AveragePrice: d("100")}})
	s.ApplyTick(px(1, "103"))

	s.RestoreSession(model.PortfolioPnL{
		RealizedPnL: d("200"),
		PeakDayPnL:  d("400"),
		MaxDrawdown: d("150"),
	})

	snap := s.Snapshot()
	assert.True(t, snap.RealizedPnL.Equal(d("200")))
	assert.True(t, snap.DayPnL.Equal(d("230")))
	assert.True(t, snap.PeakDayPnL.Equal(d("400")))
	assert.True(t, snap.CurrentDrawdown.Equal(d("170")))
	assert.True(t, snap.MaxDrawdown.Equal(d("170")))

	// A lower persisted peak does not pull the live one down.
	s.RestoreSession(model.PortfolioPnL{RealizedPnL: d("200"), PeakDayPnL: d("10")})
	assert.True(t, s.Snapshot().PeakDayPnL.Equal(d("400")))
	assert.True(t, sink.pnl[len(sink.pnl)-1].MaxDrawdown.Equal(d("170")))
}
