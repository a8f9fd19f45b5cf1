package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-livepnl/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestWriter_PersistsEveryKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livepnl.db")
	w, err := New(WriterConfig{DBPath: path, FlushDelay: time.Hour}, nil)
	require.NoError(t, err)
	defer w.Close()

	var commits int
	w.OnCommit = func(rows int, _ time.Duration, err error) {
		assert.NoError(t, err)
		commits++
	}

	start := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	ch := make(chan model.Event, 16)
	ch <- model.Event{Kind: model.EventTick, Tick: model.Tick{InstrumentID: 7, LastPrice: d("101.5"), Volume: 10, ReceivedAt: start}}
	ch <- model.Event{Kind: model.EventCandle, Candle: model.Candle{
		InstrumentID: 7, IntervalStart: start, Interval: 5 * time.Minute,
		Open: d("100"), High: d("102"), Low: d("99.5"), Close: d("101.5"), VolumeDelta: 40, Ticks: 3,
	}}
	ch <- model.Event{Kind: model.EventPnL, PnL: model.PortfolioPnL{
		UnrealizedPnL: d("20"), DayPnL: d("20"), PeakDayPnL: d("50"),
		CurrentDrawdown: d("30"), MaxDrawdown: d("100"), Positions: 1, At: start.Add(time.Minute),
	}}
	ch <- model.Event{Kind: model.EventHealth, Health: model.HealthEvent{Type: model.HealthSubscribe, Success: true, At: start}.WithCount(3)}
	ch <- model.Event{Kind: model.EventHealth, Health: model.HealthEvent{Type: model.HealthClose, At: start}}
	ch <- model.Event{Kind: model.EventPositions, Positions: []model.Position{{InstrumentID: 7, Quantity: 10, AveragePrice: d("100")}}}
	close(ch)

	require.NoError(t, w.Run(context.Background(), ch))
	assert.Equal(t, 1, commits)

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	candles, err := r.Candles(7, 5*time.Minute, start)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.True(t, candles[0].Low.Equal(d("99.5")))
	assert.Equal(t, int64(40), candles[0].VolumeDelta)
	assert.True(t, candles[0].IntervalStart.Equal(start))

	p, ok, err := r.LatestPnL(start)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, p.PeakDayPnL.Equal(d("50")))
	assert.True(t, p.MaxDrawdown.Equal(d("100")))
	assert.Equal(t, 1, p.Positions)

	_, ok, err = r.LatestPnL(start.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	health, err := r.HealthEvents()
	require.NoError(t, err)
	assert.Equal(t, map[model.HealthEventType]int{model.HealthSubscribe: 1, model.HealthClose: 1}, health)

	var ticks, snaps int
	require.NoError(t, w.DB().QueryRow(`SELECT COUNT(*) FROM ticks`).Scan(&ticks))
	require.NoError(t, w.DB().QueryRow(`SELECT COUNT(*) FROM positions_snapshot`).Scan(&snaps))
	assert.Equal(t, 1, ticks)
	assert.Equal(t, 1, snaps)
}

func TestWriter_FlushesOnBatchSizeAndCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.db")
	w, err := New(WriterConfig{DBPath: path, BatchSize: 2, FlushDelay: time.Hour}, nil)
	require.NoError(t, err)
	defer w.Close()

	var rows []int
	w.OnCommit = func(n int, _ time.Duration, _ error) { rows = append(rows, n) }

	ch := make(chan model.Event, 8)
	for i := 0; i < 5; i++ {
		ch <- model.Event{Kind: model.EventTick, Tick: model.Tick{InstrumentID: 1, LastPrice: d("1"), ReceivedAt: time.Now()}}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx, ch); close(done) }()

	require.Eventually(t, func() bool { return len(ch) == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	total := 0
	for _, n := range rows {
		total += n
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, 2, rows[0])
}

func TestWriter_CandleUpsert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "upsert.db")
	w, err := New(WriterConfig{DBPath: path}, nil)
	require.NoError(t, err)
	defer w.Close()

	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	c := model.Candle{InstrumentID: 9, IntervalStart: start, Interval: time.Minute, Open: d("1"), High: d("1"), Low: d("1"), Close: d("1")}
	require.NoError(t, w.insertBatch([]model.Event{{Kind: model.EventCandle, Candle: c}}))
	c.Close = d("2")
	c.High = d("2")
	require.NoError(t, w.insertBatch([]model.Event{{Kind: model.EventCandle, Candle: c}}))

	r, err := NewReader(path)
	require.NoError(t, err)
	defer r.Close()
	got, err := r.Candles(9, time.Minute, start)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].Close.String())
}
