package redis

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-livepnl/internal/model"
)

type fakeTarget struct {
	refreshed [][]model.Position
	realized  []decimal.Decimal
	resets    int
}

func (f *fakeTarget) RefreshPositions(ps []model.Position) error {
	f.refreshed = append(f.refreshed, ps)
	return nil
}
func (f *fakeTarget) SetRealizedPnL(v decimal.Decimal) { f.realized = append(f.realized, v) }
func (f *fakeTarget) ResetSession()                    { f.resets++ }

func TestPositionFeed_Handle(t *testing.T) {
	target := &fakeTarget{}
	f := NewPositionFeed(nil, PositionFeedConfig{}, target, nil)

	payload := `{"positions":[{"instrument_id":256265,"trading_symbol":"NIFTY25JANFUT","quantity":50,"average_price":"100.5"}],"realized_pnl":"-120.75"}`
	require.NoError(t, f.Handle(DefaultPositionsChannel, payload))

	require.Len(t, target.refreshed, 1)
	require.Len(t, target.refreshed[0], 1)
	p := target.refreshed[0][0]
	assert.Equal(t, model.InstrumentID(256265), p.InstrumentID)
	assert.Equal(t, int64(50), p.Quantity)
	assert.True(t, p.AveragePrice.Equal(decimal.RequireFromString("100.5")))
	require.Len(t, target.realized, 1)
	assert.True(t, target.realized[0].Equal(decimal.RequireFromString("-120.75")))

	// Realized PnL is optional.
	require.NoError(t, f.Handle(DefaultPositionsChannel, `{"positions":[]}`))
	assert.Len(t, target.realized, 1)
	assert.Len(t, target.refreshed, 2)

	require.NoError(t, f.Handle(DefaultResetChannel, ""))
	assert.Equal(t, 1, target.resets)
}

func TestPositionFeed_BadInput(t *testing.T) {
	target := &fakeTarget{}
	f := NewPositionFeed(nil, PositionFeedConfig{PositionsChannel: "p", ResetChannel: "r"}, target, nil)

	assert.Error(t, f.Handle("p", "{not json"))
	assert.Error(t, f.Handle("other", "{}"))
	assert.Empty(t, target.refreshed)
	assert.Zero(t, target.resets)
}
