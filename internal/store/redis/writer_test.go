package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-livepnl/internal/model"
)

func TestEncode_Keys(t *testing.T) {
	at := time.Date(2025, 1, 6, 9, 20, 0, 0, time.UTC)
	tests := []struct {
		name string
		ev   model.Event
		want record
	}{
		{
			name: "tick",
			ev:   model.Event{Kind: model.EventTick, Tick: model.Tick{InstrumentID: 256265}},
			want: record{Latest: "tick:latest:256265", Channel: "pub:tick:256265"},
		},
		{
			name: "candle",
			ev:   model.Event{Kind: model.EventCandle, Candle: model.Candle{InstrumentID: 42, Interval: 5 * time.Minute, IntervalStart: at}},
			want: record{Stream: "candle:300s:42", MaxLen: 200, Latest: "candle:latest:300s:42", Channel: "pub:candle:300s:42"},
		},
		{
			name: "pnl",
			ev:   model.Event{Kind: model.EventPnL},
			want: record{Stream: "pnl:portfolio", MaxLen: pnlStreamMaxLen, Latest: "pnl:latest", Channel: "pub:pnl"},
		},
		{
			name: "positions",
			ev:   model.Event{Kind: model.EventPositions},
			want: record{Latest: "positions:latest", Channel: "pub:positions"},
		},
		{
			name: "health",
			ev:   model.Event{Kind: model.EventHealth, Health: model.HealthEvent{Type: model.HealthConnect, At: at}},
			want: record{Stream: "health:ws", MaxLen: healthStreamMaxLen, Channel: "pub:health"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encode(&tt.ev)
			require.NoError(t, err)
			assert.NotEmpty(t, got.Data)
			got.Data = ""
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncode_UnknownKind(t *testing.T) {
	_, err := encode(&model.Event{Kind: 99})
	assert.Error(t, err)
}

func TestEncode_PnLPayload(t *testing.T) {
	ev := model.Event{Kind: model.EventPnL, PnL: model.PortfolioPnL{
		UnrealizedPnL: decimal.RequireFromString("-50.25"),
		DayPnL:        decimal.RequireFromString("-50.25"),
	}}
	r, err := encode(&ev)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(r.Data), &got))
	assert.Equal(t, "-50.25", got["unrealized_pnl"])
	assert.Equal(t, "-50.25", got["day_pnl"])
}

func TestCandleStreamMaxLen(t *testing.T) {
	assert.Equal(t, int64(10900), candleStreamMaxLen(time.Second))
	assert.Equal(t, int64(460), candleStreamMaxLen(30*time.Second))
	assert.Equal(t, int64(200), candleStreamMaxLen(5*time.Minute))
	assert.Equal(t, int64(10900), candleStreamMaxLen(0))
}
