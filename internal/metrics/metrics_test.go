package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-livepnl/internal/model"
)

type fakeFeed struct {
	connected bool
	hb        time.Time
	subs      []model.InstrumentID
}

func (f fakeFeed) Connected() bool                     { return f.connected }
func (f fakeFeed) LastHeartbeat() time.Time            { return f.hb }
func (f fakeFeed) ReconnectCount() int                 { return 2 }
func (f fakeFeed) Subscriptions() []model.InstrumentID { return f.subs }

var now = time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

func newHealth() *HealthStatus {
	h := NewHealthStatus(time.Minute)
	h.Now = func() time.Time { return now }
	return h
}

// gauge reads one sample from reg; label is matched against the first label
// value when given.
func gauge(t *testing.T, reg *prometheus.Registry, name string, label ...string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if len(label) > 0 && (len(m.GetLabel()) == 0 || m.GetLabel()[0].GetValue() != label[0]) {
				continue
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s %v not found", name, label)
	return 0
}

func TestObservePnL(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObservePnL(model.PortfolioPnL{
		UnrealizedPnL:   decimal.RequireFromString("20"),
		DayPnL:          decimal.RequireFromString("20"),
		PeakDayPnL:      decimal.RequireFromString("50"),
		CurrentDrawdown: decimal.RequireFromString("30"),
		MaxDrawdown:     decimal.RequireFromString("100"),
		Positions:       3,
	})

	assert.Equal(t, 20.0, gauge(t, reg, "livepnl_portfolio_pnl", "day"))
	assert.Equal(t, 30.0, gauge(t, reg, "livepnl_portfolio_pnl", "drawdown"))
	assert.Equal(t, 100.0, gauge(t, reg, "livepnl_portfolio_pnl", "max_drawdown"))
	assert.Equal(t, 3.0, gauge(t, reg, "livepnl_positions"))
}

func TestHealthStatus_Status(t *testing.T) {
	tests := []struct {
		name   string
		feed   fakeFeed
		market bool
		want   string
		code   int
	}{
		{"disconnected", fakeFeed{}, true, "unhealthy", http.StatusServiceUnavailable},
		{"fresh", fakeFeed{connected: true, hb: now.Add(-5 * time.Second)}, true, "healthy", http.StatusOK},
		{"stale while open", fakeFeed{connected: true, hb: now.Add(-2 * time.Minute)}, true, "degraded", http.StatusServiceUnavailable},
		{"stale while closed", fakeFeed{connected: true, hb: now.Add(-2 * time.Minute)}, false, "healthy", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHealth()
			m := NewMetrics(prometheus.NewRegistry())
			h.CheckFeed(tt.feed, m)
			h.MarketOpen = tt.market

			got, code := h.Status()
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestHealthStatus_FeedGauges(t *testing.T) {
	h := newHealth()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h.CheckFeed(fakeFeed{connected: true, hb: now.Add(-3 * time.Second), subs: []model.InstrumentID{1, 2}}, m)

	assert.Equal(t, 1.0, gauge(t, reg, "livepnl_feed_connected"))
	assert.Equal(t, 2.0, gauge(t, reg, "livepnl_subscriptions"))
	assert.Equal(t, 3.0, gauge(t, reg, "livepnl_heartbeat_age_seconds"))
}

func TestServer_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.TicksTotal.Add(7)

	h := newHealth()
	h.CheckFeed(fakeFeed{connected: true, hb: now}, m)
	state := func() any { return map[string]int{"positions": 1} }

	srv := httptest.NewServer(Handler(h, reg, state))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, 2.0, body["reconnect_count"])

	resp, err = http.Get(srv.URL + "/state")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"positions":1}`, string(raw))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	raw, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(raw), "livepnl_ticks_total 7"), "metrics body missing counter")
}
