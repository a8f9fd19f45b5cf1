package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"trading-livepnl/internal/model"
)

// FeedProbe is the read side of the market data session.
type FeedProbe interface {
	Connected() bool
	LastHeartbeat() time.Time
	ReconnectCount() int
	Subscriptions() []model.InstrumentID
}

// Probes lists what the liveness checker looks at. Nil sinks are treated as
// disabled and do not degrade the status.
type Probes struct {
	Feed       FeedProbe
	Redis      *goredis.Client
	SQLite     *sql.DB
	MarketOpen func(time.Time) bool
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	ReconnectCount int       `json:"reconnect_count"`
	Subscriptions  int       `json:"subscriptions"`
	MarketOpen     bool      `json:"market_open"`

	RedisEnabled    bool    `json:"redis_enabled"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	SQLiteEnabled   bool    `json:"sqlite_enabled"`
	SQLiteOK        bool    `json:"sqlite_ok"`
	SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`

	LastCheckAt time.Time `json:"last_check_at"`
	StartedAt   time.Time `json:"started_at"`

	// StaleAfter marks the feed degraded when the heartbeat is older.
	StaleAfter time.Duration `json:"-"`
	// Now is the clock; tests replace it.
	Now func() time.Time `json:"-"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus(staleAfter time.Duration) *HealthStatus {
	if staleAfter <= 0 {
		staleAfter = 60 * time.Second
	}
	return &HealthStatus{
		StartedAt:  time.Now(),
		StaleAfter: staleAfter,
		Now:        time.Now,
	}
}

// CheckFeed samples the session and updates the feed gauges.
func (h *HealthStatus) CheckFeed(feed FeedProbe, m *Metrics) {
	connected := feed.Connected()
	hb := feed.LastHeartbeat()
	subs := len(feed.Subscriptions())
	now := h.Now()

	h.mu.Lock()
	h.FeedConnected = connected
	h.LastHeartbeat = hb
	h.ReconnectCount = feed.ReconnectCount()
	h.Subscriptions = subs
	h.LastCheckAt = now
	h.mu.Unlock()

	if m == nil {
		return
	}
	m.FeedConnected.Set(boolGauge(connected))
	m.Subscriptions.Set(float64(subs))
	if !hb.IsZero() {
		m.HeartbeatAge.Set(now.Sub(hb).Seconds())
	}
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisEnabled = true
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteEnabled = true
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.Now()
	h.mu.Unlock()
}

// Run probes every interval until ctx is cancelled.
func (h *HealthStatus) Run(ctx context.Context, p Probes, m *Metrics, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		h.check(ctx, p, m)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (h *HealthStatus) check(ctx context.Context, p Probes, m *Metrics) {
	if p.Feed != nil {
		h.CheckFeed(p.Feed, m)
	}
	if p.MarketOpen != nil {
		open := p.MarketOpen(h.Now())
		h.mu.Lock()
		h.MarketOpen = open
		h.mu.Unlock()
		if m != nil {
			m.MarketState.Set(boolGauge(open))
		}
	}
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if p.Redis != nil {
		h.CheckRedis(probeCtx, p.Redis)
	}
	if p.SQLite != nil {
		h.CheckSQLite(probeCtx, p.SQLite)
	}
}

// Status reports "healthy", "degraded" or "unhealthy" and the HTTP code that
// goes with it. A stale heartbeat only degrades while the market is open.
func (h *HealthStatus) Status() (string, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.statusLocked()
}

func (h *HealthStatus) statusLocked() (string, int) {
	if !h.FeedConnected {
		return "unhealthy", http.StatusServiceUnavailable
	}
	stale := h.MarketOpen && !h.LastHeartbeat.IsZero() && h.Now().Sub(h.LastHeartbeat) > h.StaleAfter
	if stale ||
		(h.RedisEnabled && !h.RedisConnected) ||
		(h.SQLiteEnabled && !h.SQLiteOK) {
		return "degraded", http.StatusServiceUnavailable
	}
	return "healthy", http.StatusOK
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus, httpCode := h.statusLocked()

	heartbeatAge := ""
	if !h.LastHeartbeat.IsZero() {
		heartbeatAge = h.Now().Sub(h.LastHeartbeat).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedConnected   bool    `json:"feed_connected"`
		LastHeartbeat   string  `json:"last_heartbeat"`
		HeartbeatAge    string  `json:"heartbeat_age"`
		ReconnectCount  int     `json:"reconnect_count"`
		Subscriptions   int     `json:"subscriptions"`
		MarketOpen      bool    `json:"market_open"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          h.Now().Sub(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastHeartbeat:   h.LastHeartbeat.Format(time.RFC3339),
		HeartbeatAge:    heartbeatAge,
		ReconnectCount:  h.ReconnectCount,
		Subscriptions:   h.Subscriptions,
		MarketOpen:      h.MarketOpen,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
