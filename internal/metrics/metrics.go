package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"trading-livepnl/internal/model"
)

// Metrics holds all Prometheus metrics for the PnL engine.
type Metrics struct {
	TicksTotal       prometheus.Counter
	TicksRejected    prometheus.Counter
	MalformedPackets prometheus.Counter
	CandlesSealed    prometheus.Counter
	LateTicks        prometheus.Counter

	// Portfolio
	PnL       *prometheus.GaugeVec // labels: field
	Positions prometheus.Gauge

	// Feed session
	FeedConnected    prometheus.Gauge
	FeedReconnects   prometheus.Counter
	ForcedReconnects *prometheus.CounterVec // labels: result=ok|failed
	HeartbeatAge     prometheus.Gauge
	Subscriptions    prometheus.Gauge
	HealthChecks     *prometheus.CounterVec // labels: verdict
	MarketState      prometheus.Gauge       // 0=closed, 1=open

	// Sinks
	SinkDrops       *prometheus.CounterVec // labels: stage
	SQLiteCommitDur prometheus.Histogram
	SQLiteErrors    prometheus.Counter

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedEvents      prometheus.Gauge
	RedisReplayedEvents      prometheus.Counter
	RedisWriteErrors         prometheus.Counter

	// Notifications
	NotificationsSent    prometheus.Counter
	NotificationsDropped *prometheus.CounterVec // labels: level
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepnl_ticks_total",
			Help: "Ticks dispatched to the aggregator and position store",
		}),
		TicksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepnl_ticks_rejected_total",
			Help: "Ticks rejected as malformed or dropped after a panic",
		}),
		MalformedPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepnl_malformed_packets_total",
			Help: "Binary feed packets that could not be decoded",
		}),
		CandlesSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepnl_candles_sealed_total",
			Help: "Candles sealed by the aggregator",
		}),
		LateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepnl_late_ticks_total",
			Help: "Ticks for an already sealed candle interval, kept out of candles",
		}),

		PnL: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livepnl_portfolio_pnl",
			Help: "Portfolio PnL figures (unrealized, realized, day, peak, drawdown, max_drawdown)",
		}, []string{"field"}),
		Positions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livepnl_positions",
			Help: "Positions in the live table",
		}),

		FeedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livepnl_feed_connected",
			Help: "1 while the market data session is connected",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepnl_feed_reconnects_total",
			Help: "Reconnect attempts made by the feed client",
		}),
		ForcedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livepnl_forced_reconnects_total",
			Help: "Reconnects forced by the health supervisor",
		}, []string{"result"}),
		HeartbeatAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livepnl_heartbeat_age_seconds",
			Help: "Seconds since the last tick batch or heartbeat frame",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livepnl_subscriptions",
			Help: "Instruments in the subscription set",
		}),
		HealthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livepnl_health_checks_total",
			Help: "Health supervisor checks by verdict",
		}, []string{"verdict"}),
		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livepnl_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),

		SinkDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livepnl_sink_drops_total",
			Help: "Events dropped by the sink bus (dispatcher or per-writer fan-out)",
		}, []string{"stage"}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "livepnl_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepnl_sqlite_commit_errors_total",
			Help: "SQLite batches that failed to commit",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livepnl_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepnl_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livepnl_redis_buffered_events",
			Help: "Events held locally while Redis is unavailable",
		}),
		RedisReplayedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepnl_redis_replayed_events_total",
			Help: "Buffered events delivered after Redis recovered",
		}),
		RedisWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepnl_redis_write_errors_total",
			Help: "Redis pipeline failures",
		}),

		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livepnl_notifications_sent_total",
			Help: "Alerts delivered to the notification backends",
		}),
		NotificationsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livepnl_notifications_dropped_total",
			Help: "Alerts dropped because the queue was full",
		}, []string{"level"}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TicksRejected,
		m.MalformedPackets,
		m.CandlesSealed,
		m.LateTicks,
		m.PnL,
		m.Positions,
		m.FeedConnected,
		m.FeedReconnects,
		m.ForcedReconnects,
		m.HeartbeatAge,
		m.Subscriptions,
		m.HealthChecks,
		m.MarketState,
		m.SinkDrops,
		m.SQLiteCommitDur,
		m.SQLiteErrors,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedEvents,
		m.RedisReplayedEvents,
		m.RedisWriteErrors,
		m.NotificationsSent,
		m.NotificationsDropped,
	)

	return m
}

// ObservePnL copies a portfolio snapshot into the PnL gauges.
func (m *Metrics) ObservePnL(p model.PortfolioPnL) {
	m.PnL.WithLabelValues("unrealized").Set(p.UnrealizedPnL.InexactFloat64())
	m.PnL.WithLabelValues("realized").Set(p.RealizedPnL.InexactFloat64())
	m.PnL.WithLabelValues("day").Set(p.DayPnL.InexactFloat64())
	m.PnL.WithLabelValues("peak").Set(p.PeakDayPnL.InexactFloat64())
	m.PnL.WithLabelValues("drawdown").Set(p.CurrentDrawdown.InexactFloat64())
	m.PnL.WithLabelValues("max_drawdown").Set(p.MaxDrawdown.InexactFloat64())
	m.Positions.Set(float64(p.Positions))
}
