package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"trading-livepnl/config"
	"trading-livepnl/internal/engine"
	"trading-livepnl/internal/health"
	"trading-livepnl/internal/logger"
	"trading-livepnl/internal/marketdata/agg"
	"trading-livepnl/internal/marketdata/bus"
	"trading-livepnl/internal/marketdata/feed"
	"trading-livepnl/internal/markethours"
	"trading-livepnl/internal/metrics"
	"trading-livepnl/internal/model"
	"trading-livepnl/internal/notification"
	"trading-livepnl/internal/portfolio"
	redisstore "trading-livepnl/internal/store/redis"
	sqlitestore "trading-livepnl/internal/store/sqlite"
	"trading-livepnl/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", slog.Any("error", err))
		os.Exit(1)
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	log := logger.Init("pnlengine", level)
	if err != nil {
		log.Warn("bad LOG_LEVEL, using info", slog.Any("error", err))
	}

	if err := run(cfg, log); err != nil {
		log.Error("pnlengine exited", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting", slog.String("market", markethours.StatusString(time.Now())))

	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)
	healthStatus := metrics.NewHealthStatus(cfg.HealthWarnAfter)

	// ---- Notifications (off the hot path) ----
	backends := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, markethours.IST, log))
	}
	if cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL, log))
	}
	alerts := notification.NewQueue(backends, notification.QueueConfig{}, log)
	alerts.OnSent = func(notification.Alert) { prom.NotificationsSent.Inc() }
	alerts.OnDropped = func(a notification.Alert) { prom.NotificationsDropped.WithLabelValues(string(a.Level)).Inc() }

	// ---- Sink bus ----
	fan := bus.NewFanOut(cfg.SinkBuffer, log)
	fan.OnDrop = func(idx int, kind model.EventKind) {
		prom.SinkDrops.WithLabelValues("writer_" + strconv.Itoa(idx)).Inc()
	}
	dispatcher := bus.NewDispatcher(cfg.SinkBuffer, fan)
	dispatcher.OnDropped = func(model.EventKind) { prom.SinkDrops.WithLabelValues("dispatcher").Inc() }

	// ---- Core ----
	aggregator := agg.New(agg.Config{Interval: cfg.CandleInterval, History: cfg.CandleHistory}, dispatcher, log)
	aggregator.OnSealed = func(model.Candle) { prom.CandlesSealed.Inc() }
	aggregator.OnLateTick = func(model.Tick) { prom.LateTicks.Inc() }

	store := portfolio.New(dispatcher, log)
	store.OnSnapshot = prom.ObservePnL

	client := feed.NewClient(feed.Config{
		URL:                  cfg.FeedURL,
		APIKey:               cfg.KiteAPIKey,
		AccessToken:          cfg.KiteAccessToken,
		Mode:                 cfg.FeedMode,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Backoff:              feed.DefaultBackoff(cfg.ReconnectMaxDelay),
	}, log)
	client.OnMalformedPacket = func(n int) { prom.MalformedPackets.Add(float64(n)) }

	session := stream.New(stream.Config{ConnectTimeout: cfg.ConnectTimeout}, client, aggregator, store, dispatcher, alerts, log)
	session.OnTickBatch = func(n int) { prom.TicksTotal.Add(float64(n)) }
	session.OnTickRejected = func(error) { prom.TicksRejected.Inc() }
	session.OnReconnect = func(int) { prom.FeedReconnects.Inc() }
	session.OnOrderUpdate = func(u model.OrderUpdate) {
		log.Info("order update",
			slog.String("order_id", u.OrderID),
			slog.String("status", u.Status),
			slog.String("symbol", u.TradingSymbol))
	}

	supervisor := health.New(health.Config{
		Period:          cfg.HealthCheckPeriod,
		WarnAfter:       cfg.HealthWarnAfter,
		ReconnectAfter:  cfg.HealthReconnectAfter,
		MarketHoursOnly: cfg.MarketHoursGating,
	}, session, dispatcher, alerts, log)
	supervisor.OnCheck = func(v health.Verdict, _ time.Duration) {
		prom.HealthChecks.WithLabelValues(v.String()).Inc()
	}
	supervisor.OnForcedReconnect = func(err error) {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		prom.ForcedReconnects.WithLabelValues(result).Inc()
	}

	watchlist := make([]model.InstrumentID, len(cfg.Watchlist))
	for i, id := range cfg.Watchlist {
		watchlist[i] = model.InstrumentID(id)
	}
	eng := engine.New(engine.Config{Watchlist: watchlist}, session, store, aggregator, supervisor, log)

	// ---- Sinks (own context: they must outlive the engine's final flush) ----
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()
	sinks, sinkCtx := errgroup.WithContext(sinkCtx)
	probes := metrics.Probes{Feed: session, MarketOpen: markethours.IsMarketOpen}

	if cfg.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return err
		}
		sqlWriter, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath}, log)
		if err != nil {
			return err
		}
		defer sqlWriter.Close()
		sqlWriter.OnCommit = func(rows int, took time.Duration, err error) {
			if err != nil {
				prom.SQLiteErrors.Inc()
				return
			}
			prom.SQLiteCommitDur.Observe(took.Seconds())
		}
		probes.SQLite = sqlWriter.DB()
		restoreSession(cfg.SQLitePath, store, log)

		ch := fan.Subscribe()
		sinks.Go(func() error { return sqlWriter.Run(sinkCtx, ch) })
	}

	var positionFeed *redisstore.PositionFeed
	if cfg.RedisAddr != "" {
		redisWriter, err := redisstore.New(redisstore.WriterConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, log)
		if err != nil {
			log.Warn("redis unavailable, continuing without it", slog.Any("error", err))
		} else {
			defer redisWriter.Close()
			breaker := redisstore.NewCircuitBreaker(5, 10*time.Second)
			breaker.OnStateChange = func(from, to redisstore.State) {
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
				log.Warn("redis circuit breaker", slog.String("from", from.String()), slog.String("to", to.String()))
			}
			buffered := redisstore.NewBufferedWriter(redisWriter, breaker, redisstore.BufferConfig{}, log)
			buffered.OnBuffer = func(n int) { prom.RedisBufferedEvents.Set(float64(n)) }
			buffered.OnFlush = func(n int) {
				prom.RedisReplayedEvents.Add(float64(n))
				prom.RedisBufferedEvents.Set(0)
			}
			buffered.OnDrop = func(n int) { prom.SinkDrops.WithLabelValues("redis_buffer").Add(float64(n)) }
			buffered.OnError = func(error) { prom.RedisWriteErrors.Inc() }
			probes.Redis = redisWriter.Client()

			ch := fan.Subscribe()
			sinks.Go(func() error { return buffered.Run(sinkCtx, ch) })

			positionFeed = redisstore.NewPositionFeed(redisWriter.Client(), redisstore.PositionFeedConfig{
				PositionsChannel: cfg.PositionsChannel,
				ResetChannel:     cfg.SessionResetChannel,
			}, eng, log)
		}
	}
	sinks.Go(func() error { return dispatcher.Run(sinkCtx) })

	// ---- Engine and its satellites ----
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return alerts.Run(gctx) })
	g.Go(func() error { return healthStatus.Run(gctx, probes, prom, 10*time.Second) })
	g.Go(func() error {
		srv := metrics.NewServer(cfg.MetricsAddr, healthStatus, reg, func() any { return eng.State() }, log)
		return srv.Run(gctx)
	})
	if positionFeed != nil {
		g.Go(func() error { return positionFeed.Run(gctx) })
	}
	g.Go(func() error { return eng.Run(gctx) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("engine stopped", slog.Any("error", err))
	}

	// The engine has flushed its candles into the dispatcher; let the
	// writers drain and stop.
	stopSinks()
	if serr := sinks.Wait(); serr != nil {
		log.Error("sink stopped", slog.Any("error", serr))
	}
	return err
}

// restoreSession seeds the store with the last PnL snapshot persisted in the
// current session so a restart keeps the peak and max drawdown.
func restoreSession(path string, store *portfolio.Store, log *slog.Logger) {
	reader, err := sqlitestore.NewReader(path)
	if err != nil {
		log.Warn("session restore skipped", slog.Any("error", err))
		return
	}
	defer reader.Close()

	since := markethours.SessionStart(time.Now())
	snap, ok, err := reader.LatestPnL(since)
	switch {
	case err != nil:
		log.Warn("session restore failed", slog.Any("error", err))
	case !ok:
		log.Info("no snapshot for this session", slog.Time("since", since))
	default:
		store.RestoreSession(snap)
	}
}
