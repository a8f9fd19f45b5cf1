// Package health watches feed liveness and forces a reconnect when the feed
// has gone silent without the transport noticing.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trading-livepnl/internal/markethours"
	"trading-livepnl/internal/model"
	"trading-livepnl/internal/notification"
)

// Target is the session being supervised.
type Target interface {
	LastHeartbeat() time.Time
	Reconnect(ctx context.Context) error
}

// Notifier raises operator alerts.
type Notifier interface {
	Notify(ctx context.Context, message string, level notification.AlertLevel) error
}

// Config holds the supervision thresholds.
type Config struct {
	Period         time.Duration // check interval; defaults to 30s
	WarnAfter      time.Duration // heartbeat age that logs a staleness warning; defaults to 60s
	ReconnectAfter time.Duration // heartbeat age that forces a reconnect; defaults to 120s
	// MarketHoursOnly skips staleness handling while the exchange is closed,
	// when a quiet feed is expected.
	MarketHoursOnly bool
}

// Verdict is the outcome of one check.
type Verdict int

const (
	Healthy Verdict = iota
	NeverConnected
	Stale
	Reconnected
	ReconnectFailed
	MarketClosed
	Panicked
)

func (v Verdict) String() string {
	switch v {
	case Healthy:
		return "healthy"
	case NeverConnected:
		return "never_connected"
	case Stale:
		return "stale"
	case Reconnected:
		return "reconnected"
	case ReconnectFailed:
		return "reconnect_failed"
	case MarketClosed:
		return "market_closed"
	case Panicked:
		return "panicked"
	default:
		return "unknown"
	}
}

// Supervisor periodically inspects the target's heartbeat.
type Supervisor struct {
	cfg      Config
	target   Target
	sink     model.EventSink
	notifier Notifier
	log      *slog.Logger

	// Now is the supervisor's clock.
	Now func() time.Time
	// MarketOpen decides whether staleness matters when MarketHoursOnly is set.
	MarketOpen func(time.Time) bool

	// Metrics hooks (optional, set externally)
	OnCheck           func(v Verdict, age time.Duration)
	OnForcedReconnect func(err error)
}

// New creates a Supervisor for target.
func New(cfg Config, target Target, sink model.EventSink, notifier Notifier, log *slog.Logger) *Supervisor {
	if cfg.Period <= 0 {
		cfg.Period = 30 * time.Second
	}
	if cfg.WarnAfter <= 0 {
		cfg.WarnAfter = 60 * time.Second
	}
	if cfg.ReconnectAfter <= 0 {
		cfg.ReconnectAfter = 120 * time.Second
	}
	if sink == nil {
		sink = model.NopSink{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:        cfg,
		target:     target,
		sink:       sink,
		notifier:   notifier,
		log:        log.With(slog.String("component", "health")),
		Now:        time.Now,
		MarketOpen: markethours.IsMarketOpen,
	}
}

// Run checks on every period until ctx is cancelled. A failing check never
// stops later ones.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()
	s.log.Info("health supervisor started",
		slog.Duration("period", s.cfg.Period),
		slog.Duration("warn_after", s.cfg.WarnAfter),
		slog.Duration("reconnect_after", s.cfg.ReconnectAfter))

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Check runs one inspection.
func (s *Supervisor) Check(ctx context.Context) (v Verdict) {
	var age time.Duration
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("health check panic", slog.Any("panic", r))
			s.emit(model.HealthEvent{Type: model.HealthError, Error: fmt.Sprintf("health check panic: %v", r)})
			v = Panicked
		}
		if s.OnCheck != nil {
			s.OnCheck(v, age)
		}
	}()

	now := s.Now()
	last := s.target.LastHeartbeat()
	if last.IsZero() {
		s.log.Warn("no heartbeat received yet")
		s.emit(model.HealthEvent{Type: model.HealthNeverConnected, Error: "no heartbeat received yet"})
		return NeverConnected
	}

	age = now.Sub(last)
	if age <= s.cfg.WarnAfter {
		s.log.Debug("heartbeat is recent", slog.Duration("age", age))
		return Healthy
	}
	if s.cfg.MarketHoursOnly && s.MarketOpen != nil && !s.MarketOpen(now) {
		s.log.Debug("heartbeat stale outside market hours",
			slog.Duration("age", age), slog.String("market", markethours.StatusString(now)))
		return MarketClosed
	}

	s.log.Warn("heartbeat is stale", slog.Duration("age", age))
	s.emit(model.HealthEvent{Type: model.HealthStale, Error: fmt.Sprintf("heartbeat %.1fs old", age.Seconds())})
	if age <= s.cfg.ReconnectAfter {
		return Stale
	}

	s.log.Warn("forcing reconnect due to stale heartbeat", slog.Duration("age", age))
	err := s.target.Reconnect(ctx)
	if s.OnForcedReconnect != nil {
		s.OnForcedReconnect(err)
	}
	ev := model.HealthEvent{Type: model.HealthForcedReconnect, Success: err == nil}
	if err != nil {
		ev.Error = err.Error()
		s.log.Error("forced reconnect failed", slog.Any("error", err))
	}
	s.emit(ev)

	if s.notifier != nil {
		level, msg := notification.AlertWarning, fmt.Sprintf("Tick feed silent for %s; reconnected", age.Round(time.Second))
		if err != nil {
			level, msg = notification.AlertCritical, fmt.Sprintf("Tick feed silent for %s; reconnect failed: %v", age.Round(time.Second), err)
		}
		_ = s.notifier.Notify(ctx, msg, level)
	}
	if err != nil {
		return ReconnectFailed
	}
	return Reconnected
}

func (s *Supervisor) emit(e model.HealthEvent) {
	if e.At.IsZero() {
		e.At = s.Now()
	}
	s.sink.EmitHealth(e)
}
