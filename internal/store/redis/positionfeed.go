package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"trading-livepnl/internal/model"

	goredis "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

const (
	DefaultPositionsChannel = "positions:snapshot"
	DefaultResetChannel     = "positions:session_reset"
)

// PositionTarget receives what the external poller publishes.
type PositionTarget interface {
	RefreshPositions(positions []model.Position) error
	SetRealizedPnL(v decimal.Decimal)
	ResetSession()
}

// PositionMessage is the payload published on the positions channel.
// RealizedPnL is optional; when absent the current value is kept.
type PositionMessage struct {
	Positions   []model.Position `json:"positions"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty"`
}

// PositionFeedConfig names the pub/sub channels.
type PositionFeedConfig struct {
	PositionsChannel string
	ResetChannel     string
}

// PositionFeed subscribes to the poller's pub/sub channels and applies each
// message to the target.
type PositionFeed struct {
	client    *goredis.Client
	positions string
	reset     string
	target    PositionTarget
	log       *slog.Logger

	// Metrics hooks (optional, set externally)
	OnMessage func(channel string, err error)
}

// NewPositionFeed creates a feed; Run starts the subscription.
func NewPositionFeed(client *goredis.Client, cfg PositionFeedConfig, target PositionTarget, log *slog.Logger) *PositionFeed {
	if cfg.PositionsChannel == "" {
		cfg.PositionsChannel = DefaultPositionsChannel
	}
	if cfg.ResetChannel == "" {
		cfg.ResetChannel = DefaultResetChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &PositionFeed{
		client:    client,
		positions: cfg.PositionsChannel,
		reset:     cfg.ResetChannel,
		target:    target,
		log:       log.With(slog.String("component", "position-feed")),
	}
}

// Run blocks until ctx is cancelled. A bad message is logged and skipped.
func (f *PositionFeed) Run(ctx context.Context) error {
	pubsub := f.client.Subscribe(ctx, f.positions, f.reset)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s, %s: %w", f.positions, f.reset, err)
	}
	f.log.Info("subscribed", slog.String("positions", f.positions), slog.String("reset", f.reset))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			err := f.Handle(msg.Channel, msg.Payload)
			if err != nil {
				f.log.Warn("bad message", slog.String("channel", msg.Channel), slog.Any("err", err))
			}
			if f.OnMessage != nil {
				f.OnMessage(msg.Channel, err)
			}
		}
	}
}

// Handle applies one pub/sub message.
func (f *PositionFeed) Handle(channel, payload string) error {
	switch channel {
	case f.reset:
		f.target.ResetSession()
		f.log.Info("session reset")
		return nil
	case f.positions:
		var m PositionMessage
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return fmt.Errorf("decode positions: %w", err)
		}
		if m.RealizedPnL != nil {
			f.target.SetRealizedPnL(*m.RealizedPnL)
		}
		return f.target.RefreshPositions(m.Positions)
	default:
		return fmt.Errorf("unexpected channel %q", channel)
	}
}
