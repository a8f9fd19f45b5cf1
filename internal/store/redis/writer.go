package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"trading-livepnl/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	defaultLatestTTL = 30 * time.Minute

	pnlStreamMaxLen    = 12000 // ~3h of one snapshot per second
	healthStreamMaxLen = 5000
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer publishes sink events to Redis: streams for history, latest keys for
// late joiners and pub/sub channels for live dashboards.
type Writer struct {
	client *goredis.Client
	log    *slog.Logger
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig, log *slog.Logger) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "redis"))
	log.Info("connected", slog.String("addr", cfg.Addr))
	return &Writer{client: client, log: log}, nil
}

// record is the set of Redis writes derived from one event. Empty names are
// skipped.
type record struct {
	Stream  string
	MaxLen  int64
	Latest  string
	Channel string
	Data    string
}

// WriteBatch sends every event of the batch in a single pipeline.
func (w *Writer) WriteBatch(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	pipe := w.client.Pipeline()
	for i := range events {
		r, err := encode(&events[i])
		if err != nil {
			w.log.Warn("skip event", slog.String("kind", events[i].Kind.String()), slog.Any("err", err))
			continue
		}
		if r.Stream != "" {
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: r.Stream,
				MaxLen: r.MaxLen,
				Approx: true,
				Values: map[string]interface{}{"data": r.Data},
			})
		}
		if r.Latest != "" {
			pipe.Set(ctx, r.Latest, r.Data, defaultLatestTTL)
		}
		if r.Channel != "" {
			pipe.Publish(ctx, r.Channel, r.Data)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline (%d events): %w", len(events), err)
	}
	return nil
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}

func encode(ev *model.Event) (record, error) {
	var (
		r       record
		payload any
	)
	switch ev.Kind {
	case model.EventTick:
		id := ev.Tick.InstrumentID.String()
		r.Latest = "tick:latest:" + id
		r.Channel = "pub:tick:" + id
		payload = ev.Tick
	case model.EventCandle:
		c := &ev.Candle
		tf := strconv.FormatInt(int64(c.Interval/time.Second), 10) + "s:" + c.InstrumentID.String()
		r.Stream = "candle:" + tf
		r.MaxLen = candleStreamMaxLen(c.Interval)
		r.Latest = "candle:latest:" + tf
		r.Channel = "pub:candle:" + tf
		payload = c
	case model.EventPnL:
		r.Stream = "pnl:portfolio"
		r.MaxLen = pnlStreamMaxLen
		r.Latest = "pnl:latest"
		r.Channel = "pub:pnl"
		payload = ev.PnL
	case model.EventPositions:
		r.Latest = "positions:latest"
		r.Channel = "pub:positions"
		payload = ev.Positions
	case model.EventHealth:
		r.Stream = "health:ws"
		r.MaxLen = healthStreamMaxLen
		r.Channel = "pub:health"
		payload = ev.Health
	default:
		return r, fmt.Errorf("unknown event kind %d", ev.Kind)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return r, err
	}
	r.Data = string(data)
	return r, nil
}

// candleStreamMaxLen keeps roughly three hours of candles per instrument.
func candleStreamMaxLen(interval time.Duration) int64 {
	sec := int64(interval / time.Second)
	if sec <= 0 {
		sec = 1
	}
	n := 10800/sec + 100
	if n < 200 {
		n = 200
	}
	return n
}
