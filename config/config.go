package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Kite credentials
	KiteAPIKey      string
	KiteAccessToken string

	// Feed
	FeedURL              string
	FeedMode             string
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectMaxDelay    time.Duration
	Watchlist            []uint32 // instruments kept subscribed with or without a position

	// Candles
	CandleInterval time.Duration
	CandleHistory  int

	// Health supervision
	HealthCheckPeriod    time.Duration
	HealthWarnAfter      time.Duration
	HealthReconnectAfter time.Duration
	MarketHoursGating    bool

	// Infrastructure
	RedisAddr           string // empty disables the Redis sink and position feed
	RedisPassword       string
	SQLitePath          string // empty disables the SQLite sink
	MetricsAddr         string
	SinkBuffer          int
	PositionsChannel    string
	SessionResetChannel string

	// Notifications
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string

	LogLevel string
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the Config from the process environment. Every bad or
// missing value is reported, not just the first.
func FromEnv() (*Config, error) {
	var errs []error
	must := func(key string) string {
		v, err := mustEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	dur := func(key, fallback string) time.Duration {
		d, err := ParseDuration(getEnv(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	num := func(key string, fallback int) int {
		n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid integer", key))
		}
		return n
	}
	flag := func(key string, fallback bool) bool {
		b, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return b
	}

	cfg := &Config{
		KiteAPIKey:      must("KITE_API_KEY"),
		KiteAccessToken: must("KITE_ACCESS_TOKEN"),

		FeedURL:              getEnv("FEED_URL", "wss://ws.kite.trade"),
		FeedMode:             strings.ToLower(getEnv("FEED_MODE", "full")),
		ConnectTimeout:       dur("CONNECT_TIMEOUT", "10s"),
		MaxReconnectAttempts: num("MAX_RECONNECT_ATTEMPTS", 50),
		ReconnectMaxDelay:    dur("RECONNECT_MAX_DELAY", "60s"),

		CandleInterval: dur("CANDLE_INTERVAL", "5minute"),
		CandleHistory:  num("CANDLE_HISTORY", 100),

		HealthCheckPeriod:    dur("HEALTH_CHECK_PERIOD", "30s"),
		HealthWarnAfter:      dur("HEALTH_WARN_AFTER", "60s"),
		HealthReconnectAfter: dur("HEALTH_RECONNECT_AFTER", "120s"),
		MarketHoursGating:    flag("MARKET_HOURS_GATING", true),

		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		SQLitePath:          getEnv("SQLITE_PATH", "data/livepnl.db"),
		MetricsAddr:         getEnv("METRICS_ADDR", ":9090"),
		SinkBuffer:          num("SINK_BUFFER", 4096),
		PositionsChannel:    getEnv("POSITIONS_CHANNEL", "positions:snapshot"),
		SessionResetChannel: getEnv("SESSION_RESET_CHANNEL", "positions:session_reset"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	watchlist, err := ParseInstruments(getEnv("WATCHLIST", ""))
	if err != nil {
		errs = append(errs, fmt.Errorf("WATCHLIST: %w", err))
	}
	cfg.Watchlist = watchlist

	switch cfg.FeedMode {
	case "ltp", "quote", "full":
	default:
		errs = append(errs, fmt.Errorf("FEED_MODE: unknown mode %q", cfg.FeedMode))
	}
	if cfg.HealthReconnectAfter < cfg.HealthWarnAfter {
		errs = append(errs, errors.New("HEALTH_RECONNECT_AFTER must not be shorter than HEALTH_WARN_AFTER"))
	}
	if cfg.CandleInterval <= 0 {
		errs = append(errs, errors.New("CANDLE_INTERVAL must be positive"))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

// ParseDuration accepts Go durations ("90s", "5m"), a bare number of seconds,
// and the broker's interval names ("minute", "5minute", "30second", "hour",
// "day").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}

	units := []struct {
		name string
		unit time.Duration
	}{
		{"second", time.Second},
		{"minute", time.Minute},
		{"hour", time.Hour},
		{"day", 24 * time.Hour},
	}
	for _, u := range units {
		prefix, ok := strings.CutSuffix(s, u.name)
		if !ok {
			continue
		}
		if prefix == "" {
			return u.unit, nil
		}
		n, err := strconv.Atoi(prefix)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * u.unit, nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}

// ParseInstruments parses a comma-separated list of instrument tokens.
func ParseInstruments(s string) ([]uint32, error) {
	parts := strings.Split(s, ",")
	ids := make([]uint32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid instrument token %q", p)
		}
		ids = append(ids, uint32(n))
	}
	return ids, nil
}

func mustEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required env var %s not set", key)
	}
	return v, nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
