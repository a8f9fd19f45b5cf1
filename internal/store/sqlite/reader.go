package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trading-livepnl/internal/model"
)

// Reader provides read-only access to SQLite for session restore and history.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	return &Reader{db: db}, nil
}

// LatestPnL returns the most recent PnL snapshot taken at or after since.
// ok is false when there is none.
func (r *Reader) LatestPnL(since time.Time) (p model.PortfolioPnL, ok bool, err error) {
	var (
		ts                                        int64
		unrealized, realized, day, peak, cur, max string
	)
	err = r.db.QueryRow(`
		SELECT ts, unrealized_pnl, realized_pnl, day_pnl, peak_day_pnl, current_drawdown, max_drawdown, positions
		FROM pnl_snapshots
		WHERE ts >= ?
		ORDER BY ts DESC
		LIMIT 1
	`, since.UnixNano()).Scan(&ts, &unrealized, &realized, &day, &peak, &cur, &max, &p.Positions)
	if errors.Is(err, sql.ErrNoRows) {
		return p, false, nil
	}
	if err != nil {
		return p, false, fmt.Errorf("sqlite query pnl_snapshots: %w", err)
	}

	if err = parseDecimals(
		decField{&p.UnrealizedPnL, unrealized}, decField{&p.RealizedPnL, realized},
		decField{&p.DayPnL, day}, decField{&p.PeakDayPnL, peak},
		decField{&p.CurrentDrawdown, cur}, decField{&p.MaxDrawdown, max},
	); err != nil {
		return p, false, fmt.Errorf("sqlite pnl_snapshots: %w", err)
	}
	p.At = time.Unix(0, ts)
	return p, true, nil
}

// Candles returns stored candles for id starting at or after since, oldest first.
func (r *Reader) Candles(id model.InstrumentID, interval time.Duration, since time.Time) ([]model.Candle, error) {
	rows, err := r.db.Query(`
		SELECT ts, open, high, low, close, volume, ticks_count
		FROM candles
		WHERE instrument_id = ? AND interval_sec = ? AND ts >= ?
		ORDER BY ts ASC
	`, uint32(id), int64(interval/time.Second), since.Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var (
			ts                     int64
			open, high, low, close string
		)
		c := model.Candle{InstrumentID: id, Interval: interval}
		if err := rows.Scan(&ts, &open, &high, &low, &close, &c.VolumeDelta, &c.Ticks); err != nil {
			return nil, fmt.Errorf("sqlite scan candle: %w", err)
		}
		c.IntervalStart = time.Unix(ts, 0)
		if err := parseDecimals(
			decField{&c.Open, open}, decField{&c.High, high},
			decField{&c.Low, low}, decField{&c.Close, close},
		); err != nil {
			return nil, fmt.Errorf("sqlite candle %d: %w", ts, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// HealthEvents returns the count of stored health events per type.
func (r *Reader) HealthEvents() (map[model.HealthEventType]int, error) {
	rows, err := r.db.Query(`SELECT event_type, COUNT(*) FROM ws_health GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query ws_health: %w", err)
	}
	defer rows.Close()

	out := make(map[model.HealthEventType]int)
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		out[model.HealthEventType(t)] = n
	}
	return out, rows.Err()
}

// Close closes the database.
func (r *Reader) Close() error {
	return r.db.Close()
}

type decField struct {
	dst *decimal.Decimal
	src string
}

func parseDecimals(fields ...decField) error {
	for _, f := range fields {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return err
		}
		*f.dst = d
	}
	return nil
}
