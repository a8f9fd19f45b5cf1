package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"trading-livepnl/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath     string // path to SQLite database file, e.g. "data/livepnl.db"
	BatchSize  int
	FlushDelay time.Duration
}

// Writer is a single-goroutine SQLite writer with transaction batching.
type Writer struct {
	db         *sql.DB
	batchSize  int
	flushDelay time.Duration
	log        *slog.Logger

	// Metrics hooks (optional, set externally)
	OnCommit func(rows int, took time.Duration, err error)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig, log *slog.Logger) (*Writer, error) {
	db, err := open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = defaultFlushDelay
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "sqlite"))
	log.Info("opened database", slog.String("path", cfg.DBPath))
	return &Writer{db: db, batchSize: cfg.BatchSize, flushDelay: cfg.FlushDelay, log: log}, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ticks (
			instrument_id INTEGER NOT NULL,
			ts            INTEGER NOT NULL,
			last_price    TEXT    NOT NULL,
			volume        INTEGER,
			buy_quantity  INTEGER,
			sell_quantity INTEGER
		);
		CREATE INDEX IF NOT EXISTS ticks_instrument_ts ON ticks (instrument_id, ts);

		CREATE TABLE IF NOT EXISTS candles (
			instrument_id INTEGER NOT NULL,
			interval_sec  INTEGER NOT NULL,
			ts            INTEGER NOT NULL,
			open          TEXT    NOT NULL,
			high          TEXT    NOT NULL,
			low           TEXT    NOT NULL,
			close         TEXT    NOT NULL,
			volume        INTEGER,
			ticks_count   INTEGER,
			PRIMARY KEY (instrument_id, interval_sec, ts)
		);

		CREATE TABLE IF NOT EXISTS pnl_snapshots (
			ts               INTEGER NOT NULL,
			unrealized_pnl   TEXT    NOT NULL,
			realized_pnl     TEXT    NOT NULL,
			day_pnl          TEXT    NOT NULL,
			peak_day_pnl     TEXT    NOT NULL,
			current_drawdown TEXT    NOT NULL,
			max_drawdown     TEXT    NOT NULL,
			positions        INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS pnl_snapshots_ts ON pnl_snapshots (ts);

		CREATE TABLE IF NOT EXISTS ws_health (
			ts              INTEGER NOT NULL,
			event_type      TEXT    NOT NULL,
			success         INTEGER NOT NULL,
			error           TEXT,
			count           INTEGER,
			reconnect_count INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS positions_snapshot (
			ts   INTEGER NOT NULL,
			data TEXT    NOT NULL
		);
	`)
	return err
}

// Run reads events from ch and inserts them in batched transactions.
// Flushes every batchSize events OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or ch is closed.
func (w *Writer) Run(ctx context.Context, ch <-chan model.Event) error {
	batch := make([]model.Event, 0, w.batchSize)
	timer := time.NewTimer(w.flushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		err := w.insertBatch(batch)
		took := time.Since(start)
		if err != nil {
			w.log.Error("batch insert error", slog.Int("events", len(batch)), slog.Any("error", err))
		} else {
			w.log.Debug("committed batch", slog.Int("events", len(batch)), slog.Duration("took", took))
		}
		if w.OnCommit != nil {
			w.OnCommit(len(batch), took, err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// drain what is already queued
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						flush()
						return nil
					}
					batch = append(batch, ev)
					if len(batch) >= w.batchSize {
						flush()
					}
				default:
					flush()
					return nil
				}
			}

		case ev, ok := <-ch:
			if !ok {
				flush()
				return nil
			}
			batch = append(batch, ev)
			if len(batch) >= w.batchSize {
				flush()
				timer.Reset(w.flushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(w.flushDelay)
		}
	}
}

// insertBatch writes a mixed batch of events in a single transaction.
func (w *Writer) insertBatch(events []model.Event) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := insertEvent(tx, ev); err != nil {
			tx.Rollback()
			return fmt.Errorf("%s: %w", ev.Kind, err)
		}
	}
	return tx.Commit()
}

func insertEvent(tx *sql.Tx, ev model.Event) error {
	var err error
	switch ev.Kind {
	case model.EventTick:
		t := ev.Tick
		_, err = tx.Exec(`
			INSERT INTO ticks (instrument_id, ts, last_price, volume, buy_quantity, sell_quantity)
			VALUES (?, ?, ?, ?, ?, ?)`,
			uint32(t.InstrumentID), t.ReceivedAt.UnixNano(), t.LastPrice.String(), t.Volume, t.BuyQuantity, t.SellQuantity)

	case model.EventCandle:
		c := ev.Candle
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO candles (instrument_id, interval_sec, ts, open, high, low, close, volume, ticks_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uint32(c.InstrumentID), int64(c.Interval/time.Second), c.IntervalStart.Unix(),
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.VolumeDelta, c.Ticks)

	case model.EventPnL:
		p := ev.PnL
		_, err = tx.Exec(`
			INSERT INTO pnl_snapshots (ts, unrealized_pnl, realized_pnl, day_pnl, peak_day_pnl, current_drawdown, max_drawdown, positions)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.At.UnixNano(), p.UnrealizedPnL.String(), p.RealizedPnL.String(), p.DayPnL.String(),
			p.PeakDayPnL.String(), p.CurrentDrawdown.String(), p.MaxDrawdown.String(), p.Positions)

	case model.EventHealth:
		h := ev.Health
		var count sql.NullInt64
		if h.Count != nil {
			count = sql.NullInt64{Int64: int64(*h.Count), Valid: true}
		}
		_, err = tx.Exec(`
			INSERT INTO ws_health (ts, event_type, success, error, count, reconnect_count)
			VALUES (?, ?, ?, ?, ?, ?)`,
			h.At.UnixNano(), string(h.Type), h.Success, h.Error, count, h.ReconnectCount)

	case model.EventPositions:
		data, merr := json.Marshal(ev.Positions)
		if merr != nil {
			return merr
		}
		_, err = tx.Exec(`INSERT INTO positions_snapshot (ts, data) VALUES (?, ?)`,
			time.Now().UnixNano(), string(data))
	}
	return err
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
