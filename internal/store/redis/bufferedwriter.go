package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"trading-livepnl/internal/model"
)

const (
	defaultMaxBuffer     = 10000
	defaultBatchSize     = 200
	defaultFlushInterval = 100 * time.Millisecond
	drainTimeout         = 5 * time.Second
)

// BatchWriter is satisfied by *Writer.
type BatchWriter interface {
	WriteBatch(ctx context.Context, events []model.Event) error
}

// BufferConfig sizes the BufferedWriter.
type BufferConfig struct {
	MaxBuffer     int // events held while Redis is unavailable; oldest dropped first
	BatchSize     int
	FlushInterval time.Duration
}

// BufferedWriter wraps a BatchWriter with a circuit breaker. Batches that are
// rejected or fail are kept in a bounded buffer and replayed, oldest first,
// ahead of the next batch once Redis accepts writes again.
type BufferedWriter struct {
	writer BatchWriter
	cb     *CircuitBreaker
	log    *slog.Logger

	batchSize     int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []model.Event
	maxBuf int

	// Metrics hooks (optional, set externally)
	OnBuffer func(pending int) // events waiting for replay after a failed write
	OnFlush  func(count int)   // buffered events delivered on recovery
	OnDrop   func(count int)   // buffered events discarded because the buffer was full
	OnError  func(err error)   // a write reached Redis and failed
}

// NewBufferedWriter creates a BufferedWriter wrapping the given writer.
func NewBufferedWriter(w BatchWriter, cb *CircuitBreaker, cfg BufferConfig, log *slog.Logger) *BufferedWriter {
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = defaultMaxBuffer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &BufferedWriter{
		writer:        w,
		cb:            cb,
		log:           log.With(slog.String("component", "redis-buffer")),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		maxBuf:        cfg.MaxBuffer,
	}
}

// Write sends pending events followed by events through the circuit breaker.
// On rejection or failure everything is buffered; ErrCircuitOpen is not
// reported, a write failure is.
func (bw *BufferedWriter) Write(ctx context.Context, events []model.Event) error {
	bw.mu.Lock()
	pending := bw.buffer
	bw.buffer = nil
	bw.mu.Unlock()

	batch := events
	if len(pending) > 0 {
		batch = append(pending, events...)
	}
	if len(batch) == 0 {
		return nil
	}

	err := bw.cb.Execute(func() error { return bw.writer.WriteBatch(ctx, batch) })
	if err == nil {
		if len(pending) > 0 {
			bw.log.Info("flushed buffered writes", slog.Int("count", len(pending)))
			if bw.OnFlush != nil {
				bw.OnFlush(len(pending))
			}
		}
		return nil
	}

	bw.keep(batch)
	if errors.Is(err, ErrCircuitOpen) {
		return nil
	}
	if bw.OnError != nil {
		bw.OnError(err)
	}
	return err
}

// keep puts batch back in front of anything buffered concurrently.
func (bw *BufferedWriter) keep(batch []model.Event) {
	bw.mu.Lock()
	buf := append(batch, bw.buffer...)
	dropped := 0
	if over := len(buf) - bw.maxBuf; over > 0 {
		dropped = over
		buf = buf[over:]
	}
	bw.buffer = buf
	n := len(buf)
	bw.mu.Unlock()

	if dropped > 0 {
		bw.log.Warn("buffer full, dropped oldest", slog.Int("dropped", dropped))
		if bw.OnDrop != nil {
			bw.OnDrop(dropped)
		}
	}
	if bw.OnBuffer != nil {
		bw.OnBuffer(n)
	}
}

// PendingCount returns the number of buffered events waiting to be replayed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Run batches events from ch and writes them. On cancellation it drains what
// is already queued and makes one last attempt with a short deadline.
func (bw *BufferedWriter) Run(ctx context.Context, ch <-chan model.Event) error {
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	batch := make([]model.Event, 0, bw.batchSize)
	flush := func(ctx context.Context) {
		if err := bw.Write(ctx, batch); err != nil {
			bw.log.Warn("write failed", slog.Int("events", len(batch)), slog.Any("err", err))
		}
		batch = make([]model.Event, 0, bw.batchSize)
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				flush(ctx)
				return nil
			}
			batch = append(batch, ev)
			if len(batch) >= bw.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
		drain:
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						break drain
					}
					batch = append(batch, ev)
				default:
					break drain
				}
			}
			dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			flush(dctx)
			cancel()
			return nil
		}
	}
}
