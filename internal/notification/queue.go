package notification

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ErrQueueFull is returned by Notify when an alert is dropped.
var ErrQueueFull = errors.New("notification: queue full")

// QueueConfig configures a Queue.
type QueueConfig struct {
	MinInterval time.Duration // minimum gap between deliveries; defaults to 1s
	Capacity    int           // pending alerts kept; defaults to 256
	SendTimeout time.Duration // per-delivery deadline; defaults to 10s
}

// Queue buffers alerts and hands them to a backend one at a time, highest
// level first, no faster than MinInterval. Notify never blocks.
type Queue struct {
	backend Notifier
	cfg     QueueConfig
	limiter *rate.Limiter
	log     *slog.Logger

	mu    sync.Mutex
	items alertHeap
	seq   uint64
	wake  chan struct{}

	dropped atomic.Uint64
	sent    atomic.Uint64

	// Metrics hooks (optional, set externally)
	OnDropped func(a Alert)
	OnSent    func(a Alert)
}

// NewQueue creates a Queue in front of backend. Call Run to start delivery.
func NewQueue(backend Notifier, cfg QueueConfig, log *slog.Logger) *Queue {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		backend: backend,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		log:     log.With(slog.String("component", "notify_queue")),
		wake:    make(chan struct{}, 1),
	}
}

// Notify queues a message at the given level.
func (q *Queue) Notify(ctx context.Context, message string, level AlertLevel) error {
	return q.Send(ctx, Alert{Level: level, Title: string(level), Message: message})
}

// Send queues an alert, so a Queue can stand in for any Notifier. When the
// queue is full the lowest-level pending alert is evicted if the new one
// outranks it; otherwise the new alert is dropped.
func (q *Queue) Send(_ context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}

	q.mu.Lock()
	if len(q.items) >= q.cfg.Capacity {
		victim := q.items.lowest()
		if victim < 0 || q.items[victim].alert.Level.rank() >= a.Level.rank() {
			q.mu.Unlock()
			q.drop(a)
			return ErrQueueFull
		}
		evicted := heap.Remove(&q.items, victim).(*queuedAlert)
		defer q.drop(evicted.alert)
	}
	q.seq++
	heap.Push(&q.items, &queuedAlert{alert: a, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) drop(a Alert) {
	q.dropped.Add(1)
	q.log.Warn("alert dropped", slog.String("level", string(a.Level)), slog.String("title", a.Title))
	if q.OnDropped != nil {
		q.OnDropped(a)
	}
}

// Len returns the number of alerts waiting for delivery.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the number of alerts discarded because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Sent returns the number of alerts handed to the backend.
func (q *Queue) Sent() uint64 { return q.sent.Load() }

func (q *Queue) pop() (Alert, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Alert{}, false
	}
	return heap.Pop(&q.items).(*queuedAlert).alert, true
}

// Run delivers queued alerts until ctx is cancelled. Backend failures are
// logged and the alert is not retried.
func (q *Queue) Run(ctx context.Context) error {
	for {
		if q.Len() == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-q.wake:
			}
			continue
		}
		if err := q.limiter.Wait(ctx); err != nil {
			return nil
		}
		a, ok := q.pop()
		if !ok {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, q.cfg.SendTimeout)
		err := q.backend.Send(sendCtx, a)
		cancel()
		if err != nil {
			q.log.Error("alert delivery failed",
				slog.String("title", a.Title), slog.Any("error", err))
			continue
		}
		q.sent.Add(1)
		if q.OnSent != nil {
			q.OnSent(a)
		}
	}
}

type queuedAlert struct {
	alert Alert
	seq   uint64
}

// alertHeap orders by level (highest first), then arrival.
type alertHeap []*queuedAlert

func (h alertHeap) Len() int { return len(h) }
func (h alertHeap) Less(i, j int) bool {
	ri, rj := h[i].alert.Level.rank(), h[j].alert.Level.rank()
	if ri != rj {
		return ri > rj
	}
	return h[i].seq < h[j].seq
}
func (h alertHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *alertHeap) Push(x any)   { *h = append(*h, x.(*queuedAlert)) }
func (h *alertHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// lowest returns the index of the newest alert at the lowest level, or -1.
func (h alertHeap) lowest() int {
	idx := -1
	for i, it := range h {
		if idx < 0 {
			idx = i
			continue
		}
		cur := h[idx]
		if r := it.alert.Level.rank(); r < cur.alert.Level.rank() ||
			(r == cur.alert.Level.rank() && it.seq > cur.seq) {
			idx = i
		}
	}
	return idx
}
