// Package bus moves derived events from the tick path to the storage and
// publishing writers. Nothing in it ever blocks the producer.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"trading-livepnl/internal/model"
)

type output struct {
	ch    chan model.Event
	kinds uint32 // bitmask of EventKind; 0 = all
}

func (o *output) wants(k model.EventKind) bool {
	return o.kinds == 0 || o.kinds&(1<<k) != 0
}

// FanOut broadcasts events from a single input channel to N output channels.
// If an output channel is full, the event is dropped for that consumer to
// prevent a slow consumer from blocking the pipeline.
type FanOut struct {
	mu      sync.RWMutex
	outputs []*output
	bufSize int
	log     *slog.Logger

	// OnDrop is called when an event is dropped for a subscriber.
	// subscriberIdx is the 0-based index of the slow consumer.
	OnDrop func(subscriberIdx int, kind model.EventKind)
}

// NewFanOut creates a FanOut with the given buffer size for output channels.
func NewFanOut(outputBufferSize int, log *slog.Logger) *FanOut {
	if log == nil {
		log = slog.Default()
	}
	return &FanOut{
		bufSize: outputBufferSize,
		log:     log.With(slog.String("component", "bus")),
	}
}

// Subscribe creates and returns a new output channel carrying the given
// kinds, or every kind when none are given.
func (f *FanOut) Subscribe(kinds ...model.EventKind) <-chan model.Event {
	o := &output{ch: make(chan model.Event, f.bufSize)}
	for _, k := range kinds {
		o.kinds |= 1 << k
	}
	f.mu.Lock()
	f.outputs = append(f.outputs, o)
	f.mu.Unlock()
	return o.ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed. On cancellation the
// events already queued on input are still delivered; output channels are
// closed on return.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Event) {
	defer func() {
		f.mu.RLock()
		for _, o := range f.outputs {
			close(o.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-input:
					if !ok {
						return
					}
					f.broadcast(ev)
				default:
					return
				}
			}
		case ev, ok := <-input:
			if !ok {
				return
			}
			f.broadcast(ev)
		}
	}
}

func (f *FanOut) broadcast(ev model.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for i, o := range f.outputs {
		if !o.wants(ev.Kind) {
			continue
		}
		select {
		case o.ch <- ev:
		default:
			if f.OnDrop != nil {
				f.OnDrop(i, ev.Kind)
			} else {
				f.log.Warn("output channel full, dropping event",
					slog.Int("subscriber", i), slog.String("kind", ev.Kind.String()))
			}
		}
	}
}

// ChannelStat is the (length, capacity) of one subscriber channel.
// Used for reporting channel saturation percentage.
type ChannelStat struct {
	Len int
	Cap int
}

func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, o := range f.outputs {
		stats[i] = ChannelStat{Len: len(o.ch), Cap: cap(o.ch)}
	}
	return stats
}
