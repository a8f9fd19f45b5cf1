package bus

import (
	"context"
	"sync/atomic"

	"trading-livepnl/internal/model"
)

// Dispatcher is the EventSink handed to the core. Each Emit is a
// non-blocking send into a bounded queue; when the queue is full the event
// is counted and dropped.
type Dispatcher struct {
	in      chan model.Event
	fan     *FanOut
	dropped atomic.Uint64

	// OnDropped is called for every event rejected at the input.
	OnDropped func(kind model.EventKind)
}

// NewDispatcher creates a Dispatcher with an input queue of size buffer
// feeding fan.
func NewDispatcher(buffer int, fan *FanOut) *Dispatcher {
	if buffer <= 0 {
		buffer = 4096
	}
	return &Dispatcher{
		in:  make(chan model.Event, buffer),
		fan: fan,
	}
}

// Run drives the fan-out until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.fan.Run(ctx, d.in)
	return nil
}

// Dropped returns how many events were rejected because the queue was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int { return len(d.in) }

func (d *Dispatcher) push(ev model.Event) {
	select {
	case d.in <- ev:
	default:
		d.dropped.Add(1)
		if d.OnDropped != nil {
			d.OnDropped(ev.Kind)
		}
	}
}

func (d *Dispatcher) EmitTick(t model.Tick) {
	d.push(model.Event{Kind: model.EventTick, Tick: t})
}

func (d *Dispatcher) EmitCandle(c model.Candle) {
	d.push(model.Event{Kind: model.EventCandle, Candle: c})
}

func (d *Dispatcher) EmitPnL(p model.PortfolioPnL) {
	d.push(model.Event{Kind: model.EventPnL, PnL: p})
}

func (d *Dispatcher) EmitPositions(ps []model.Position) {
	d.push(model.Event{Kind: model.EventPositions, Positions: ps})
}

func (d *Dispatcher) EmitHealth(e model.HealthEvent) {
	d.push(model.Event{Kind: model.EventHealth, Health: e})
}
