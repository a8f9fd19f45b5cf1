package model

// ── Sink Port ──
// The core pushes everything it derives through EventSink. Implementations
// must return immediately: a slow or unavailable store may drop events but
// never stall tick ingestion.

// EventSink receives raw ticks, sealed candles, PnL snapshots, position
// snapshots and health events.
type EventSink interface {
	EmitTick(t Tick)
	EmitCandle(c Candle)
	EmitPnL(p PortfolioPnL)
	EmitPositions(ps []Position)
	EmitHealth(e HealthEvent)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) EmitTick(Tick)            {}
func (NopSink) EmitCandle(Candle)        {}
func (NopSink) EmitPnL(PortfolioPnL)     {}
func (NopSink) EmitPositions([]Position) {}
func (NopSink) EmitHealth(HealthEvent)   {}

// EventKind tags the payload carried by an Event.
type EventKind uint8

const (
	EventTick EventKind = iota + 1
	EventCandle
	EventPnL
	EventPositions
	EventHealth
)

func (k EventKind) String() string {
	switch k {
	case EventTick:
		return "tick"
	case EventCandle:
		return "candle"
	case EventPnL:
		return "pnl"
	case EventPositions:
		return "positions"
	case EventHealth:
		return "health"
	default:
		return "unknown"
	}
}

// Event is the unit moved through the sink bus to the storage writers.
// Exactly one payload field is meaningful, selected by Kind.
type Event struct {
	Kind      EventKind
	Tick      Tick
	Candle    Candle
	PnL       PortfolioPnL
	Positions []Position
	Health    HealthEvent
}
