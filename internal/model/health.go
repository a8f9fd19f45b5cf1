package model

import "time"

// HealthEventType names a feed lifecycle or supervision event.
type HealthEventType string

const (
	HealthConnect         HealthEventType = "connect"
	HealthDisconnect      HealthEventType = "disconnect"
	HealthClose           HealthEventType = "close"
	HealthError           HealthEventType = "error"
	HealthReconnect       HealthEventType = "reconnect"
	HealthNoReconnect     HealthEventType = "noreconnect"
	HealthSubscribe       HealthEventType = "subscribe"
	HealthUnsubscribe     HealthEventType = "unsubscribe"
	HealthStale           HealthEventType = "stale"
	HealthNeverConnected  HealthEventType = "never_connected"
	HealthForcedReconnect HealthEventType = "forced_reconnect"
)

// HealthEvent is emitted for every connection lifecycle transition.
type HealthEvent struct {
	Type           HealthEventType `json:"type"`
	Success        bool            `json:"success"`
	Error          string          `json:"error,omitempty"`
	Count          *int            `json:"count,omitempty"`
	ReconnectCount int             `json:"reconnect_count"`
	At             time.Time       `json:"at"`
}

// WithCount sets the optional count field.
func (e HealthEvent) WithCount(n int) HealthEvent {
	e.Count = &n
	return e
}
