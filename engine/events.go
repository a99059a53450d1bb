package engine

import "time"

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Point events
	EventPointUpdated EventType = iota + 1
	EventPointWritten
	EventPointCreated
	EventPointDeleted

	// Bus events
	EventBusConnected
	EventBusDisconnected

	// Task events
	EventTaskCreated
	EventTaskPhaseChanged

	// Safety events
	EventSafetyViolation
	EventEmergencyLatched
	EventEmergencyReset

	// Alarm events
	EventAlarmRaised
	EventAlarmChanged

	// Sync events
	EventSyncOnline
	EventSyncOffline

	// System events
	EventConfigChanged
)

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// PointEvent is the payload for point value and lifecycle events.
type PointEvent struct {
	Name    string
	Value   interface{}
	Quality string
}

// BusEvent is the payload for field-bus connectivity events.
type BusEvent struct {
	Protocol string
}

// TaskEvent is the payload for production task events.
type TaskEvent struct {
	TaskID string
	Phase  string
	Paused bool
}

// SafetyEvent is the payload for safety engine events.
type SafetyEvent struct {
	Reason string
}

// AlarmEvent is the payload for alarm lifecycle events.
type AlarmEvent struct {
	AlarmID  string
	Type     string
	Severity string
	Status   string
}

// SystemEvent is the payload for system-level events.
type SystemEvent struct {
	Detail string
}
