// Package safety debounces the node's safety input (leak or float switch)
// and latches safe mode when it trips.
// The detector has NO external dependencies (no GPIO, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package safety

import "time"

// State is the debounced state of the safety input.
type State string

const (
	StateClear   State = "CLEAR"
	StateTripped State = "TRIPPED"
)

// EventType represents a state transition event.
type EventType string

const (
	EventTripped EventType = "TRIPPED"
	EventCleared EventType = "CLEARED"
)

// Event is a debounced transition of the safety input.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Reason    string
}

// Sample is one reading of the safety input.
type Sample struct {
	Active bool // true = tripped (already inverted from raw GPIO)
	Time   time.Time
}

// Counts tracks transitions since startup.
type Counts struct {
	Trips  int
	Clears int
}

// inputState tracks debounce state for the input.
type inputState struct {
	// Current stable (debounced) state
	Stable State
	// Pending state during debounce
	Pending State
	// Time when pending state was first observed
	PendingSince time.Time
	// Whether we have established a baseline
	Baselined bool
}
