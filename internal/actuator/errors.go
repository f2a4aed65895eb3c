package actuator

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("channel not found")
	ErrInvalidState       = errors.New("invalid channel state")
	ErrBusy               = errors.New("channel running")
	ErrCooldown           = errors.New("channel cooling down")
	ErrFault              = errors.New("channel in error state")
	ErrNotCalibrated      = errors.New("dose calibration not set")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrCurrentUnavailable = errors.New("current unavailable")
	ErrOvercurrent        = errors.New("overcurrent")
	ErrOutput             = errors.New("output write failed")
	ErrSafeMode           = errors.New("safe mode latched")
	ErrStaleHandle        = errors.New("stale channel handle")
)

// StateError reports that a channel cannot run in its current state.
// It matches ErrInvalidState and one of ErrBusy, ErrCooldown or ErrFault.
type StateError struct {
	Channel   string
	State     State
	Remaining time.Duration // cooldown only
}

func (e *StateError) Error() string {
	if e.State == StateCooldown {
		return fmt.Sprintf("channel %s: %v (%v remaining)", e.Channel, ErrCooldown, e.Remaining)
	}
	return fmt.Sprintf("channel %s: %v", e.Channel, e.reason())
}

func (e *StateError) Unwrap() []error {
	return []error{ErrInvalidState, e.reason()}
}

func (e *StateError) reason() error {
	switch e.State {
	case StateOn:
		return ErrBusy
	case StateCooldown:
		return ErrCooldown
	default:
		return ErrFault
	}
}
