package dispatch

import (
	"errors"

	"github.com/sweeney/hydro-node/internal/actuator"
	"github.com/sweeney/hydro-node/internal/command"
)

var (
	ErrQueueFull = errors.New("command queue full")
	ErrDuplicate = errors.New("duplicate cmd_id")
)

// CodeFor maps a driver or dispatcher error to its wire error code.
func CodeFor(err error) command.Code {
	switch {
	case errors.Is(err, ErrQueueFull):
		return command.CodePumpQueueFull
	case errors.Is(err, actuator.ErrNotFound):
		return command.CodePumpNotFound
	case errors.Is(err, actuator.ErrSafeMode):
		return command.CodeSafeMode
	case errors.Is(err, actuator.ErrBusy):
		return command.CodePumpBusy
	case errors.Is(err, actuator.ErrCooldown):
		return command.CodePumpCooldown
	case errors.Is(err, actuator.ErrOvercurrent):
		return command.CodeOvercurrent
	case errors.Is(err, actuator.ErrCurrentUnavailable):
		return command.CodeCurrentUnavailable
	case errors.Is(err, actuator.ErrNotCalibrated):
		return command.CodeNotCalibrated
	case errors.Is(err, actuator.ErrInvalidArgument), errors.Is(err, command.ErrInvalid):
		return command.CodeInvalidParams
	default:
		return command.CodePumpDriverFailed
	}
}
