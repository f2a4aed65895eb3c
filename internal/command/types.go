// Package command defines the inbound actuator commands and outbound
// responses exchanged with the server. It has no hardware or transport
// dependencies.
package command

import "time"

// Kind is the command verb.
type Kind string

const (
	KindRunPump  Kind = "run_pump"
	KindStopPump Kind = "stop_pump"
	KindDose     Kind = "dose"
	KindSetState Kind = "set_state"
	KindReset    Kind = "reset"
)

// Status is the response status.
type Status string

const (
	StatusAccepted Status = "ACCEPTED"
	StatusAck      Status = "ACK"
	StatusDone     Status = "DONE"
	StatusFailed   Status = "FAILED"
	StatusNoEffect Status = "NO_EFFECT"
	StatusError    Status = "ERROR"
)

// Terminal reports whether s ends the lifecycle of an accepted command.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusNoEffect
}

// Code is a machine-readable error code carried by FAILED/ERROR responses.
type Code string

const (
	CodePumpBusy           Code = "pump_busy"
	CodePumpCooldown       Code = "pump_cooldown"
	CodePumpQueueFull      Code = "pump_queue_full"
	CodeInvalidParams      Code = "invalid_params"
	CodeCurrentUnavailable Code = "current_unavailable"
	CodePumpNotFound       Code = "pump_not_found"
	CodePumpDriverFailed   Code = "pump_driver_failed"
	CodeOvercurrent        Code = "overcurrent"
	CodeSafeMode           Code = "safe_mode"
	CodeNotCalibrated      Code = "not_calibrated"
)

// Command is a decoded inbound request for one channel.
type Command struct {
	Kind     Kind
	CmdID    string
	Channel  string
	Duration time.Duration // run_pump, set_state
	ML       float64       // dose
	State    *int          // set_state
}

// Response is an outbound message about one command.
type Response struct {
	Channel   string
	CmdID     string
	Status    Status
	Code      Code
	Message   string
	Timestamp time.Time
	Extra     map[string]any
}

// Sink receives responses. Implementations must not block for long; the
// dispatcher emits from its drain loop and from timer callbacks.
type Sink interface {
	Emit(r Response)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Response)

// Emit calls f(r).
func (f SinkFunc) Emit(r Response) { f(r) }
