// Package actuator owns the channel table and the per-channel
// OFF/ON/COOLDOWN/ERROR state machine. Every mutation happens under one
// node-wide lock held by the Driver.
package actuator

import "time"

// State is the runtime state of a channel.
type State string

const (
	StateOff      State = "OFF"
	StateOn       State = "ON"
	StateCooldown State = "COOLDOWN"
	StateFault    State = "ERROR"
)

// Outcome records how the last activation of a channel ended.
type Outcome string

const (
	OutcomeNone               Outcome = ""
	OutcomeCompleted          Outcome = "completed"
	OutcomeStopped            Outcome = "stopped"
	OutcomeEmergencyStop      Outcome = "emergency_stop"
	OutcomeCurrentUnavailable Outcome = "current_unavailable"
	OutcomeNoCurrent          Outcome = "no_current"
	OutcomeOvercurrent        Outcome = "overcurrent"
	OutcomeOutputFault        Outcome = "output_fault"
)

// SensorStatus is the health of the shared current sensor.
type SensorStatus string

const (
	SensorNotConfigured SensorStatus = "not_configured"
	SensorUnknown       SensorStatus = "unknown"
	SensorOK            SensorStatus = "ok"
	SensorUnavailable   SensorStatus = "unavailable"
)

// CurrentReading is the sample captured right after engagement.
type CurrentReading struct {
	MilliAmps float64
	Valid     bool
	// Sensed is false for channels without current validation; such
	// readings are always Valid.
	Sensed bool
}

// Stats are cumulative per-channel health counters.
type Stats struct {
	Runs              int
	Failures          int
	OvercurrentEvents int
	NoCurrentEvents   int
	RunTime           time.Duration
	DispensedML       float64
	LastOutcome       Outcome
	LastCurrentMA     float64
}

// ChannelStatus is a point-in-time copy of one channel.
type ChannelStatus struct {
	Name              string
	Kind              Kind
	State             State
	StartTime         time.Time
	LastStopTime      time.Time
	Duration          time.Duration
	CooldownRemaining time.Duration
	Limits            Limits
	MLPerSecond       float64
	Sensed            bool
	ReconfigPending   bool
	Stats             Stats
}

// StopResult describes what Stop did.
type StopResult struct {
	WasRunning  bool
	Ran         time.Duration
	DispensedML float64
}
