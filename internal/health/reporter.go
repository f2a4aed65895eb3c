// Package health aggregates read-only per-channel statistics for
// telemetry and for explaining why a command could not run.
package health

import (
	"time"

	"github.com/sweeney/hydro-node/internal/actuator"
	"github.com/sweeney/hydro-node/internal/command"
)

// Source is the snapshot provider. Implemented by *actuator.Driver.
type Source interface {
	Snapshot() ([]actuator.ChannelStatus, actuator.SensorStatus, bool)
}

// ChannelHealth is the telemetry view of one channel.
type ChannelHealth struct {
	Name              string           `json:"name"`
	Kind              actuator.Kind    `json:"kind"`
	State             actuator.State   `json:"state"`
	CooldownRemaining time.Duration    `json:"-"`
	CooldownMs        int64            `json:"cooldown_remaining_ms"`
	Runs              int              `json:"runs"`
	Failures          int              `json:"failures"`
	OvercurrentEvents int              `json:"overcurrent_events"`
	NoCurrentEvents   int              `json:"no_current_events"`
	RunTime           time.Duration    `json:"-"`
	RunSeconds        float64          `json:"run_seconds"`
	DispensedML       float64          `json:"dispensed_ml"`
	LastOutcome       actuator.Outcome `json:"last_outcome,omitempty"`
	LastCurrentMA     float64          `json:"last_current_ma,omitempty"`
	Sensed            bool             `json:"current_sensed"`
	ReconfigPending   bool             `json:"reconfig_pending,omitempty"`
	LastStop          time.Time        `json:"-"`
	Limits            actuator.Limits  `json:"-"`
}

// Snapshot is a point-in-time health report for the node.
type Snapshot struct {
	Channels      []ChannelHealth       `json:"channels"`
	CurrentSensor actuator.SensorStatus `json:"current_sensor_status"`
	SafeMode      bool                  `json:"safe_mode"`
}

// Channel returns the entry for name.
func (s Snapshot) Channel(name string) (ChannelHealth, bool) {
	for _, ch := range s.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return ChannelHealth{}, false
}

// Reporter builds snapshots from a Source.
type Reporter struct {
	src Source
}

// NewReporter creates a Reporter reading from src.
func NewReporter(src Source) *Reporter {
	return &Reporter{src: src}
}

// Snapshot copies the current health of every channel.
func (r *Reporter) Snapshot() Snapshot {
	chs, sensor, safe := r.src.Snapshot()
	out := Snapshot{
		Channels:      make([]ChannelHealth, len(chs)),
		CurrentSensor: sensor,
		SafeMode:      safe,
	}
	for i, c := range chs {
		out.Channels[i] = ChannelHealth{
			Name:              c.Name,
			Kind:              c.Kind,
			State:             c.State,
			CooldownRemaining: c.CooldownRemaining,
			CooldownMs:        c.CooldownRemaining.Milliseconds(),
			Runs:              c.Stats.Runs,
			Failures:          c.Stats.Failures,
			OvercurrentEvents: c.Stats.OvercurrentEvents,
			NoCurrentEvents:   c.Stats.NoCurrentEvents,
			RunTime:           c.Stats.RunTime,
			RunSeconds:        c.Stats.RunTime.Seconds(),
			DispensedML:       c.Stats.DispensedML,
			LastOutcome:       c.Stats.LastOutcome,
			LastCurrentMA:     c.Stats.LastCurrentMA,
			Sensed:            c.Sensed,
			ReconfigPending:   c.ReconfigPending,
			LastStop:          c.LastStopTime,
			Limits:            c.Limits,
		}
	}
	return out
}

// Explain classifies why channel cannot run right now. It returns an
// empty code when nothing prevents a run.
func (r *Reporter) Explain(channel string) (command.Code, time.Duration) {
	snap := r.Snapshot()
	ch, ok := snap.Channel(channel)
	if !ok {
		return command.CodePumpNotFound, 0
	}
	if snap.SafeMode {
		return command.CodeSafeMode, 0
	}
	switch ch.State {
	case actuator.StateOn:
		return command.CodePumpBusy, 0
	case actuator.StateCooldown:
		return command.CodePumpCooldown, ch.CooldownRemaining
	case actuator.StateFault:
		return command.CodePumpDriverFailed, 0
	}
	switch ch.LastOutcome {
	case actuator.OutcomeCurrentUnavailable, actuator.OutcomeNoCurrent:
		return command.CodeCurrentUnavailable, 0
	case actuator.OutcomeOvercurrent:
		return command.CodeOvercurrent, 0
	}
	if ch.Sensed && snap.CurrentSensor == actuator.SensorUnavailable {
		return command.CodeCurrentUnavailable, 0
	}
	return "", 0
}
