package safety

import "time"

// Detector debounces safety input samples.
type Detector struct {
	debounce time.Duration
	in       inputState
	counts   Counts
}

// NewDetector creates a detector with the given debounce duration.
func NewDetector(debounce time.Duration) *Detector {
	return &Detector{debounce: debounce}
}

// Process takes a sample and returns the transition it completes, if any.
// Unlike an ordinary input, a baseline that settles on TRIPPED is itself
// reported: the node must not start with a wet floor and actuators live.
func (d *Detector) Process(s Sample) *Event {
	state := stateOf(s.Active)

	if !d.in.Baselined {
		if d.in.Pending == "" || d.in.Pending != state {
			// Start observing, or restart after a change during baseline
			d.in.Pending = state
			d.in.PendingSince = s.Time
			if d.debounce > 0 {
				return nil
			}
		}
		if s.Time.Sub(d.in.PendingSince) < d.debounce {
			return nil
		}
		d.in.Stable = state
		d.in.Baselined = true
		d.in.Pending = ""
		if state == StateTripped {
			d.counts.Trips++
			return &Event{Timestamp: s.Time, Type: EventTripped, Reason: "tripped at startup"}
		}
		return nil
	}

	if state == d.in.Stable {
		d.in.Pending = ""
		return nil
	}
	if d.in.Pending != state {
		d.in.Pending = state
		d.in.PendingSince = s.Time
		if d.debounce > 0 {
			return nil
		}
	}
	if s.Time.Sub(d.in.PendingSince) < d.debounce {
		return nil
	}

	d.in.Stable = state
	d.in.Pending = ""
	if state == StateTripped {
		d.counts.Trips++
		return &Event{Timestamp: s.Time, Type: EventTripped, Reason: "safety input active"}
	}
	d.counts.Clears++
	return &Event{Timestamp: s.Time, Type: EventCleared, Reason: "safety input clear"}
}

// ForceTrip latches TRIPPED without debounce, e.g. when the input cannot
// be read. It returns nil if already tripped.
func (d *Detector) ForceTrip(now time.Time, reason string) *Event {
	if d.in.Baselined && d.in.Stable == StateTripped {
		return nil
	}
	d.in.Stable = StateTripped
	d.in.Baselined = true
	d.in.Pending = ""
	d.counts.Trips++
	return &Event{Timestamp: now, Type: EventTripped, Reason: reason}
}

// IsBaselined returns whether the detector has established a baseline.
func (d *Detector) IsBaselined() bool {
	return d.in.Baselined
}

// CurrentState returns the stable state ("" before baseline).
func (d *Detector) CurrentState() State {
	return d.in.Stable
}

// Counts returns the transitions seen so far.
func (d *Detector) Counts() Counts {
	return d.counts
}

func stateOf(active bool) State {
	if active {
		return StateTripped
	}
	return StateClear
}
