package actuator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/hydro-node/internal/clock"
	"github.com/sweeney/hydro-node/internal/current"
	"github.com/sweeney/hydro-node/internal/gpio"
)

// DefaultSampleTimeout bounds the post-engagement current sample.
const DefaultSampleTimeout = 250 * time.Millisecond

// slot is the runtime state of one channel, indexed like the registry.
type slot struct {
	def     Channel
	pending *Channel // deferred reconfiguration, applied on stop
	out     gpio.Output

	state     State
	startTime time.Time
	lastStop  time.Time
	duration  time.Duration
	autoOff   clock.Timer
	runSeq    uint64

	stats Stats
}

// Options configures a Driver.
type Options struct {
	Outputs       gpio.Outputs
	Sensor        current.Sensor // nil if the node has no current sensor
	Clock         clock.Clock
	Logger        logrus.FieldLogger
	SampleTimeout time.Duration
}

// Driver owns the channel table and runtime states.
type Driver struct {
	mu    sync.Mutex
	reg   *Registry
	slots []*slot

	outputs       gpio.Outputs
	sensor        current.Sensor
	clock         clock.Clock
	log           logrus.FieldLogger
	sampleTimeout time.Duration

	safeMode     bool
	safeReason   string
	sensorStatus SensorStatus
}

// NewDriver opens an output for every channel in reg and releases it.
func NewDriver(reg *Registry, opts Options) (*Driver, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.SampleTimeout <= 0 {
		opts.SampleTimeout = DefaultSampleTimeout
	}
	d := &Driver{
		reg:           reg,
		slots:         make([]*slot, reg.Len()),
		outputs:       opts.Outputs,
		sensor:        opts.Sensor,
		clock:         opts.Clock,
		log:           opts.Logger,
		sampleTimeout: opts.SampleTimeout,
		sensorStatus:  SensorNotConfigured,
	}
	if d.sensor != nil {
		d.sensorStatus = SensorUnknown
	}

	for i, ch := range reg.Channels() {
		out, err := d.openOutput(ch)
		if err != nil {
			d.closeAll()
			return nil, err
		}
		d.slots[i] = &slot{def: ch, out: out, state: StateOff}
	}
	return d, nil
}

func (d *Driver) openOutput(ch Channel) (gpio.Output, error) {
	out, err := d.outputs.Open(gpio.Line{Offset: ch.Binding.Line, ActiveLow: ch.Binding.ActiveLow})
	if err != nil {
		return nil, fmt.Errorf("channel %s: open output: %w", ch.Name, err)
	}
	if err := out.Set(false); err != nil {
		out.Close()
		return nil, fmt.Errorf("channel %s: release output: %w", ch.Name, err)
	}
	return out, nil
}

// lookup returns the slot for name. Caller holds d.mu.
func (d *Driver) lookup(name string) (*slot, error) {
	h, ok := d.reg.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return d.slots[h.index], nil
}

// refresh applies the lazy COOLDOWN -> OFF transition. Caller holds d.mu.
func (d *Driver) refresh(s *slot, now time.Time) {
	if s.state == StateCooldown && now.Sub(s.lastStop) >= s.def.Limits.MinOffTime {
		s.state = StateOff
	}
}

func cooldownRemaining(s *slot, now time.Time) time.Duration {
	if s.state == StateOn || s.lastStop.IsZero() {
		return 0
	}
	rem := s.def.Limits.MinOffTime - now.Sub(s.lastStop)
	if rem < 0 {
		return 0
	}
	return rem
}

func clampDuration(dur, max time.Duration) time.Duration {
	if dur < time.Millisecond {
		dur = time.Millisecond
	}
	if dur > max {
		dur = max
	}
	return dur
}

// Run engages channel for duration (clamped to the channel's maximum).
// When the channel validates current, exactly one sample is taken after
// engagement and the output is rolled back if it fails.
func (d *Driver) Run(name string, duration time.Duration) (CurrentReading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.lookup(name)
	if err != nil {
		return CurrentReading{}, err
	}
	if d.safeMode {
		return CurrentReading{}, fmt.Errorf("%w: %s", ErrSafeMode, d.safeReason)
	}

	now := d.clock.Now()
	d.refresh(s, now)
	switch s.state {
	case StateOn, StateFault:
		return CurrentReading{}, &StateError{Channel: name, State: s.state}
	case StateCooldown:
		return CurrentReading{}, &StateError{Channel: name, State: s.state, Remaining: cooldownRemaining(s, now)}
	}

	duration = clampDuration(duration, s.def.Limits.MaxDuration)
	log := d.log.WithFields(logrus.Fields{"channel": name, "duration": duration})

	if err := s.out.Set(true); err != nil {
		d.fault(s, OutcomeOutputFault)
		log.WithError(err).Error("engage failed, channel latched in ERROR")
		return CurrentReading{}, fmt.Errorf("%w: channel %s: %v", ErrOutput, name, err)
	}

	reading := CurrentReading{Valid: true}
	if s.def.Sensed() {
		r, outcome, err := d.validateCurrent(s.def)
		if err != nil {
			if rerr := s.out.Set(false); rerr != nil {
				d.fault(s, OutcomeOutputFault)
				log.WithError(rerr).Error("rollback failed, channel latched in ERROR")
				return CurrentReading{}, fmt.Errorf("%w: channel %s: rollback: %v", ErrOutput, name, rerr)
			}
			s.stats.Failures++
			s.stats.LastOutcome = outcome
			switch outcome {
			case OutcomeNoCurrent:
				s.stats.NoCurrentEvents++
			case OutcomeOvercurrent:
				s.stats.OvercurrentEvents++
			}
			log.WithError(err).Warn("current check failed, output rolled back")
			return CurrentReading{}, err
		}
		reading = r
		s.stats.LastCurrentMA = r.MilliAmps
	}

	s.state = StateOn
	s.startTime = now
	s.duration = duration
	s.runSeq++
	seq := s.runSeq
	s.autoOff = d.clock.AfterFunc(duration, func() { d.expire(name, seq) })

	log.WithField("current_ma", reading.MilliAmps).Info("engaged")
	return reading, nil
}

// validateCurrent takes the single post-engagement sample. Caller holds d.mu.
func (d *Driver) validateCurrent(ch Channel) (CurrentReading, Outcome, error) {
	if d.sensor == nil {
		return CurrentReading{}, OutcomeCurrentUnavailable, fmt.Errorf("%w: channel %s: no current sensor", ErrCurrentUnavailable, ch.Name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.sampleTimeout)
	defer cancel()
	r, err := d.sensor.Sample(ctx)
	if err != nil || !r.Valid {
		d.sensorStatus = SensorUnavailable
		if err == nil {
			err = errors.New("invalid sample")
		}
		return CurrentReading{}, OutcomeCurrentUnavailable, fmt.Errorf("%w: channel %s: %v", ErrCurrentUnavailable, ch.Name, err)
	}
	d.sensorStatus = SensorOK

	reading := CurrentReading{MilliAmps: r.MilliAmps, Valid: true, Sensed: true}
	if ch.Current.MinMA > 0 && r.MilliAmps < ch.Current.MinMA {
		return reading, OutcomeNoCurrent, fmt.Errorf("%w: channel %s: %.1fmA below %.1fmA", ErrCurrentUnavailable, ch.Name, r.MilliAmps, ch.Current.MinMA)
	}
	if ch.Current.MaxMA > 0 && r.MilliAmps > ch.Current.MaxMA {
		return reading, OutcomeOvercurrent, fmt.Errorf("%w: channel %s: %.1fmA above %.1fmA", ErrOvercurrent, ch.Name, r.MilliAmps, ch.Current.MaxMA)
	}
	return reading, OutcomeNone, nil
}

// fault latches s in ERROR. Caller holds d.mu.
func (d *Driver) fault(s *slot, outcome Outcome) {
	if s.autoOff != nil {
		s.autoOff.Stop()
		s.autoOff = nil
	}
	// best effort; the line may be what failed
	_ = s.out.Set(false)
	s.state = StateFault
	s.stats.Failures++
	s.stats.LastOutcome = outcome
}

// expire is the driver-owned duration timer.
func (d *Driver) expire(name string, seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.lookup(name)
	if err != nil || s.state != StateOn || s.runSeq != seq {
		return
	}
	d.stopLocked(s, d.clock.Now(), OutcomeCompleted)
}

// DoseDuration converts a volume into a run duration:
// ceil(ml / rate * 1000) milliseconds, clamped to [1ms, MaxDuration].
func (d *Driver) DoseDuration(name string, ml float64) (time.Duration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.lookup(name)
	if err != nil {
		return 0, err
	}
	if s.def.MLPerSecond <= 0 {
		return 0, fmt.Errorf("%w: channel %s", ErrNotCalibrated, name)
	}
	if ml <= 0 || math.IsNaN(ml) || math.IsInf(ml, 0) {
		return 0, fmt.Errorf("%w: dose volume %v", ErrInvalidArgument, ml)
	}
	ms := math.Ceil(ml / s.def.MLPerSecond * 1000)
	maxMs := float64(s.def.Limits.MaxDuration / time.Millisecond)
	if ms > maxMs {
		ms = maxMs
	}
	return clampDuration(time.Duration(ms)*time.Millisecond, s.def.Limits.MaxDuration), nil
}

// Dose runs channel long enough to dispense ml.
func (d *Driver) Dose(name string, ml float64) (CurrentReading, error) {
	dur, err := d.DoseDuration(name, ml)
	if err != nil {
		return CurrentReading{}, err
	}
	return d.Run(name, dur)
}

// Stop disengages channel. Stopping an idle channel is a no-op.
func (d *Driver) Stop(name string) (StopResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.lookup(name)
	if err != nil {
		return StopResult{}, err
	}
	switch s.state {
	case StateOn:
		return d.stopLocked(s, d.clock.Now(), OutcomeStopped), nil
	case StateFault:
		// keep ERROR; only Reset leaves it
		_ = s.out.Set(false)
	}
	return StopResult{}, nil
}

// stopLocked disengages an ON channel and enters COOLDOWN. Caller holds d.mu.
func (d *Driver) stopLocked(s *slot, now time.Time, outcome Outcome) StopResult {
	if s.autoOff != nil {
		s.autoOff.Stop()
		s.autoOff = nil
	}

	ran := now.Sub(s.startTime)
	if ran < 0 {
		ran = 0
	}
	if ran > s.duration {
		ran = s.duration
	}
	ml := ran.Seconds() * s.def.MLPerSecond

	s.stats.Runs++
	s.stats.RunTime += ran
	s.stats.DispensedML += ml
	s.stats.LastOutcome = outcome
	s.lastStop = now
	s.state = StateCooldown

	log := d.log.WithFields(logrus.Fields{"channel": s.def.Name, "ran": ran, "outcome": outcome})
	if err := s.out.Set(false); err != nil {
		d.fault(s, OutcomeOutputFault)
		log.WithError(err).Error("release failed, channel latched in ERROR")
	} else {
		log.Info("released")
	}

	if s.pending != nil {
		d.applyPending(s)
	}
	d.refresh(s, now)
	return StopResult{WasRunning: true, Ran: ran, DispensedML: ml}
}

// EmergencyStopAll releases every output regardless of state. It never
// fails; errors are logged and faulty channels latch in ERROR.
func (d *Driver) EmergencyStopAll(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emergencyLocked(reason)
}

func (d *Driver) emergencyLocked(reason string) {
	now := d.clock.Now()
	d.log.WithField("reason", reason).Warn("emergency stop")
	for _, s := range d.slots {
		if s.state == StateOn {
			d.stopLocked(s, now, OutcomeEmergencyStop)
			continue
		}
		if err := s.out.Set(false); err != nil {
			d.log.WithError(err).WithField("channel", s.def.Name).Error("emergency release failed")
			if s.state != StateFault {
				d.fault(s, OutcomeOutputFault)
			}
		}
	}
}

// SetSafeMode latches or clears node safe mode. Entering safe mode stops
// every channel; while latched Run fails with ErrSafeMode.
func (d *Driver) SetSafeMode(on bool, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if on && !d.safeMode {
		d.emergencyLocked("safe mode: " + reason)
	}
	if !on && d.safeMode {
		d.log.WithField("reason", reason).Info("safe mode cleared")
	}
	d.safeMode = on
	d.safeReason = reason
}

// SafeMode reports whether safe mode is latched and why.
func (d *Driver) SafeMode() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.safeMode, d.safeReason
}

// Reset clears an ERROR latch after forcing the output off. It is a
// no-op for channels not in ERROR.
func (d *Driver) Reset(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, err := d.lookup(name)
	if err != nil {
		return err
	}
	if s.state != StateFault {
		return nil
	}
	if u, ok := s.out.(unbound); ok {
		out, err := d.openOutput(s.def)
		if err != nil {
			return fmt.Errorf("%w: channel %s: %v (previously %v)", ErrOutput, name, err, u.err)
		}
		s.out = out
	}
	if err := s.out.Set(false); err != nil {
		return fmt.Errorf("%w: channel %s: %v", ErrOutput, name, err)
	}
	s.state = StateOff
	d.log.WithField("channel", name).Info("error latch reset")
	return nil
}

// State returns the channel state, evaluating cooldown expiry lazily.
func (d *Driver) State(name string) (State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.lookup(name)
	if err != nil {
		return "", err
	}
	d.refresh(s, d.clock.Now())
	return s.state, nil
}

// CooldownRemaining returns how long channel must stay idle before it may
// run again (0 for unknown or idle channels).
func (d *Driver) CooldownRemaining(name string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.lookup(name)
	if err != nil {
		return 0
	}
	now := d.clock.Now()
	d.refresh(s, now)
	return cooldownRemaining(s, now)
}

// Busy reports whether any channel is ON.
func (d *Driver) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.slots {
		if s.state == StateOn {
			return true
		}
	}
	return false
}

// Running reports whether channel is ON.
func (d *Driver) Running(name string) bool {
	st, err := d.State(name)
	return err == nil && st == StateOn
}

// Channel returns the active definition of channel.
func (d *Driver) Channel(name string) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, err := d.lookup(name)
	if err != nil {
		return Channel{}, err
	}
	return s.def, nil
}

// Version returns the applied registry version.
func (d *Driver) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg.Version()
}

// Snapshot copies every channel's status and the shared sensor status.
// The lock is held only for the copy.
func (d *Driver) Snapshot() ([]ChannelStatus, SensorStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	out := make([]ChannelStatus, len(d.slots))
	for i, s := range d.slots {
		d.refresh(s, now)
		out[i] = ChannelStatus{
			Name:              s.def.Name,
			Kind:              s.def.Kind,
			State:             s.state,
			StartTime:         s.startTime,
			LastStopTime:      s.lastStop,
			Duration:          s.duration,
			CooldownRemaining: cooldownRemaining(s, now),
			Limits:            s.def.Limits,
			MLPerSecond:       s.def.MLPerSecond,
			Sensed:            s.def.Sensed(),
			ReconfigPending:   s.pending != nil,
			Stats:             s.stats,
		}
	}
	return out, d.sensorStatus, d.safeMode
}

// Close releases and closes every output.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.slots {
		if s.autoOff != nil {
			s.autoOff.Stop()
			s.autoOff = nil
		}
	}
	return d.closeAll()
}

func (d *Driver) closeAll() error {
	var errs []error
	for _, s := range d.slots {
		if s == nil || s.out == nil {
			continue
		}
		if err := s.out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", s.def.Name, err))
		}
	}
	return errors.Join(errs...)
}

// unbound stands in for an output that could not be opened. The channel
// is latched in ERROR and Reset retries the open.
type unbound struct{ err error }

func (u unbound) Set(bool) error { return u.err }
func (u unbound) Close() error   { return nil }

// Apply replaces the channel table with reg. Idle channels take their new
// definition immediately; running channels keep the old one until they
// stop. Removed channels are disengaged and closed. Outputs that fail to
// open latch their channel in ERROR and are reported in the returned
// error; the rest of the table is still applied.
func (d *Driver) Apply(reg *Registry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	old := make(map[string]*slot, len(d.slots))
	for _, s := range d.slots {
		old[s.def.Name] = s
	}

	slots := make([]*slot, reg.Len())
	var rebind []int

	// Close pass: free every line that is going away or moving so that
	// channels may swap lines within one apply.
	for i, ch := range reg.Channels() {
		s, ok := old[ch.Name]
		if !ok {
			slots[i] = &slot{def: ch, state: StateOff}
			rebind = append(rebind, i)
			continue
		}
		delete(old, ch.Name)
		slots[i] = s

		if s.state == StateOn {
			def := ch
			s.pending = &def
			d.log.WithField("channel", ch.Name).Info("channel running, reconfiguration deferred")
			continue
		}
		s.pending = nil
		if s.def.Binding != ch.Binding {
			s.out.Close()
			s.out = nil
			rebind = append(rebind, i)
		}
		s.def = ch
		d.refresh(s, now)
	}
	for name, s := range old {
		if s.state == StateOn {
			d.stopLocked(s, now, OutcomeStopped)
		}
		if err := s.out.Close(); err != nil {
			d.log.WithError(err).WithField("channel", name).Warn("close removed channel")
		}
		d.log.WithField("channel", name).Info("channel removed")
	}

	// Open pass.
	var errs []error
	for _, i := range rebind {
		s := slots[i]
		out, err := d.openOutput(s.def)
		if err != nil {
			s.out = unbound{err: err}
			s.state = StateFault
			s.stats.Failures++
			s.stats.LastOutcome = OutcomeOutputFault
			errs = append(errs, err)
			continue
		}
		s.out = out
	}

	d.reg = reg
	d.slots = slots
	return errors.Join(errs...)
}

// applyPending installs a deferred definition once its channel stopped.
// Caller holds d.mu.
func (d *Driver) applyPending(s *slot) {
	def := *s.pending
	s.pending = nil
	if def.Binding != s.def.Binding {
		s.out.Close()
		out, err := d.openOutput(def)
		if err != nil {
			d.log.WithError(err).WithField("channel", def.Name).Error("rebind failed, channel latched in ERROR")
			out = unbound{err: err}
			s.state = StateFault
			s.stats.Failures++
			s.stats.LastOutcome = OutcomeOutputFault
		}
		s.out = out
	}
	s.def = def
	d.log.WithField("channel", def.Name).Info("deferred reconfiguration applied")
}
