// Package dispatch serializes actuator commands for a node: bounded FIFO
// admission, cmd_id deduplication, single-flight execution, cooldown
// requeue with one coalesced retry timer, and asynchronous completion.
package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/hydro-node/internal/actuator"
	"github.com/sweeney/hydro-node/internal/clock"
	"github.com/sweeney/hydro-node/internal/command"
)

// DefaultCapacity is the queue bound.
const DefaultCapacity = 8

// Actuator is the capability the dispatcher drives. *actuator.Driver
// implements it for every node type.
type Actuator interface {
	Run(channel string, d time.Duration) (actuator.CurrentReading, error)
	Stop(channel string) (actuator.StopResult, error)
	CooldownRemaining(channel string) time.Duration
	Busy() bool
	Running(channel string) bool
}

// Explainer classifies why a channel cannot run.
type Explainer interface {
	Explain(channel string) (command.Code, time.Duration)
}

// FlightMode selects the single-flight granularity.
type FlightMode int

const (
	// NodeWide allows one run across all channels of the node.
	NodeWide FlightMode = iota
	// PerChannel allows one run per channel.
	PerChannel
)

// Options configures a Dispatcher.
type Options struct {
	Capacity  int
	DedupTTL  time.Duration
	DedupSize int
	Mode      FlightMode
	Clock     clock.Clock
	Logger    logrus.FieldLogger
	Explainer Explainer
}

type entry struct {
	cmd     command.Command
	arrived time.Time
}

// Queued describes one waiting command.
type Queued struct {
	Channel  string
	CmdID    string
	Duration time.Duration
	Arrived  time.Time
}

// Dispatcher owns the command queue. The queue lock is never held while
// calling into the Actuator.
type Dispatcher struct {
	act     Actuator
	sink    command.Sink
	clock   clock.Clock
	log     logrus.FieldLogger
	explain Explainer
	mode    FlightMode

	mu       sync.Mutex
	queue    []entry
	capacity int
	inflight map[string]string // channel -> cmd_id
	retry    clock.Timer
	retryAt  time.Time
	retryGen uint64

	dedup       *dedup
	completions *Completions

	drainMu  sync.Mutex
	draining bool
	again    bool
}

// New creates a Dispatcher that reports through sink.
func New(act Actuator, sink command.Sink, opts Options) *Dispatcher {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = DefaultDedupTTL
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = DefaultDedupSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	d := &Dispatcher{
		act:      act,
		sink:     sink,
		clock:    opts.Clock,
		log:      opts.Logger,
		explain:  opts.Explainer,
		mode:     opts.Mode,
		capacity: opts.Capacity,
		inflight: make(map[string]string),
		dedup:    newDedup(opts.Clock, opts.DedupSize, opts.DedupTTL, opts.Logger),
	}
	d.completions = NewCompletions(opts.Clock, d.complete)
	return d
}

func (d *Dispatcher) emit(cmdID, channel string, status command.Status, code command.Code, msg string, extra map[string]any) {
	d.sink.Emit(command.Response{
		Channel:   channel,
		CmdID:     cmdID,
		Status:    status,
		Code:      code,
		Message:   msg,
		Timestamp: d.clock.Now(),
		Extra:     extra,
	})
}

// finish emits a terminal response and records it for deduplication.
func (d *Dispatcher) finish(cmdID, channel string, status command.Status, code command.Code, msg string, extra map[string]any) {
	d.dedup.finalize(cmdID, status)
	d.emit(cmdID, channel, status, code, msg, extra)
}

// Submit admits a run. It emits ACCEPTED, NO_EFFECT for a duplicate
// cmd_id, or ERROR(pump_queue_full) and returns ErrQueueFull. The caller
// resolves doses to a duration before submitting.
func (d *Dispatcher) Submit(cmd command.Command) (command.Status, error) {
	log := d.log.WithFields(logrus.Fields{"channel": cmd.Channel, "cmd_id": cmd.CmdID})

	if prev, ok := d.dedup.seen(cmd.CmdID); ok {
		log.WithField("previous", prev).Info("duplicate cmd_id")
		d.emit(cmd.CmdID, cmd.Channel, command.StatusNoEffect, "", "duplicate of finalized command", map[string]any{"previous_status": string(prev)})
		return command.StatusNoEffect, ErrDuplicate
	}

	d.mu.Lock()
	if d.pendingLocked(cmd.CmdID) {
		d.mu.Unlock()
		log.Info("duplicate cmd_id already pending")
		d.emit(cmd.CmdID, cmd.Channel, command.StatusNoEffect, "", "duplicate of pending command", nil)
		return command.StatusNoEffect, ErrDuplicate
	}
	if len(d.queue) >= d.capacity {
		depth := len(d.queue)
		d.mu.Unlock()
		log.WithField("depth", depth).Warn("queue full")
		d.emit(cmd.CmdID, cmd.Channel, command.StatusError, command.CodePumpQueueFull, ErrQueueFull.Error(), map[string]any{"queue_depth": depth})
		return command.StatusError, ErrQueueFull
	}
	d.queue = append(d.queue, entry{cmd: cmd, arrived: d.clock.Now()})
	depth := len(d.queue)
	// Emitted under the lock: a drainer already running on a timer cannot
	// pop the entry and report on it before ACCEPTED is out.
	d.emit(cmd.CmdID, cmd.Channel, command.StatusAccepted, "", "", map[string]any{"queue_position": depth})
	d.mu.Unlock()

	log.WithField("depth", depth).Debug("queued")
	d.drain()
	return command.StatusAccepted, nil
}

// pendingLocked reports whether cmdID is queued or in flight.
func (d *Dispatcher) pendingLocked(cmdID string) bool {
	for _, id := range d.inflight {
		if id == cmdID {
			return true
		}
	}
	for _, e := range d.queue {
		if e.cmd.CmdID == cmdID {
			return true
		}
	}
	return false
}

// Kick triggers a drain, e.g. after a configuration change or a reset.
func (d *Dispatcher) Kick() { d.drain() }

// drain runs drainOnce until no trigger arrived meanwhile. Concurrent and
// re-entrant triggers fold into the active drainer.
func (d *Dispatcher) drain() {
	d.drainMu.Lock()
	if d.draining {
		d.again = true
		d.drainMu.Unlock()
		return
	}
	d.draining = true
	d.drainMu.Unlock()

	for {
		d.drainOnce()

		d.drainMu.Lock()
		if !d.again {
			d.draining = false
			d.drainMu.Unlock()
			return
		}
		d.again = false
		d.drainMu.Unlock()
	}
}

func (d *Dispatcher) drainOnce() {
	for {
		e, ok := d.next()
		if !ok {
			return
		}

		log := d.log.WithFields(logrus.Fields{"channel": e.cmd.Channel, "cmd_id": e.cmd.CmdID})
		reading, err := d.act.Run(e.cmd.Channel, e.cmd.Duration)
		if err != nil {
			if errors.Is(err, actuator.ErrBusy) || errors.Is(err, actuator.ErrCooldown) {
				// lost a race with a stop or an external run
				d.requeue(e)
				log.WithError(err).Debug("requeued")
				d.armRetry(d.act.CooldownRemaining(e.cmd.Channel))
				return
			}
			log.WithError(err).Warn("run failed")
			d.fail(e.cmd, err)
			continue
		}

		now := d.clock.Now()
		d.mu.Lock()
		d.inflight[e.cmd.Channel] = e.cmd.CmdID
		d.mu.Unlock()
		d.completions.Schedule(PendingCompletion{
			Channel:  e.cmd.Channel,
			CmdID:    e.cmd.CmdID,
			Reading:  reading,
			Started:  now,
			Deadline: now.Add(e.cmd.Duration),
		})
		log.WithField("duration", e.cmd.Duration).Info("started")

		if d.mode == NodeWide {
			return
		}
	}
}

// next pops the first runnable entry. Entries blocked by cooldown are
// rotated behind newer arrivals and the retry timer is armed for the
// shortest remaining cooldown.
func (d *Dispatcher) next() (entry, bool) {
	d.mu.Lock()
	if len(d.queue) == 0 {
		d.mu.Unlock()
		return entry{}, false
	}
	channels := make(map[string]struct{}, len(d.queue))
	for _, e := range d.queue {
		channels[e.cmd.Channel] = struct{}{}
	}
	inflight := len(d.inflight) > 0
	d.mu.Unlock()

	if d.mode == NodeWide && (inflight || d.act.Busy()) {
		return entry{}, false
	}

	// Snapshot actuator state outside the queue lock. Only the drainer
	// removes entries, so the queue can only have grown meanwhile.
	wait := make(map[string]time.Duration, len(channels))
	running := make(map[string]bool, len(channels))
	for ch := range channels {
		wait[ch] = d.act.CooldownRemaining(ch)
		if d.mode == PerChannel {
			running[ch] = d.act.Running(ch)
		}
	}

	d.mu.Lock()
	var (
		kept    []entry
		blocked []entry
		minWait time.Duration
		picked  entry
		found   bool
	)
	for i, e := range d.queue {
		ch := e.cmd.Channel
		if d.mode == PerChannel {
			if _, busy := d.inflight[ch]; busy || running[ch] {
				kept = append(kept, e)
				continue
			}
		}
		if w := wait[ch]; w > 0 {
			blocked = append(blocked, e)
			if minWait == 0 || w < minWait {
				minWait = w
			}
			continue
		}
		picked, found = e, true
		kept = append(kept, d.queue[i+1:]...)
		break
	}
	d.queue = append(kept, blocked...)
	d.mu.Unlock()

	if !found {
		d.armRetry(minWait)
	}
	return picked, found
}

// requeue puts e back at the tail. Capacity is not enforced: the entry
// was already admitted.
func (d *Dispatcher) requeue(e entry) {
	d.mu.Lock()
	d.queue = append(d.queue, e)
	d.mu.Unlock()
}

// armRetry keeps at most one retry timer, at the earliest deadline asked for.
func (d *Dispatcher) armRetry(wait time.Duration) {
	if wait <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	at := d.clock.Now().Add(wait)
	if d.retry != nil && !d.retryAt.After(at) {
		return
	}
	if d.retry != nil {
		d.retry.Stop()
	}
	d.retryGen++
	gen := d.retryGen
	d.retryAt = at
	d.retry = d.clock.AfterFunc(wait, func() { d.onRetry(gen) })
}

func (d *Dispatcher) onRetry(gen uint64) {
	d.mu.Lock()
	if gen == d.retryGen {
		d.retry = nil
		d.retryAt = time.Time{}
	}
	d.mu.Unlock()
	d.drain()
}

// fail emits FAILED for a command that could not start.
func (d *Dispatcher) fail(cmd command.Command, err error) {
	code := CodeFor(err)
	var extra map[string]any
	if errors.Is(err, actuator.ErrInvalidState) && d.explain != nil {
		explained, remaining := d.explain.Explain(cmd.Channel)
		if explained != "" {
			code = explained
		}
		if remaining > 0 {
			extra = map[string]any{"cooldown_remaining_ms": remaining.Milliseconds()}
		}
	}
	d.finish(cmd.CmdID, cmd.Channel, command.StatusFailed, code, err.Error(), extra)
}

// complete is the completion deadline callback.
func (d *Dispatcher) complete(pc PendingCompletion) {
	log := d.log.WithFields(logrus.Fields{"channel": pc.Channel, "cmd_id": pc.CmdID})
	if _, err := d.act.Stop(pc.Channel); err != nil {
		log.WithError(err).Warn("stop at completion")
	}

	d.mu.Lock()
	if d.inflight[pc.Channel] == pc.CmdID {
		delete(d.inflight, pc.Channel)
	}
	d.mu.Unlock()

	if !pc.Reading.Valid {
		d.finish(pc.CmdID, pc.Channel, command.StatusFailed, command.CodeCurrentUnavailable, "current reading invalid", nil)
	} else {
		extra := map[string]any{"duration_ms": pc.Deadline.Sub(pc.Started).Milliseconds()}
		if pc.Reading.Sensed {
			extra["current_ma"] = pc.Reading.MilliAmps
		}
		d.finish(pc.CmdID, pc.Channel, command.StatusDone, "", "", extra)
	}
	log.Info("completed")
	d.drain()
}

// Stop disengages channel, cancels its pending completion and answers
// cmdID. The interrupted run gets its own single DONE.
func (d *Dispatcher) Stop(channel, cmdID string) error {
	log := d.log.WithFields(logrus.Fields{"channel": channel, "cmd_id": cmdID})
	if prev, ok := d.dedup.seen(cmdID); ok {
		d.emit(cmdID, channel, command.StatusNoEffect, "", "duplicate of finalized command", map[string]any{"previous_status": string(prev)})
		return ErrDuplicate
	}

	res, err := d.act.Stop(channel)
	pc, had := d.completions.Cancel(channel)
	if had {
		d.mu.Lock()
		if d.inflight[channel] == pc.CmdID {
			delete(d.inflight, channel)
		}
		d.mu.Unlock()
	}
	if err != nil {
		log.WithError(err).Warn("stop failed")
		if had {
			d.finish(pc.CmdID, channel, command.StatusFailed, CodeFor(err), err.Error(), nil)
		}
		d.finish(cmdID, channel, command.StatusFailed, CodeFor(err), err.Error(), nil)
		d.drain()
		return err
	}

	extra := map[string]any{}
	if res.WasRunning {
		extra["ran_ms"] = res.Ran.Milliseconds()
		extra["dispensed_ml"] = res.DispensedML
	}
	if had && pc.CmdID != cmdID {
		interrupted := map[string]any{"interrupted": true, "stopped_by": cmdID}
		for k, v := range extra {
			interrupted[k] = v
		}
		d.finish(pc.CmdID, channel, command.StatusDone, "", "", interrupted)
	}
	if res.WasRunning || had {
		d.finish(cmdID, channel, command.StatusDone, "", "", extra)
	} else {
		d.finish(cmdID, channel, command.StatusNoEffect, "", "channel not running", nil)
	}
	log.WithField("was_running", res.WasRunning).Info("stopped")

	d.drain()
	return nil
}

// Halt resolves every queued and in-flight command with FAILED(code).
// Used when safe mode stops the node.
func (d *Dispatcher) Halt(code command.Code, reason string) {
	for _, pc := range d.completions.CancelAll() {
		d.finish(pc.CmdID, pc.Channel, command.StatusFailed, code, reason, map[string]any{"interrupted": true})
	}

	d.mu.Lock()
	queued := d.queue
	d.queue = nil
	d.inflight = make(map[string]string)
	if d.retry != nil {
		d.retry.Stop()
		d.retry = nil
		d.retryAt = time.Time{}
	}
	d.mu.Unlock()

	for _, e := range queued {
		d.finish(e.cmd.CmdID, e.cmd.Channel, command.StatusFailed, code, reason, nil)
	}
	d.log.WithFields(logrus.Fields{"reason": reason, "dropped": len(queued)}).Warn("dispatcher halted")
}

// Pending returns the queued commands in drain order.
func (d *Dispatcher) Pending() []Queued {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Queued, len(d.queue))
	for i, e := range d.queue {
		out[i] = Queued{Channel: e.cmd.Channel, CmdID: e.cmd.CmdID, Duration: e.cmd.Duration, Arrived: e.arrived}
	}
	return out
}

// Depth returns the number of queued commands.
func (d *Dispatcher) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// InFlight returns the cmd_id running on channel, if any.
func (d *Dispatcher) InFlight(channel string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.inflight[channel]
	return id, ok
}
