package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/hydro-node/internal/command"
	"github.com/sweeney/hydro-node/internal/gpio"
)

// DefaultReadErrorLimit is the number of consecutive failed reads after
// which the input is treated as tripped.
const DefaultReadErrorLimit = 5

// Latch is the node-wide safe mode switch. Implemented by *actuator.Driver.
type Latch interface {
	SetSafeMode(on bool, reason string)
}

// Halter resolves outstanding commands. Implemented by *dispatch.Dispatcher.
type Halter interface {
	Halt(code command.Code, reason string)
}

// Monitor polls the safety input and drives safe mode from its
// debounced transitions.
type Monitor struct {
	mu             sync.Mutex
	in             gpio.Input
	det            *Detector
	latch          Latch
	halter         Halter
	notify         func(Event)
	log            logrus.FieldLogger
	readErrorLimit int
	readErrors     int
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	Debounce       time.Duration
	ReadErrorLimit int
	Latch          Latch
	Halter         Halter
	// Notify, if set, is called after safe mode changed.
	Notify func(Event)
	Logger logrus.FieldLogger
}

// NewMonitor creates a Monitor reading from in.
func NewMonitor(in gpio.Input, opts MonitorOptions) *Monitor {
	if opts.ReadErrorLimit <= 0 {
		opts.ReadErrorLimit = DefaultReadErrorLimit
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Monitor{
		in:             in,
		det:            NewDetector(opts.Debounce),
		latch:          opts.Latch,
		halter:         opts.Halter,
		notify:         opts.Notify,
		log:            opts.Logger,
		readErrorLimit: opts.ReadErrorLimit,
	}
}

// Poll reads one sample and applies any resulting transition.
func (m *Monitor) Poll(now time.Time) *Event {
	m.mu.Lock()
	active, err := m.in.Read()
	var ev *Event
	if err != nil {
		m.readErrors++
		if m.readErrors == 1 {
			m.log.WithError(err).Warn("safety input read failed")
		}
		if m.readErrors >= m.readErrorLimit {
			ev = m.det.ForceTrip(now, fmt.Sprintf("safety input unreadable: %v", err))
		}
	} else {
		if m.readErrors > 0 {
			m.log.WithField("failures", m.readErrors).Info("safety input readable again")
		}
		m.readErrors = 0
		ev = m.det.Process(Sample{Active: active, Time: now})
	}
	m.mu.Unlock()

	if ev != nil {
		m.apply(*ev)
	}
	return ev
}

func (m *Monitor) apply(ev Event) {
	log := m.log.WithFields(logrus.Fields{"event": ev.Type, "reason": ev.Reason})
	switch ev.Type {
	case EventTripped:
		log.Error("safe mode latched")
		if m.latch != nil {
			m.latch.SetSafeMode(true, ev.Reason)
		}
		if m.halter != nil {
			m.halter.Halt(command.CodeSafeMode, ev.Reason)
		}
	case EventCleared:
		log.Warn("safe mode cleared")
		if m.latch != nil {
			m.latch.SetSafeMode(false, ev.Reason)
		}
	}
	if m.notify != nil {
		m.notify(ev)
	}
}

// State returns the debounced input state and transition counts.
func (m *Monitor) State() (State, Counts) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.det.CurrentState(), m.det.Counts()
}

// Close releases the input.
func (m *Monitor) Close() error {
	return m.in.Close()
}
