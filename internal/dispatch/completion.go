package dispatch

import (
	"sync"
	"time"

	"github.com/sweeney/hydro-node/internal/actuator"
	"github.com/sweeney/hydro-node/internal/clock"
)

// PendingCompletion is the terminal response owed for one active run.
type PendingCompletion struct {
	Channel  string
	CmdID    string
	Reading  actuator.CurrentReading
	Started  time.Time
	Deadline time.Time
}

type scheduled struct {
	pc    PendingCompletion
	timer clock.Timer
	seq   uint64
}

// Completions arms one-shot deadlines keyed by channel. Exactly one of
// fire and Cancel observes each scheduled entry.
type Completions struct {
	mu      sync.Mutex
	clock   clock.Clock
	fire    func(PendingCompletion)
	entries map[string]*scheduled
	seq     uint64
}

// NewCompletions creates a scheduler that calls fire when a deadline passes.
func NewCompletions(clk clock.Clock, fire func(PendingCompletion)) *Completions {
	return &Completions{
		clock:   clk,
		fire:    fire,
		entries: make(map[string]*scheduled),
	}
}

// Schedule arms pc. A completion already pending for the channel is
// replaced without firing.
func (c *Completions) Schedule(pc PendingCompletion) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[pc.Channel]; ok {
		old.timer.Stop()
	}
	c.seq++
	seq := c.seq
	wait := pc.Deadline.Sub(c.clock.Now())
	if wait < 0 {
		wait = 0
	}
	e := &scheduled{pc: pc, seq: seq}
	c.entries[pc.Channel] = e
	e.timer = c.clock.AfterFunc(wait, func() { c.expire(pc.Channel, seq) })
}

func (c *Completions) expire(channel string, seq uint64) {
	c.mu.Lock()
	e, ok := c.entries[channel]
	if !ok || e.seq != seq {
		c.mu.Unlock()
		return
	}
	delete(c.entries, channel)
	c.mu.Unlock()

	c.fire(e.pc)
}

// Cancel disarms the completion for channel without firing it.
func (c *Completions) Cancel(channel string) (PendingCompletion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[channel]
	if !ok {
		return PendingCompletion{}, false
	}
	delete(c.entries, channel)
	e.timer.Stop()
	return e.pc, true
}

// CancelAll disarms every completion and returns them.
func (c *Completions) CancelAll() []PendingCompletion {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingCompletion, 0, len(c.entries))
	for ch, e := range c.entries {
		e.timer.Stop()
		out = append(out, e.pc)
		delete(c.entries, ch)
	}
	return out
}

// Get returns the completion pending for channel.
func (c *Completions) Get(channel string) (PendingCompletion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[channel]
	if !ok {
		return PendingCompletion{}, false
	}
	return e.pc, true
}

// Len returns the number of armed completions.
func (c *Completions) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
