package dispatch

import (
	"testing"
	"time"

	"github.com/sweeney/hydro-node/internal/actuator"
	"github.com/sweeney/hydro-node/internal/clock"
)

func newCompletions() (*Completions, *clock.Fake, *[]PendingCompletion) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC))
	var fired []PendingCompletion
	c := NewCompletions(clk, func(pc PendingCompletion) { fired = append(fired, pc) })
	return c, clk, &fired
}

func TestCompletionFiresAtDeadline(t *testing.T) {
	c, clk, fired := newCompletions()
	c.Schedule(PendingCompletion{
		Channel:  "ph_up",
		CmdID:    "c1",
		Reading:  actuator.CurrentReading{MilliAmps: 250, Valid: true, Sensed: true},
		Started:  clk.Now(),
		Deadline: clk.Now().Add(2 * time.Second),
	})

	clk.Advance(1999 * time.Millisecond)
	if len(*fired) != 0 {
		t.Fatal("fired before deadline")
	}
	clk.Advance(time.Millisecond)
	if len(*fired) != 1 || (*fired)[0].CmdID != "c1" || (*fired)[0].Reading.MilliAmps != 250 {
		t.Fatalf("fired: %+v", *fired)
	}
	if c.Len() != 0 {
		t.Errorf("len after fire: %d", c.Len())
	}
}

func TestCompletionPastDeadlineFiresOnNextAdvance(t *testing.T) {
	c, clk, fired := newCompletions()
	c.Schedule(PendingCompletion{Channel: "a", CmdID: "c1", Deadline: clk.Now().Add(-time.Second)})
	clk.Advance(0)
	if len(*fired) != 1 {
		t.Fatalf("fired: %d", len(*fired))
	}
}

func TestCompletionCancel(t *testing.T) {
	c, clk, fired := newCompletions()
	c.Schedule(PendingCompletion{Channel: "a", CmdID: "c1", Deadline: clk.Now().Add(time.Second)})

	pc, ok := c.Cancel("a")
	if !ok || pc.CmdID != "c1" {
		t.Fatalf("Cancel: %+v %v", pc, ok)
	}
	if _, ok := c.Cancel("a"); ok {
		t.Error("second Cancel should find nothing")
	}
	clk.Advance(5 * time.Second)
	if len(*fired) != 0 {
		t.Error("cancelled completion fired")
	}
}

func TestCompletionRescheduleReplaces(t *testing.T) {
	c, clk, fired := newCompletions()
	c.Schedule(PendingCompletion{Channel: "a", CmdID: "c1", Deadline: clk.Now().Add(time.Second)})
	c.Schedule(PendingCompletion{Channel: "a", CmdID: "c2", Deadline: clk.Now().Add(3 * time.Second)})

	if pc, _ := c.Get("a"); pc.CmdID != "c2" {
		t.Errorf("Get: %q", pc.CmdID)
	}
	clk.Advance(2 * time.Second)
	if len(*fired) != 0 {
		t.Fatalf("replaced completion fired: %+v", *fired)
	}
	clk.Advance(time.Second)
	if len(*fired) != 1 || (*fired)[0].CmdID != "c2" {
		t.Fatalf("fired: %+v", *fired)
	}
}

func TestCompletionCancelAll(t *testing.T) {
	c, clk, fired := newCompletions()
	c.Schedule(PendingCompletion{Channel: "a", CmdID: "c1", Deadline: clk.Now().Add(time.Second)})
	c.Schedule(PendingCompletion{Channel: "b", CmdID: "c2", Deadline: clk.Now().Add(time.Second)})

	if got := c.CancelAll(); len(got) != 2 {
		t.Fatalf("CancelAll: %d", len(got))
	}
	if c.Len() != 0 || clk.Pending() != 0 {
		t.Errorf("len %d, timers %d", c.Len(), clk.Pending())
	}
	clk.Advance(2 * time.Second)
	if len(*fired) != 0 {
		t.Error("cancelled completions fired")
	}
}
