package clock

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	c := NewFake(t0)
	var got []string
	c.AfterFunc(2*time.Second, func() { got = append(got, "b") })
	c.AfterFunc(time.Second, func() { got = append(got, "a") })
	c.AfterFunc(2*time.Second, func() { got = append(got, "c") })

	c.Advance(1500 * time.Millisecond)
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("after 1.5s: %v", got)
	}
	c.Advance(time.Second)
	if len(got) != 3 || got[1] != "b" || got[2] != "c" {
		t.Fatalf("after 2.5s: %v", got)
	}
	if !c.Now().Equal(t0.Add(2500 * time.Millisecond)) {
		t.Errorf("now: %v", c.Now())
	}
}

func TestFakeNowDuringCallback(t *testing.T) {
	c := NewFake(t0)
	var at time.Time
	c.AfterFunc(time.Second, func() { at = c.Now() })

	c.Advance(5 * time.Second)
	if !at.Equal(t0.Add(time.Second)) {
		t.Errorf("callback saw %v, want the deadline", at)
	}
}

func TestFakeTimerArmedByCallback(t *testing.T) {
	c := NewFake(t0)
	fired := 0
	c.AfterFunc(time.Second, func() {
		fired++
		c.AfterFunc(time.Second, func() { fired++ })
	})

	c.Advance(3 * time.Second)
	if fired != 2 {
		t.Errorf("fired: %d", fired)
	}
	if c.Pending() != 0 {
		t.Errorf("pending: %d", c.Pending())
	}
}

func TestFakeStop(t *testing.T) {
	c := NewFake(t0)
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })

	if !tm.Stop() {
		t.Fatal("first Stop should report true")
	}
	if tm.Stop() {
		t.Error("second Stop should report false")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}

	tm = c.AfterFunc(time.Second, func() {})
	c.Advance(time.Second)
	if tm.Stop() {
		t.Error("Stop after firing should report false")
	}
}

func TestRealAfterFunc(t *testing.T) {
	done := make(chan struct{})
	Real{}.AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
}
