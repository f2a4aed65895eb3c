package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/sweeney/hydro-node/internal/actuator"
	"github.com/sweeney/hydro-node/internal/clock"
	"github.com/sweeney/hydro-node/internal/command"
	"github.com/sweeney/hydro-node/internal/current"
	"github.com/sweeney/hydro-node/internal/gpio"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// recorder is a command.Sink that keeps every response.
type recorder struct {
	mu sync.Mutex
	rs []command.Response
}

func (r *recorder) Emit(resp command.Response) {
	r.mu.Lock()
	r.rs = append(r.rs, resp)
	r.mu.Unlock()
}

func (r *recorder) forCmd(id string) []command.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []command.Response
	for _, resp := range r.rs {
		if resp.CmdID == id {
			out = append(out, resp)
		}
	}
	return out
}

func (r *recorder) statuses(id string) []command.Status {
	var out []command.Status
	for _, resp := range r.forCmd(id) {
		out = append(out, resp.Status)
	}
	return out
}

func (r *recorder) all() []command.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]command.Response(nil), r.rs...)
}

func equalStatuses(got []command.Status, want ...command.Status) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

type env struct {
	d      *Dispatcher
	drv    *actuator.Driver
	clk    *clock.Fake
	outs   *gpio.FakeOutputs
	sensor *current.FakeSensor
	rec    *recorder
}

const (
	lineA = 1
	lineB = 2
	lineC = 3
)

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	reg, err := actuator.NewRegistry(1, []actuator.Channel{
		{Name: "A", Binding: actuator.Binding{Line: lineA}, Limits: actuator.Limits{MaxDuration: 10 * time.Second, MinOffTime: 10 * time.Second},
			MLPerSecond: 1, Current: &actuator.CurrentLimits{MinMA: 50, MaxMA: 800}},
		{Name: "B", Binding: actuator.Binding{Line: lineB}, Limits: actuator.Limits{MaxDuration: 10 * time.Second, MinOffTime: 5 * time.Second}},
		{Name: "C", Binding: actuator.Binding{Line: lineC}, Limits: actuator.Limits{MaxDuration: 10 * time.Second}},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	logger, _ := test.NewNullLogger()
	e := &env{
		clk:    clock.NewFake(t0),
		outs:   gpio.NewFakeOutputs(),
		sensor: current.NewFakeSensor(current.Reading{MilliAmps: 250, Valid: true}),
		rec:    &recorder{},
	}
	e.drv, err = actuator.NewDriver(reg, actuator.Options{Outputs: e.outs, Sensor: e.sensor, Clock: e.clk, Logger: logger})
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	opts.Clock = e.clk
	opts.Logger = logger
	e.d = New(e.drv, e.rec, opts)
	return e
}

func (e *env) submit(t *testing.T, channel, id string, d time.Duration) command.Status {
	t.Helper()
	st, _ := e.d.Submit(command.Command{Kind: command.KindRunPump, Channel: channel, CmdID: id, Duration: d})
	return st
}

func (e *env) on(line int) bool { return e.outs.Get(line).On() }

func (e *env) onCount() int {
	n := 0
	for _, l := range []int{lineA, lineB, lineC} {
		if e.on(l) {
			n++
		}
	}
	return n
}

func TestRunToDone(t *testing.T) {
	e := newEnv(t, Options{})

	if st := e.submit(t, "A", "r1", 2*time.Second); st != command.StatusAccepted {
		t.Fatalf("Submit: %s", st)
	}
	if !e.on(lineA) {
		t.Fatal("A should be running")
	}
	if got := e.rec.statuses("r1"); !equalStatuses(got, command.StatusAccepted) {
		t.Fatalf("before deadline: %v", got)
	}

	e.clk.Advance(1999 * time.Millisecond)
	if got := e.rec.statuses("r1"); len(got) != 1 {
		t.Fatalf("completed early: %v", got)
	}

	e.clk.Advance(time.Millisecond)
	rs := e.rec.forCmd("r1")
	if len(rs) != 2 || rs[1].Status != command.StatusDone {
		t.Fatalf("responses: %+v", rs)
	}
	if rs[1].Extra["current_ma"] != 250.0 {
		t.Errorf("current_ma: %v", rs[1].Extra["current_ma"])
	}
	if e.on(lineA) {
		t.Error("A still engaged")
	}
	if _, ok := e.d.InFlight("A"); ok {
		t.Error("in-flight entry not cleared")
	}
}

func TestSecondChannelWaitsForFirst(t *testing.T) {
	e := newEnv(t, Options{})

	e.submit(t, "A", "a", 2*time.Second)
	if st := e.submit(t, "B", "b", time.Second); st != command.StatusAccepted {
		t.Fatalf("B: %s", st)
	}
	if e.on(lineB) {
		t.Fatal("B must wait: node already running A")
	}
	if p := e.d.Pending(); len(p) != 1 || p[0].CmdID != "b" {
		t.Fatalf("pending: %+v", p)
	}

	e.clk.Advance(2 * time.Second)
	if !e.on(lineB) || e.on(lineA) {
		t.Fatal("B should start when A completes")
	}

	e.clk.Advance(time.Second)
	if got := e.rec.statuses("b"); !equalStatuses(got, command.StatusAccepted, command.StatusDone) {
		t.Errorf("b: %v", got)
	}
	if got := e.rec.statuses("a"); !equalStatuses(got, command.StatusAccepted, command.StatusDone) {
		t.Errorf("a: %v", got)
	}
}

func TestStopCancelsCompletion(t *testing.T) {
	e := newEnv(t, Options{})
	e.submit(t, "A", "run", 4*time.Second)
	e.clk.Advance(time.Second)

	if err := e.d.Stop("A", "halt"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if e.on(lineA) {
		t.Error("A still engaged")
	}
	if st, _ := e.drv.State("A"); st != actuator.StateCooldown {
		t.Errorf("state: %s", st)
	}

	stop := e.rec.forCmd("halt")
	if len(stop) != 1 || stop[0].Status != command.StatusDone {
		t.Fatalf("stop responses: %+v", stop)
	}
	if stop[0].Extra["ran_ms"] != int64(1000) {
		t.Errorf("ran_ms: %v", stop[0].Extra["ran_ms"])
	}

	e.clk.Advance(time.Minute)
	run := e.rec.forCmd("run")
	if len(run) != 2 {
		t.Fatalf("run responses: %+v", run)
	}
	if run[1].Status != command.StatusDone || run[1].Extra["interrupted"] != true {
		t.Errorf("interrupted run: %+v", run[1])
	}
}

func TestStopIdleIsNoEffect(t *testing.T) {
	e := newEnv(t, Options{})
	e.d.Stop("B", "s1")
	if got := e.rec.statuses("s1"); !equalStatuses(got, command.StatusNoEffect) {
		t.Errorf("s1: %v", got)
	}

	if err := e.d.Stop("nope", "s2"); !errors.Is(err, actuator.ErrNotFound) {
		t.Errorf("unknown channel: %v", err)
	}
	rs := e.rec.forCmd("s2")
	if len(rs) != 1 || rs[0].Code != command.CodePumpNotFound {
		t.Errorf("s2: %+v", rs)
	}
}

func TestNoCurrentFails(t *testing.T) {
	e := newEnv(t, Options{})
	e.sensor.Set(current.Reading{MilliAmps: 2, Valid: true})

	e.submit(t, "A", "dry", time.Second)

	rs := e.rec.forCmd("dry")
	if len(rs) != 2 || rs[1].Status != command.StatusFailed || rs[1].Code != command.CodeCurrentUnavailable {
		t.Fatalf("responses: %+v", rs)
	}
	if e.on(lineA) {
		t.Error("output not rolled back")
	}
	if e.outs.Get(lineA).Engagements() != 1 {
		t.Errorf("engagements: %d", e.outs.Get(lineA).Engagements())
	}

	// The failure does not stall the queue.
	e.submit(t, "C", "next", time.Second)
	if !e.on(lineC) {
		t.Error("queue stalled after failure")
	}
}

func TestOvercurrentFails(t *testing.T) {
	e := newEnv(t, Options{})
	e.sensor.Set(current.Reading{MilliAmps: 2000, Valid: true})

	e.submit(t, "A", "hot", time.Second)
	rs := e.rec.forCmd("hot")
	if len(rs) != 2 || rs[1].Code != command.CodeOvercurrent {
		t.Fatalf("responses: %+v", rs)
	}
}

func TestDuplicateFinalized(t *testing.T) {
	e := newEnv(t, Options{})
	e.submit(t, "C", "x", time.Second)
	e.clk.Advance(time.Second)

	st, err := e.d.Submit(command.Command{Channel: "C", CmdID: "x", Duration: time.Second})
	if st != command.StatusNoEffect || !errors.Is(err, ErrDuplicate) {
		t.Fatalf("resubmit: %s %v", st, err)
	}
	if e.outs.Get(lineC).Engagements() != 1 {
		t.Error("duplicate re-engaged the output")
	}
	rs := e.rec.forCmd("x")
	if last := rs[len(rs)-1]; last.Extra["previous_status"] != "DONE" {
		t.Errorf("previous_status: %v", last.Extra)
	}

	e.clk.Advance(59 * time.Second)
	if st := e.submit(t, "C", "x", time.Second); st != command.StatusNoEffect {
		t.Errorf("inside window: %s", st)
	}

	e.clk.Advance(time.Second)
	if st := e.submit(t, "C", "x", time.Second); st != command.StatusAccepted {
		t.Errorf("after window: %s", st)
	}
	if e.outs.Get(lineC).Engagements() != 2 {
		t.Error("expired cmd_id should run again")
	}
}

func TestDuplicatePending(t *testing.T) {
	e := newEnv(t, Options{})
	e.submit(t, "A", "p", 5*time.Second)
	e.submit(t, "B", "q", time.Second)

	if st := e.submit(t, "A", "p", 5*time.Second); st != command.StatusNoEffect {
		t.Errorf("in-flight duplicate: %s", st)
	}
	if st := e.submit(t, "B", "q", time.Second); st != command.StatusNoEffect {
		t.Errorf("queued duplicate: %s", st)
	}
	if e.d.Depth() != 1 {
		t.Errorf("depth: %d", e.d.Depth())
	}
}

func TestQueueCapacity(t *testing.T) {
	e := newEnv(t, Options{Capacity: 8})
	if _, err := e.drv.Run("C", 10*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i := 0; i < 8; i++ {
		if st := e.submit(t, "B", fmt.Sprintf("q%d", i), time.Second); st != command.StatusAccepted {
			t.Fatalf("q%d: %s", i, st)
		}
	}
	st, err := e.d.Submit(command.Command{Channel: "B", CmdID: "q8", Duration: time.Second})
	if st != command.StatusError || !errors.Is(err, ErrQueueFull) {
		t.Fatalf("q8: %s %v", st, err)
	}
	rs := e.rec.forCmd("q8")
	if len(rs) != 1 || rs[0].Code != command.CodePumpQueueFull {
		t.Errorf("q8 responses: %+v", rs)
	}

	p := e.d.Pending()
	if len(p) != 8 {
		t.Fatalf("pending: %d", len(p))
	}
	for i, q := range p {
		if q.CmdID != fmt.Sprintf("q%d", i) {
			t.Errorf("pending[%d] = %s", i, q.CmdID)
		}
	}

	// The run was started outside the dispatcher, so nothing drains on its own.
	e.clk.Advance(10 * time.Second)
	e.d.Kick()
	if !e.on(lineB) {
		t.Error("q0 should start after kick")
	}
	if got := e.rec.statuses("q8"); len(got) != 1 {
		t.Errorf("rejected command resurfaced: %v", got)
	}
}

func TestCooldownRequeueNoHeadOfLineStall(t *testing.T) {
	e := newEnv(t, Options{})
	e.submit(t, "A", "a1", time.Second)
	e.clk.Advance(time.Second)

	e.submit(t, "A", "a2", time.Second)
	if e.on(lineA) {
		t.Fatal("A must not run during cooldown")
	}
	if e.clk.Pending() != 1 {
		t.Errorf("expected a single retry timer, got %d", e.clk.Pending())
	}

	e.submit(t, "B", "b1", time.Second)
	if !e.on(lineB) {
		t.Fatal("B should not wait behind cooling A")
	}

	e.clk.Advance(time.Second)
	if got := e.rec.statuses("b1"); !equalStatuses(got, command.StatusAccepted, command.StatusDone) {
		t.Errorf("b1: %v", got)
	}
	if e.clk.Pending() != 1 {
		t.Errorf("retry timers after b1: %d", e.clk.Pending())
	}

	e.clk.Advance(8999 * time.Millisecond)
	if e.on(lineA) {
		t.Fatal("A started before cooldown elapsed")
	}
	e.clk.Advance(time.Millisecond)
	if !e.on(lineA) {
		t.Fatal("A should start when its cooldown elapses")
	}

	e.clk.Advance(time.Second)
	if got := e.rec.statuses("a2"); !equalStatuses(got, command.StatusAccepted, command.StatusDone) {
		t.Errorf("a2: %v", got)
	}
}

func TestRetryTimerCoalesces(t *testing.T) {
	e := newEnv(t, Options{})
	e.submit(t, "A", "a1", time.Second)
	e.clk.Advance(time.Second)
	e.submit(t, "B", "b1", time.Second)
	e.clk.Advance(time.Second)

	// A cools for 9s more, B for 5s.
	e.submit(t, "A", "a2", time.Second)
	e.submit(t, "B", "b2", time.Second)
	if e.clk.Pending() != 1 {
		t.Fatalf("expected one coalesced retry timer, got %d", e.clk.Pending())
	}

	e.clk.Advance(5 * time.Second)
	if !e.on(lineB) || e.on(lineA) {
		t.Fatal("B should start first at the earlier deadline")
	}

	e.clk.Advance(time.Second)
	if e.clk.Pending() != 1 {
		t.Errorf("expected retry for A, got %d timers", e.clk.Pending())
	}
	e.clk.Advance(3 * time.Second)
	if !e.on(lineA) {
		t.Error("A should start when its cooldown elapses")
	}
}

func TestPerChannelFlight(t *testing.T) {
	e := newEnv(t, Options{Mode: PerChannel})
	e.submit(t, "B", "b", 2*time.Second)
	e.submit(t, "C", "c", 2*time.Second)
	if !e.on(lineB) || !e.on(lineC) {
		t.Fatal("per-channel mode should run both channels")
	}

	e.submit(t, "C", "c2", time.Second)
	if e.d.Depth() != 1 {
		t.Errorf("second C run should wait, depth %d", e.d.Depth())
	}

	e.clk.Advance(2 * time.Second)
	if !e.on(lineC) {
		t.Error("c2 should start after c")
	}
}

func TestSingleFlightUnderConcurrentSubmit(t *testing.T) {
	e := newEnv(t, Options{Capacity: 32})

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch := []string{"A", "B", "C"}[i%3]
			e.d.Submit(command.Command{Channel: ch, CmdID: fmt.Sprintf("c%d", i), Duration: 500 * time.Millisecond})
		}(i)
	}
	wg.Wait()

	if n := e.onCount(); n != 1 {
		t.Fatalf("expected exactly one engaged output, got %d", n)
	}
	for step := 0; step < 600; step++ {
		e.clk.Advance(500 * time.Millisecond)
		if n := e.onCount(); n > 1 {
			t.Fatalf("step %d: %d outputs engaged", step, n)
		}
	}

	if e.d.Depth() != 0 {
		t.Fatalf("queue not drained: %+v", e.d.Pending())
	}
	for i := 0; i < 24; i++ {
		id := fmt.Sprintf("c%d", i)
		terminal := 0
		for _, st := range e.rec.statuses(id) {
			if st.Terminal() {
				terminal++
			}
		}
		if terminal != 1 {
			t.Errorf("%s: %d terminal responses (%v)", id, terminal, e.rec.statuses(id))
		}
	}
}

func TestHalt(t *testing.T) {
	e := newEnv(t, Options{})
	e.submit(t, "A", "running", 5*time.Second)
	e.submit(t, "B", "waiting", time.Second)

	e.drv.SetSafeMode(true, "leak")
	e.d.Halt(command.CodeSafeMode, "leak")

	for _, id := range []string{"running", "waiting"} {
		rs := e.rec.forCmd(id)
		last := rs[len(rs)-1]
		if len(rs) != 2 || last.Status != command.StatusFailed || last.Code != command.CodeSafeMode {
			t.Errorf("%s: %+v", id, rs)
		}
	}
	if e.d.Depth() != 0 {
		t.Error("queue not flushed")
	}

	e.clk.Advance(time.Minute)
	if n := len(e.rec.forCmd("running")); n != 2 {
		t.Errorf("completion fired after halt: %d responses", n)
	}

	e.submit(t, "C", "later", time.Second)
	rs := e.rec.forCmd("later")
	if len(rs) != 2 || rs[1].Code != command.CodeSafeMode {
		t.Errorf("run in safe mode: %+v", rs)
	}
}

type stubExplainer struct {
	calls int
	code  command.Code
}

func (s *stubExplainer) Explain(string) (command.Code, time.Duration) {
	s.calls++
	return s.code, 0
}

func TestFaultedChannelExplained(t *testing.T) {
	ex := &stubExplainer{code: command.CodePumpDriverFailed}
	e := newEnv(t, Options{Explainer: ex})
	e.outs.Get(lineB).FailWith(errors.New("EIO"))

	e.submit(t, "B", "f1", time.Second)
	rs := e.rec.forCmd("f1")
	if len(rs) != 2 || rs[1].Code != command.CodePumpDriverFailed {
		t.Fatalf("f1: %+v", rs)
	}
	if ex.calls != 0 {
		t.Error("output failure is classified directly")
	}

	e.submit(t, "B", "f2", time.Second)
	rs = e.rec.forCmd("f2")
	if len(rs) != 2 || rs[1].Status != command.StatusFailed {
		t.Fatalf("f2: %+v", rs)
	}
	if ex.calls != 1 {
		t.Errorf("explainer calls: %d", ex.calls)
	}
}

func TestEveryResponseTimestamped(t *testing.T) {
	e := newEnv(t, Options{})
	e.submit(t, "C", "ts", time.Second)
	e.clk.Advance(time.Second)
	for _, r := range e.rec.all() {
		if r.Timestamp.IsZero() || r.Channel != "C" {
			t.Errorf("response: %+v", r)
		}
	}
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want command.Code
	}{
		{ErrQueueFull, command.CodePumpQueueFull},
		{fmt.Errorf("x: %w", actuator.ErrNotFound), command.CodePumpNotFound},
		{&actuator.StateError{Channel: "a", State: actuator.StateOn}, command.CodePumpBusy},
		{&actuator.StateError{Channel: "a", State: actuator.StateCooldown}, command.CodePumpCooldown},
		{&actuator.StateError{Channel: "a", State: actuator.StateFault}, command.CodePumpDriverFailed},
		{actuator.ErrCurrentUnavailable, command.CodeCurrentUnavailable},
		{actuator.ErrOvercurrent, command.CodeOvercurrent},
		{actuator.ErrSafeMode, command.CodeSafeMode},
		{actuator.ErrNotCalibrated, command.CodeNotCalibrated},
		{actuator.ErrInvalidArgument, command.CodeInvalidParams},
		{command.ErrInvalid, command.CodeInvalidParams},
		{actuator.ErrOutput, command.CodePumpDriverFailed},
	}
	for _, tc := range tests {
		if got := CodeFor(tc.err); got != tc.want {
			t.Errorf("CodeFor(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestFaultedChannelUnexplainedKeepsCode(t *testing.T) {
	ex := &stubExplainer{}
	e := newEnv(t, Options{Explainer: ex})
	e.outs.Get(lineB).FailWith(errors.New("EIO"))
	e.submit(t, "B", "f1", time.Second)

	// channel state moved on before the explainer looked
	e.submit(t, "B", "f2", time.Second)
	rs := e.rec.forCmd("f2")
	if len(rs) != 2 || rs[1].Status != command.StatusFailed {
		t.Fatalf("f2: %+v", rs)
	}
	if rs[1].Code != command.CodePumpDriverFailed {
		t.Errorf("code: %q", rs[1].Code)
	}
}

func TestDuplicateAfterFinalizeBurst(t *testing.T) {
	e := newEnv(t, Options{Capacity: 8})
	e.outs.Get(lineB).FailWith(errors.New("EIO"))

	const burst = 500
	for i := 0; i < burst; i++ {
		e.submit(t, "B", fmt.Sprintf("b%d", i), time.Second)
	}
	e.clk.Advance(30 * time.Second)

	for _, id := range []string{"b0", "b1", "b250"} {
		st, err := e.d.Submit(command.Command{Kind: command.KindRunPump, Channel: "C", CmdID: id, Duration: time.Second})
		if st != command.StatusNoEffect || !errors.Is(err, ErrDuplicate) {
			t.Errorf("%s resubmitted inside the window: %s %v", id, st, err)
		}
	}
	if e.outs.Get(lineC).Engagements() != 0 {
		t.Error("duplicate re-executed")
	}
}

// holdingSink runs hook before recording an ACCEPTED response.
type holdingSink struct {
	recorder
	hook func()
}

func (s *holdingSink) Emit(resp command.Response) {
	if resp.Status == command.StatusAccepted && s.hook != nil {
		s.hook()
	}
	s.recorder.Emit(resp)
}

func TestAcceptedPrecedesConcurrentDrain(t *testing.T) {
	e := newEnv(t, Options{})
	e.outs.Get(lineB).FailWith(errors.New("EIO"))
	logger, _ := test.NewNullLogger()
	sink := &holdingSink{}
	d := New(e.drv, sink, Options{Clock: e.clk, Logger: logger})

	// A timer-driven drain starts while ACCEPTED is still being emitted.
	sink.hook = func() {
		go d.Kick()
		time.Sleep(20 * time.Millisecond)
	}
	d.Submit(command.Command{Kind: command.KindRunPump, Channel: "B", CmdID: "o1", Duration: time.Second})

	deadline := time.Now().Add(time.Second)
	for len(sink.forCmd("o1")) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := sink.statuses("o1"); !equalStatuses(got, command.StatusAccepted, command.StatusFailed) {
		t.Errorf("order: %v", got)
	}
}
