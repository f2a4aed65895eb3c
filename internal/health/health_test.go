package health

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/sweeney/hydro-node/internal/actuator"
	"github.com/sweeney/hydro-node/internal/command"
)

type fakeSource struct {
	chs    []actuator.ChannelStatus
	sensor actuator.SensorStatus
	safe   bool
	calls  int
}

func (f *fakeSource) Snapshot() ([]actuator.ChannelStatus, actuator.SensorStatus, bool) {
	f.calls++
	return f.chs, f.sensor, f.safe
}

func newSource() *fakeSource {
	return &fakeSource{
		sensor: actuator.SensorOK,
		chs: []actuator.ChannelStatus{
			{Name: "idle", Kind: actuator.KindPump, State: actuator.StateOff},
			{Name: "running", Kind: actuator.KindPump, State: actuator.StateOn,
				Stats: actuator.Stats{Runs: 3, RunTime: 90 * time.Second, DispensedML: 45}},
			{Name: "cooling", Kind: actuator.KindRelay, State: actuator.StateCooldown, CooldownRemaining: 4500 * time.Millisecond},
			{Name: "broken", State: actuator.StateFault, Stats: actuator.Stats{Failures: 2, LastOutcome: actuator.OutcomeOutputFault}},
			{Name: "dry", State: actuator.StateOff, Sensed: true,
				Stats: actuator.Stats{Failures: 1, NoCurrentEvents: 1, LastOutcome: actuator.OutcomeNoCurrent}},
			{Name: "hot", State: actuator.StateOff, Sensed: true,
				Stats: actuator.Stats{Failures: 1, OvercurrentEvents: 1, LastOutcome: actuator.OutcomeOvercurrent}},
		},
	}
}

func TestSnapshot(t *testing.T) {
	src := newSource()
	snap := NewReporter(src).Snapshot()

	if len(snap.Channels) != 6 {
		t.Fatalf("channels: %d", len(snap.Channels))
	}
	if snap.CurrentSensor != actuator.SensorOK || snap.SafeMode {
		t.Errorf("node fields: %+v", snap)
	}
	run, ok := snap.Channel("running")
	if !ok {
		t.Fatal("running missing")
	}
	if run.Runs != 3 || run.RunSeconds != 90 || run.DispensedML != 45 {
		t.Errorf("running: %+v", run)
	}
	cool, _ := snap.Channel("cooling")
	if cool.CooldownMs != 4500 {
		t.Errorf("cooldown ms: %d", cool.CooldownMs)
	}
	if src.calls != 1 {
		t.Errorf("source calls: %d", src.calls)
	}
}

func TestExplain(t *testing.T) {
	r := NewReporter(newSource())

	tests := []struct {
		channel   string
		code      command.Code
		remaining time.Duration
	}{
		{"idle", "", 0},
		{"running", command.CodePumpBusy, 0},
		{"cooling", command.CodePumpCooldown, 4500 * time.Millisecond},
		{"broken", command.CodePumpDriverFailed, 0},
		{"dry", command.CodeCurrentUnavailable, 0},
		{"hot", command.CodeOvercurrent, 0},
		{"missing", command.CodePumpNotFound, 0},
	}
	for _, tc := range tests {
		code, rem := r.Explain(tc.channel)
		if code != tc.code || rem != tc.remaining {
			t.Errorf("%s: got (%q, %v), want (%q, %v)", tc.channel, code, rem, tc.code, tc.remaining)
		}
	}
}

func TestExplainSafeMode(t *testing.T) {
	src := newSource()
	src.safe = true
	if code, _ := NewReporter(src).Explain("idle"); code != command.CodeSafeMode {
		t.Errorf("got %q", code)
	}
}

func TestExplainSensorDown(t *testing.T) {
	src := newSource()
	src.sensor = actuator.SensorUnavailable
	src.chs[4].Stats.LastOutcome = actuator.OutcomeCompleted
	if code, _ := NewReporter(src).Explain("dry"); code != command.CodeCurrentUnavailable {
		t.Errorf("got %q", code)
	}
}

func gather(t *testing.T, c prometheus.Collector) map[string]*dto.MetricFamily {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func valueFor(mf *dto.MetricFamily, channel string) (float64, bool) {
	for _, m := range mf.GetMetric() {
		for _, l := range m.GetLabel() {
			if l.GetName() == "channel" && l.GetValue() == channel {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue(), true
				}
				return m.GetGauge().GetValue(), true
			}
		}
	}
	return 0, false
}

func TestCollector(t *testing.T) {
	src := newSource()
	src.safe = true
	mfs := gather(t, NewCollector(NewReporter(src), "node-1", func() int { return 5 }))

	tests := []struct {
		metric  string
		channel string
		want    float64
	}{
		{"hydro_channel_runs_total", "running", 3},
		{"hydro_channel_run_seconds_total", "running", 90},
		{"hydro_channel_dispensed_ml_total", "running", 45},
		{"hydro_channel_failures_total", "broken", 2},
		{"hydro_channel_no_current_total", "dry", 1},
		{"hydro_channel_overcurrent_total", "hot", 1},
		{"hydro_channel_state", "running", 1},
		{"hydro_channel_state", "broken", 3},
		{"hydro_channel_cooldown_seconds", "cooling", 4.5},
	}
	for _, tc := range tests {
		mf, ok := mfs[tc.metric]
		if !ok {
			t.Errorf("%s not exported", tc.metric)
			continue
		}
		got, ok := valueFor(mf, tc.channel)
		if !ok || got != tc.want {
			t.Errorf("%s{channel=%q}: got %v (found %v), want %v", tc.metric, tc.channel, got, ok, tc.want)
		}
	}

	if v := mfs["hydro_safe_mode"].GetMetric()[0].GetGauge().GetValue(); v != 1 {
		t.Errorf("safe_mode: %v", v)
	}
	if v := mfs["hydro_queue_depth"].GetMetric()[0].GetGauge().GetValue(); v != 5 {
		t.Errorf("queue_depth: %v", v)
	}
	labels := mfs["hydro_safe_mode"].GetMetric()[0].GetLabel()
	if len(labels) != 1 || labels[0].GetValue() != "node-1" {
		t.Errorf("node label: %v", labels)
	}
}
