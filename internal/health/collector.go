package health

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sweeney/hydro-node/internal/actuator"
)

const namespace = "hydro"

var stateValues = map[actuator.State]float64{
	actuator.StateOff:      0,
	actuator.StateOn:       1,
	actuator.StateCooldown: 2,
	actuator.StateFault:    3,
}

// Collector exports health snapshots as Prometheus metrics. Values are
// read at scrape time so the driver lock is only taken per scrape.
type Collector struct {
	r     *Reporter
	depth func() int

	runs        *prometheus.Desc
	failures    *prometheus.Desc
	overcurrent *prometheus.Desc
	noCurrent   *prometheus.Desc
	runSeconds  *prometheus.Desc
	dispensed   *prometheus.Desc
	state       *prometheus.Desc
	cooldown    *prometheus.Desc
	safeMode    *prometheus.Desc
	sensorOK    *prometheus.Desc
	queueDepth  *prometheus.Desc
}

// NewCollector creates a Collector. depth, if non-nil, reports the
// dispatcher queue depth.
func NewCollector(r *Reporter, node string, depth func() int) *Collector {
	labels := []string{"channel"}
	constLabels := prometheus.Labels{"node": node}
	desc := func(name, help string, l []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, l, constLabels)
	}
	return &Collector{
		r:           r,
		depth:       depth,
		runs:        desc("channel_runs_total", "Completed activations per channel.", labels),
		failures:    desc("channel_failures_total", "Failed activations per channel.", labels),
		overcurrent: desc("channel_overcurrent_total", "Overcurrent faults per channel.", labels),
		noCurrent:   desc("channel_no_current_total", "No-current faults per channel.", labels),
		runSeconds:  desc("channel_run_seconds_total", "Cumulative run time per channel.", labels),
		dispensed:   desc("channel_dispensed_ml_total", "Estimated dispensed volume per channel.", labels),
		state:       desc("channel_state", "Channel state (0=OFF 1=ON 2=COOLDOWN 3=ERROR).", labels),
		cooldown:    desc("channel_cooldown_seconds", "Remaining cooldown per channel.", labels),
		safeMode:    desc("safe_mode", "1 while node safe mode is latched.", nil),
		sensorOK:    desc("current_sensor_ok", "1 when the last current sample was valid.", nil),
		queueDepth:  desc("queue_depth", "Commands waiting in the dispatch queue.", nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.runs, c.failures, c.overcurrent, c.noCurrent, c.runSeconds,
		c.dispensed, c.state, c.cooldown, c.safeMode, c.sensorOK, c.queueDepth,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.r.Snapshot()
	for _, h := range snap.Channels {
		ch <- prometheus.MustNewConstMetric(c.runs, prometheus.CounterValue, float64(h.Runs), h.Name)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(h.Failures), h.Name)
		ch <- prometheus.MustNewConstMetric(c.overcurrent, prometheus.CounterValue, float64(h.OvercurrentEvents), h.Name)
		ch <- prometheus.MustNewConstMetric(c.noCurrent, prometheus.CounterValue, float64(h.NoCurrentEvents), h.Name)
		ch <- prometheus.MustNewConstMetric(c.runSeconds, prometheus.CounterValue, h.RunSeconds, h.Name)
		ch <- prometheus.MustNewConstMetric(c.dispensed, prometheus.CounterValue, h.DispensedML, h.Name)
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, stateValues[h.State], h.Name)
		ch <- prometheus.MustNewConstMetric(c.cooldown, prometheus.GaugeValue, h.CooldownRemaining.Seconds(), h.Name)
	}
	ch <- prometheus.MustNewConstMetric(c.safeMode, prometheus.GaugeValue, boolValue(snap.SafeMode))
	ch <- prometheus.MustNewConstMetric(c.sensorOK, prometheus.GaugeValue, boolValue(snap.CurrentSensor == actuator.SensorOK))
	if c.depth != nil {
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(c.depth()))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
