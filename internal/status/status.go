// Package status provides a thread-safe status tracker for the hydro-node daemon.
// It is read by HTTP handlers and by the MQTT system event publisher.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/hydro-node/internal/health"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	NodeID      string
	NodeType    string
	HeartbeatMs int64
	Broker      string
	HTTPPort    string
	WSBroker    string // Websocket broker URL for browser MQTT (empty = disabled)
}

// Sources are read at Snapshot time. Any of them may be nil.
type Sources struct {
	Health     func() health.Snapshot
	QueueDepth func() int
	// Safety returns the debounced safety input state ("" when no input
	// is configured).
	Safety func() string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	ConfigVersion uint64
	ConfigApplied time.Time
	Health        health.Snapshot
	QueueDepth    int
	Safety        string
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
	src  Sources
	now  func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config, src Sources) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		src: src,
		now: time.Now,
	}
}

// SetConfigVersion records the node configuration version in effect.
func (t *Tracker) SetConfigVersion(v uint64, applied time.Time) {
	t.mu.Lock()
	t.snap.ConfigVersion = v
	t.snap.ConfigApplied = applied
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()

	if t.src.Health != nil {
		s.Health = t.src.Health()
	}
	if t.src.QueueDepth != nil {
		s.QueueDepth = t.src.QueueDepth()
	}
	if t.src.Safety != nil {
		s.Safety = t.src.Safety()
	}
	s.Now = t.now()
	return s
}

// System event names published on the node's system topic.
const (
	EventStartup       = "STARTUP"
	EventHeartbeat     = "HEARTBEAT"
	EventShutdown      = "SHUTDOWN"
	EventSafeMode      = "SAFE_MODE"
	EventConfigApplied = "CONFIG_APPLIED"
)
