// Package config loads the node configuration document and the daemon's
// process settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v2"

	"github.com/sweeney/hydro-node/internal/actuator"
	"github.com/sweeney/hydro-node/internal/dispatch"
)

// NodeConfig is the node configuration document.
type NodeConfig struct {
	NodeID       string               `yaml:"node_id"`
	NodeType     string               `yaml:"node_type"`
	Version      uint64               `yaml:"version"`
	SingleFlight string               `yaml:"single_flight"`
	Queue        QueueConfig          `yaml:"queue"`
	Current      *CurrentSensorConfig `yaml:"current_sensor"`
	Safety       *SafetyConfig        `yaml:"safety_input"`
	Channels     []ChannelConfig      `yaml:"channels"`
	Schedules    []ScheduleConfig     `yaml:"schedules"`
}

// QueueConfig tunes the command dispatcher.
type QueueConfig struct {
	Capacity   int   `yaml:"capacity"`
	DedupTTLMs int64 `yaml:"dedup_ttl_ms"`
}

// CurrentSensorConfig describes the shared INA219 current sensor.
type CurrentSensorConfig struct {
	Address         int     `yaml:"address"`
	ShuntOhms       float64 `yaml:"shunt_ohms"`
	SampleTimeoutMs int64   `yaml:"sample_timeout_ms"`
}

// SafetyConfig describes the optional leak/float switch input.
type SafetyConfig struct {
	Line       int   `yaml:"line"`
	ActiveLow  bool  `yaml:"active_low"`
	DebounceMs int64 `yaml:"debounce_ms"`
	PollMs     int64 `yaml:"poll_ms"`
}

// ChannelConfig is one actuator channel.
type ChannelConfig struct {
	Name        string         `yaml:"name"`
	Type        string         `yaml:"type"`
	Output      OutputConfig   `yaml:"output"`
	SafeLimits  SafeLimits     `yaml:"safe_limits"`
	MLPerSecond float64        `yaml:"ml_per_second"`
	Current     *CurrentLimits `yaml:"current"`
}

// OutputConfig binds a channel to a GPIO line, optionally through a relay board.
type OutputConfig struct {
	Line  int `yaml:"line"`
	Relay int `yaml:"relay"`
}

// SafeLimits are the per-channel hardware limits.
type SafeLimits struct {
	MaxDurationMs int64 `yaml:"max_duration_ms"`
	MinOffTimeMs  int64 `yaml:"min_off_time_ms"`
	// FailSafePolarity is the electrical level that leaves the actuator
	// off: "low" (default, active-high output) or "high" (active-low relay).
	FailSafePolarity string `yaml:"fail_safe_polarity"`
}

// CurrentLimits enable post-engagement current validation.
type CurrentLimits struct {
	MinMA float64 `yaml:"min_ma"`
	MaxMA float64 `yaml:"max_ma"`
}

// ScheduleConfig is a recurring dose or run.
type ScheduleConfig struct {
	Name       string  `yaml:"name"`
	Channel    string  `yaml:"channel"`
	Cron       string  `yaml:"cron"`
	ML         float64 `yaml:"ml"`
	DurationMs int64   `yaml:"duration_ms"`
}

const (
	PolarityLow  = "low"
	PolarityHigh = "high"

	FlightNode    = "node"
	FlightChannel = "channel"
)

var nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Load reads and validates the configuration file at path.
func Load(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*NodeConfig, error) {
	var cfg NodeConfig
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the document. Channel limits are validated again when
// the registry is built.
func (c *NodeConfig) Validate() error {
	var errs []error
	if !nodeIDPattern.MatchString(c.NodeID) {
		errs = append(errs, fmt.Errorf("node_id %q must be non-empty and contain only letters, digits, '-' or '_'", c.NodeID))
	}
	switch c.SingleFlight {
	case "", FlightNode, FlightChannel:
	default:
		errs = append(errs, fmt.Errorf("single_flight must be %q or %q", FlightNode, FlightChannel))
	}
	if c.Queue.Capacity < 0 || c.Queue.DedupTTLMs < 0 {
		errs = append(errs, errors.New("queue settings must be >= 0"))
	}
	if s := c.Current; s != nil {
		if s.Address <= 0 || s.Address > 0x7f {
			errs = append(errs, fmt.Errorf("current_sensor address 0x%x out of range", s.Address))
		}
		if s.ShuntOhms <= 0 {
			errs = append(errs, errors.New("current_sensor shunt_ohms must be > 0"))
		}
	}
	if s := c.Safety; s != nil && (s.Line < 0 || s.DebounceMs < 0 || s.PollMs < 0) {
		errs = append(errs, errors.New("safety_input line, debounce_ms and poll_ms must be >= 0"))
	}

	names := make(map[string]bool, len(c.Channels))
	for i, ch := range c.Channels {
		if !nodeIDPattern.MatchString(ch.Name) {
			errs = append(errs, fmt.Errorf("channel %d: name %q is not topic-safe", i, ch.Name))
		}
		names[ch.Name] = true
		switch ch.SafeLimits.FailSafePolarity {
		case "", PolarityLow, PolarityHigh:
		default:
			errs = append(errs, fmt.Errorf("channel %s: fail_safe_polarity must be %q or %q", ch.Name, PolarityLow, PolarityHigh))
		}
		if ch.Current != nil && c.Current == nil {
			errs = append(errs, fmt.Errorf("channel %s: current limits need a current_sensor", ch.Name))
		}
	}
	for i, s := range c.Schedules {
		if !names[s.Channel] {
			errs = append(errs, fmt.Errorf("schedule %d: unknown channel %q", i, s.Channel))
		}
		if s.Cron == "" {
			errs = append(errs, fmt.Errorf("schedule %d: cron is required", i))
		} else if _, err := cron.ParseStandard(s.Cron); err != nil {
			errs = append(errs, fmt.Errorf("schedule %d: %w", i, err))
		}
		if (s.ML > 0) == (s.DurationMs > 0) {
			errs = append(errs, fmt.Errorf("schedule %d: exactly one of ml or duration_ms is required", i))
		}
	}

	if _, err := c.Registry(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Registry converts the channel list into a validated registry.
func (c *NodeConfig) Registry() (*actuator.Registry, error) {
	chs := make([]actuator.Channel, len(c.Channels))
	for i, cc := range c.Channels {
		ch := actuator.Channel{
			Name: cc.Name,
			Kind: actuator.Kind(cc.Type),
			Binding: actuator.Binding{
				Line:      cc.Output.Line,
				ActiveLow: cc.SafeLimits.FailSafePolarity == PolarityHigh,
				Relay:     cc.Output.Relay,
			},
			Limits: actuator.Limits{
				MaxDuration: time.Duration(cc.SafeLimits.MaxDurationMs) * time.Millisecond,
				MinOffTime:  time.Duration(cc.SafeLimits.MinOffTimeMs) * time.Millisecond,
			},
			MLPerSecond: cc.MLPerSecond,
		}
		if cc.Current != nil {
			ch.Current = &actuator.CurrentLimits{MinMA: cc.Current.MinMA, MaxMA: cc.Current.MaxMA}
		}
		chs[i] = ch
	}
	return actuator.NewRegistry(c.Version, chs)
}

// FlightMode returns the dispatcher single-flight granularity.
func (c *NodeConfig) FlightMode() dispatch.FlightMode {
	if c.SingleFlight == FlightChannel {
		return dispatch.PerChannel
	}
	return dispatch.NodeWide
}

// DispatchOptions returns the queue settings.
func (c *NodeConfig) DispatchOptions() dispatch.Options {
	return dispatch.Options{
		Capacity: c.Queue.Capacity,
		DedupTTL: time.Duration(c.Queue.DedupTTLMs) * time.Millisecond,
		Mode:     c.FlightMode(),
	}
}
