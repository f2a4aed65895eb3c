package actuator

import (
	"fmt"
	"time"
)

// Kind is the actuator type bound to a channel.
type Kind string

const (
	KindPump  Kind = "pump"
	KindRelay Kind = "relay"
	KindLight Kind = "light"
	KindFan   Kind = "fan"
	KindValve Kind = "valve"
)

// Binding is the physical output of a channel.
type Binding struct {
	Line      int
	ActiveLow bool
	// Relay is the board position for relay-backed outputs (0 = direct pin).
	Relay int
}

// Limits are the hardware safety limits of a channel.
type Limits struct {
	MaxDuration time.Duration
	MinOffTime  time.Duration
}

// CurrentLimits enable post-engagement current validation.
type CurrentLimits struct {
	MinMA float64 // below: no-current fault (0 disables)
	MaxMA float64 // above: overcurrent fault (0 disables)
}

// Channel is a validated actuator definition.
type Channel struct {
	Name        string
	Kind        Kind
	Binding     Binding
	Limits      Limits
	MLPerSecond float64
	Current     *CurrentLimits
}

// Handle addresses a channel within one registry version.
type Handle struct {
	index   int
	version uint64
}

// Registry is an immutable, validated channel table.
type Registry struct {
	version  uint64
	channels []Channel
	index    map[string]int
}

// NewRegistry validates channels and builds a registry.
func NewRegistry(version uint64, channels []Channel) (*Registry, error) {
	r := &Registry{
		version:  version,
		channels: make([]Channel, len(channels)),
		index:    make(map[string]int, len(channels)),
	}
	lines := make(map[int]string, len(channels))

	for i, ch := range channels {
		if ch.Name == "" {
			return nil, fmt.Errorf("channel %d: name is required", i)
		}
		if _, dup := r.index[ch.Name]; dup {
			return nil, fmt.Errorf("channel %s: duplicate name", ch.Name)
		}
		if ch.Limits.MaxDuration <= 0 {
			return nil, fmt.Errorf("channel %s: max_duration must be > 0", ch.Name)
		}
		if ch.Limits.MinOffTime < 0 {
			return nil, fmt.Errorf("channel %s: min_off_time must be >= 0", ch.Name)
		}
		if ch.MLPerSecond < 0 {
			return nil, fmt.Errorf("channel %s: ml_per_second must be >= 0", ch.Name)
		}
		if ch.Binding.Line < 0 {
			return nil, fmt.Errorf("channel %s: output line must be >= 0", ch.Name)
		}
		if other, taken := lines[ch.Binding.Line]; taken {
			return nil, fmt.Errorf("channel %s: output line %d already bound to %s", ch.Name, ch.Binding.Line, other)
		}
		if c := ch.Current; c != nil {
			if c.MinMA < 0 || c.MaxMA < 0 {
				return nil, fmt.Errorf("channel %s: current limits must be >= 0", ch.Name)
			}
			if c.MaxMA > 0 && c.MinMA >= c.MaxMA {
				return nil, fmt.Errorf("channel %s: current min_ma must be below max_ma", ch.Name)
			}
			if c.MinMA == 0 && c.MaxMA == 0 {
				ch.Current = nil
			} else {
				cp := *c
				ch.Current = &cp
			}
		}
		if ch.Kind == "" {
			ch.Kind = KindPump
		}

		lines[ch.Binding.Line] = ch.Name
		r.index[ch.Name] = i
		r.channels[i] = ch
	}
	return r, nil
}

// Version returns the configuration version the registry was built from.
func (r *Registry) Version() uint64 { return r.version }

// Len returns the number of channels.
func (r *Registry) Len() int { return len(r.channels) }

// Lookup resolves a channel name.
func (r *Registry) Lookup(name string) (Handle, bool) {
	i, ok := r.index[name]
	if !ok {
		return Handle{}, false
	}
	return Handle{index: i, version: r.version}, true
}

// Channel returns the definition addressed by h.
func (r *Registry) Channel(h Handle) (Channel, error) {
	if h.version != r.version || h.index < 0 || h.index >= len(r.channels) {
		return Channel{}, ErrStaleHandle
	}
	return r.channels[h.index], nil
}

// Channels returns a copy of all definitions in configuration order.
func (r *Registry) Channels() []Channel {
	out := make([]Channel, len(r.channels))
	copy(out, r.channels)
	return out
}

// Sensed reports whether the channel validates current after engagement.
func (c Channel) Sensed() bool { return c.Current != nil }
