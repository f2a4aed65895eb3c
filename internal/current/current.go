// Package current provides load-current sampling used to confirm that an
// engaged actuator is actually drawing power.
package current

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when no valid sample could be taken.
var ErrUnavailable = errors.New("current reading unavailable")

// Reading is one current sample.
type Reading struct {
	MilliAmps float64
	// Valid is false when the sensor answered but the value cannot be
	// trusted (saturated, conversion not ready).
	Valid bool
}

// Sensor takes a single current sample. Implementations must honour ctx
// and return promptly when it expires.
type Sensor interface {
	Sample(ctx context.Context) (Reading, error)
}
