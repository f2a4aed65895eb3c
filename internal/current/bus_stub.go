//go:build !linux

package current

import "errors"

// stubBus satisfies Bus and io.Closer on non-Linux platforms.
type stubBus interface {
	Bus
	Close() error
}

// OpenBus returns an error on non-Linux platforms.
func OpenBus() (stubBus, error) {
	return nil, errors.New("i2c: not supported on this platform (requires Linux)")
}
