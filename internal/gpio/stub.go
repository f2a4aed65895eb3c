//go:build !linux

package gpio

import "errors"

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// Chip is not available on non-Linux platforms.
type Chip struct{}

// OpenChip returns an error on non-Linux platforms.
func OpenChip(name string) (*Chip, error) {
	return nil, errUnsupported
}

// Open is not implemented on non-Linux platforms.
func (c *Chip) Open(l Line) (Output, error) {
	return nil, errUnsupported
}

// OpenInput is not implemented on non-Linux platforms.
func (c *Chip) OpenInput(l Line) (*RealInput, error) {
	return nil, errUnsupported
}

// Close is a no-op on non-Linux platforms.
func (c *Chip) Close() error {
	return nil
}

// RealInput is not available on non-Linux platforms.
type RealInput struct{}

// Read is not implemented on non-Linux platforms.
func (i *RealInput) Read() (bool, error) {
	return false, errUnsupported
}

// Close is a no-op on non-Linux platforms.
func (i *RealInput) Close() error {
	return nil
}
