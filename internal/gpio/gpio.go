// Package gpio provides actuator outputs and a safety input with hardware
// abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementations allow testing without hardware.
package gpio

// Line identifies one GPIO line on the node's chip.
type Line struct {
	Offset int
	// ActiveLow inverts the physical level: logical ON drives the line low.
	// Relay boards that energise on a low input are wired this way.
	ActiveLow bool
}

// Output drives a single actuator line.
type Output interface {
	// Set engages (true) or releases (false) the output.
	Set(on bool) error

	// Close releases the output, leaving it disengaged.
	Close() error
}

// Outputs opens output lines. Implemented by *Chip on Linux.
type Outputs interface {
	Open(line Line) (Output, error)
}

// Input reads a single digital input (e.g. leak or float switch).
type Input interface {
	// Read returns the logical state of the input; true = active.
	Read() (bool, error)

	// Close releases GPIO resources.
	Close() error
}

// DefaultChip is the GPIO chip on Raspberry Pi class boards.
const DefaultChip = "gpiochip0"
