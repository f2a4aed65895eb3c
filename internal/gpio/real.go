//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// Chip opens lines on an actual GPIO chip using the Linux character device.
type Chip struct {
	chip *gpiocdev.Chip
}

// OpenChip opens the named GPIO chip (e.g. "gpiochip0").
func OpenChip(name string) (*Chip, error) {
	chip, err := gpiocdev.NewChip(name)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	return &Chip{chip: chip}, nil
}

// Open requests line as an output, initially released.
func (c *Chip) Open(l Line) (Output, error) {
	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
	if l.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	line, err := c.chip.RequestLine(l.Offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("request output line %d: %w", l.Offset, err)
	}
	return &RealOutput{line: line, offset: l.Offset}, nil
}

// OpenInput requests line as an input with pull-down.
func (c *Chip) OpenInput(l Line) (*RealInput, error) {
	opts := []gpiocdev.LineReqOption{gpiocdev.AsInput, gpiocdev.WithPullDown}
	if l.ActiveLow {
		opts = append(opts, gpiocdev.AsActiveLow)
	}
	line, err := c.chip.RequestLine(l.Offset, opts...)
	if err != nil {
		return nil, fmt.Errorf("request input line %d: %w", l.Offset, err)
	}
	return &RealInput{line: line, offset: l.Offset}, nil
}

// Close closes the chip. Lines must be closed separately.
func (c *Chip) Close() error {
	if err := c.chip.Close(); err != nil {
		return fmt.Errorf("close chip: %w", err)
	}
	return nil
}

// RealOutput is a requested output line.
type RealOutput struct {
	line   *gpiocdev.Line
	offset int
}

// Set writes the logical value; polarity is applied by the kernel.
func (o *RealOutput) Set(on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := o.line.SetValue(v); err != nil {
		return fmt.Errorf("set line %d: %w", o.offset, err)
	}
	return nil
}

// Close releases the output, then reconfigures the line to input with
// pull-down (the Pi boot default) so a restarting daemon never inherits
// an engaged pump.
func (o *RealOutput) Close() error {
	var errs []error
	if err := o.line.SetValue(0); err != nil {
		errs = append(errs, fmt.Errorf("release line %d: %w", o.offset, err))
	}
	if err := o.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
		errs = append(errs, fmt.Errorf("reconfigure line %d: %w", o.offset, err))
	}
	if err := o.line.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close line %d: %w", o.offset, err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// RealInput is a requested input line.
type RealInput struct {
	line   *gpiocdev.Line
	offset int
}

// Read returns the logical input value.
func (i *RealInput) Read() (bool, error) {
	v, err := i.line.Value()
	if err != nil {
		return false, fmt.Errorf("read line %d: %w", i.offset, err)
	}
	return v == 1, nil
}

// Close releases the input line.
func (i *RealInput) Close() error {
	return i.line.Close()
}
