//go:build linux

package current

import (
	"fmt"

	"github.com/reef-pi/rpi/i2c"
)

// OpenBus opens the node's I2C bus. The caller closes it.
func OpenBus() (i2c.Bus, error) {
	bus, err := i2c.New()
	if err != nil {
		return nil, fmt.Errorf("open i2c bus: %w", err)
	}
	return bus, nil
}
