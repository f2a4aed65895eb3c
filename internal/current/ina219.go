package current

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
)

// INA219 registers.
const (
	regConfig  = 0x00
	regShuntMV = 0x01
	regBusV    = 0x02

	// shunt voltage LSB is 10µV
	shuntLSBVolts = 10e-6
	// bit 0 of the bus voltage register flags math overflow
	busOverflowBit = 0x0001
)

// Bus is the subset of an I2C bus used by the INA219 driver.
// Satisfied by github.com/reef-pi/rpi/i2c.Bus.
type Bus interface {
	ReadBytes(addr byte, num int) ([]byte, error)
	WriteBytes(addr byte, value []byte) error
}

// INA219 samples load current from a TI INA219 shunt monitor.
type INA219 struct {
	mu        sync.Mutex
	bus       Bus
	addr      byte
	shuntOhms float64
}

// NewINA219 creates a driver for the chip at addr with the given shunt
// resistance.
func NewINA219(bus Bus, addr byte, shuntOhms float64) (*INA219, error) {
	if shuntOhms <= 0 {
		return nil, fmt.Errorf("ina219: shunt resistance must be > 0, got %v", shuntOhms)
	}
	return &INA219{bus: bus, addr: addr, shuntOhms: shuntOhms}, nil
}

// Sample reads the shunt voltage and converts it to milliamps. The I2C
// transaction itself is not cancellable; ctx bounds how long the caller
// waits for it.
func (s *INA219) Sample(ctx context.Context) (Reading, error) {
	type result struct {
		r   Reading
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := s.sample()
		done <- result{r, err}
	}()

	select {
	case res := <-done:
		return res.r, res.err
	case <-ctx.Done():
		return Reading{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
}

func (s *INA219) sample() (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bus, err := s.readRegister(regBusV)
	if err != nil {
		return Reading{}, err
	}
	shunt, err := s.readRegister(regShuntMV)
	if err != nil {
		return Reading{}, err
	}

	volts := float64(int16(shunt)) * shuntLSBVolts
	ma := volts / s.shuntOhms * 1000
	if ma < 0 {
		ma = -ma
	}
	return Reading{MilliAmps: ma, Valid: bus&busOverflowBit == 0}, nil
}

func (s *INA219) readRegister(reg byte) (uint16, error) {
	if err := s.bus.WriteBytes(s.addr, []byte{reg}); err != nil {
		return 0, fmt.Errorf("%w: select register 0x%02x: %v", ErrUnavailable, reg, err)
	}
	data, err := s.bus.ReadBytes(s.addr, 2)
	if err != nil {
		return 0, fmt.Errorf("%w: read register 0x%02x: %v", ErrUnavailable, reg, err)
	}
	if len(data) != 2 {
		return 0, fmt.Errorf("%w: short read from register 0x%02x", ErrUnavailable, reg)
	}
	return binary.BigEndian.Uint16(data), nil
}
