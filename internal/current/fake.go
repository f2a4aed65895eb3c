package current

import (
	"context"
	"sync"
)

// FakeSensor returns scripted readings.
type FakeSensor struct {
	mu sync.Mutex

	// Readings is consumed one per Sample; the last one repeats.
	Readings []Reading

	// Err, if set, is returned by Sample.
	Err error

	// Calls counts Sample invocations.
	Calls int

	index int
}

// NewFakeSensor creates a FakeSensor returning the given readings.
func NewFakeSensor(readings ...Reading) *FakeSensor {
	return &FakeSensor{Readings: readings}
}

// Sample returns the next scripted reading.
func (f *FakeSensor) Sample(ctx context.Context) (Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Err != nil {
		return Reading{}, f.Err
	}
	if len(f.Readings) == 0 {
		return Reading{}, ErrUnavailable
	}
	r := f.Readings[f.index]
	if f.index < len(f.Readings)-1 {
		f.index++
	}
	return r, nil
}

// Set replaces the scripted readings and clears any error.
func (f *FakeSensor) Set(readings ...Reading) {
	f.mu.Lock()
	f.Readings = readings
	f.index = 0
	f.Err = nil
	f.mu.Unlock()
}

// CallCount returns the number of Sample calls.
func (f *FakeSensor) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}
