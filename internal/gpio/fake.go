package gpio

import (
	"errors"
	"fmt"
	"sync"
)

// FakeOutput is a test double that records every value written.
type FakeOutput struct {
	mu sync.Mutex

	// Line is the line the output was opened for.
	Line Line

	// History contains every value passed to Set, in order.
	History []bool

	// SetError, if set, will be returned by Set (the value is not recorded).
	SetError error

	// Closed tracks if Close was called.
	Closed bool
}

// Set records the value.
func (f *FakeOutput) Set(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetError != nil {
		return f.SetError
	}
	f.History = append(f.History, on)
	return nil
}

// On reports the last value written (false if never written).
func (f *FakeOutput) On() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.History) == 0 {
		return false
	}
	return f.History[len(f.History)-1]
}

// Engagements counts the number of false->true edges written.
func (f *FakeOutput) Engagements() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	prev := false
	for _, v := range f.History {
		if v && !prev {
			n++
		}
		prev = v
	}
	return n
}

// FailWith makes subsequent Set calls return err (nil clears it).
func (f *FakeOutput) FailWith(err error) {
	f.mu.Lock()
	f.SetError = err
	f.mu.Unlock()
}

// Close marks the output as closed and released.
func (f *FakeOutput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.History = append(f.History, false)
	f.Closed = true
	return nil
}

// FakeOutputs hands out FakeOutputs keyed by line offset.
type FakeOutputs struct {
	mu      sync.Mutex
	outputs map[int]*FakeOutput

	// OpenError, if set, will be returned by Open.
	OpenError error
}

// NewFakeOutputs creates an empty FakeOutputs.
func NewFakeOutputs() *FakeOutputs {
	return &FakeOutputs{outputs: make(map[int]*FakeOutput)}
}

// Open returns a new FakeOutput for the line. Opening a line that is
// already open and not closed fails, like the character device does.
func (f *FakeOutputs) Open(l Line) (Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenError != nil {
		return nil, f.OpenError
	}
	if prev, ok := f.outputs[l.Offset]; ok && !prev.Closed {
		return nil, fmt.Errorf("line %d busy", l.Offset)
	}
	out := &FakeOutput{Line: l}
	f.outputs[l.Offset] = out
	return out, nil
}

// Get returns the most recent output opened for offset, or nil.
func (f *FakeOutputs) Get(offset int) *FakeOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outputs[offset]
}

// FakeInput is a test double that returns scripted input values.
type FakeInput struct {
	// Samples contains scripted values to return.
	// Each call to Read() consumes the next sample.
	Samples []bool

	// index tracks current position in Samples
	index int

	// Closed tracks if Close was called
	Closed bool

	// ReadError, if set, will be returned by Read()
	ReadError error
}

// NewFakeInput creates a FakeInput with the given samples.
func NewFakeInput(samples []bool) *FakeInput {
	return &FakeInput{Samples: samples}
}

// Read returns the next scripted sample.
// If samples are exhausted, returns the last sample repeatedly.
func (f *FakeInput) Read() (bool, error) {
	if f.ReadError != nil {
		return false, f.ReadError
	}

	if len(f.Samples) == 0 {
		return false, errors.New("no samples configured")
	}

	sample := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}

	return sample, nil
}

// Close marks the input as closed.
func (f *FakeInput) Close() error {
	f.Closed = true
	return nil
}

// Reset resets the input to the beginning of samples.
func (f *FakeInput) Reset() {
	f.index = 0
	f.Closed = false
}
