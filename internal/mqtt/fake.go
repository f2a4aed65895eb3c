package mqtt

import (
	"sync"

	"github.com/sweeney/hydro-node/internal/command"
)

// FakeClient records published messages for test assertions.
type FakeClient struct {
	mu sync.Mutex

	// Responses contains all command responses that were published.
	Responses []command.Response

	// ResponsePayloads contains the JSON payloads of the responses.
	ResponsePayloads [][]byte

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// PublishError, if set, will be returned by PublishResponse.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	handler Handler
}

// NewFakeClient creates a FakeClient for testing.
func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

// Subscribe stores the handler for Deliver.
func (f *FakeClient) Subscribe(h Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return nil
}

// Deliver simulates an inbound command on channel's command topic. It
// reports false if nothing is subscribed.
func (f *FakeClient) Deliver(channel string, payload []byte) bool {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(channel, payload)
	return true
}

// PublishResponse records the response.
func (f *FakeClient) PublishResponse(r command.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := command.Encode(r)
	if err != nil {
		return err
	}
	f.Responses = append(f.Responses, r)
	f.ResponsePayloads = append(f.ResponsePayloads, payload)
	return nil
}

// PublishSystem records the system event.
func (f *FakeClient) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// ResponsesFor returns the responses published for cmdID, in order.
func (f *FakeClient) ResponsesFor(cmdID string) []command.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []command.Response
	for _, r := range f.Responses {
		if r.CmdID == cmdID {
			out = append(out, r)
		}
	}
	return out
}

// Events returns the names of the published system events, in order.
func (f *FakeClient) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.SystemEvents))
	for i, e := range f.SystemEvents {
		out[i] = e.Event
	}
	return out
}

// Close marks the client as closed.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// IsConnected reports whether the fake client is "connected".
func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// Reset clears recorded messages.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses = nil
	f.ResponsePayloads = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Connected = false
}
