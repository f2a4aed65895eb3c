package mqtt

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
	// response marks command responses. They are evicted only when the
	// outbox holds nothing else, since a later status event supersedes an
	// earlier one but a lost response leaves a command without an outcome.
	response bool
}

// outbox is a bounded FIFO of messages waiting for a connection.
// Not safe for concurrent use; the caller must synchronize.
type outbox struct {
	msgs     []bufferedMsg
	capacity int
	dropped  int // evicted since last drain
}

func newOutbox(capacity int) *outbox {
	return &outbox{
		msgs:     make([]bufferedMsg, 0, capacity),
		capacity: capacity,
	}
}

// push appends msg. When full it evicts the oldest system event, or the
// oldest message if only responses are held. It reports whether this
// push was the first to evict since the last drain.
func (o *outbox) push(msg bufferedMsg) (firstDrop bool) {
	if len(o.msgs) < o.capacity {
		o.msgs = append(o.msgs, msg)
		return false
	}

	victim := 0
	for i, m := range o.msgs {
		if !m.response {
			victim = i
			break
		}
	}
	copy(o.msgs[victim:], o.msgs[victim+1:])
	o.msgs[len(o.msgs)-1] = msg
	o.dropped++
	return o.dropped == 1
}

// drainAll returns the buffered messages oldest first, the number evicted
// since the last drain, and empties the outbox.
func (o *outbox) drainAll() ([]bufferedMsg, int) {
	dropped := o.dropped
	o.dropped = 0
	if len(o.msgs) == 0 {
		return nil, dropped
	}
	out := o.msgs
	o.msgs = make([]bufferedMsg, 0, o.capacity)
	return out, dropped
}

// responses counts buffered command responses.
func (o *outbox) responses() int {
	n := 0
	for _, m := range o.msgs {
		if m.response {
			n++
		}
	}
	return n
}

func (o *outbox) len() int {
	return len(o.msgs)
}
