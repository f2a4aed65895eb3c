package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// maxDurationMs is the largest duration_ms representable as a time.Duration.
const maxDurationMs = math.MaxInt64 / int64(time.Millisecond)

// ErrInvalid is returned by Decode for malformed or incomplete commands.
var ErrInvalid = errors.New("invalid command")

// WireCommand is the JSON shape of an inbound command.
type WireCommand struct {
	Cmd        string   `json:"cmd"`
	CmdID      string   `json:"cmd_id"`
	DurationMs *int64   `json:"duration_ms,omitempty"`
	ML         *float64 `json:"ml,omitempty"`
	State      *int     `json:"state,omitempty"`
}

// WireResponse is the JSON shape of an outbound response.
type WireResponse struct {
	CmdID        string `json:"cmd_id"`
	Status       string `json:"status"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Timestamp    string `json:"ts"`
}

// Decode parses payload received on channel's command topic. On failure
// the returned Command still carries whatever cmd_id could be recovered,
// so the caller can address its ERROR response.
func Decode(channel string, payload []byte) (Command, error) {
	var w WireCommand
	if err := json.Unmarshal(payload, &w); err != nil {
		return Command{Channel: channel}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cmd := Command{Kind: Kind(w.Cmd), CmdID: w.CmdID, Channel: channel, State: w.State}
	if w.CmdID == "" {
		return cmd, fmt.Errorf("%w: missing cmd_id", ErrInvalid)
	}

	switch cmd.Kind {
	case KindRunPump:
		if w.DurationMs == nil || *w.DurationMs <= 0 {
			return cmd, fmt.Errorf("%w: run_pump requires duration_ms > 0", ErrInvalid)
		}
		if *w.DurationMs > maxDurationMs {
			return cmd, fmt.Errorf("%w: duration_ms %d out of range", ErrInvalid, *w.DurationMs)
		}
		cmd.Duration = time.Duration(*w.DurationMs) * time.Millisecond
	case KindDose:
		if w.ML == nil || *w.ML <= 0 {
			return cmd, fmt.Errorf("%w: dose requires ml > 0", ErrInvalid)
		}
		cmd.ML = *w.ML
	case KindSetState:
		if w.State == nil || (*w.State != 0 && *w.State != 1) {
			return cmd, fmt.Errorf("%w: set_state requires state 0 or 1", ErrInvalid)
		}
		if w.DurationMs != nil {
			if *w.DurationMs <= 0 {
				return cmd, fmt.Errorf("%w: duration_ms must be > 0", ErrInvalid)
			}
			if *w.DurationMs > maxDurationMs {
				return cmd, fmt.Errorf("%w: duration_ms %d out of range", ErrInvalid, *w.DurationMs)
			}
			cmd.Duration = time.Duration(*w.DurationMs) * time.Millisecond
		}
	case KindStopPump, KindReset:
	default:
		return cmd, fmt.Errorf("%w: unknown cmd %q", ErrInvalid, w.Cmd)
	}
	return cmd, nil
}

// Encode renders r as JSON. Extra fields are merged into the top-level
// object; they never override the fixed fields.
func Encode(r Response) ([]byte, error) {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	base := WireResponse{
		CmdID:        r.CmdID,
		Status:       string(r.Status),
		ErrorCode:    string(r.Code),
		ErrorMessage: r.Message,
		Timestamp:    ts.UTC().Format(time.RFC3339Nano),
	}
	if len(r.Extra) == 0 {
		return json.Marshal(base)
	}

	fixed, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(r.Extra)+5)
	for k, v := range r.Extra {
		out[k] = v
	}
	var m map[string]any
	if err := json.Unmarshal(fixed, &m); err != nil {
		return nil, err
	}
	for k, v := range m {
		out[k] = v
	}
	return json.Marshal(out)
}
