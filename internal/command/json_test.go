package command

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		kind     Kind
		duration time.Duration
		ml       float64
		state    int
	}{
		{"run_pump", `{"cmd":"run_pump","cmd_id":"a","duration_ms":1500}`, KindRunPump, 1500 * time.Millisecond, 0, -1},
		{"dose", `{"cmd":"dose","cmd_id":"a","ml":2.5}`, KindDose, 0, 2.5, -1},
		{"set_state on", `{"cmd":"set_state","cmd_id":"a","state":1}`, KindSetState, 0, 0, 1},
		{"set_state on with duration", `{"cmd":"set_state","cmd_id":"a","state":1,"duration_ms":800}`, KindSetState, 800 * time.Millisecond, 0, 1},
		{"set_state off", `{"cmd":"set_state","cmd_id":"a","state":0}`, KindSetState, 0, 0, 0},
		{"stop_pump", `{"cmd":"stop_pump","cmd_id":"a"}`, KindStopPump, 0, 0, -1},
		{"reset", `{"cmd":"reset","cmd_id":"a"}`, KindReset, 0, 0, -1},
		{"extra fields ignored", `{"cmd":"stop_pump","cmd_id":"a","source":"ui"}`, KindStopPump, 0, 0, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := Decode("ph_up", []byte(tt.payload))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if cmd.Kind != tt.kind || cmd.CmdID != "a" || cmd.Channel != "ph_up" {
				t.Errorf("got %+v", cmd)
			}
			if cmd.Duration != tt.duration || cmd.ML != tt.ml {
				t.Errorf("duration/ml: %v/%v", cmd.Duration, cmd.ML)
			}
			if tt.state >= 0 && (cmd.State == nil || *cmd.State != tt.state) {
				t.Errorf("state: %v", cmd.State)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		cmdID   string
	}{
		{"not json", `{"cmd":`, ""},
		{"missing cmd_id", `{"cmd":"run_pump","duration_ms":1}`, ""},
		{"unknown cmd", `{"cmd":"prime","cmd_id":"x"}`, "x"},
		{"run without duration", `{"cmd":"run_pump","cmd_id":"x"}`, "x"},
		{"negative duration", `{"cmd":"run_pump","cmd_id":"x","duration_ms":-5}`, "x"},
		{"dose without ml", `{"cmd":"dose","cmd_id":"x"}`, "x"},
		{"zero dose", `{"cmd":"dose","cmd_id":"x","ml":0}`, "x"},
		{"set_state missing", `{"cmd":"set_state","cmd_id":"x"}`, "x"},
		{"set_state 2", `{"cmd":"set_state","cmd_id":"x","state":2}`, "x"},
		{"set_state zero duration", `{"cmd":"set_state","cmd_id":"x","state":1,"duration_ms":0}`, "x"},
		{"duration overflows", `{"cmd":"run_pump","cmd_id":"x","duration_ms":9300000000000}`, "x"},
		{"set_state duration overflows", `{"cmd":"set_state","cmd_id":"x","state":1,"duration_ms":9300000000000}`, "x"},
		{"wrong type", `{"cmd":"run_pump","cmd_id":"x","duration_ms":"1000"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := Decode("ph_up", []byte(tt.payload))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
			if cmd.CmdID != tt.cmdID {
				t.Errorf("recovered cmd_id: got %q, want %q", cmd.CmdID, tt.cmdID)
			}
			if cmd.Channel != "ph_up" {
				t.Errorf("channel: %q", cmd.Channel)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	ts := time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)
	data, err := Encode(Response{CmdID: "c1", Status: StatusAccepted, Timestamp: ts})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"cmd_id":"c1","status":"ACCEPTED","ts":"2026-01-01T06:00:00Z"}`
	if string(data) != want {
		t.Errorf("got  %s\nwant %s", data, want)
	}
}

func TestEncodeError(t *testing.T) {
	data, err := Encode(Response{
		CmdID:   "c1",
		Status:  StatusFailed,
		Code:    CodePumpCooldown,
		Message: "cooling down",
		Extra:   map[string]any{"cooldown_remaining_ms": int64(4200)},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if m["error_code"] != "pump_cooldown" || m["error_message"] != "cooling down" {
		t.Errorf("error fields: %v", m)
	}
	if m["cooldown_remaining_ms"] != float64(4200) {
		t.Errorf("extra: %v", m["cooldown_remaining_ms"])
	}
	if _, ok := m["ts"]; !ok {
		t.Error("zero timestamp should be filled in")
	}
}

func TestEncodeExtraCannotOverrideFixedFields(t *testing.T) {
	data, err := Encode(Response{
		CmdID:  "c1",
		Status: StatusDone,
		Extra:  map[string]any{"status": "ACCEPTED", "cmd_id": "other"},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var m map[string]interface{}
	json.Unmarshal(data, &m)
	if m["status"] != "DONE" || m["cmd_id"] != "c1" {
		t.Errorf("fixed fields overridden: %v", m)
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusAccepted: false,
		StatusAck:      false,
		StatusError:    false,
		StatusDone:     true,
		StatusFailed:   true,
		StatusNoEffect: true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}
