// Package mqtt carries commands, responses and system events between the
// node and the broker, with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/hydro-node/internal/command"
)

// TopicRoot prefixes every topic of the network.
const TopicRoot = "hydro"

// CommandTopic is where the server sends commands for one channel.
func CommandTopic(node, channel string) string {
	return TopicRoot + "/" + node + "/" + channel + "/command"
}

// ResponseTopic is where the node answers commands for one channel.
func ResponseTopic(node, channel string) string {
	return TopicRoot + "/" + node + "/" + channel + "/command_response"
}

// SystemTopic carries the node's lifecycle events.
func SystemTopic(node string) string {
	return TopicRoot + "/" + node + "/system"
}

// commandFilter subscribes to the command topic of every channel.
func commandFilter(node string) string {
	return TopicRoot + "/" + node + "/+/command"
}

// ParseCommandTopic returns the channel a command topic addresses.
func ParseCommandTopic(node, topic string) (string, bool) {
	prefix := TopicRoot + "/" + node + "/"
	if !strings.HasPrefix(topic, prefix) || !strings.HasSuffix(topic, "/command") {
		return "", false
	}
	channel := strings.TrimSuffix(strings.TrimPrefix(topic, prefix), "/command")
	if channel == "" || strings.Contains(channel, "/") {
		return "", false
	}
	return channel, true
}

// Handler receives an inbound command payload for channel.
type Handler func(channel string, payload []byte)

// Client is the node's broker connection.
type Client interface {
	// Subscribe routes every inbound command to h. The subscription is
	// restored after a reconnect.
	Subscribe(h Handler) error

	// PublishResponse sends a command response. Returns error if
	// publishing fails (should not crash the process).
	PublishResponse(r command.Response) error

	// PublishSystem sends a system lifecycle event.
	PublishSystem(event SystemEvent) error

	ConnectionStatus

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT", "SAFE_MODE"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// Sink publishes dispatcher and controller responses through a Client.
type Sink struct {
	Client Client
	Log    logrus.FieldLogger
}

// Emit publishes r. Failures are logged; the response is not retried
// beyond what the client buffers.
func (s Sink) Emit(r command.Response) {
	if err := s.Client.PublishResponse(r); err != nil && s.Log != nil {
		s.Log.WithFields(logrus.Fields{"channel": r.Channel, "cmd_id": r.CmdID, "status": r.Status}).
			WithError(err).Warn("publish response failed")
	}
}
