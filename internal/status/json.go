package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/hydro-node/internal/health"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string                 `json:"event,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	Node          NodeJSON               `json:"node"`
	SafeMode      bool                   `json:"safe_mode"`
	Safety        string                 `json:"safety_input,omitempty"`
	CurrentSensor string                 `json:"current_sensor_status"`
	QueueDepth    int                    `json:"queue_depth"`
	Channels      []health.ChannelHealth `json:"channels"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
	StartTime     string                 `json:"start_time"`
	Timestamp     string                 `json:"timestamp"`
	MQTT          MQTTStatus             `json:"mqtt"`
	Network       *NetworkJSON           `json:"network,omitempty"`
	Config        ConfigJSON             `json:"config"`
}

// NodeJSON identifies the node.
type NodeJSON struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Version     uint64 `json:"version"`
	AppliedAt   string `json:"applied_at,omitempty"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	Broker      string `json:"broker"`
	HTTPPort    string `json:"http_port"`
	WSBroker    string `json:"ws_broker,omitempty"`
}

func buildInner(snap Snapshot) StatusInner {
	channels := snap.Health.Channels
	if channels == nil {
		channels = []health.ChannelHealth{}
	}
	sensor := string(snap.Health.CurrentSensor)
	if sensor == "" {
		sensor = "UNKNOWN"
	}

	inner := StatusInner{
		Node:          NodeJSON{ID: snap.Config.NodeID, Type: snap.Config.NodeType},
		SafeMode:      snap.Health.SafeMode,
		Safety:        snap.Safety,
		CurrentSensor: sensor,
		QueueDepth:    snap.QueueDepth,
		Channels:      channels,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			Version:     snap.ConfigVersion,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPPort:    snap.Config.HTTPPort,
			WSBroker:    snap.Config.WSBroker,
		},
	}
	if !snap.ConfigApplied.IsZero() {
		inner.Config.AppliedAt = snap.ConfigApplied.UTC().Format(time.RFC3339)
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
