// Package mqtt publishes power status changes and lifecycle events to an MQTT
// broker and receives heartbeats from devices, with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sweeney/power-monitor/internal/notifier"
)

// DefaultPrefix is the root of every topic used by the monitor.
const DefaultPrefix = "power"

// Topics derives topic names from a prefix:
//
//	<prefix>/status/<label>     retained current status per label
//	<prefix>/events             every status change
//	<prefix>/system             daemon lifecycle events
//	<prefix>/heartbeat/<label>  heartbeats sent by devices
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultPrefix
	}
	return p
}

// Status returns the retained status topic for label.
func (t Topics) Status(label string) string { return t.prefix() + "/status/" + label }

// Events returns the status change topic.
func (t Topics) Events() string { return t.prefix() + "/events" }

// System returns the lifecycle topic.
func (t Topics) System() string { return t.prefix() + "/system" }

// Heartbeat returns the heartbeat topic for label.
func (t Topics) Heartbeat(label string) string { return t.prefix() + "/heartbeat/" + label }

// HeartbeatFilter matches the heartbeat topic of every label.
func (t Topics) HeartbeatFilter() string { return t.prefix() + "/heartbeat/+" }

// HeartbeatLabel extracts the label from a heartbeat topic.
func (t Topics) HeartbeatLabel(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/heartbeat/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// Publisher publishes status changes and lifecycle events.
type Publisher interface {
	// PublishStatus sends a status change. Returns error if publishing
	// fails (should not crash the process).
	PublishStatus(n notifier.Notification) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

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
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload is the MQTT message payload for a status change.
type Payload struct {
	Power PowerPayload `json:"power"`
}

// PowerPayload contains the status change details.
type PowerPayload struct {
	Label     string `json:"label"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Sequence  int64  `json:"sequence"`
	// Previous is omitted for a label's first event.
	Previous                string `json:"previous,omitempty"`
	PreviousDurationSeconds int64  `json:"previous_duration_seconds,omitempty"`
	Silent                  bool   `json:"silent"`
	Message                 string `json:"message"`
}

// FormatPayload creates the JSON payload for a status change.
func FormatPayload(n notifier.Notification) ([]byte, error) {
	p := PowerPayload{
		Label:     n.Event.Label,
		Status:    string(n.Event.Status),
		Timestamp: n.Event.OccurredAt.UTC().Format(time.RFC3339),
		Sequence:  n.Event.Sequence,
		Silent:    n.Silent,
		Message:   n.Message(),
	}
	if n.Previous != "" {
		p.Previous = string(n.Previous)
		p.PreviousDurationSeconds = int64(max(n.PreviousDuration, 0) / time.Second)
	}
	return json.Marshal(Payload{Power: p})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT) that don't carry a full status snapshot.
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
