package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string      `json:"event,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	StartTime     string      `json:"start_time"`
	Timestamp     string      `json:"timestamp"`
	MQTT          MQTTStatus  `json:"mqtt"`
	LastTick      *TickJSON   `json:"last_tick,omitempty"`
	Counts        CountsJSON  `json:"counts"`
	Labels        []LabelJSON `json:"labels"`
	Config        ConfigJSON  `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// TickJSON describes the most recent detector tick.
type TickJSON struct {
	Timestamp  string `json:"timestamp"`
	DurationMs int64  `json:"duration_ms"`
	Errors     int    `json:"errors"`
}

// CountsJSON is the JSON representation of counts.
type CountsJSON struct {
	Ticks       int `json:"ticks"`
	TickErrors  int `json:"tick_errors"`
	Available   int `json:"available"`
	Unavailable int `json:"unavailable"`
}

// LabelJSON is the JSON representation of one label.
type LabelJSON struct {
	Label               string `json:"label"`
	Status              string `json:"status"`
	Since               string `json:"since,omitempty"`
	SinceSeconds        *int64 `json:"since_seconds,omitempty"`
	LastSeen            string `json:"last_seen,omitempty"`
	HeartbeatAgeSeconds *int64 `json:"heartbeat_age_seconds,omitempty"`
	Failing             bool   `json:"failing,omitempty"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollIntervalSeconds       int64  `json:"poll_interval_seconds"`
	StalenessThresholdSeconds int64  `json:"staleness_threshold_seconds"`
	Broker                    string `json:"broker,omitempty"`
	HTTPAddr                  string `json:"http_addr"`
	Store                     string `json:"store"`
}

// NewLabelJSON renders v relative to now.
func NewLabelJSON(v LabelView, now time.Time) LabelJSON {
	status := string(v.Status)
	if status == "" {
		status = "UNKNOWN"
	}
	out := LabelJSON{Label: v.Label, Status: status, Failing: v.Failing}
	if !v.Since.IsZero() {
		out.Since = v.Since.UTC().Format(time.RFC3339)
		secs := seconds(now.Sub(v.Since))
		out.SinceSeconds = &secs
	}
	if v.HasHeartbeat {
		out.LastSeen = v.LastSeen.UTC().Format(time.RFC3339)
		age := seconds(now.Sub(v.LastSeen))
		out.HeartbeatAgeSeconds = &age
	}
	return out
}

func seconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d.Truncate(time.Second).Seconds())
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		UptimeSeconds: seconds(snap.Uptime()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Ticks:       snap.Counts.Ticks,
			TickErrors:  snap.Counts.TickErrors,
			Available:   snap.Counts.Available,
			Unavailable: snap.Counts.Unavailable,
		},
		Labels: make([]LabelJSON, 0, len(snap.Labels)),
		Config: ConfigJSON{
			PollIntervalSeconds:       int64(snap.Config.PollInterval / time.Second),
			StalenessThresholdSeconds: int64(snap.Config.Threshold / time.Second),
			Broker:                    snap.Config.Broker,
			HTTPAddr:                  snap.Config.HTTPAddr,
			Store:                     snap.Config.Store,
		},
	}
	if !snap.LastTick.IsZero() {
		inner.LastTick = &TickJSON{
			Timestamp:  snap.LastTick.UTC().Format(time.RFC3339),
			DurationMs: snap.LastTickDuration.Milliseconds(),
			Errors:     snap.LastTickErrors,
		}
	}
	for _, v := range snap.Labels {
		inner.Labels = append(inner.Labels, NewLabelJSON(v, snap.Now))
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
