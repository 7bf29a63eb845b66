// Package logic contains pure business logic for power availability tracking.
// This package has NO external dependencies (no database, MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"fmt"
	"time"
)

// Status represents whether power is available at a monitored label.
type Status string

const (
	StatusAvailable   Status = "AVAILABLE"
	StatusUnavailable Status = "UNAVAILABLE"
)

// InitialStatus is the status assumed for a label whose ledger is empty.
const InitialStatus = StatusUnavailable

// Valid reports whether s is one of the two known statuses.
func (s Status) Valid() bool {
	return s == StatusAvailable || s == StatusUnavailable
}

// ParseStatus converts a stored status string back into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// Bool maps the status onto the on/off flag used by device-facing payloads.
func (s Status) Bool() bool {
	return s == StatusAvailable
}

// Anomaly describes a reading that could not be taken at face value.
type Anomaly string

const (
	AnomalyNone Anomaly = ""
	// AnomalyFutureHeartbeat: last_seen_at is after now (clock skew between
	// client and server, or a non-monotonic tick clock). Age is clamped to 0.
	AnomalyFutureHeartbeat Anomaly = "FUTURE_HEARTBEAT"
)

// Reading is the input to a single label evaluation.
type Reading struct {
	// LastSeen is the most recent heartbeat; zero means no heartbeat recorded.
	LastSeen time.Time
	// Now is the tick time, read once per tick.
	Now time.Time
}

// Evaluation is the outcome of evaluating one Reading against a threshold.
type Evaluation struct {
	Status  Status
	Age     time.Duration // 0 when there is no heartbeat
	HasData bool
	Anomaly Anomaly
}
