package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sweeney/power-monitor/internal/store"
)

// HeartbeatResponse is returned by the heartbeat endpoint.
type HeartbeatResponse struct {
	Status     string `json:"status"`
	Label      string `json:"label"`
	Timestamp  string `json:"timestamp"`
	ReceivedAt string `json:"received_at"`
	// Applied is false when a newer heartbeat was already stored.
	Applied bool `json:"applied"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// EventJSON is the JSON representation of a ledger event.
type EventJSON struct {
	Sequence   int64  `json:"sequence"`
	Label      string `json:"label"`
	Status     string `json:"status"`
	OccurredAt string `json:"occurred_at"`
}

// EventsJSON is the body of the events endpoints.
type EventsJSON struct {
	Events []EventJSON `json:"events"`
	// Next is the cursor to pass as ?after= for the following page.
	Next int64 `json:"next"`
}

func newEventJSON(ev store.StatusEvent) EventJSON {
	return EventJSON{
		Sequence:   ev.Sequence,
		Label:      ev.Label,
		Status:     string(ev.Status),
		OccurredAt: ev.OccurredAt.UTC().Format(time.RFC3339),
	}
}

func newEventsJSON(events []store.StatusEvent, cursor int64) EventsJSON {
	out := EventsJSON{Events: make([]EventJSON, 0, len(events)), Next: cursor}
	for _, ev := range events {
		out.Events = append(out.Events, newEventJSON(ev))
		if ev.Sequence > out.Next {
			out.Next = ev.Sequence
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Status: "error", Message: msg})
}
