package notifier

import (
	"fmt"
	"time"

	"github.com/sweeney/power-monitor/internal/logic"
	"github.com/sweeney/power-monitor/internal/store"
)

// Notification is one ledger event prepared for delivery.
type Notification struct {
	Event store.StatusEvent
	// Previous is the status before Event, empty for a label's first event.
	Previous         logic.Status
	PreviousSince    time.Time
	PreviousDuration time.Duration
	// Silent is set during quiet hours.
	Silent bool
}

// Message renders the notification as a single line of text.
func (n Notification) Message() string {
	var msg string
	switch n.Event.Status {
	case logic.StatusAvailable:
		msg = fmt.Sprintf("Power is back at %s", n.Event.Label)
		if n.Previous == logic.StatusUnavailable {
			msg += fmt.Sprintf(" (it was off for %s)", FormatDuration(n.PreviousDuration))
		}
	case logic.StatusUnavailable:
		msg = fmt.Sprintf("Power is out at %s", n.Event.Label)
		if n.Previous == logic.StatusAvailable {
			msg += fmt.Sprintf(" (it was on for %s)", FormatDuration(n.PreviousDuration))
		}
	default:
		msg = fmt.Sprintf("%s reported %s", n.Event.Label, n.Event.Status)
	}
	return msg
}

// FormatDuration renders d as "2 h 5 min", "5 min" or "40 s".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%d s", int(d/time.Second))
	}
	d = d.Round(time.Minute)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	switch {
	case h == 0:
		return fmt.Sprintf("%d min", m)
	case m == 0:
		return fmt.Sprintf("%d h", h)
	default:
		return fmt.Sprintf("%d h %d min", h, m)
	}
}

// QuietHours is a daily window [Start, End) of local clock hours. The window
// may wrap midnight. Start == End disables it.
type QuietHours struct {
	Start int
	End   int
}

// Enabled reports whether the window is non-empty.
func (q QuietHours) Enabled() bool { return q.Start != q.End }

// Validate checks that both bounds are clock hours.
func (q QuietHours) Validate() error {
	if q.Start < 0 || q.Start > 23 || q.End < 0 || q.End > 23 {
		return fmt.Errorf("quiet hours must be within 0-23, got %d-%d", q.Start, q.End)
	}
	return nil
}

// Contains reports whether t falls inside the window, using t's location.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled() {
		return false
	}
	h := t.Hour()
	if q.Start < q.End {
		return h >= q.Start && h < q.End
	}
	return h >= q.Start || h < q.End
}
