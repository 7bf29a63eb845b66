package notifier

import (
	"testing"
	"time"

	"github.com/sweeney/power-monitor/internal/logic"
	"github.com/sweeney/power-monitor/internal/store"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{-time.Second, "0 s"},
		{40 * time.Second, "40 s"},
		{5 * time.Minute, "5 min"},
		{5*time.Minute + 29*time.Second, "5 min"},
		{2 * time.Hour, "2 h"},
		{2*time.Hour + 5*time.Minute, "2 h 5 min"},
		{26*time.Hour + 1*time.Minute, "26 h 1 min"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%v): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestQuietHoursContains(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2026, 1, 1, h, 30, 0, 0, time.UTC) }

	tests := []struct {
		name string
		q    QuietHours
		hour int
		want bool
	}{
		{"disabled", QuietHours{}, 3, false},
		{"same day inside", QuietHours{Start: 13, End: 15}, 14, true},
		{"same day end exclusive", QuietHours{Start: 13, End: 15}, 15, false},
		{"wrap before midnight", QuietHours{Start: 22, End: 7}, 23, true},
		{"wrap after midnight", QuietHours{Start: 22, End: 7}, 3, true},
		{"wrap outside", QuietHours{Start: 22, End: 7}, 12, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Contains(at(tt.hour)); got != tt.want {
				t.Errorf("Contains(%d): got %v, want %v", tt.hour, got, tt.want)
			}
		})
	}
}

func TestQuietHoursValidate(t *testing.T) {
	if err := (QuietHours{Start: 22, End: 7}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (QuietHours{Start: 24, End: 7}).Validate(); err == nil {
		t.Error("expected error for hour 24")
	}
}

func TestMessage(t *testing.T) {
	ev := store.StatusEvent{Label: "rpi1", Status: logic.StatusUnavailable}
	n := Notification{Event: ev, Previous: logic.StatusAvailable, PreviousDuration: 3 * time.Hour}
	if got, want := n.Message(), "Power is out at rpi1 (it was on for 3 h)"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	first := Notification{Event: ev}
	if got, want := first.Message(), "Power is out at rpi1"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
