// Package status provides a thread-safe runtime view of the power monitor.
// It is written by the detector loop and read by HTTP handlers and the
// MQTT lifecycle heartbeat.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/power-monitor/internal/detector"
	"github.com/sweeney/power-monitor/internal/logic"
)

// Config contains daemon configuration for display.
type Config struct {
	PollInterval time.Duration
	Threshold    time.Duration
	Broker       string
	HTTPAddr     string
	Store        string
}

// LabelView is the last known state of one label.
type LabelView struct {
	Label  string
	Status logic.Status
	// Since is when Status was recorded; zero if unknown.
	Since        time.Time
	LastSeen     time.Time
	HasHeartbeat bool
	// Failing is set when the label's last evaluation errored.
	Failing bool
}

// Counts are totals since start.
type Counts struct {
	Ticks       int
	TickErrors  int
	Available   int // transitions to AVAILABLE
	Unavailable int // transitions to UNAVAILABLE
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Labels           []LabelView
	Counts           Counts
	StartTime        time.Time
	Now              time.Time
	LastTick         time.Time
	LastTickDuration time.Duration
	LastTickErrors   int
	MQTTConnected    bool
	Config           Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Label returns the view for label.
func (s Snapshot) Label(label string) (LabelView, bool) {
	for _, l := range s.Labels {
		if l.Label == label {
			return l, true
		}
	}
	return LabelView{}, false
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu     sync.RWMutex
	snap   Snapshot
	labels map[string]LabelView
	now    func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		labels: make(map[string]LabelView),
		now:    time.Now,
	}
}

// RecordTick folds a detector tick into the view.
func (t *Tracker) RecordTick(r detector.TickReport) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap.Counts.Ticks++
	t.snap.LastTick = r.Now
	t.snap.LastTickDuration = r.Duration
	t.snap.LastTickErrors = len(r.Errors)
	if len(r.Errors) > 0 {
		t.snap.Counts.TickErrors++
	}

	for _, res := range r.Labels {
		v := t.labels[res.Label]
		v.Label = res.Label
		if res.Outcome == detector.OutcomeError {
			v.Failing = true
			t.labels[res.Label] = v
			continue
		}
		v.Failing = false
		if v.Status != res.Recorded {
			v.Since = time.Time{}
			if res.Outcome == detector.OutcomeAlreadyRecorded {
				// Another writer appended the event during this tick.
				v.Since = r.Now
			}
		}
		v.Status = res.Recorded
		v.HasHeartbeat = res.Evaluation.HasData
		if res.Evaluation.HasData {
			v.LastSeen = r.Now.Add(-res.Evaluation.Age)
		}
		if res.Event != nil {
			v.Since = res.Event.OccurredAt
			switch res.Event.Status {
			case logic.StatusAvailable:
				t.snap.Counts.Available++
			case logic.StatusUnavailable:
				t.snap.Counts.Unavailable++
			}
		}
		t.labels[res.Label] = v
	}
}

// SetSince records when label entered status, typically from the ledger at
// startup. Ignored if the view already holds a different status.
func (t *Tracker) SetSince(label string, s logic.Status, since time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.labels[label]
	if ok && v.Status != "" && v.Status != s {
		return
	}
	v.Label = label
	v.Status = s
	v.Since = since
	t.labels[label] = v
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state, labels sorted.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Labels = make([]LabelView, 0, len(t.labels))
	for _, v := range t.labels {
		s.Labels = append(s.Labels, v)
	}
	t.mu.RUnlock()

	sort.Slice(s.Labels, func(i, j int) bool { return s.Labels[i].Label < s.Labels[j].Label })
	s.Now = t.now()
	return s
}
