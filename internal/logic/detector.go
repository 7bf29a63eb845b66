package logic

import "time"

// Policy holds the staleness rule applied to every label.
type Policy struct {
	// Threshold is the maximum heartbeat age still considered AVAILABLE.
	Threshold time.Duration
}

// NewPolicy creates a staleness policy with the given threshold.
func NewPolicy(threshold time.Duration) Policy {
	return Policy{Threshold: threshold}
}

// Evaluate infers the status for a single reading.
// A missing heartbeat means UNAVAILABLE. A heartbeat newer than Now has its
// age clamped to zero and is reported as an anomaly, never as an error.
func (p Policy) Evaluate(r Reading) Evaluation {
	if r.LastSeen.IsZero() {
		return Evaluation{Status: StatusUnavailable}
	}

	ev := Evaluation{HasData: true}
	age := r.Now.Sub(r.LastSeen)
	if age < 0 {
		age = 0
		ev.Anomaly = AnomalyFutureHeartbeat
	}
	ev.Age = age

	if age <= p.Threshold {
		ev.Status = StatusAvailable
	} else {
		ev.Status = StatusUnavailable
	}
	return ev
}

// Transition is the single transition function of the per-label two-state
// machine. It returns the next recorded status and whether a ledger entry
// must be written. An unknown last status counts as InitialStatus.
func Transition(last, inferred Status) (Status, bool) {
	if !last.Valid() {
		last = InitialStatus
	}
	if inferred == last {
		return last, false
	}
	return inferred, true
}

// NextTick returns the scheduled time of the first tick slot strictly after
// now, counting whole intervals from start. Scheduling relative to start
// keeps slow ticks from accumulating drift; slots that were missed while a
// tick overran are skipped.
func NextTick(start, now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	if now.Before(start) {
		return start
	}
	n := now.Sub(start)/interval + 1
	return start.Add(n * interval)
}
