package detector

import (
	"fmt"
	"time"

	"github.com/sweeney/power-monitor/internal/logic"
	"github.com/sweeney/power-monitor/internal/store"
)

// Operations named in LabelError.
const (
	OpListLabels    = "list_labels"
	OpReadHeartbeat = "read_heartbeat"
	OpReadLedger    = "read_ledger"
	OpAppend        = "append"
)

// Outcome is the result of evaluating one label.
type Outcome string

const (
	OutcomeUnchanged       Outcome = "UNCHANGED"
	OutcomeTransition      Outcome = "TRANSITION"
	OutcomeAlreadyRecorded Outcome = "ALREADY_RECORDED"
	OutcomeError           Outcome = "ERROR"
)

// LabelResult describes what happened to one label during a tick.
type LabelResult struct {
	Label      string
	Outcome    Outcome
	Evaluation logic.Evaluation
	// Previous is the last recorded status before this tick.
	Previous logic.Status
	// Recorded is the last recorded status after this tick.
	Recorded logic.Status
	// Event is set when a ledger entry was written.
	Event *store.StatusEvent
	Op    string
	Err   error
}

// LabelError is a per-label failure isolated to one tick.
type LabelError struct {
	Label string // empty for failures that are not label specific
	Op    string
	Err   error
}

func (e LabelError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("label %s: %s: %v", e.Label, e.Op, e.Err)
}

func (e LabelError) Unwrap() error { return e.Err }

// TickReport summarises one tick.
type TickReport struct {
	Now      time.Time
	Duration time.Duration
	Labels   []LabelResult
	Events   []store.StatusEvent
	Errors   []LabelError
}

// Result returns the result for label, if it was evaluated.
func (r TickReport) Result(label string) (LabelResult, bool) {
	for _, res := range r.Labels {
		if res.Label == label {
			return res, true
		}
	}
	return LabelResult{}, false
}
