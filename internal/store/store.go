// Package store defines the Heartbeat Store and Status Ledger contracts and
// their in-memory, PostgreSQL and Redis implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sweeney/power-monitor/internal/logic"
)

var (
	// ErrNotFound is returned when a label has no heartbeat or no ledger entry.
	ErrNotFound = errors.New("not found")

	// ErrNoTransition is returned by Append when the status equals the
	// label's most recent event. Nothing is written.
	ErrNoTransition = errors.New("status equals last recorded status")
)

// StatusEvent is one entry of the status ledger.
type StatusEvent struct {
	Sequence   int64
	Label      string
	Status     logic.Status
	OccurredAt time.Time
}

// HeartbeatStore holds the last seen timestamp per label.
type HeartbeatStore interface {
	// LastSeen returns the last heartbeat for label, or ErrNotFound.
	LastSeen(ctx context.Context, label string) (time.Time, error)

	// UpsertLastSeen stores ts when it is strictly newer than the stored value.
	// Older or equal timestamps are ignored and reported with applied=false.
	UpsertLastSeen(ctx context.Context, label string, ts time.Time) (applied bool, err error)

	// Labels returns every label that has sent a heartbeat, sorted.
	Labels(ctx context.Context) ([]string, error)
}

// Ledger is the append-only log of status changes.
type Ledger interface {
	// LastEvent returns the most recent event for label, or ErrNotFound.
	LastEvent(ctx context.Context, label string) (StatusEvent, error)

	// Append records a status change and assigns its sequence. It returns
	// ErrNoTransition when status equals the label's most recent event,
	// which keeps racing writers from recording duplicate transitions.
	Append(ctx context.Context, label string, status logic.Status, occurredAt time.Time) (StatusEvent, error)

	// EventsAfter returns up to limit events with Sequence > cursor in
	// ascending sequence order. limit <= 0 means no limit.
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]StatusEvent, error)

	// LatestSequence returns the highest assigned sequence, 0 when empty.
	LatestSequence(ctx context.Context) (int64, error)

	// LabelEvents returns up to limit events for label, newest first.
	LabelEvents(ctx context.Context, label string, limit int) ([]StatusEvent, error)
}

// Pinger is implemented by stores backed by a remote server.
type Pinger interface {
	Ping(ctx context.Context) error
}
