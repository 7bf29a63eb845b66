package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sweeney/power-monitor/internal/logic"
)

// MemoryHeartbeats is an in-process HeartbeatStore. Used by tests and by the
// "memory" backend for local runs; nothing survives a restart.
type MemoryHeartbeats struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time

	// Err, if set, is returned by every method.
	Err error
}

// NewMemoryHeartbeats creates an empty heartbeat store.
func NewMemoryHeartbeats() *MemoryHeartbeats {
	return &MemoryHeartbeats{lastSeen: make(map[string]time.Time)}
}

// LastSeen returns the last heartbeat for label.
func (m *MemoryHeartbeats) LastSeen(_ context.Context, label string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return time.Time{}, m.Err
	}
	ts, ok := m.lastSeen[label]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return ts, nil
}

// UpsertLastSeen stores ts if it is newer than the stored value.
func (m *MemoryHeartbeats) UpsertLastSeen(_ context.Context, label string, ts time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	if cur, ok := m.lastSeen[label]; ok && !ts.After(cur) {
		return false, nil
	}
	m.lastSeen[label] = ts
	return true, nil
}

// Labels returns all known labels, sorted.
func (m *MemoryHeartbeats) Labels(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	labels := make([]string, 0, len(m.lastSeen))
	for l := range m.lastSeen {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels, nil
}

// SetError makes every subsequent call fail with err (nil clears it).
func (m *MemoryHeartbeats) SetError(err error) {
	m.mu.Lock()
	m.Err = err
	m.mu.Unlock()
}

// MemoryLedger is an in-process Ledger with the same append guard as the
// PostgreSQL ledger.
type MemoryLedger struct {
	mu     sync.RWMutex
	events []StatusEvent
	seq    int64

	appendErr map[string]error
	readErr   map[string]error
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		appendErr: make(map[string]error),
		readErr:   make(map[string]error),
	}
}

// FailAppend makes Append for label fail with err (nil clears it).
func (m *MemoryLedger) FailAppend(label string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.appendErr, label)
		return
	}
	m.appendErr[label] = err
}

// FailRead makes LastEvent for label fail with err (nil clears it).
func (m *MemoryLedger) FailRead(label string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.readErr, label)
		return
	}
	m.readErr[label] = err
}

// LastEvent returns the most recent event for label.
func (m *MemoryLedger) LastEvent(_ context.Context, label string) (StatusEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.readErr[label]; err != nil {
		return StatusEvent{}, err
	}
	return m.lastLocked(label)
}

func (m *MemoryLedger) lastLocked(label string) (StatusEvent, error) {
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Label == label {
			return m.events[i], nil
		}
	}
	return StatusEvent{}, ErrNotFound
}

// Append records a status change for label.
func (m *MemoryLedger) Append(_ context.Context, label string, status logic.Status, occurredAt time.Time) (StatusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.appendErr[label]; err != nil {
		return StatusEvent{}, err
	}
	if last, err := m.lastLocked(label); err == nil && last.Status == status {
		return StatusEvent{}, ErrNoTransition
	}
	m.seq++
	ev := StatusEvent{
		Sequence:   m.seq,
		Label:      label,
		Status:     status,
		OccurredAt: occurredAt,
	}
	m.events = append(m.events, ev)
	return ev, nil
}

// EventsAfter returns events with Sequence > cursor in ascending order.
func (m *MemoryLedger) EventsAfter(_ context.Context, cursor int64, limit int) ([]StatusEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []StatusEvent
	for _, ev := range m.events {
		if ev.Sequence <= cursor {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// LatestSequence returns the highest assigned sequence.
func (m *MemoryLedger) LatestSequence(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seq, nil
}

// LabelEvents returns events for label, newest first.
func (m *MemoryLedger) LabelEvents(_ context.Context, label string, limit int) ([]StatusEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []StatusEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Label != label {
			continue
		}
		out = append(out, m.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len returns the total number of recorded events.
func (m *MemoryLedger) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
