// Package notifier follows the status ledger with a cursor and hands every
// new event to a set of sinks, in ledger order.
//
// Delivery is at-most-once: the cursor advances past an event once every sink
// has been tried, whether or not the sink succeeded.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sweeney/power-monitor/internal/metrics"
	"github.com/sweeney/power-monitor/internal/store"
)

// Sink delivers notifications somewhere.
type Sink interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Config holds notifier settings.
type Config struct {
	PollInterval time.Duration
	// BatchSize is the maximum number of events read per ledger query.
	BatchSize int
	// ReplayOnStart delivers every event already in the ledger on startup.
	// By default the cursor starts at the latest sequence.
	ReplayOnStart bool
	Quiet         QuietHours
	// Location is used to evaluate quiet hours. Defaults to time.Local.
	Location *time.Location
	// RateLimit is the maximum notifications per second, 0 for unlimited.
	RateLimit float64
	Burst     int
}

// Notifier dispatches ledger events to sinks.
type Notifier struct {
	ledger store.Ledger
	sinks  []Sink
	cfg    Config

	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *metrics.Metrics
	after   func(time.Duration) <-chan time.Time

	mu          sync.Mutex
	cursor      int64
	initialized bool
	previous    map[string]store.StatusEvent
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithMetrics records dispatch metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithAfter replaces the timer used by Run.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(n *Notifier) { n.after = after }
}

// New creates a Notifier. Call Init or Run before Poll.
func New(ledger store.Ledger, sinks []Sink, cfg Config, logger *zap.Logger, opts ...Option) *Notifier {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	n := &Notifier{
		ledger:   ledger,
		sinks:    sinks,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger,
		after:    time.After,
		previous: make(map[string]store.StatusEvent),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Init positions the cursor. It is a no-op once the cursor is set.
func (n *Notifier) Init(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.initialized {
		return nil
	}
	if !n.cfg.ReplayOnStart {
		seq, err := n.ledger.LatestSequence(ctx)
		if err != nil {
			return fmt.Errorf("read latest sequence: %w", err)
		}
		n.cursor = seq
	}
	n.initialized = true
	n.metrics.SetCursor(n.cursor)
	n.logger.Info("notifier cursor positioned",
		zap.Int64("cursor", n.cursor),
		zap.Bool("replay", n.cfg.ReplayOnStart))
	return nil
}

// Cursor returns the sequence of the last handled event.
func (n *Notifier) Cursor() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cursor
}

// Poll dispatches every event after the cursor and returns how many were
// handled. It stops early, without skipping events, if ctx is cancelled.
func (n *Notifier) Poll(ctx context.Context) (int, error) {
	if err := n.Init(ctx); err != nil {
		return 0, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	handled := 0
	for {
		events, err := n.ledger.EventsAfter(ctx, n.cursor, n.cfg.BatchSize)
		if err != nil {
			return handled, fmt.Errorf("read events after %d: %w", n.cursor, err)
		}
		for _, ev := range events {
			if err := n.limiter.Wait(ctx); err != nil {
				return handled, err
			}
			n.dispatch(ctx, n.notification(ctx, ev))
			n.cursor = ev.Sequence
			n.metrics.SetCursor(n.cursor)
			handled++
		}
		if len(events) < n.cfg.BatchSize {
			return handled, nil
		}
	}
}

// Run polls the ledger every PollInterval until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	if err := n.Init(ctx); err != nil {
		return err
	}
	for {
		if _, err := n.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Warn("notifier poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			n.logger.Info("notifier stopped", zap.Int64("cursor", n.Cursor()))
			return nil
		case <-n.after(n.cfg.PollInterval):
		}
	}
}

func (n *Notifier) dispatch(ctx context.Context, note Notification) {
	for _, s := range n.sinks {
		if err := s.Notify(ctx, note); err != nil {
			n.metrics.Notification(s.Name(), "failed")
			n.logger.Error("notification failed",
				zap.String("sink", s.Name()),
				zap.String("label", note.Event.Label),
				zap.Int64("sequence", note.Event.Sequence),
				zap.Error(err))
			continue
		}
		n.metrics.Notification(s.Name(), "sent")
	}
}

// notification builds the Notification for ev, looking up the label's
// previous event to report how long the old state lasted.
func (n *Notifier) notification(ctx context.Context, ev store.StatusEvent) Notification {
	note := Notification{
		Event:  ev,
		Silent: n.cfg.Quiet.Contains(ev.OccurredAt.In(n.cfg.Location)),
	}

	prev, ok := n.previous[ev.Label]
	if !ok || prev.Sequence >= ev.Sequence {
		prev, ok = n.lookupPrevious(ctx, ev)
	}
	if ok {
		note.Previous = prev.Status
		note.PreviousSince = prev.OccurredAt
		note.PreviousDuration = ev.OccurredAt.Sub(prev.OccurredAt)
	}
	n.previous[ev.Label] = ev
	return note
}

func (n *Notifier) lookupPrevious(ctx context.Context, ev store.StatusEvent) (store.StatusEvent, bool) {
	events, err := n.ledger.LabelEvents(ctx, ev.Label, 0)
	if err != nil {
		n.logger.Warn("failed to read label history",
			zap.String("label", ev.Label), zap.Error(err))
		return store.StatusEvent{}, false
	}
	for _, e := range events {
		if e.Sequence < ev.Sequence {
			return e, true
		}
	}
	return store.StatusEvent{}, false
}

// LogSink writes notifications to the log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Notify(_ context.Context, n Notification) error {
	fields := []zap.Field{
		zap.String("label", n.Event.Label),
		zap.String("status", string(n.Event.Status)),
		zap.Time("occurred_at", n.Event.OccurredAt),
		zap.Int64("sequence", n.Event.Sequence),
		zap.Bool("silent", n.Silent),
	}
	if n.Previous != "" {
		fields = append(fields, zap.Duration("previous_duration", n.PreviousDuration))
	}
	s.logger.Info(n.Message(), fields...)
	return nil
}

var _ Sink = (*LogSink)(nil)
