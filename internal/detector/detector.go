// Package detector runs the status detection loop: on every tick it compares
// each label's heartbeat age against the staleness threshold and appends a
// ledger entry only when the inferred status differs from the last recorded one.
//
// The ledger is the only authority on the last recorded status. The in-memory
// cache is a read-through copy that is dropped for a label on any I/O error,
// so a restarted or recovering detector always resumes from the ledger.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/power-monitor/internal/logic"
	"github.com/sweeney/power-monitor/internal/metrics"
	"github.com/sweeney/power-monitor/internal/store"
)

// ErrThresholdTooSmall is returned by New when the staleness threshold does
// not exceed the poll interval; such a setup flaps to UNAVAILABLE between beats.
var ErrThresholdTooSmall = errors.New("staleness threshold must be greater than poll interval")

// CacheMode selects how the last-status cache is used.
type CacheMode string

const (
	// CacheValidate reads the ledger before every decision. The cache only
	// serves Current().
	CacheValidate CacheMode = "validate"
	// CacheTrust skips the ledger read when the cache holds a status for
	// the label. Only safe with a single detector instance.
	CacheTrust CacheMode = "trust"
)

// Config holds detector settings.
type Config struct {
	PollInterval time.Duration
	Threshold    time.Duration
	// Workers is the number of labels evaluated concurrently within a tick.
	Workers   int
	CacheMode CacheMode
	// TickTimeout bounds the I/O of a single tick. Defaults to PollInterval.
	TickTimeout time.Duration
}

// Validate checks the operational invariants of the configuration.
func (c Config) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be > 0, got %v", c.PollInterval)
	}
	if c.Threshold <= c.PollInterval {
		return fmt.Errorf("%w (threshold=%v interval=%v)", ErrThresholdTooSmall, c.Threshold, c.PollInterval)
	}
	switch c.CacheMode {
	case "", CacheValidate, CacheTrust:
	default:
		return fmt.Errorf("unknown cache mode %q", c.CacheMode)
	}
	return nil
}

// Detector evaluates labels and records status transitions.
type Detector struct {
	heartbeats store.HeartbeatStore
	ledger     store.Ledger
	policy     logic.Policy
	cfg        Config

	cache *xsync.Map[string, logic.Status]
	// tickMu keeps ticks from overlapping, so a label is never evaluated by
	// two goroutines of this process at once.
	tickMu sync.Mutex

	logger   *zap.Logger
	metrics  *metrics.Metrics
	observer func(TickReport)
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithMetrics records tick and transition metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithObserver registers fn to receive every TickReport produced by Run.
func WithObserver(fn func(TickReport)) Option {
	return func(d *Detector) { d.observer = fn }
}

// WithClock replaces the wall clock and timer used by Run.
func WithClock(now func() time.Time, after func(time.Duration) <-chan time.Time) Option {
	return func(d *Detector) {
		d.now = now
		d.after = after
	}
}

// New creates a Detector. It fails fast on an invalid configuration.
func New(heartbeats store.HeartbeatStore, ledger store.Ledger, cfg Config, logger *zap.Logger, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CacheMode == "" {
		cfg.CacheMode = CacheValidate
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = cfg.PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Detector{
		heartbeats: heartbeats,
		ledger:     ledger,
		policy:     logic.NewPolicy(cfg.Threshold),
		cfg:        cfg,
		cache:      xsync.NewMap[string, logic.Status](),
		logger:     logger,
		now:        time.Now,
		after:      time.After,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Current returns the last status this detector read from or wrote to the
// ledger for label. It is a view for status pages, not a decision input.
func (d *Detector) Current(label string) (logic.Status, bool) {
	return d.cache.Load(label)
}

// Tick evaluates every known label once at time now.
// Per-label failures are isolated and reported; Tick itself never fails.
func (d *Detector) Tick(ctx context.Context, now time.Time) TickReport {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	started := time.Now()
	report := TickReport{Now: now}

	labels, err := d.heartbeats.Labels(ctx)
	if err != nil {
		d.logger.Error("failed to list labels", zap.Error(err))
		d.metrics.LabelError(OpListLabels)
		report.Errors = append(report.Errors, LabelError{Op: OpListLabels, Err: err})
		report.Duration = time.Since(started)
		return report
	}

	results := make([]LabelResult, len(labels))
	if d.cfg.Workers > 1 && len(labels) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.cfg.Workers)
		for i, label := range labels {
			g.Go(func() error {
				results[i] = d.evaluate(gctx, label, now)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, label := range labels {
			results[i] = d.evaluate(ctx, label, now)
		}
	}

	report.Labels = results
	for _, r := range results {
		if r.Err != nil {
			report.Errors = append(report.Errors, LabelError{Label: r.Label, Op: r.Op, Err: r.Err})
		}
		if r.Event != nil {
			report.Events = append(report.Events, *r.Event)
		}
	}
	report.Duration = time.Since(started)
	d.metrics.ObserveTick(report.Duration, len(labels))
	return report
}

// evaluate runs steps a-f of the detection algorithm for one label.
func (d *Detector) evaluate(ctx context.Context, label string, now time.Time) LabelResult {
	res := LabelResult{Label: label, Outcome: OutcomeUnchanged}
	log := d.logger.With(zap.String("label", label))

	lastSeen, err := d.heartbeats.LastSeen(ctx, label)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return d.fail(log, res, OpReadHeartbeat, err)
	}

	ev := d.policy.Evaluate(logic.Reading{LastSeen: lastSeen, Now: now})
	res.Evaluation = ev
	if ev.Anomaly != logic.AnomalyNone {
		log.Warn("heartbeat reading clamped",
			zap.String("anomaly", string(ev.Anomaly)),
			zap.Time("last_seen", lastSeen),
			zap.Time("now", now))
		d.metrics.Anomaly(string(ev.Anomaly))
	}

	last, err := d.lastStatus(ctx, label)
	if err != nil {
		return d.fail(log, res, OpReadLedger, err)
	}
	res.Previous = last

	next, changed := logic.Transition(last, ev.Status)
	res.Recorded = next
	if !changed {
		d.metrics.SetLabelAvailable(label, next.Bool())
		return res
	}

	event, err := d.ledger.Append(ctx, label, next, now)
	if errors.Is(err, store.ErrNoTransition) {
		// Another writer recorded the same transition first.
		log.Info("transition already recorded", zap.String("status", string(next)))
		d.cache.Store(label, next)
		res.Outcome = OutcomeAlreadyRecorded
		d.metrics.SetLabelAvailable(label, next.Bool())
		return res
	}
	if err != nil {
		res.Recorded = last
		return d.fail(log, res, OpAppend, err)
	}

	d.cache.Store(label, next)
	res.Outcome = OutcomeTransition
	res.Event = &event
	d.metrics.Transition(label, string(next))
	d.metrics.SetLabelAvailable(label, next.Bool())
	log.Info("power status changed",
		zap.String("from", string(last)),
		zap.String("to", string(next)),
		zap.Duration("heartbeat_age", ev.Age),
		zap.Bool("has_heartbeat", ev.HasData),
		zap.Int64("sequence", event.Sequence))
	return res
}

// lastStatus returns the last recorded status, from the cache in trust mode
// when present, otherwise from the ledger.
func (d *Detector) lastStatus(ctx context.Context, label string) (logic.Status, error) {
	if d.cfg.CacheMode == CacheTrust {
		if s, ok := d.cache.Load(label); ok {
			return s, nil
		}
	}

	last, err := d.ledger.LastEvent(ctx, label)
	if errors.Is(err, store.ErrNotFound) {
		d.cache.Store(label, logic.InitialStatus)
		return logic.InitialStatus, nil
	}
	if err != nil {
		return "", err
	}
	d.cache.Store(label, last.Status)
	return last.Status, nil
}

func (d *Detector) fail(log *zap.Logger, res LabelResult, op string, err error) LabelResult {
	d.cache.Delete(res.Label)
	d.metrics.LabelError(op)
	log.Error("label evaluation failed, retrying next tick", zap.String("op", op), zap.Error(err))
	res.Outcome = OutcomeError
	res.Op = op
	res.Err = err
	return res
}
