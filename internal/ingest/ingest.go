// Package ingest records heartbeats from any transport into the heartbeat
// store. The HTTP handler and the MQTT subscriber both go through Service.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/power-monitor/internal/metrics"
	"github.com/sweeney/power-monitor/internal/store"
)

// MaxLabelLength is the longest accepted label.
const MaxLabelLength = 64

// ErrInvalidLabel is returned for empty, too long or malformed labels.
var ErrInvalidLabel = errors.New("invalid label")

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidateLabel checks that label is usable as a store key and MQTT topic level.
func ValidateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("%w: empty", ErrInvalidLabel)
	}
	if len(label) > MaxLabelLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidLabel, MaxLabelLength)
	}
	if !labelPattern.MatchString(label) {
		return fmt.Errorf("%w: %q may only contain letters, digits, '_', '.' and '-'", ErrInvalidLabel, label)
	}
	return nil
}

// Result describes a recorded heartbeat.
type Result struct {
	Label string
	// Timestamp is the value offered to the store, after clamping.
	Timestamp  time.Time
	ReceivedAt time.Time
	// Applied is false when a newer heartbeat was already stored.
	Applied bool
	// Clamped is true when the client timestamp was too far in the future.
	Clamped bool
}

// Service validates and stores heartbeats.
type Service struct {
	store         store.HeartbeatStore
	maxFutureSkew time.Duration
	logger        *zap.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records ingestion metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock replaces the receive-time clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service. Timestamps more than maxFutureSkew ahead of
// the receive time are replaced by the receive time; 0 disables the check.
func NewService(hb store.HeartbeatStore, maxFutureSkew time.Duration, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:         hb,
		maxFutureSkew: maxFutureSkew,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record stores a heartbeat for label. A zero ts means "now". source names the
// transport for metrics and logs.
func (s *Service) Record(ctx context.Context, source, label string, ts time.Time) (Result, error) {
	if err := ValidateLabel(label); err != nil {
		s.metrics.Heartbeat(source, "rejected")
		return Result{}, err
	}

	received := s.now()
	res := Result{Label: label, Timestamp: ts, ReceivedAt: received}
	if ts.IsZero() {
		res.Timestamp = received
	} else if s.maxFutureSkew > 0 && ts.Sub(received) > s.maxFutureSkew {
		s.logger.Warn("heartbeat timestamp in the future, using receive time",
			zap.String("label", label),
			zap.String("source", source),
			zap.Time("timestamp", ts),
			zap.Time("received_at", received))
		res.Timestamp = received
		res.Clamped = true
	}

	applied, err := s.store.UpsertLastSeen(ctx, label, res.Timestamp)
	if err != nil {
		s.metrics.Heartbeat(source, "error")
		return Result{}, fmt.Errorf("store heartbeat for %s: %w", label, err)
	}
	res.Applied = applied

	if applied {
		s.metrics.Heartbeat(source, "applied")
		s.logger.Debug("heartbeat recorded",
			zap.String("label", label),
			zap.String("source", source),
			zap.Time("timestamp", res.Timestamp))
	} else {
		s.metrics.Heartbeat(source, "ignored")
		s.logger.Debug("stale heartbeat ignored",
			zap.String("label", label),
			zap.String("source", source),
			zap.Time("timestamp", res.Timestamp))
	}
	return res, nil
}
