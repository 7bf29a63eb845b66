package mqtt

import (
	"context"

	"github.com/sweeney/power-monitor/internal/notifier"
)

// Sink delivers notifier notifications through a Publisher.
type Sink struct {
	pub Publisher
}

// NewSink wraps pub as a notifier sink.
func NewSink(pub Publisher) *Sink {
	return &Sink{pub: pub}
}

func (s *Sink) Name() string { return "mqtt" }

func (s *Sink) Notify(_ context.Context, n notifier.Notification) error {
	return s.pub.PublishStatus(n)
}

var _ notifier.Sink = (*Sink)(nil)
