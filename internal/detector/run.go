package detector

import (
	"context"

	"go.uber.org/zap"

	"github.com/sweeney/power-monitor/internal/logic"
)

// Run ticks immediately and then once per poll interval until ctx is
// cancelled. Tick n is scheduled at start + n*interval, so slow I/O does not
// accumulate drift. A tick in flight when ctx is cancelled runs to completion
// (bounded by TickTimeout) before Run returns.
func (d *Detector) Run(ctx context.Context) error {
	start := d.now()
	d.logger.Info("detector started",
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Duration("staleness_threshold", d.cfg.Threshold),
		zap.Int("workers", d.cfg.Workers),
		zap.String("cache_mode", string(d.cfg.CacheMode)))

	for {
		if ctx.Err() != nil {
			d.logger.Info("detector stopped")
			return nil
		}

		report := d.runTick(ctx)
		if d.observer != nil {
			d.observer(report)
		}

		next := logic.NextTick(start, d.now(), d.cfg.PollInterval)
		select {
		case <-ctx.Done():
			d.logger.Info("detector stopped")
			return nil
		case <-d.after(next.Sub(d.now())):
		}
	}
}

func (d *Detector) runTick(ctx context.Context) TickReport {
	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.TickTimeout)
	defer cancel()

	report := d.Tick(tickCtx, d.now())
	if len(report.Errors) > 0 {
		d.logger.Warn("tick completed with errors",
			zap.Int("labels", len(report.Labels)),
			zap.Int("errors", len(report.Errors)),
			zap.Duration("duration", report.Duration))
	} else {
		d.logger.Debug("tick completed",
			zap.Int("labels", len(report.Labels)),
			zap.Int("transitions", len(report.Events)),
			zap.Duration("duration", report.Duration))
	}
	return report
}
