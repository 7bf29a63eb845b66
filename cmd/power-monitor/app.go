package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/power-monitor/internal/config"
	"github.com/sweeney/power-monitor/internal/detector"
	"github.com/sweeney/power-monitor/internal/ingest"
	"github.com/sweeney/power-monitor/internal/metrics"
	"github.com/sweeney/power-monitor/internal/mqtt"
	"github.com/sweeney/power-monitor/internal/notifier"
	"github.com/sweeney/power-monitor/internal/status"
	"github.com/sweeney/power-monitor/internal/store"
	"github.com/sweeney/power-monitor/internal/web"
)

// stores are the opened storage backends.
type stores struct {
	heartbeats store.HeartbeatStore
	ledger     store.Ledger
	pingers    map[string]store.Pinger
	closers    []func()
	name       string
}

// Close releases backend connections in reverse order of opening.
func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func memoryStores() *stores {
	return &stores{
		heartbeats: store.NewMemoryHeartbeats(),
		ledger:     store.NewMemoryLedger(),
		pingers:    map[string]store.Pinger{},
		name:       config.BackendMemory,
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	st := memoryStores()
	st.name = cfg.Store.Ledger
	if hb := cfg.HeartbeatBackend(); hb != cfg.Store.Ledger {
		st.name += "+" + hb
	}

	var pg *store.PostgresStore
	if cfg.NeedsPostgres() {
		var err error
		pg, err = store.NewPostgresStore(ctx, store.PostgresOptions{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Name,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		}, logger.Named("postgres"))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		st.closers = append(st.closers, pg.Close)
		st.pingers["postgres"] = pg
		if err := pg.EnsureSchema(ctx); err != nil {
			st.Close()
			return nil, err
		}
	}

	if cfg.Store.Ledger == config.BackendPostgres {
		st.ledger = pg
	}

	switch cfg.HeartbeatBackend() {
	case config.BackendPostgres:
		st.heartbeats = pg
	case config.BackendRedis:
		rh, err := store.NewRedisHeartbeats(ctx, store.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		}, logger.Named("redis"))
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		st.closers = append(st.closers, func() { rh.Close() })
		st.pingers["redis"] = rh
		st.heartbeats = rh
	}

	logger.Info("stores opened",
		zap.String("ledger", cfg.Store.Ledger),
		zap.String("heartbeats", cfg.HeartbeatBackend()))
	return st, nil
}

// app holds the wired daemon components.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	stores   *stores
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	tracker  *status.Tracker
	ingest   *ingest.Service
	topics   mqtt.Topics

	publisher  mqtt.Publisher
	mqttStatus mqtt.ConnectionStatus

	detector *detector.Detector
	notifier *notifier.Notifier
	server   *web.Server
}

// newApp builds the components that do not depend on MQTT. Call
// setPublisher (optional) and then wire before run.
func newApp(cfg *config.Config, logger *zap.Logger, st *stores, reg *prometheus.Registry, now func() time.Time) *app {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		now:      now,
		stores:   st,
		registry: reg,
		metrics:  m,
		topics:   mqtt.Topics{Prefix: cfg.MQTT.TopicPrefix},
		tracker: status.NewTracker(now(), status.Config{
			PollInterval: cfg.PollInterval(),
			Threshold:    cfg.Threshold(),
			Broker:       cfg.MQTT.Broker,
			HTTPAddr:     cfg.HTTP.Addr,
			Store:        st.name,
		}),
	}
	a.ingest = ingest.NewService(st.heartbeats, cfg.Ingest.MaxFutureSkew, logger.Named("ingest"),
		ingest.WithMetrics(m), ingest.WithClock(now))
	return a
}

func (a *app) setPublisher(pub mqtt.Publisher, conn mqtt.ConnectionStatus) {
	a.publisher = pub
	a.mqttStatus = conn
}

// wire creates the detector, notifier and HTTP server.
func (a *app) wire() error {
	cfg := a.cfg

	d, err := detector.New(a.stores.heartbeats, a.stores.ledger, detector.Config{
		PollInterval: cfg.PollInterval(),
		Threshold:    cfg.Threshold(),
		Workers:      cfg.Detector.Workers,
		CacheMode:    detector.CacheMode(cfg.Detector.CacheMode),
		TickTimeout:  cfg.Detector.TickTimeout,
	}, a.logger.Named("detector"),
		detector.WithMetrics(a.metrics),
		detector.WithObserver(a.observeTick))
	if err != nil {
		return fmt.Errorf("init detector: %w", err)
	}
	a.detector = d

	if cfg.Notifier.Enabled {
		loc, err := cfg.Location()
		if err != nil {
			return fmt.Errorf("notifier timezone: %w", err)
		}
		sinks := []notifier.Sink{notifier.NewLogSink(a.logger.Named("notify"))}
		if a.publisher != nil {
			sinks = append(sinks, mqtt.NewSink(a.publisher))
		}
		a.notifier = notifier.New(a.stores.ledger, sinks, notifier.Config{
			PollInterval:  cfg.Notifier.PollInterval,
			BatchSize:     cfg.Notifier.BatchSize,
			ReplayOnStart: cfg.Notifier.ReplayOnStart,
			Quiet:         cfg.QuietHours(),
			Location:      loc,
			RateLimit:     cfg.Notifier.RateLimit,
			Burst:         cfg.Notifier.Burst,
		}, a.logger.Named("notifier"), notifier.WithMetrics(a.metrics))
	}

	opts := web.Options{
		Addr:          cfg.HTTP.Addr,
		HeartbeatPath: cfg.Ingest.Path,
		Token:         cfg.Ingest.Token,
		RateLimit:     cfg.Ingest.RateLimit,
		Burst:         cfg.Ingest.Burst,
		ReadTimeout:   cfg.HTTP.ReadTimeout,
		WriteTimeout:  cfg.HTTP.WriteTimeout,
	}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
		opts.Gatherer = a.registry
	}
	a.server = web.New(opts, web.Deps{
		Tracker:    a.tracker,
		Ingest:     a.ingest,
		Heartbeats: a.stores.heartbeats,
		Ledger:     a.stores.ledger,
		Pingers:    a.stores.pingers,
	}, a.logger.Named("http"))
	return nil
}

func (a *app) observeTick(r detector.TickReport) {
	a.tracker.RecordTick(r)
	if a.mqttStatus != nil {
		a.tracker.SetMQTTConnected(a.mqttStatus.IsConnected())
	}
}

// warmup seeds the tracker with when each label entered its recorded status.
func (a *app) warmup(ctx context.Context) {
	labels, err := a.stores.heartbeats.Labels(ctx)
	if err != nil {
		a.logger.Warn("status warmup skipped", zap.Error(err))
		return
	}
	for _, label := range labels {
		ev, err := a.stores.ledger.LastEvent(ctx, label)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				a.logger.Warn("status warmup failed", zap.String("label", label), zap.Error(err))
			}
			continue
		}
		a.tracker.SetSince(label, ev.Status, ev.OccurredAt)
	}
}

// run starts every component and blocks until a signal arrives or a
// component fails. The in-flight detector tick is finished before returning.
func (a *app) run(ctx context.Context, ln net.Listener, heartbeat <-chan time.Time, sig <-chan os.Signal) error {
	a.warmup(ctx)
	if a.notifier != nil {
		if err := a.notifier.Init(ctx); err != nil {
			return fmt.Errorf("init notifier: %w", err)
		}
	}

	a.publishSystem("STARTUP", "")
	a.logger.Info("started",
		zap.String("http", ln.Addr().String()),
		zap.Duration("poll_interval", a.cfg.PollInterval()),
		zap.Duration("staleness_threshold", a.cfg.Threshold()),
		zap.String("store", a.stores.name),
		zap.Bool("mqtt", a.publisher != nil))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.detector.Run(gctx) })
	if a.notifier != nil {
		g.Go(func() error { return a.notifier.Run(gctx) })
	}
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer scancel()
		return a.server.Shutdown(sctx)
	})

	reason := a.systemLoop(gctx, heartbeat, sig)
	cancel()
	err := g.Wait()

	a.publishSystem("SHUTDOWN", reason)
	a.logger.Info("stopped", zap.String("reason", reason))
	return err
}

// systemLoop publishes periodic HEARTBEAT events and returns the shutdown
// reason once a signal arrives or ctx is cancelled.
func (a *app) systemLoop(ctx context.Context, heartbeat <-chan time.Time, sig <-chan os.Signal) string {
	for {
		select {
		case s := <-sig:
			a.logger.Info("received signal, shutting down", zap.Stringer("signal", s))
			return signalName(s)
		case <-ctx.Done():
			return "ERROR"
		case <-heartbeat:
			a.publishSystem("HEARTBEAT", "")
		}
	}
}

func (a *app) publishSystem(event, reason string) {
	if a.publisher == nil {
		return
	}
	if a.mqttStatus != nil {
		a.tracker.SetMQTTConnected(a.mqttStatus.IsConnected())
	}
	snap := a.tracker.Snapshot()
	ev := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   event != "HEARTBEAT",
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := a.publisher.PublishSystem(ev); err != nil {
		a.logger.Warn("failed to publish system event", zap.String("event", event), zap.Error(err))
		return
	}
	a.logger.Debug("published system event", zap.String("event", event))
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// printLabels writes the recorded status of every known label.
func printLabels(ctx context.Context, w io.Writer, hb store.HeartbeatStore, ledger store.Ledger, now time.Time) error {
	labels, err := hb.Labels(ctx)
	if err != nil {
		return fmt.Errorf("list labels: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tSTATUS\tSINCE\tLAST HEARTBEAT")
	for _, label := range labels {
		statusText, since := "UNKNOWN", "-"
		ev, err := ledger.LastEvent(ctx, label)
		switch {
		case err == nil:
			statusText = string(ev.Status)
			since = ev.OccurredAt.UTC().Format(time.RFC3339)
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("read ledger for %s: %w", label, err)
		}

		lastSeen := "-"
		if ts, err := hb.LastSeen(ctx, label); err == nil {
			lastSeen = fmt.Sprintf("%s (%s ago)", ts.UTC().Format(time.RFC3339), notifier.FormatDuration(now.Sub(ts)))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", label, statusText, since, lastSeen)
	}
	return tw.Flush()
}
