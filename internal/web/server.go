// Package web provides the HTTP surface of the power monitor: heartbeat
// ingestion, status pages, the ledger feed, health checks and metrics.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sweeney/power-monitor/internal/ingest"
	"github.com/sweeney/power-monitor/internal/logic"
	"github.com/sweeney/power-monitor/internal/status"
	"github.com/sweeney/power-monitor/internal/store"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

// Options configures the Server.
type Options struct {
	Addr string
	// HeartbeatPath is where devices send heartbeats. Defaults to /heartbeat.
	HeartbeatPath string
	// Token, if set, is required as a Bearer token on the heartbeat endpoint.
	Token string
	// RateLimit caps heartbeat requests per second; 0 disables the limit.
	RateLimit float64
	Burst     int
	// MetricsPath serves Gatherer when both are set.
	MetricsPath string
	Gatherer    prometheus.Gatherer

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Deps are the components the Server reads from and writes to.
type Deps struct {
	Tracker    *status.Tracker
	Ingest     *ingest.Service
	Heartbeats store.HeartbeatStore
	Ledger     store.Ledger
	// Pingers are checked by /ready, keyed by name.
	Pingers map[string]store.Pinger
}

// Server serves the HTTP API and status page.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Deps
	opts       Options
	logger     *zap.Logger
}

// NormalizePath makes p absolute, defaulting to /heartbeat.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/heartbeat"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// New creates a Server with all routes registered.
func New(opts Options, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.HeartbeatPath = NormalizePath(opts.HeartbeatPath)

	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		opts:   opts,
		logger: logger,
	}
	s.routes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.router,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(Recovery(s.logger), RequestID, Logging(s.logger))

	ingestChain := []func(http.Handler) http.Handler{BearerAuth(s.opts.Token, s.logger)}
	if s.opts.RateLimit > 0 {
		ingestChain = append(ingestChain, NewRateLimiter(s.opts.RateLimit, s.opts.Burst, s.logger).Limit)
	}
	s.router.Handle(s.opts.HeartbeatPath, Chain(ingestChain...)(http.HandlerFunc(s.handleHeartbeat))).
		Methods(http.MethodGet, http.MethodPost)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/status/{label}", s.handleLabelStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/events/{label}", s.handleLabelEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/index.json", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	s.router.HandleFunc("/index.html", s.handleIndex).Methods(http.MethodGet)

	if s.opts.MetricsPath != "" && s.opts.Gatherer != nil {
		s.router.Handle(s.opts.MetricsPath, promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the root handler. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until Shutdown. It returns
// http.ErrServerClosed after a graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP server",
		zap.String("addr", ln.Addr().String()),
		zap.String("heartbeat_path", s.opts.HeartbeatPath),
		zap.Bool("auth_required", s.opts.Token != ""))
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	label := strings.TrimSpace(r.Form.Get("label"))
	if label == "" {
		writeError(w, http.StatusBadRequest, "label is required")
		return
	}

	var ts time.Time
	if raw := strings.TrimSpace(r.Form.Get("timestamp")); raw != "" {
		secs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || secs < 0 {
			writeError(w, http.StatusBadRequest, "timestamp must be unix seconds")
			return
		}
		if secs > 0 {
			ts = time.Unix(secs, 0).UTC()
		}
	}

	res, err := s.deps.Ingest.Record(r.Context(), "http", label, ts)
	if errors.Is(err, ingest.ErrInvalidLabel) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to record heartbeat",
			zap.String("label", label),
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "heartbeat store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, HeartbeatResponse{
		Status:     "ok",
		Label:      res.Label,
		Timestamp:  res.Timestamp.UTC().Format(time.RFC3339),
		ReceivedAt: res.ReceivedAt.UTC().Format(time.RFC3339),
		Applied:    res.Applied,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Pingers))
	code := http.StatusOK
	for name, p := range s.deps.Pingers {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if code != http.StatusOK {
		state = "unavailable"
	}
	writeJSON(w, code, map[string]any{"status": state, "checks": checks})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

// handleLabelStatus answers from the stores, not the tracker, so it is
// correct even before the first tick.
func (s *Server) handleLabelStatus(w http.ResponseWriter, r *http.Request) {
	label := mux.Vars(r)["label"]
	if err := ingest.ValidateLabel(label); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()

	view := status.LabelView{Label: label}
	lastSeen, err := s.deps.Heartbeats.LastSeen(ctx, label)
	switch {
	case err == nil:
		view.LastSeen = lastSeen
		view.HasHeartbeat = true
	case !errors.Is(err, store.ErrNotFound):
		s.logger.Warn("status lookup failed", zap.String("label", label), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "heartbeat store unavailable")
		return
	}

	last, err := s.deps.Ledger.LastEvent(ctx, label)
	switch {
	case err == nil:
		view.Status = last.Status
		view.Since = last.OccurredAt
	case errors.Is(err, store.ErrNotFound):
		if !view.HasHeartbeat {
			writeError(w, http.StatusNotFound, "unknown label")
			return
		}
		view.Status = logic.InitialStatus
	default:
		s.logger.Warn("status lookup failed", zap.String("label", label), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}

	writeJSON(w, http.StatusOK, status.NewLabelJSON(view, time.Now()))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.deps.Ledger.EventsAfter(r.Context(), after, limit)
	if err != nil {
		s.logger.Warn("events query failed", zap.Int64("after", after), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, newEventsJSON(events, after))
}

func (s *Server) handleLabelEvents(w http.ResponseWriter, r *http.Request) {
	label := mux.Vars(r)["label"]
	if err := ingest.ValidateLabel(label); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.deps.Ledger.LabelEvents(r.Context(), label, limit)
	if err != nil {
		s.logger.Warn("label events query failed", zap.String("label", label), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, newEventsJSON(events, 0))
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.logger.Warn("render status page", zap.Error(err))
	}
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func queryLimit(r *http.Request) (int, error) {
	n, err := queryInt(r, "limit", defaultEventsLimit)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxEventsLimit {
		n = maxEventsLimit
	}
	return int(n), nil
}
