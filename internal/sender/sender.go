// Package sender delivers heartbeats from a monitored device to the power
// monitor's HTTP ingestion endpoint.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/power-monitor/internal/gpio"
)

// DefaultPath is the ingestion path when none is configured.
const DefaultPath = "/heartbeat"

// maxErrorBody bounds how much of a failed response is kept for logging.
const maxErrorBody = 500

// StatusError is returned when the server answers with a non-2xx code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("heartbeat rejected: status %d: %s", e.Code, e.Body)
}

// BuildURL returns the heartbeat URL for host, port and path. host may carry
// a scheme (https://...); plain hosts get http. An empty path becomes
// DefaultPath and a missing leading slash is added.
func BuildURL(host string, port int, path string) string {
	host = strings.TrimSpace(host)
	scheme := "http"
	if i := strings.Index(host, "://"); i >= 0 {
		scheme = host[:i]
		host = host[i+3:]
	}
	host = strings.TrimRight(host, "/")

	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, host, port, path)
}

// Config holds sender settings.
type Config struct {
	URL     string
	Label   string
	Token   string
	Timeout time.Duration
}

// Stats counts heartbeat outcomes.
type Stats struct {
	Sent    int64
	Failed  int64
	Skipped int64
}

// Sender sends heartbeats.
type Sender struct {
	client *http.Client
	url    *url.URL
	label  string
	token  string
	logger *zap.Logger
	now    func() time.Time

	sent    atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64
}

// Option configures a Sender.
type Option func(*Sender)

// WithHTTPClient replaces the HTTP client. Its timeout is left untouched.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.client = c }
}

// WithClock injects the time source used for heartbeat timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Sender) { s.now = now }
}

// New creates a Sender.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Sender, error) {
	if cfg.Label == "" {
		return nil, errors.New("sender: label is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("sender: parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("sender: url %q must be absolute", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Sender{
		client: &http.Client{Timeout: cfg.Timeout},
		url:    u,
		label:  cfg.Label,
		token:  cfg.Token,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// URL returns the heartbeat URL without query parameters.
func (s *Sender) URL() string { return s.url.String() }

// Stats returns the outcome counters.
func (s *Sender) Stats() Stats {
	return Stats{
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Skipped: s.skipped.Load(),
	}
}

// Send delivers one heartbeat stamped with the current time.
func (s *Sender) Send(ctx context.Context) error {
	u := *s.url
	q := u.Query()
	q.Set("label", s.label)
	q.Set("timestamp", strconv.FormatInt(s.now().Unix(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Beat sends one heartbeat unless gate reports mains power absent. A gate
// read error does not suppress the heartbeat. Failures are logged and
// counted, never returned.
func (s *Sender) Beat(ctx context.Context, gate gpio.MainsSense) {
	if gate != nil {
		powered, err := gate.Powered()
		switch {
		case err != nil:
			s.logger.Warn("mains sense read failed, sending anyway", zap.Error(err))
		case !powered:
			s.skipped.Add(1)
			s.logger.Info("mains sense reports no power, heartbeat skipped")
			return
		}
	}

	if err := s.Send(ctx); err != nil {
		s.failed.Add(1)
		var se *StatusError
		if errors.As(err, &se) {
			s.logger.Warn("heartbeat response error", zap.Int("status", se.Code), zap.String("body", se.Body))
		} else {
			s.logger.Warn("heartbeat request failed", zap.String("url", s.URL()), zap.Error(err))
		}
		return
	}
	s.sent.Add(1)
	s.logger.Debug("heartbeat sent", zap.String("label", s.label))
}

// Run sends a heartbeat immediately and then every interval until ctx is done.
func (s *Sender) Run(ctx context.Context, interval time.Duration, gate gpio.MainsSense) error {
	if interval <= 0 {
		return fmt.Errorf("sender: interval must be > 0, got %v", interval)
	}

	s.logger.Info("heartbeat sender started",
		zap.String("url", s.URL()),
		zap.String("label", s.label),
		zap.Duration("interval", interval),
		zap.Bool("gated", gate != nil))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Beat(ctx, gate)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Beat(ctx, gate)
		}
	}
}
