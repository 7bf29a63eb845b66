package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sweeney/power-monitor/internal/detector"
	"github.com/sweeney/power-monitor/internal/ingest"
	"github.com/sweeney/power-monitor/internal/logic"
	"github.com/sweeney/power-monitor/internal/metrics"
	"github.com/sweeney/power-monitor/internal/status"
	"github.com/sweeney/power-monitor/internal/store"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	ts         *httptest.Server
	tracker    *status.Tracker
	heartbeats *store.MemoryHeartbeats
	ledger     *store.MemoryLedger
}

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestEnv(t *testing.T, opts Options, pingers map[string]store.Pinger) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	env := &testEnv{
		tracker: status.NewTracker(t0, status.Config{
			PollInterval: 10 * time.Second,
			Threshold:    30 * time.Second,
			Broker:       "tcp://192.168.1.200:1883",
			HTTPAddr:     ":8080",
			Store:        "memory",
		}),
		heartbeats: store.NewMemoryHeartbeats(),
		ledger:     store.NewMemoryLedger(),
	}
	svc := ingest.NewService(env.heartbeats, time.Minute, logger,
		ingest.WithMetrics(m),
		ingest.WithClock(func() time.Time { return t0 }))

	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	opts.Gatherer = reg
	srv := New(opts, Deps{
		Tracker:    env.tracker,
		Ingest:     svc,
		Heartbeats: env.heartbeats,
		Ledger:     env.ledger,
		Pingers:    pingers,
	}, logger)

	env.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(env.ts.Close)
	return env
}

func get(t *testing.T, rawURL string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"":           "/heartbeat",
		"  ":         "/heartbeat",
		"hb":         "/hb",
		"/custom/hb": "/custom/hb",
	}
	for in, want := range tests {
		if got := NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestHeartbeatGET(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	resp := get(t, env.ts.URL+"/heartbeat?label=rpi1&timestamp=1767268790", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body HeartbeatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "rpi1", body.Label)
	assert.Equal(t, "2026-01-01T11:59:50Z", body.Timestamp)
	assert.Equal(t, "2026-01-01T12:00:00Z", body.ReceivedAt)
	assert.True(t, body.Applied)

	got, err := env.heartbeats.LastSeen(context.Background(), "rpi1")
	require.NoError(t, err)
	assert.True(t, got.Equal(t0.Add(-10*time.Second)))
}

func TestHeartbeatPOSTForm(t *testing.T) {
	env := newTestEnv(t, Options{HeartbeatPath: "beat"}, nil)

	resp, err := http.PostForm(env.ts.URL+"/beat", url.Values{"label": {"shed"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := env.heartbeats.LastSeen(context.Background(), "shed")
	require.NoError(t, err)
	assert.True(t, got.Equal(t0), "missing timestamp uses receive time")
}

func TestHeartbeatOutOfOrderNotApplied(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	get(t, env.ts.URL+"/heartbeat?label=rpi1&timestamp=1767268790", nil)
	resp := get(t, env.ts.URL+"/heartbeat?label=rpi1&timestamp=1767268780", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body HeartbeatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Applied)
}

func TestHeartbeatValidation(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	tests := []struct {
		name  string
		query string
	}{
		{"missing label", "timestamp=1"},
		{"bad label", "label=a%2Fb"},
		{"bad timestamp", "label=rpi1&timestamp=yesterday"},
		{"negative timestamp", "label=rpi1&timestamp=-5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(t, env.ts.URL+"/heartbeat?"+tt.query, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var body ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, "error", body.Status)
		})
	}
}

func TestHeartbeatBearerToken(t *testing.T) {
	env := newTestEnv(t, Options{Token: "s3cret"}, nil)

	resp := get(t, env.ts.URL+"/heartbeat?label=rpi1", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))

	resp = get(t, env.ts.URL+"/heartbeat?label=rpi1", http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, env.ts.URL+"/heartbeat?label=rpi1", http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Other endpoints stay open.
	resp = get(t, env.ts.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHeartbeatRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{RateLimit: 0.001, Burst: 1}, nil)

	resp := get(t, env.ts.URL+"/heartbeat?label=rpi1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = get(t, env.ts.URL+"/heartbeat?label=rpi1", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestHeartbeatStoreFailure(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	env.heartbeats.SetError(errors.New("connection refused"))

	resp := get(t, env.ts.URL+"/heartbeat?label=rpi1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHeartbeatMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/heartbeat?label=rpi1", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	var pgErr error
	env := newTestEnv(t, Options{}, map[string]store.Pinger{
		"postgres": pingerFunc(func(context.Context) error { return pgErr }),
	})

	resp := get(t, env.ts.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, env.ts.URL+"/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	pgErr = errors.New("down")
	resp = get(t, env.ts.URL+"/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "unavailable", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ev := store.StatusEvent{Sequence: 1, Label: "rpi1", Status: logic.StatusAvailable, OccurredAt: t0}
	env.tracker.RecordTick(detector.TickReport{
		Now: t0,
		Labels: []detector.LabelResult{{
			Label:      "rpi1",
			Outcome:    detector.OutcomeTransition,
			Evaluation: logic.Evaluation{Status: logic.StatusAvailable, HasData: true, Age: time.Second},
			Previous:   logic.StatusUnavailable,
			Recorded:   logic.StatusAvailable,
			Event:      &ev,
		}},
		Events: []store.StatusEvent{ev},
	})
	env.tracker.SetMQTTConnected(true)

	for _, path := range []string{"/status", "/index.json"} {
		resp := get(t, env.ts.URL+path, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

		var sj status.StatusJSON
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&sj))
		assert.True(t, sj.Status.MQTT.Connected)
		assert.Equal(t, "tcp://192.168.1.200:1883", sj.Status.MQTT.Broker)
		require.Len(t, sj.Status.Labels, 1)
		assert.Equal(t, "AVAILABLE", sj.Status.Labels[0].Status)
		assert.Equal(t, int64(30), sj.Status.Config.StalenessThresholdSeconds)
	}
}

func TestLabelStatusFromStores(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()

	resp := get(t, env.ts.URL+"/status/rpi1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Heartbeat but no ledger entry yet: the initial status.
	_, err := env.heartbeats.UpsertLastSeen(ctx, "rpi1", time.Now().Add(-5*time.Second))
	require.NoError(t, err)
	resp = get(t, env.ts.URL+"/status/rpi1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lj status.LabelJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lj))
	assert.Equal(t, "UNAVAILABLE", lj.Status)
	assert.Nil(t, lj.SinceSeconds)
	require.NotNil(t, lj.HeartbeatAgeSeconds)

	since := time.Now().Add(-2 * time.Hour)
	_, err = env.ledger.Append(ctx, "rpi1", logic.StatusAvailable, since)
	require.NoError(t, err)
	resp = get(t, env.ts.URL+"/status/rpi1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lj))
	assert.Equal(t, "AVAILABLE", lj.Status)
	require.NotNil(t, lj.SinceSeconds)
	assert.InDelta(t, 7200, *lj.SinceSeconds, 5)
}

func TestLabelStatusStoreError(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	_, err := env.heartbeats.UpsertLastSeen(context.Background(), "rpi1", t0)
	require.NoError(t, err)
	env.ledger.FailRead("rpi1", errors.New("timeout"))

	resp := get(t, env.ts.URL+"/status/rpi1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := context.Background()
	env.ledger.Append(ctx, "rpi1", logic.StatusAvailable, t0)
	env.ledger.Append(ctx, "shed", logic.StatusAvailable, t0.Add(time.Second))
	env.ledger.Append(ctx, "rpi1", logic.StatusUnavailable, t0.Add(time.Minute))

	resp := get(t, env.ts.URL+"/events?after=1&limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ej EventsJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ej))
	require.Len(t, ej.Events, 1)
	assert.Equal(t, int64(2), ej.Events[0].Sequence)
	assert.Equal(t, "shed", ej.Events[0].Label)
	assert.Equal(t, int64(2), ej.Next)

	resp = get(t, env.ts.URL+"/events?after=3", nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ej))
	assert.Empty(t, ej.Events)
	assert.Equal(t, int64(3), ej.Next, "cursor does not move backwards")

	resp = get(t, env.ts.URL+"/events/rpi1", nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ej))
	require.Len(t, ej.Events, 2)
	assert.Equal(t, "UNAVAILABLE", ej.Events[0].Status, "label history is newest first")

	resp = get(t, env.ts.URL+"/events?after=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = get(t, env.ts.URL+"/events?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTMLEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	env.tracker.SetSince("rpi1", logic.StatusUnavailable, t0)

	for _, path := range []string{"/", "/index.html"} {
		resp := get(t, env.ts.URL+path, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
		body, _ := io.ReadAll(resp.Body)
		html := string(body)
		assert.Contains(t, html, "Power Monitor")
		assert.Contains(t, html, "rpi1")
		assert.Contains(t, html, "UNAVAILABLE")
		assert.Contains(t, html, "tcp://192.168.1.200:1883")
		assert.Contains(t, html, `class="power-off"`)
	}
}

func TestFormatUptime(t *testing.T) {
	tests := map[time.Duration]string{
		-time.Second:                      "0s",
		42 * time.Second:                  "42s",
		5*time.Minute + 9*time.Second:     "5m",
		3*time.Hour + 7*time.Minute:       "3h 7m",
		50*time.Hour + 30*time.Minute + 1: "2d 2h 30m",
	}
	for d, want := range tests {
		assert.Equal(t, want, formatUptime(d), d.String())
	}
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	resp := get(t, env.ts.URL+"/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	get(t, env.ts.URL+"/heartbeat?label=rpi1", nil)

	resp := get(t, env.ts.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), `power_monitor_ingest_heartbeats_total{result="applied",source="http"} 1`),
		"metrics output missing heartbeat counter:\n%s", body)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := Recovery(zaptest.NewLogger(t))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestServeUntilShutdown(t *testing.T) {
	hb := store.NewMemoryHeartbeats()
	srv := New(Options{}, Deps{
		Tracker:    status.NewTracker(t0, status.Config{}),
		Ingest:     ingest.NewService(hb, time.Minute, nil),
		Heartbeats: hb,
		Ledger:     store.NewMemoryLedger(),
	}, zaptest.NewLogger(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	resp := get(t, "http://"+ln.Addr().String()+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.ErrorIs(t, <-served, http.ErrServerClosed)
}
