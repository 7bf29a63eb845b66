package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags([]string{"-label", "rpi1"}, envMap(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := cfg.URL(), "http://localhost:5566/heartbeat"; got != want {
		t.Errorf("URL: got %q, want %q", got, want)
	}
	if cfg.Interval != 10*time.Second {
		t.Errorf("Interval: got %v, want 10s", cfg.Interval)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Timeout: got %v, want 5s", cfg.Timeout)
	}
	if cfg.GPIOPin != -1 {
		t.Errorf("GPIOPin: got %d, want -1", cfg.GPIOPin)
	}
}

func TestParseFlagsEnv(t *testing.T) {
	env := envMap(map[string]string{
		"HEARTBEAT_HOST":                  "10.0.0.5",
		"HEARTBEAT_PORT":                  "8080",
		"HEARTBEAT_PATH":                  "beat",
		"HEARTBEAT_LABEL":                 "garage",
		"HEARTBEAT_TOKEN":                 "s3cret",
		"SEND_HEARTBEAT_INTERVAL_SECONDS": "30",
		"HEARTBEAT_TIMEOUT":               "2.5",
		"GPIO_PIN":                        "17",
		"GPIO_ACTIVE_LOW":                 "true",
	})
	cfg, err := parseFlags(nil, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := cfg.URL(), "http://10.0.0.5:8080/beat"; got != want {
		t.Errorf("URL: got %q, want %q", got, want)
	}
	if cfg.Label != "garage" || cfg.Token != "s3cret" {
		t.Errorf("label/token: got %q/%q", cfg.Label, cfg.Token)
	}
	if cfg.Interval != 30*time.Second {
		t.Errorf("Interval: got %v, want 30s", cfg.Interval)
	}
	if cfg.Timeout != 2500*time.Millisecond {
		t.Errorf("Timeout: got %v, want 2.5s", cfg.Timeout)
	}
	if cfg.GPIOPin != 17 || !cfg.ActiveLow {
		t.Errorf("gpio: got pin=%d activeLow=%v", cfg.GPIOPin, cfg.ActiveLow)
	}
}

func TestParseFlagsOverrideEnv(t *testing.T) {
	env := envMap(map[string]string{"HEARTBEAT_LABEL": "garage"})
	cfg, err := parseFlags([]string{"-label", "shed", "-interval", "1m"}, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Label != "shed" {
		t.Errorf("Label: got %q, want shed", cfg.Label)
	}
	if cfg.Interval != time.Minute {
		t.Errorf("Interval: got %v, want 1m", cfg.Interval)
	}
}

func TestParseFlagsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"missing label", nil, nil},
		{"bad port env", []string{"-label", "x"}, map[string]string{"HEARTBEAT_PORT": "http"}},
		{"bad interval env", []string{"-label", "x"}, map[string]string{"SEND_HEARTBEAT_INTERVAL_SECONDS": "often"}},
		{"zero interval", []string{"-label", "x", "-interval", "0s"}, nil},
		{"port out of range", []string{"-label", "x", "-port", "70000"}, nil},
		{"unknown flag", []string{"-label", "x", "-verbose"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseFlags(tt.args, envMap(tt.env)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunSendsUntilCancelled(t *testing.T) {
	hits := make(chan url.Values, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- r.URL.Query()
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	cfg := clientConfig{
		Host:     u.Hostname(),
		Port:     port,
		Path:     "/heartbeat",
		Label:    "rpi1",
		Interval: time.Hour,
		Timeout:  time.Second,
		GPIOPin:  -1,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zaptest.NewLogger(t)) }()

	select {
	case q := <-hits:
		if q.Get("label") != "rpi1" {
			t.Errorf("label: got %q, want rpi1", q.Get("label"))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat received")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
