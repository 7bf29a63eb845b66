// Command heartbeat-client runs on a monitored device and reports that it is
// alive (and therefore powered) to the power monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/power-monitor/internal/gpio"
	"github.com/sweeney/power-monitor/internal/logging"
	"github.com/sweeney/power-monitor/internal/sender"
)

type clientConfig struct {
	Host      string
	Port      int
	Path      string
	Label     string
	Token     string
	Interval  time.Duration
	Timeout   time.Duration
	GPIOPin   int
	GPIOChip  string
	ActiveLow bool
	LogLevel  string
}

func (c clientConfig) URL() string {
	return sender.BuildURL(c.Host, c.Port, c.Path)
}

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "heartbeat-client: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "heartbeat-client: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("heartbeat client failed", zap.Error(err))
	}
}

// parseFlags reads flags, falling back to environment variables for every
// setting so the client can run from a systemd EnvironmentFile.
func parseFlags(args []string, getenv func(string) string) (clientConfig, error) {
	env := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}
	envInt := func(key string, def int) (int, error) {
		v := getenv(key)
		if v == "" {
			return def, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return n, nil
	}
	envSeconds := func(key string, def time.Duration) (time.Duration, error) {
		v := getenv(key)
		if v == "" {
			return def, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return time.Duration(f * float64(time.Second)), nil
	}

	port, err := envInt("HEARTBEAT_PORT", 5566)
	if err != nil {
		return clientConfig{}, err
	}
	interval, err := envSeconds("SEND_HEARTBEAT_INTERVAL_SECONDS", 10*time.Second)
	if err != nil {
		return clientConfig{}, err
	}
	timeout, err := envSeconds("HEARTBEAT_TIMEOUT", 5*time.Second)
	if err != nil {
		return clientConfig{}, err
	}
	pin, err := envInt("GPIO_PIN", -1)
	if err != nil {
		return clientConfig{}, err
	}

	var cfg clientConfig
	fs := flag.NewFlagSet("heartbeat-client", flag.ContinueOnError)
	fs.StringVar(&cfg.Host, "host", env("HEARTBEAT_HOST", "localhost"), "power monitor host (may include a scheme)")
	fs.IntVar(&cfg.Port, "port", port, "power monitor port")
	fs.StringVar(&cfg.Path, "path", env("HEARTBEAT_PATH", sender.DefaultPath), "heartbeat endpoint path")
	fs.StringVar(&cfg.Label, "label", env("HEARTBEAT_LABEL", ""), "label identifying this device")
	fs.StringVar(&cfg.Token, "token", env("HEARTBEAT_TOKEN", ""), "bearer token (empty for none)")
	fs.DurationVar(&cfg.Interval, "interval", interval, "heartbeat interval")
	fs.DurationVar(&cfg.Timeout, "timeout", timeout, "request timeout")
	fs.IntVar(&cfg.GPIOPin, "gpio-pin", pin, "BCM pin of the mains-sense input (-1 disables)")
	fs.StringVar(&cfg.GPIOChip, "gpio-chip", env("GPIO_CHIP", gpio.DefaultChip), "GPIO chip")
	fs.BoolVar(&cfg.ActiveLow, "gpio-active-low", env("GPIO_ACTIVE_LOW", "") == "true", "mains present when the line is low")
	fs.StringVar(&cfg.LogLevel, "log-level", env("LOG_LEVEL", "info"), "log level")

	if err := fs.Parse(args); err != nil {
		return clientConfig{}, err
	}

	if cfg.Label == "" {
		return clientConfig{}, fmt.Errorf("label is required (-label or HEARTBEAT_LABEL)")
	}
	if cfg.Interval <= 0 {
		return clientConfig{}, fmt.Errorf("interval must be > 0, got %v", cfg.Interval)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return clientConfig{}, fmt.Errorf("port out of range: %d", cfg.Port)
	}
	return cfg, nil
}

func run(ctx context.Context, cfg clientConfig, logger *zap.Logger) error {
	s, err := sender.New(sender.Config{
		URL:     cfg.URL(),
		Label:   cfg.Label,
		Token:   cfg.Token,
		Timeout: cfg.Timeout,
	}, logger)
	if err != nil {
		return err
	}

	var gate gpio.MainsSense
	if cfg.GPIOPin >= 0 {
		r, err := gpio.OpenLine(cfg.GPIOChip, cfg.GPIOPin, cfg.ActiveLow)
		if err != nil {
			return fmt.Errorf("init gpio: %w", err)
		}
		defer r.Close()
		gate = r
	}

	err = s.Run(ctx, cfg.Interval, gate)
	st := s.Stats()
	logger.Info("heartbeat client stopped",
		zap.Int64("sent", st.Sent),
		zap.Int64("failed", st.Failed),
		zap.Int64("skipped", st.Skipped))
	return err
}
