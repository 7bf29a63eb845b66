// Command power-monitor turns device heartbeats into a ledger of power
// status changes and publishes those changes.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sweeney/power-monitor/internal/config"
	"github.com/sweeney/power-monitor/internal/logging"
	"github.com/sweeney/power-monitor/internal/mqtt"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "YAML config file (optional)")
	printStatus := flag.Bool("print-status", false, "Print the recorded status of every label and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "power-monitor: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "power-monitor: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := run(cfg, logger, *printStatus, sigCh); err != nil {
		logger.Error("fatal", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger, printStatus bool, sig <-chan os.Signal) error {
	ctx := context.Background()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if printStatus {
		return printLabels(ctx, os.Stdout, st.heartbeats, st.ledger, time.Now())
	}

	a := newApp(cfg, logger, st, prometheus.NewRegistry(), time.Now)

	if cfg.MQTT.Broker != "" {
		var handler mqtt.MessageHandler
		if cfg.MQTT.SubscribeHeartbeats {
			handler = mqtt.NewHeartbeatHandler(a.topics, a.ingest, logger.Named("mqtt"))
		}
		client, err := mqtt.NewRealClient(mqtt.Options{
			Broker:     cfg.MQTT.Broker,
			ClientID:   cfg.MQTT.ClientID,
			Username:   cfg.MQTT.Username,
			Password:   cfg.MQTT.Password,
			Topics:     a.topics,
			BufferSize: cfg.MQTT.BufferSize,
		}, logger.Named("mqtt"), handler)
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer client.Close()
		a.setPublisher(client, client)
	}

	if err := a.wire(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.HTTP.Addr, err)
	}

	var heartbeat <-chan time.Time
	if cfg.MQTT.SystemHeartbeat > 0 {
		ticker := time.NewTicker(cfg.MQTT.SystemHeartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	return a.run(ctx, ln, heartbeat, sig)
}
