package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sweeney/power-monitor/internal/detector"
	"github.com/sweeney/power-monitor/internal/ingest"
	"github.com/sweeney/power-monitor/internal/logic"
	"github.com/sweeney/power-monitor/internal/mqtt"
	"github.com/sweeney/power-monitor/internal/notifier"
	"github.com/sweeney/power-monitor/internal/store"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// pipeline wires ingest -> heartbeat store -> detector -> ledger -> notifier
// -> MQTT sink with memory stores and a fake publisher.
type pipeline struct {
	t         *testing.T
	now       time.Time
	hb        *store.MemoryHeartbeats
	ledger    *store.MemoryLedger
	ingest    *ingest.Service
	detector  *detector.Detector
	notifier  *notifier.Notifier
	publisher *mqtt.FakePublisher
	topics    mqtt.Topics
}

func newPipeline(t *testing.T, hb *store.MemoryHeartbeats, ledger *store.MemoryLedger) *pipeline {
	t.Helper()
	logger := zaptest.NewLogger(t)
	p := &pipeline{
		t:         t,
		now:       t0,
		hb:        hb,
		ledger:    ledger,
		publisher: mqtt.NewFakePublisher(),
		topics:    mqtt.Topics{Prefix: mqtt.DefaultPrefix},
	}
	p.ingest = ingest.NewService(hb, time.Minute, logger, ingest.WithClock(func() time.Time { return p.now }))

	d, err := detector.New(hb, ledger, detector.Config{
		PollInterval: 10 * time.Second,
		Threshold:    30 * time.Second,
	}, logger)
	if err != nil {
		t.Fatalf("detector.New: %v", err)
	}
	p.detector = d

	p.notifier = notifier.New(ledger, []notifier.Sink{mqtt.NewSink(p.publisher), notifier.NewLogSink(logger)},
		notifier.Config{Location: time.UTC, Quiet: notifier.QuietHours{Start: 22, End: 7}}, logger)
	if err := p.notifier.Init(context.Background()); err != nil {
		t.Fatalf("notifier.Init: %v", err)
	}
	return p
}

func (p *pipeline) at(offset time.Duration) { p.now = t0.Add(offset) }

func (p *pipeline) httpBeat(label string) {
	p.t.Helper()
	if _, err := p.ingest.Record(context.Background(), "http", label, p.now); err != nil {
		p.t.Fatalf("record %s: %v", label, err)
	}
}

func (p *pipeline) mqttBeat(label string) {
	payload := []byte(fmt.Sprintf(`{"timestamp": %d}`, p.now.Unix()))
	mqtt.NewHeartbeatHandler(p.topics, p.ingest, nil)(p.topics.Heartbeat(label), payload)
}

// step runs one detector tick and one notifier poll.
func (p *pipeline) step() detector.TickReport {
	p.t.Helper()
	report := p.detector.Tick(context.Background(), p.now)
	if len(report.Errors) > 0 {
		p.t.Fatalf("tick at %v: unexpected errors %v", p.now, report.Errors)
	}
	if _, err := p.notifier.Poll(context.Background()); err != nil {
		p.t.Fatalf("poll at %v: %v", p.now, err)
	}
	return report
}

func TestIntegrationOutageAndRestore(t *testing.T) {
	p := newPipeline(t, store.NewMemoryHeartbeats(), store.NewMemoryLedger())

	p.httpBeat("rpi1")
	p.at(5 * time.Second)
	p.step()

	// Silence: still AVAILABLE at 30s, UNAVAILABLE at 40s.
	p.at(30 * time.Second)
	p.step()
	p.at(40 * time.Second)
	p.step()

	// Power returns 2 h 5 min later; the device reports over MQTT.
	p.at(40*time.Second + 2*time.Hour + 5*time.Minute)
	p.mqttBeat("rpi1")
	p.step()

	if got := p.publisher.StatusCount(); got != 3 {
		t.Fatalf("published: got %d, want 3", got)
	}

	wantStatus := []logic.Status{logic.StatusAvailable, logic.StatusUnavailable, logic.StatusAvailable}
	for i, n := range p.publisher.Statuses() {
		if n.Event.Status != wantStatus[i] {
			t.Errorf("notification %d: got %s, want %s", i, n.Event.Status, wantStatus[i])
		}
		if n.Event.Sequence != int64(i+1) {
			t.Errorf("notification %d: sequence %d, want %d", i, n.Event.Sequence, i+1)
		}
	}

	last := p.publisher.Statuses()[2]
	if want := "Power is back at rpi1 (it was off for 2 h 5 min)"; last.Message() != want {
		t.Errorf("message: got %q, want %q", last.Message(), want)
	}

	var payload mqtt.Payload
	if err := json.Unmarshal(p.publisher.OnTopic(p.topics.Events())[1].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Power.Status != "UNAVAILABLE" || payload.Power.Previous != "AVAILABLE" {
		t.Errorf("payload: got status=%s previous=%s", payload.Power.Status, payload.Power.Previous)
	}
	if payload.Power.PreviousDurationSeconds != 35 {
		t.Errorf("previous duration: got %d, want 35", payload.Power.PreviousDurationSeconds)
	}
	if payload.Power.Timestamp != "2026-01-01T12:00:40Z" {
		t.Errorf("timestamp: got %s", payload.Power.Timestamp)
	}
	if payload.Power.Silent {
		t.Error("midday event should not be silent")
	}

	retained, ok := p.publisher.RetainedPayload(p.topics.Status("rpi1"))
	if !ok {
		t.Fatal("expected a retained status for rpi1")
	}
	var current mqtt.Payload
	if err := json.Unmarshal(retained, &current); err != nil {
		t.Fatalf("unmarshal retained: %v", err)
	}
	if current.Power.Status != "AVAILABLE" || current.Power.Sequence != 3 {
		t.Errorf("retained: got status=%s sequence=%d", current.Power.Status, current.Power.Sequence)
	}
}

func TestIntegrationSteadyHeartbeatsNotifyOnce(t *testing.T) {
	p := newPipeline(t, store.NewMemoryHeartbeats(), store.NewMemoryLedger())

	for i := 0; i < 30; i++ {
		p.at(time.Duration(i) * 10 * time.Second)
		p.httpBeat("rpi1")
		p.step()
	}

	if got := p.publisher.StatusCount(); got != 1 {
		t.Errorf("published: got %d, want 1", got)
	}
	if got := p.ledger.Len(); got != 1 {
		t.Errorf("ledger: got %d events, want 1", got)
	}
}

func TestIntegrationRestartDoesNotReplay(t *testing.T) {
	hb := store.NewMemoryHeartbeats()
	ledger := store.NewMemoryLedger()

	first := newPipeline(t, hb, ledger)
	first.httpBeat("rpi1")
	first.httpBeat("garage")
	first.at(5 * time.Second)
	first.step()
	if got := first.publisher.StatusCount(); got != 2 {
		t.Fatalf("first run published %d, want 2", got)
	}

	// A new process with the same stores resumes from the ledger.
	second := newPipeline(t, hb, ledger)
	second.at(10 * time.Second)
	second.httpBeat("rpi1")
	second.step()

	if got := second.publisher.StatusCount(); got != 0 {
		t.Errorf("second run published %d, want 0", got)
	}
	if got := ledger.Len(); got != 2 {
		t.Errorf("ledger: got %d events, want 2", got)
	}

	// garage goes stale under the new process: exactly one new event.
	second.at(45 * time.Second)
	second.httpBeat("rpi1")
	second.step()

	if got := second.publisher.StatusCount(); got != 1 {
		t.Fatalf("second run published %d, want 1", got)
	}
	n := second.publisher.Statuses()[0]
	if n.Event.Label != "garage" || n.Event.Status != logic.StatusUnavailable {
		t.Errorf("got %s %s, want garage UNAVAILABLE", n.Event.Label, n.Event.Status)
	}
	if n.Previous != logic.StatusAvailable {
		t.Errorf("previous: got %q, want AVAILABLE (looked up from the ledger)", n.Previous)
	}
}

func TestIntegrationPublishFailureDoesNotStall(t *testing.T) {
	p := newPipeline(t, store.NewMemoryHeartbeats(), store.NewMemoryLedger())
	p.publisher.FailStatus(fmt.Errorf("broker down"))

	p.httpBeat("rpi1")
	p.step()

	if got := p.notifier.Cursor(); got != 1 {
		t.Errorf("cursor: got %d, want 1", got)
	}

	p.publisher.FailStatus(nil)
	p.at(40 * time.Second)
	p.step()

	if got := p.publisher.StatusCount(); got != 1 {
		t.Fatalf("published: got %d, want 1", got)
	}
	if got := p.publisher.Statuses()[0].Event.Status; got != logic.StatusUnavailable {
		t.Errorf("status: got %s, want UNAVAILABLE", got)
	}
}

func TestIntegrationQuietHoursMarkedSilent(t *testing.T) {
	p := newPipeline(t, store.NewMemoryHeartbeats(), store.NewMemoryLedger())

	p.at(11 * time.Hour) // 23:00 UTC
	p.httpBeat("rpi1")
	p.step()

	if got := p.publisher.StatusCount(); got != 1 {
		t.Fatalf("published: got %d, want 1", got)
	}
	var payload mqtt.Payload
	if err := json.Unmarshal(p.publisher.OnTopic(p.topics.Events())[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if !payload.Power.Silent {
		t.Error("23:00 event should be silent")
	}
}
