package mqtt

import (
	"sync"

	"github.com/sweeney/power-monitor/internal/notifier"
)

// FakeMessage is one publish captured by FakePublisher.
type FakeMessage struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// FakePublisher is an in-memory Publisher. It routes messages to topics the
// same way RealClient does, so tests can assert on topics and retained state
// as well as on the decoded events.
type FakePublisher struct {
	Topics Topics

	mu        sync.Mutex
	messages  []FakeMessage
	statuses  []notifier.Notification
	systems   []SystemEvent
	statusErr error
	systemErr error
	connected bool
	closed    bool
}

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{Topics: Topics{Prefix: DefaultPrefix}}
}

func (f *FakePublisher) PublishStatus(n notifier.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return f.statusErr
	}
	payload, err := FormatPayload(n)
	if err != nil {
		return err
	}
	f.statuses = append(f.statuses, n)
	f.messages = append(f.messages,
		FakeMessage{Topic: f.Topics.Events(), Payload: payload},
		FakeMessage{Topic: f.Topics.Status(n.Event.Label), Payload: payload, Retained: true})
	return nil
}

func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.systemErr != nil {
		return f.systemErr
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.systems = append(f.systems, event)
	f.messages = append(f.messages, FakeMessage{Topic: f.Topics.System(), Payload: payload, Retained: event.Retained})
	return nil
}

// FailStatus makes PublishStatus return err until FailStatus(nil).
func (f *FakePublisher) FailStatus(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
}

// FailSystem makes PublishSystem return err until FailSystem(nil).
func (f *FakePublisher) FailSystem(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systemErr = err
}

func (f *FakePublisher) SetConnected(up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = up
}

func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FakePublisher) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Statuses returns the published status changes in order.
func (f *FakePublisher) Statuses() []notifier.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifier.Notification(nil), f.statuses...)
}

func (f *FakePublisher) StatusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statuses)
}

// Systems returns the published system events in order.
func (f *FakePublisher) Systems() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemEvent(nil), f.systems...)
}

func (f *FakePublisher) SystemEventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.systems))
	for i, e := range f.systems {
		names[i] = e.Event
	}
	return names
}

// OnTopic returns every message published to topic, oldest first.
func (f *FakePublisher) OnTopic(topic string) []FakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []FakeMessage
	for _, m := range f.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// RetainedPayload returns what a new subscriber to topic would receive.
func (f *FakePublisher) RetainedPayload(topic string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		if m := f.messages[i]; m.Topic == topic && m.Retained {
			return m.Payload, true
		}
	}
	return nil, false
}

var (
	_ Publisher        = (*FakePublisher)(nil)
	_ ConnectionStatus = (*FakePublisher)(nil)
)
