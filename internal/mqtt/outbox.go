package mqtt

import (
	"go.uber.org/zap"
)

// outboxMsg is a publish held back while the broker connection is down.
type outboxMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox holds publishes made while disconnected, oldest first, up to a fixed
// capacity. A retained message supersedes any queued retained message for the
// same topic: a label's status topic only ever needs its latest value.
//
// Not safe for concurrent use; RealClient holds its mutex around every call.
type outbox struct {
	queue    []outboxMsg
	capacity int
	dropped  map[string]int
	logger   *zap.Logger
}

func newOutbox(capacity int, logger *zap.Logger) *outbox {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &outbox{
		queue:    make([]outboxMsg, 0, capacity),
		capacity: capacity,
		dropped:  make(map[string]int),
		logger:   logger,
	}
}

// add queues m. It reports whether m replaced an older retained message.
func (o *outbox) add(m outboxMsg) (superseded bool) {
	if m.retained {
		for i, q := range o.queue {
			if q.retained && q.topic == m.topic {
				o.queue = append(o.queue[:i], o.queue[i+1:]...)
				superseded = true
				break
			}
		}
	}

	if len(o.queue) == o.capacity {
		oldest := o.queue[0]
		if len(o.dropped) == 0 {
			o.logger.Warn("mqtt outbox full, dropping oldest", zap.Int("capacity", o.capacity))
		}
		o.dropped[oldest.topic]++
		o.queue = o.queue[1:]
	}
	o.queue = append(o.queue, m)
	return superseded
}

// flush returns the queued messages oldest first and empties the outbox.
func (o *outbox) flush() []outboxMsg {
	if len(o.queue) == 0 && len(o.dropped) == 0 {
		return nil
	}
	for topic, n := range o.dropped {
		o.logger.Warn("mqtt messages dropped while disconnected",
			zap.String("topic", topic), zap.Int("dropped", n))
	}

	var out []outboxMsg
	if len(o.queue) > 0 {
		out = make([]outboxMsg, len(o.queue))
		copy(out, o.queue)
	}
	o.queue = make([]outboxMsg, 0, o.capacity)
	o.dropped = make(map[string]int)
	return out
}

func (o *outbox) pending() int {
	return len(o.queue)
}

func (o *outbox) droppedTotal() int {
	total := 0
	for _, n := range o.dropped {
		total += n
	}
	return total
}
