package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/power-monitor/internal/ingest"
)

// HeartbeatMessage is the optional payload of a heartbeat message.
// An empty payload or a zero timestamp means "now".
type HeartbeatMessage struct {
	Timestamp int64 `json:"timestamp"`
}

// ParseHeartbeat extracts the label and timestamp from a heartbeat message.
func ParseHeartbeat(topics Topics, topic string, payload []byte) (string, time.Time, error) {
	label, ok := topics.HeartbeatLabel(topic)
	if !ok {
		return "", time.Time{}, fmt.Errorf("not a heartbeat topic: %q", topic)
	}
	if len(payload) == 0 {
		return label, time.Time{}, nil
	}
	var msg HeartbeatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", time.Time{}, fmt.Errorf("decode heartbeat payload: %w", err)
	}
	if msg.Timestamp <= 0 {
		return label, time.Time{}, nil
	}
	return label, time.Unix(msg.Timestamp, 0).UTC(), nil
}

// NewHeartbeatHandler returns a MessageHandler that records heartbeats via svc.
func NewHeartbeatHandler(topics Topics, svc *ingest.Service, logger *zap.Logger) MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(topic string, payload []byte) {
		label, ts, err := ParseHeartbeat(topics, topic, payload)
		if err != nil {
			logger.Warn("ignoring malformed heartbeat", zap.String("topic", topic), zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if _, err := svc.Record(ctx, "mqtt", label, ts); err != nil {
			logger.Warn("failed to record heartbeat", zap.String("label", label), zap.Error(err))
		}
	}
}
