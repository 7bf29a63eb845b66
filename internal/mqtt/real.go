package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/power-monitor/internal/notifier"
)

const publishTimeout = 5 * time.Second

// Options configures a RealClient.
type Options struct {
	Broker   string
	ClientID string // defaults to "power-monitor-<random>"
	Username string
	Password string
	Topics   Topics
	// BufferSize is the number of messages kept while disconnected.
	BufferSize     int
	ConnectTimeout time.Duration
}

// MessageHandler receives raw heartbeat messages.
type MessageHandler func(topic string, payload []byte)

// RealClient publishes to an actual MQTT broker and optionally subscribes to
// device heartbeats. Messages published while the connection is down are
// queued and flushed, oldest first, on reconnect. A queued retained status
// is replaced by a newer one for the same label.
type RealClient struct {
	client paho.Client
	topics Topics
	logger *zap.Logger

	mu        sync.Mutex
	queued    *outbox
	heartbeat MessageHandler
}

// NewRealClient connects to the broker. When heartbeat is non-nil the client
// subscribes to the heartbeat topics on every (re)connect.
//
// If the broker is not reachable within ConnectTimeout the client is still
// returned; paho keeps retrying in the background.
func NewRealClient(opts Options, logger *zap.Logger, heartbeat MessageHandler) (*RealClient, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt broker not configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ClientID == "" {
		opts.ClientID = "power-monitor-" + uuid.NewString()[:8]
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	c := &RealClient{
		topics:    opts.Topics,
		logger:    logger.With(zap.String("broker", opts.Broker)),
		queued:    newOutbox(opts.BufferSize, logger),
		heartbeat: heartbeat,
	}

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "connection lost"})
	if err != nil {
		return nil, fmt.Errorf("format will payload: %w", err)
	}

	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(opts.Topics.System(), string(will), 1, false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn("mqtt connection lost", zap.Error(err))
		})

	c.client = paho.NewClient(po)
	token := c.client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		c.logger.Warn("mqtt broker not reachable yet, retrying in background",
			zap.Duration("timeout", opts.ConnectTimeout))
		return c, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return c, nil
}

func (c *RealClient) onConnect(client paho.Client) {
	c.logger.Info("mqtt connected")

	if c.heartbeat != nil {
		filter := c.topics.HeartbeatFilter()
		token := client.Subscribe(filter, 1, func(_ paho.Client, msg paho.Message) {
			c.heartbeat(msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			c.logger.Error("heartbeat subscription failed", zap.String("topic", filter), zap.Error(token.Error()))
		} else {
			c.logger.Info("subscribed to heartbeats", zap.String("topic", filter))
		}
	}

	c.mu.Lock()
	pending := c.queued.flush()
	c.mu.Unlock()
	if len(pending) > 0 {
		c.logger.Info("flushing buffered messages", zap.Int("count", len(pending)))
	}
	for _, m := range pending {
		if err := c.send(m); err != nil {
			c.logger.Warn("buffered publish failed", zap.String("topic", m.topic), zap.Error(err))
		}
	}
}

// PublishStatus publishes a status change to the events topic and updates
// the label's retained status topic.
func (c *RealClient) PublishStatus(n notifier.Notification) error {
	payload, err := FormatPayload(n)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	if err := c.publish(outboxMsg{topic: c.topics.Events(), payload: payload, qos: 1}); err != nil {
		return err
	}
	return c.publish(outboxMsg{topic: c.topics.Status(n.Event.Label), payload: payload, qos: 1, retained: true})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (c *RealClient) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return c.publish(outboxMsg{topic: c.topics.System(), payload: payload, qos: 1, retained: event.Retained})
}

func (c *RealClient) publish(m outboxMsg) error {
	if !c.client.IsConnectionOpen() {
		c.mu.Lock()
		superseded := c.queued.add(m)
		c.mu.Unlock()
		c.logger.Debug("mqtt disconnected, message queued",
			zap.String("topic", m.topic), zap.Bool("superseded", superseded))
		return nil
	}
	return c.send(m)
}

func (c *RealClient) send(m outboxMsg) error {
	token := c.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *RealClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (c *RealClient) Close() error {
	c.client.Disconnect(1000) // 1 second quiesce
	return nil
}

var (
	_ Publisher        = (*RealClient)(nil)
	_ ConnectionStatus = (*RealClient)(nil)
)
