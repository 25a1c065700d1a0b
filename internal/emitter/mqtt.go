package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// DefaultStatusQoS is used for periodic status messages.
const DefaultStatusQoS = 0

// Options configures an MQTTEmitter.
type Options struct {
	// Broker is host:port or a URL (tcp://, ssl://, ws://)
	Broker     string
	InstanceID string
	// StatusTopic receives PublishStatus payloads
	StatusTopic string
	// Timeout bounds connect, subscribe and publish (default: 5s)
	Timeout time.Duration
}

// MQTTEmitter publishes viewer status to an MQTT broker and carries the
// control plane subscription.
type MQTTEmitter struct {
	opts     Options
	clientID string
	client   mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates a new MQTT emitter
func NewMQTTEmitter(opts Options) *MQTTEmitter {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &MQTTEmitter{
		opts:      opts,
		clientID:  clientID(opts.InstanceID),
		published: make(map[string]uint64),
	}
}

// clientID suffixes the instance id so that restarts never collide with a
// session the broker has not expired yet.
func clientID(instanceID string) string {
	if instanceID == "" {
		instanceID = "edge-viewer"
	}
	return fmt.Sprintf("%s-%s", instanceID, uuid.NewString()[:8])
}

// brokerURL adds the tcp scheme to a bare host:port.
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes connection to MQTT broker
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := brokerURL(e.opts.Broker)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	// Connection handlers
	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", broker,
			"client_id", e.clientID,
			"auto_reconnect", "enabled")
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", broker,
			"max_retry_interval", "30s")
	}

	e.client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", broker)

	token := e.client.Connect()
	if err := wait(ctx, token, e.opts.Timeout); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// wait blocks until the token completes, ctx is done or timeout elapses.
func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout after %v", timeout)
	}
}

// Subscribe implements control.Broker.
func (e *MQTTEmitter) Subscribe(topic string, qos byte, handler func(payload []byte)) error {
	if e.client == nil {
		return fmt.Errorf("mqtt not connected")
	}
	token := e.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Payload())
	})
	return wait(context.Background(), token, e.opts.Timeout)
}

// Unsubscribe implements control.Broker.
func (e *MQTTEmitter) Unsubscribe(topic string) error {
	if e.client == nil || !e.client.IsConnected() {
		return nil
	}
	return wait(context.Background(), e.client.Unsubscribe(topic), e.opts.Timeout)
}

// Publish implements control.Broker.
func (e *MQTTEmitter) Publish(topic string, qos byte, payload []byte) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := e.client.Publish(topic, qos, false, payload)
	if err := wait(context.Background(), token, e.opts.Timeout); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("mqtt message published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)
	return nil
}

// PublishStatus publishes a status message
func (e *MQTTEmitter) PublishStatus(payload []byte) error {
	return e.Publish(e.opts.StatusTopic, DefaultStatusQoS, payload)
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() error {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}
	e.setConnected(false)
	return nil
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	ClientID  string
	Published map[string]uint64
	Errors    uint64
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		ClientID:  e.clientID,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
