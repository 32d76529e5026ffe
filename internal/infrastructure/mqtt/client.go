package mqtt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/kura-gateway/internal/infrastructure/config"
)

// Client is one broker link of the gateway.
//
// The gateway holds two: the Kura device broker and the ThingsBoard gateway
// API. Both reconnect on their own and resubscribe every tracked filter after
// each reconnect, since sessions are clean.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	paho pahomqtt.Client
	cfg  config.MQTTConfig

	connected atomic.Bool

	mu            sync.RWMutex
	subscriptions map[string]subscription
	onConnect     func()
	onDisconnect  func(err error)
	logger        Logger
}

// Logger receives handler failures and reconnect notices.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// MessageHandler is called for each message received on a subscribed filter.
//
// Delivery is unordered: each message runs on its own goroutine, so a
// handler may publish or subscribe. A returned error is logged.
type MessageHandler func(topic string, payload []byte) error

// newClient builds an unconnected client.
func newClient(cfg config.MQTTConfig) *Client {
	return &Client{
		cfg:           cfg,
		subscriptions: make(map[string]subscription),
	}
}

// Connect dials the broker described by cfg and waits up to
// defaultConnectTimeout for the first connection.
//
// When cfg.Broker.StatusTopic is set, a retained "online" status is published
// on every connect and the broker is left an "offline" will.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := newClient(cfg)

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.warn("MQTT reconnecting", "broker", cfg.Broker.Host, "client_id", cfg.Broker.ClientID)
	})

	c.paho = pahomqtt.NewClient(opts)
	if err := await(c.paho.Connect(), defaultConnectTimeout, ErrConnectionFailed); err != nil {
		return nil, err
	}

	// The connect handler runs asynchronously; mark the link up now so
	// callers can subscribe straight away.
	c.connected.Store(true)
	return c, nil
}

// await waits for t and wraps a timeout or token error in sentinel.
func await(t pahomqtt.Token, timeout time.Duration, sentinel error) error {
	if !t.WaitTimeout(timeout) {
		return fmt.Errorf("%w: timeout after %v", sentinel, timeout)
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}

func (c *Client) handleConnect() {
	c.connected.Store(true)
	c.restoreSubscriptions()
	c.publishStatus(statusOnline, "")

	c.mu.RLock()
	callback := c.onConnect
	c.mu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)

	c.mu.RLock()
	callback := c.onDisconnect
	c.mu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

// restoreSubscriptions re-issues every tracked filter, in filter order.
// It runs on paho's connect goroutine, so waiting on tokens is safe.
func (c *Client) restoreSubscriptions() {
	type entry struct {
		filter string
		sub    subscription
	}
	c.mu.RLock()
	entries := make([]entry, 0, len(c.subscriptions))
	for filter, sub := range c.subscriptions {
		entries = append(entries, entry{filter, sub})
	}
	c.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].filter < entries[j].filter })

	for _, e := range entries {
		token := c.paho.Subscribe(e.filter, e.sub.qos, c.wrapHandler(e.sub.handler))
		if err := await(token, defaultOperationTimeout, ErrSubscribeFailed); err != nil {
			c.warn("MQTT resubscribe failed", "topic", e.filter, "error", err)
		}
	}
}

// publishStatus sends a retained status message when a status topic is set.
// It does not wait for delivery unless the status is offline.
func (c *Client) publishStatus(status, reason string) {
	topic := c.cfg.Broker.StatusTopic
	if topic == "" {
		return
	}
	payload := statusPayload(c.cfg.Broker.ClientID, status, reason)
	token := c.paho.Publish(topic, byte(c.cfg.QoS), true, payload) // #nosec G115 -- validated to 0..2
	if status == statusOffline {
		token.WaitTimeout(defaultOperationTimeout)
	}
}

// Close publishes a graceful offline status (when configured) and
// disconnects, allowing defaultDisconnectQuiesce for in-flight work.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		c.publishStatus(statusOffline, reasonGraceful)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)
	c.connected.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	return c.paho != nil && c.connected.Load() && c.paho.IsConnected()
}

// SetOnConnect sets a callback run after every connect and reconnect, once
// subscriptions have been restored.
func (c *Client) SetOnConnect(callback func()) {
	c.mu.Lock()
	c.onConnect = callback
	c.mu.Unlock()
}

// SetOnDisconnect sets a callback run when the connection is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.mu.Lock()
	c.onDisconnect = callback
	c.mu.Unlock()
}

// SetLogger sets the logger for handler errors, recovered panics and
// reconnect notices. Without one they are dropped.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

func (c *Client) warn(msg string, args ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Warn(msg, args...)
	}
}

// wrapHandler adapts handler to paho, logging returned errors and recovering
// panics so one bad payload cannot take the process down.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
