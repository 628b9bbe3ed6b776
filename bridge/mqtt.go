package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/blegateway/config"
)

const publishTimeout = 5 * time.Second

// Client is the MQTT connection of the gateway. It publishes for the handler
// and feeds it the messages of the wildcard subscriptions.
type Client struct {
	client  mqtt.Client
	qos     byte
	logger  *zap.Logger
	handler *Handler

	mu        sync.RWMutex
	connected bool

	ctx      context.Context
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewClient creates an MQTT client; call SetHandler and Connect before use
func NewClient(cfg config.MQTTConfig, logger *zap.Logger) *Client {
	c := &Client{
		qos:    byte(cfg.QoS),
		logger: logger,
		ctx:    context.Background(),
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// handlers publish and wait for the ack, which deadlocks the router in ordered mode
	opts.SetOrderMatters(false)

	// a clean session drops subscriptions, so they are renewed on every connect
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
		if err := c.subscribe(); err != nil {
			logger.Error("failed to subscribe", zap.Error(err))
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// SetHandler sets the handler incoming messages are routed to
func (c *Client) SetHandler(h *Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connect waits for the initial connection; it respects ctx and Disconnect.
// ctx is also passed to the handler for every incoming message.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("client stopped")
	default:
	}

	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	if c.IsConnected() {
		return nil
	}

	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return fmt.Errorf("client stopped")
		default:
		}
	}
}

func (c *Client) subscribe() error {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		return nil
	}

	topics := h.Topics()
	routes := map[string]func(context.Context, string, []byte) error{
		topics.Advertisements(): h.HandleAdvertisement,
		topics.Commands():       h.HandleCommand,
		topics.Responses():      h.HandleResponse,
	}

	filters := make(map[string]byte, len(routes))
	for topic := range routes {
		filters[topic] = c.qos
	}

	token := c.client.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		route, ok := routes[matchFilter(msg.Topic(), routes)]
		if !ok {
			return
		}
		c.dispatch(msg, route)
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	c.logger.Info("subscribed",
		zap.String("advertisements", topics.Advertisements()),
		zap.String("commands", topics.Commands()),
		zap.String("responses", topics.Responses()),
	)
	return nil
}

// matchFilter returns the single level wildcard filter that matches topic
func matchFilter[V any](topic string, filters map[string]V) string {
	device := DeviceFromTopic(topic)
	prefix := topic[:len(topic)-len(device)]
	candidate := prefix + "+"
	if _, ok := filters[candidate]; ok {
		return candidate
	}
	return ""
}

func (c *Client) dispatch(msg mqtt.Message, route func(context.Context, string, []byte) error) {
	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()

	device := DeviceFromTopic(msg.Topic())
	if err := route(ctx, device, msg.Payload()); err != nil {
		level := c.logger.Warn
		if errors.Is(err, ErrUnknownDevice) {
			level = c.logger.Debug
		}
		level("dropping message",
			zap.String("topic", msg.Topic()),
			zap.Error(err),
		)
	}
}

// Publish publishes a payload and waits for the broker to accept it
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	token := c.client.Publish(topic, c.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the client and closes the MQTT connection; safe to call twice
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.client.Disconnect(250)
	c.setConnected(false)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
