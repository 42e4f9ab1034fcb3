// Package mqtt publishes the engine's derived sensors to an MQTT broker using
// Home Assistant's discovery convention.
package mqtt

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	ErrNotConnected     = errors.New("mqtt: client not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrInvalidTopic     = errors.New("mqtt: topic cannot be empty")
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxReconnectInterval     = 30 * time.Second

	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Options configures the broker connection
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// AvailabilityTopic receives "online" on connect and "offline" as the
	// last will
	AvailabilityTopic string
}

// Client wraps a paho client
type Client struct {
	client pahomqtt.Client
	opts   Options
	logger *zap.Logger

	mu        sync.RWMutex
	connected bool
	onConnect func()
}

// Connect dials the broker and waits for the first connection
func Connect(opts Options, logger *zap.Logger) (*Client, error) {
	c := &Client{opts: opts, logger: logger.Named("mqtt")}

	po := pahomqtt.NewClientOptions()
	po.AddBroker(brokerURL(opts.Broker))
	po.SetClientID(opts.ClientID)
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}
	po.SetCleanSession(true)
	po.SetAutoReconnect(true)
	po.SetMaxReconnectInterval(maxReconnectInterval)
	po.SetConnectTimeout(defaultConnectTimeout)
	po.SetKeepAlive(defaultKeepAlive)
	if opts.AvailabilityTopic != "" {
		po.SetWill(opts.AvailabilityTopic, payloadOffline, 1, true)
	}
	po.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })

	c.client = pahomqtt.NewClient(po)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The connect handler runs asynchronously and may not have run yet
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("Connected to MQTT broker", zap.String("broker", opts.Broker))
	return c, nil
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

func (c *Client) handleConnect() {
	c.mu.Lock()
	c.connected = true
	callback := c.onConnect
	c.mu.Unlock()

	if c.opts.AvailabilityTopic != "" {
		c.client.Publish(c.opts.AvailabilityTopic, 1, true, payloadOnline)
	}
	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Warn("Lost connection to MQTT broker", zap.Error(err))
}

// SetOnConnect registers a callback run after every (re)connect
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = fn
}

// IsConnected reports the last known connection state
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// Publish sends payload and waits for the broker to acknowledge it
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Close publishes "offline" and disconnects
func (c *Client) Close() error {
	if c.IsConnected() && c.opts.AvailabilityTopic != "" {
		token := c.client.Publish(c.opts.AvailabilityTopic, 1, true, payloadOffline)
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}
