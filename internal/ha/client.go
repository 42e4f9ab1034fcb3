package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	requestTimeout    = 10 * time.Second
	maxReconnectDelay = 30 * time.Second
)

var (
	// ErrNotConnected is returned for requests issued while the socket is down
	ErrNotConnected = errors.New("not connected to Home Assistant")

	// ErrRequestFailed wraps an error response from Home Assistant
	ErrRequestFailed = errors.New("home assistant request failed")
)

// HAClient is the subset of the Home Assistant WebSocket API the engine uses
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	GetAllStates() ([]*State, error)
	// CallService issues a service call and returns the context Home Assistant
	// assigned to it. States changed by the call carry the same context id.
	CallService(ctx context.Context, domain, service string, data map[string]interface{}) (*Context, error)
	SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error)
}

// Client is the WebSocket implementation of HAClient
type Client struct {
	url         string
	token       string
	logger      *zap.Logger
	conn        *websocket.Conn
	connected   bool
	connMu      sync.RWMutex
	msgID       int
	msgIDMu     sync.Mutex
	pending     map[int]chan Message
	pendingMu   sync.Mutex
	subscribers *subscriberSet
	ctx         context.Context
	cancel      context.CancelFunc
	reconnect   bool
	writeMu     sync.Mutex
	onReconnect func()
}

// NewClient creates a new Home Assistant WebSocket client
func NewClient(url, token string, logger *zap.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:         url,
		token:       token,
		logger:      logger.Named("ha"),
		pending:     make(map[int]chan Message),
		subscribers: newSubscriberSet(),
		ctx:         ctx,
		cancel:      cancel,
		reconnect:   true,
	}
}

// SetOnReconnect registers a callback run after the connection is
// re-established, so callers can resynchronise state missed while offline.
func (c *Client) SetOnReconnect(fn func()) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.onReconnect = fn
}

// Connect dials Home Assistant, authenticates and subscribes to state_changed
func (c *Client) Connect() error {
	c.connMu.Lock()

	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.connMu.Unlock()
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	if err := c.authenticate(conn); err != nil {
		conn.Close()
		c.connMu.Unlock()
		return err
	}

	c.conn = conn
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.connected = true
	c.reconnect = true
	c.logger.Info("Connected to Home Assistant", zap.String("url", c.url))

	go c.receiveMessages(c.ctx, conn)

	// subscribeToStateChanges goes through sendMessage, which takes connMu
	c.connMu.Unlock()

	if err := c.subscribeToStateChanges(); err != nil {
		c.logger.Warn("Failed to subscribe to state changes", zap.Error(err))
	}

	return nil
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	var authRequired Message
	if err := conn.ReadJSON(&authRequired); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if authRequired.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", authRequired.Type)
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var authResponse Message
	if err := conn.ReadJSON(&authResponse); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	switch authResponse.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", authResponse.Type)
	}
}

// Disconnect closes the connection and drops every subscription
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return nil
	}

	c.reconnect = false
	c.cancel()
	c.connected = false

	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.conn.Close()
		c.conn = nil
	}

	c.subscribers.clear()
	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// sendMessage writes a request and waits for the response with the same id
func (c *Client) sendMessage(ctx context.Context, msgID int, msg interface{}) (*Message, error) {
	c.connMu.RLock()
	if !c.connected {
		c.connMu.RUnlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	clientCtx := c.ctx
	c.connMu.RUnlock()

	respChan := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msgID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%w: %s - %s", ErrRequestFailed, resp.Error.Code, resp.Error.Message)
			}
			return nil, ErrRequestFailed
		}
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for response to message %d", msgID)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-clientCtx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

// receiveMessages reads frames until the connection fails. Events are handled
// inline so subscribers see them in arrival order.
func (c *Client) receiveMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect()
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}

		if msg.ID > 0 {
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
				}
			}
			c.pendingMu.Unlock()
		}
	}
}

func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil || msg.Event.EventType != "state_changed" {
		return
	}

	var eventData StateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &eventData); err != nil {
		// Salvage the entity id so the entity can be marked unavailable
		var partial struct {
			EntityID string `json:"entity_id"`
		}
		if json.Unmarshal(msg.Event.Data, &partial) != nil || partial.EntityID == "" {
			c.logger.Warn("Dropping malformed state_changed event", zap.Error(err))
			return
		}
		c.logger.Warn("Malformed state for entity, treating as unavailable",
			zap.String("entity_id", partial.EntityID),
			zap.Error(err))
		c.subscribers.notify(partial.EntityID, nil, nil)
		return
	}

	c.subscribers.notify(eventData.EntityID, eventData.OldState, eventData.NewState)
}

func (c *Client) handleDisconnect() {
	c.connMu.Lock()
	c.connected = false
	shouldReconnect := c.reconnect
	c.connMu.Unlock()

	c.logger.Warn("Connection lost")

	if shouldReconnect {
		go c.attemptReconnect()
	}
}

// attemptReconnect retries Connect with exponential backoff
func (c *Client) attemptReconnect() {
	backoff := time.Second

	for {
		time.Sleep(backoff)

		c.connMu.RLock()
		stop := !c.reconnect
		c.connMu.RUnlock()
		if stop {
			return
		}

		c.logger.Info("Attempting to reconnect", zap.Duration("backoff", backoff))

		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err))
			backoff *= 2
			if backoff > maxReconnectDelay {
				backoff = maxReconnectDelay
			}
			continue
		}

		c.logger.Info("Reconnected successfully")

		c.connMu.RLock()
		fn := c.onReconnect
		c.connMu.RUnlock()
		if fn != nil {
			fn()
		}
		return
	}
}

func (c *Client) subscribeToStateChanges() error {
	msgID := c.nextMsgID()
	_, err := c.sendMessage(context.Background(), msgID, &SubscribeEventsRequest{
		ID:        msgID,
		Type:      "subscribe_events",
		EventType: "state_changed",
	})
	return err
}

// GetAllStates retrieves every entity state
func (c *Client) GetAllStates() ([]*State, error) {
	msgID := c.nextMsgID()
	resp, err := c.sendMessage(context.Background(), msgID, &GetStatesRequest{
		ID:   msgID,
		Type: "get_states",
	})
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}

	return states, nil
}

// CallService calls a Home Assistant service and returns its context
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]interface{}) (*Context, error) {
	msgID := c.nextMsgID()
	resp, err := c.sendMessage(ctx, msgID, &CallServiceRequest{
		ID:          msgID,
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call %s.%s: %w", domain, service, err)
	}

	var result CallServiceResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			c.logger.Debug("Service call result without context",
				zap.String("service", domain+"."+service),
				zap.Error(err))
		}
	}
	return result.Context, nil
}

// SubscribeStateChanges registers handler for state changes of one entity
func (c *Client) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	subID := c.subscribers.add(entityID, handler)
	return &subscription{entityID: entityID, subID: subID, client: c}, nil
}

func (c *Client) unsubscribe(entityID string, subID int) error {
	c.subscribers.remove(entityID, subID)
	return nil
}
