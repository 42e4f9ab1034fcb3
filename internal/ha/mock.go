package ha

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient is an in-memory HAClient for tests. Service calls are recorded
// and, for the domains the engine controls, applied to the mock state and
// echoed to subscribers with the call's context id, the way Home Assistant
// does.
type MockClient struct {
	states       map[string]*State
	statesMu     sync.RWMutex
	subscribers  *subscriberSet
	connected    bool
	connMu       sync.RWMutex
	serviceCalls []ServiceCall
	callsMu      sync.Mutex
	callErr      error
	echo         bool
	speedStep    int
	nextContext  int
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain    string
	Service   string
	Data      map[string]interface{}
	ContextID string
	Time      time.Time
}

// EntityID returns the entity_id the call targeted
func (c ServiceCall) EntityID() string {
	id, _ := c.Data["entity_id"].(string)
	return id
}

type mockSubscription struct {
	entityID string
	subID    int
	mock     *MockClient
}

func (s *mockSubscription) Unsubscribe() error {
	s.mock.subscribers.remove(s.entityID, s.subID)
	return nil
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:       make(map[string]*State),
		subscribers:  newSubscriberSet(),
		serviceCalls: make([]ServiceCall, 0),
		echo:         true,
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false
	m.subscribers.clear()
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetAllStates returns every mock state
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}

	return states, nil
}

// GetState returns the mock state of an entity, or nil
func (m *MockClient) GetState(entityID string) *State {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()
	return m.states[entityID]
}

// CallService records the call, applies it to the mock state and echoes the
// resulting state change before returning, mirroring the ordering Home
// Assistant often exhibits.
func (m *MockClient) CallService(ctx context.Context, domain, service string, data map[string]interface{}) (*Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.callsMu.Lock()
	if m.callErr != nil {
		err := m.callErr
		m.callsMu.Unlock()
		return nil, fmt.Errorf("failed to call %s.%s: %w", domain, service, err)
	}
	m.nextContext++
	haCtx := &Context{ID: fmt.Sprintf("mock-context-%d", m.nextContext)}
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:    domain,
		Service:   service,
		Data:      data,
		ContextID: haCtx.ID,
		Time:      time.Now(),
	})
	echo, step := m.echo, m.speedStep
	m.callsMu.Unlock()

	if entityID, ok := data["entity_id"].(string); ok && echo {
		m.applyServiceCall(entityID, domain, service, data, step, haCtx)
	}

	return haCtx, nil
}

// SetCallError makes every following CallService fail with err; nil restores success
func (m *MockClient) SetCallError(err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.callErr = err
}

// SetEcho controls whether service calls are applied to the mock state
func (m *MockClient) SetEcho(echo bool) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.echo = echo
}

// SetSpeedStep makes echoed fan percentages snap to multiples of step, like a
// fan with a fixed number of speeds. Zero echoes the requested percentage.
func (m *MockClient) SetSpeedStep(step int) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.speedStep = step
}

// SubscribeStateChanges subscribes to state changes of one entity
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	subID := m.subscribers.add(entityID, handler)
	return &mockSubscription{entityID: entityID, subID: subID, mock: m}, nil
}

// SubscriberCount returns the number of live subscriptions for an entity
func (m *MockClient) SubscriberCount(entityID string) int {
	return m.subscribers.count(entityID)
}

// SetState sets a mock state as if changed from outside the engine and
// notifies subscribers
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	m.setState(entityID, stateValue, attributes, nil)
}

// SimulateStateChange changes only the state value, keeping attributes
func (m *MockClient) SimulateStateChange(entityID string, newStateValue string) {
	m.statesMu.RLock()
	var attributes map[string]interface{}
	if old := m.states[entityID]; old != nil {
		attributes = old.Attributes
	}
	m.statesMu.RUnlock()

	m.setState(entityID, newStateValue, attributes, nil)
}

// SimulateRemoval notifies subscribers that the entity disappeared
func (m *MockClient) SimulateRemoval(entityID string) {
	m.statesMu.Lock()
	oldState := m.states[entityID]
	delete(m.states, entityID)
	m.statesMu.Unlock()

	m.subscribers.notify(entityID, oldState, nil)
}

func (m *MockClient) setState(entityID, stateValue string, attributes map[string]interface{}, haCtx *Context) {
	if attributes == nil {
		attributes = make(map[string]interface{})
	}

	now := time.Now()
	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
		Context:     haCtx,
	}

	m.statesMu.Lock()
	oldState := m.states[entityID]
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.subscribers.notify(entityID, oldState, newState)
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
}

func (m *MockClient) applyServiceCall(entityID, domain, service string, data map[string]interface{}, step int, haCtx *Context) {
	m.statesMu.RLock()
	value := ""
	attributes := make(map[string]interface{})
	if old := m.states[entityID]; old != nil {
		value = old.State
		for k, v := range old.Attributes {
			attributes[k] = v
		}
	}
	m.statesMu.RUnlock()

	switch service {
	case "turn_on":
		value = "on"
		if pct, ok := data["brightness_pct"]; ok {
			attributes["brightness_pct"] = pct
		}
	case "turn_off":
		value = "off"
		if domain == "fan" {
			attributes["percentage"] = 0
		}
	case "set_percentage":
		pct := toInt(data["percentage"])
		if step > 0 {
			pct = (pct + step/2) / step * step
		}
		attributes["percentage"] = pct
		if pct > 0 {
			value = "on"
		} else {
			value = "off"
		}
	default:
		return
	}

	m.setState(entityID, value, attributes, haCtx)
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}
