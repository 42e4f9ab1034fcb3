package ha

import (
	"encoding/json"
	"time"
)

// Message is the envelope of every WebSocket frame exchanged with Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error is the error payload of a failed request
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage is sent in response to auth_required
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event is the payload of an "event" frame
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent is the data of a state_changed event. NewState is nil
// when the entity was removed.
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State is an entity state as reported by Home Assistant
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
	Context     *Context               `json:"context,omitempty"`
}

// Context identifies the origin of a state change. Home Assistant stamps the
// id of the service call context on every state it causes, which is how the
// engine recognises the echo of its own commands.
type Context struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// CallServiceRequest is a call_service command
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// CallServiceResult is the result payload of a successful call_service
type CallServiceResult struct {
	Context *Context `json:"context"`
}

// GetStatesRequest is a get_states command
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest is a subscribe_events command
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// StateChangeHandler is called for every state_changed event of a subscribed
// entity, in the order the events were received.
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription is an active per-entity state subscription
type Subscription interface {
	Unsubscribe() error
}

type subscription struct {
	entityID string
	subID    int
	client   *Client
}

func (s *subscription) Unsubscribe() error {
	return s.client.unsubscribe(s.entityID, s.subID)
}
