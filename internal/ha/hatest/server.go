// Package hatest runs an in-process Home Assistant WebSocket endpoint for
// end-to-end tests of the real client.
package hatest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"smartcontroller/internal/ha"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServiceCall is one call_service request the server received
type ServiceCall struct {
	Domain      string
	Service     string
	ServiceData map[string]interface{}
	ContextID   string
}

// EntityID returns the target entity of the call
func (c ServiceCall) EntityID() string {
	id, _ := c.ServiceData["entity_id"].(string)
	return id
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) write(msg ha.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

// Server speaks enough of the Home Assistant WebSocket API for the client:
// auth, get_states, subscribe_events and call_service. Service calls on
// fan, light and switch entities change state the way Home Assistant does,
// stamped with the call's context.
type Server struct {
	token string
	http  *httptest.Server

	statesMu sync.RWMutex
	states   map[string]*ha.State

	connsMu sync.Mutex
	conns   []*conn

	callsMu sync.Mutex
	calls   []ServiceCall
	nextCtx int
}

// NewServer starts a server accepting token
func NewServer(token string) *Server {
	s := &Server{
		token:  token,
		states: make(map[string]*ha.State),
	}
	s.http = httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	return s
}

// URL is the WebSocket URL to hand to ha.NewClient
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/api/websocket"
}

// Close drops all connections and stops the server
func (s *Server) Close() {
	s.DropConnections()
	s.http.Close()
}

// DropConnections closes every client connection, as a Home Assistant
// restart would
func (s *Server) DropConnections() {
	s.connsMu.Lock()
	conns := s.conns
	s.conns = nil
	s.connsMu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

// SetState sets an entity and broadcasts the change
func (s *Server) SetState(entityID, value string, attributes map[string]interface{}) {
	s.setState(entityID, value, attributes, nil)
}

// Remove deletes an entity and broadcasts a change with no new state
func (s *Server) Remove(entityID string) {
	s.statesMu.Lock()
	old := s.states[entityID]
	delete(s.states, entityID)
	s.statesMu.Unlock()

	s.broadcast(entityID, old, nil)
}

// State returns the current state of an entity, or nil
func (s *Server) State(entityID string) *ha.State {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// Calls returns the service calls received so far
func (s *Server) Calls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.calls))
	copy(calls, s.calls)
	return calls
}

// ClearCalls forgets recorded service calls
func (s *Server) ClearCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.calls = nil
}

// FindCall returns the most recent call matching domain, service and entity
func (s *Server) FindCall(domain, service, entityID string) *ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	for i := len(s.calls) - 1; i >= 0; i-- {
		call := s.calls[i]
		if call.Domain == domain && call.Service == service && call.EntityID() == entityID {
			return &call
		}
	}
	return nil
}

func (s *Server) setState(entityID, value string, attributes map[string]interface{}, ctx *ha.Context) {
	now := time.Now()
	if attributes == nil {
		attributes = map[string]interface{}{}
	}

	s.statesMu.Lock()
	old := s.states[entityID]
	next := &ha.State{
		EntityID:    entityID,
		State:       value,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
		Context:     ctx,
	}
	if old != nil && old.State == value {
		next.LastChanged = old.LastChanged
	}
	s.states[entityID] = next
	s.statesMu.Unlock()

	s.broadcast(entityID, old, next)
}

func (s *Server) broadcast(entityID string, old, next *ha.State) {
	data, _ := json.Marshal(ha.StateChangedEvent{EntityID: entityID, NewState: next, OldState: old})
	msg := ha.Message{
		Type: "event",
		Event: &ha.Event{
			EventType: "state_changed",
			Data:      data,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	conns := make([]*conn, len(s.conns))
	copy(conns, s.conns)
	s.connsMu.Unlock()

	for _, c := range conns {
		_ = c.write(msg)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws}
	defer s.forget(c)

	if err := c.write(ha.Message{Type: "auth_required"}); err != nil {
		return
	}
	var auth ha.AuthMessage
	if err := ws.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != s.token {
		_ = c.write(ha.Message{Type: "auth_invalid"})
		return
	}
	if err := c.write(ha.Message{Type: "auth_ok"}); err != nil {
		return
	}

	s.connsMu.Lock()
	s.conns = append(s.conns, c)
	s.connsMu.Unlock()

	for {
		var raw json.RawMessage
		if err := ws.ReadJSON(&raw); err != nil {
			return
		}
		var base struct {
			ID   int    `json:"id"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &base); err != nil {
			continue
		}

		switch base.Type {
		case "subscribe_events", "unsubscribe_events":
			s.reply(c, base.ID, nil)
		case "get_states":
			s.handleGetStates(c, base.ID)
		case "call_service":
			s.handleCallService(c, raw)
		default:
			_ = c.write(ha.Message{ID: base.ID, Type: "result", Success: boolPtr(false),
				Error: &ha.Error{Code: "unknown_command", Message: base.Type}})
		}
	}
}

func (s *Server) forget(c *conn) {
	s.connsMu.Lock()
	for i, other := range s.conns {
		if other == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
	s.connsMu.Unlock()
	c.ws.Close()
}

func (s *Server) reply(c *conn, id int, result interface{}) {
	msg := ha.Message{ID: id, Type: "result", Success: boolPtr(true)}
	if result != nil {
		msg.Result, _ = json.Marshal(result)
	}
	_ = c.write(msg)
}

func (s *Server) handleGetStates(c *conn, id int) {
	s.statesMu.RLock()
	states := make([]*ha.State, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	s.statesMu.RUnlock()

	s.reply(c, id, states)
}

func (s *Server) handleCallService(c *conn, raw json.RawMessage) {
	var req ha.CallServiceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}

	s.callsMu.Lock()
	s.nextCtx++
	ctx := &ha.Context{ID: fmt.Sprintf("hatest-%d", s.nextCtx)}
	s.calls = append(s.calls, ServiceCall{
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
		ContextID:   ctx.ID,
	})
	s.callsMu.Unlock()

	// The result goes out before the state change, as Home Assistant
	// acknowledges a call before its effects are reported
	s.reply(c, req.ID, ha.CallServiceResult{Context: ctx})

	entityID, _ := req.ServiceData["entity_id"].(string)
	current := s.State(entityID)
	if current == nil {
		return
	}
	attrs := make(map[string]interface{}, len(current.Attributes)+1)
	for k, v := range current.Attributes {
		attrs[k] = v
	}

	switch req.Domain + "." + req.Service {
	case "fan.turn_off", "light.turn_off", "switch.turn_off":
		if req.Domain == "fan" {
			attrs["percentage"] = 0
		}
		s.setState(entityID, "off", attrs, ctx)
	case "fan.set_percentage":
		pct, _ := req.ServiceData["percentage"].(float64)
		value := "on"
		if pct == 0 {
			value = "off"
		}
		attrs["percentage"] = int(pct)
		s.setState(entityID, value, attrs, ctx)
	case "fan.turn_on", "switch.turn_on":
		s.setState(entityID, "on", attrs, ctx)
	case "light.turn_on":
		if pct, ok := req.ServiceData["brightness_pct"].(float64); ok {
			attrs["brightness"] = int(pct * 255 / 100)
		}
		s.setState(entityID, "on", attrs, ctx)
	}
}

func boolPtr(b bool) *bool {
	return &b
}
