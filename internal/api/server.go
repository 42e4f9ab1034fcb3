package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"smartcontroller/internal/engine"
	"smartcontroller/internal/shadowstate"
	"smartcontroller/internal/store"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// EntitySource is the entity state store as the API reads it
type EntitySource interface {
	Get(ref store.EntityRef) (store.EntityState, bool)
	Snapshot() map[store.EntityRef]store.EntityState
}

// AutomationSource lists the running automations
type AutomationSource interface {
	Instances() []engine.Info
}

// ConnectionStatus reports the Home Assistant connection
type ConnectionStatus interface {
	IsConnected() bool
}

// Server provides HTTP API endpoints for inspecting the engine
type Server struct {
	entities      EntitySource
	automations   AutomationSource
	shadow        *shadowstate.Tracker
	subscriptions *shadowstate.SubscriptionRegistry
	conn          ConnectionStatus
	readOnly      bool
	logger        *zap.Logger
	router        *mux.Router
	server        *http.Server
}

// NewServer creates a new API server
func NewServer(entities EntitySource, automations AutomationSource, shadow *shadowstate.Tracker, subscriptions *shadowstate.SubscriptionRegistry, conn ConnectionStatus, readOnly bool, logger *zap.Logger, port int) *Server {
	s := &Server{
		entities:      entities,
		automations:   automations,
		shadow:        shadow,
		subscriptions: subscriptions,
		conn:          conn,
		readOnly:      readOnly,
		logger:        logger.Named("api"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleSitemap).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/entities", s.handleListEntities).Methods(http.MethodGet)
	r.HandleFunc("/api/entities/{entity_id}", s.handleGetEntity).Methods(http.MethodGet)
	r.HandleFunc("/api/automations", s.handleListAutomations).Methods(http.MethodGet)
	r.HandleFunc("/api/automations/{name}", s.handleGetAutomation).Methods(http.MethodGet)
	s.router = r

	stdLog := zap.NewStdLog(s.logger)
	var handler http.Handler = r
	handler = handlers.CompressHandler(handler)
	handler = handlers.LoggingHandler(stdLog.Writer(), handler)
	handler = handlers.RecoveryHandler(handlers.RecoveryLogger(stdLog))(handler)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler without middleware
func (s *Server) Handler() http.Handler {
	return s.router
}

// EntityResponse is one entity as the store holds it
type EntityResponse struct {
	EntityID   string                 `json:"entity_id"`
	Value      string                 `json:"value"`
	Available  bool                   `json:"available"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	UpdatedAt  time.Time              `json:"updated_at"`
	Consumers  []string               `json:"consumers"`
}

// AutomationResponse is one automation with its shadow state
type AutomationResponse struct {
	engine.Info
	State *shadowstate.AutomationShadowState `json:"state,omitempty"`
}

func (s *Server) entityResponse(ref store.EntityRef, state store.EntityState) EntityResponse {
	consumers := s.subscriptions.ConsumersOf(ref)
	if consumers == nil {
		consumers = []string{}
	}
	return EntityResponse{
		EntityID:   string(ref),
		Value:      state.Value,
		Available:  state.Available,
		Attributes: state.Attributes,
		UpdatedAt:  state.UpdatedAt,
		Consumers:  consumers,
	}
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	snapshot := s.entities.Snapshot()
	refs := make([]store.EntityRef, 0, len(snapshot))
	for ref := range snapshot {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })

	response := make([]EntityResponse, 0, len(refs))
	for _, ref := range refs {
		response = append(response, s.entityResponse(ref, snapshot[ref]))
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	ref := store.EntityRef(mux.Vars(r)["entity_id"])
	state, ok := s.entities.Get(ref)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("entity %s is not tracked", ref))
		return
	}
	s.writeJSON(w, http.StatusOK, s.entityResponse(ref, state))
}

func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	instances := s.automations.Instances()
	response := make([]AutomationResponse, 0, len(instances))
	for _, info := range instances {
		state, _ := s.shadow.GetState(info.Name)
		response = append(response, AutomationResponse{Info: info, State: state})
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, info := range s.automations.Instances() {
		if info.Name != name {
			continue
		}
		state, _ := s.shadow.GetState(name)
		s.writeJSON(w, http.StatusOK, AutomationResponse{Info: info, State: state})
		return
	}
	s.writeError(w, http.StatusNotFound, fmt.Sprintf("automation %q not found", name))
}

// handleHealth reports the Home Assistant connection
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	connected := s.conn == nil || s.conn.IsConnected()
	if !connected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":         status,
		"home_assistant": connected,
		"read_only":      s.readOnly,
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Health check, 503 while Home Assistant is disconnected"},
	{Path: "/api/entities", Method: "GET", Description: "Every tracked entity with the automations reading it"},
	{Path: "/api/entities/{entity_id}", Method: "GET", Description: "One tracked entity"},
	{Path: "/api/automations", Method: "GET", Description: "Every automation with its inputs, outputs and recent actions"},
	{Path: "/api/automations/{name}", Method: "GET", Description: "One automation"},
}

// handleSitemap lists the endpoints, as HTML for browsers
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	preferHTML := strings.Contains(r.Header.Get("Accept"), "text/html")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<!DOCTYPE html>\n<html>\n<head><title>Smart Controller API</title></head>\n<body>\n<h1>Smart Controller API</h1>\n<ul>\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  <li><code>%s %s</code> %s</li>\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</ul>\n</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Smart Controller API\n====================\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-28s %s\n", ep.Method, ep.Path, ep.Description)
		}
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
