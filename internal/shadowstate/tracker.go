package shadowstate

import (
	"sort"
	"sync"

	"smartcontroller/internal/clock"
)

// maxRecentActions bounds the action history kept per automation
const maxRecentActions = 20

// Tracker holds the shadow state provider of every running automation
type Tracker struct {
	mu        sync.RWMutex
	providers map[string]func() *AutomationShadowState
}

// NewTracker creates a new shadow state tracker
func NewTracker() *Tracker {
	return &Tracker{
		providers: make(map[string]func() *AutomationShadowState),
	}
}

// Register adds a provider for an automation, replacing any previous one
func (t *Tracker) Register(automation string, provider func() *AutomationShadowState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.providers[automation] = provider
}

// Unregister removes an automation
func (t *Tracker) Unregister(automation string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.providers, automation)
}

// GetState returns one automation's shadow state
func (t *Tracker) GetState(automation string) (*AutomationShadowState, bool) {
	t.mu.RLock()
	provider, ok := t.providers[automation]
	t.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return provider(), true
}

// GetAllStates returns every automation's shadow state
func (t *Tracker) GetAllStates() map[string]*AutomationShadowState {
	t.mu.RLock()
	providers := make(map[string]func() *AutomationShadowState, len(t.providers))
	for k, v := range t.providers {
		providers[k] = v
	}
	t.mu.RUnlock()

	states := make(map[string]*AutomationShadowState, len(providers))
	for k, provider := range providers {
		states[k] = provider()
	}
	return states
}

// Names lists registered automations in sorted order
func (t *Tracker) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.providers))
	for name := range t.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Recorder keeps one automation's shadow state
type Recorder struct {
	mu    sync.RWMutex
	clock clock.Clock
	state *AutomationShadowState
}

// NewRecorder creates a recorder for an automation
func NewRecorder(automation, automationType string, clk clock.Clock) *Recorder {
	return &Recorder{
		clock: clk,
		state: NewAutomationShadowState(automation, automationType, clk.Now()),
	}
}

// UpdateCurrentInputs merges inputs into the current input values
func (r *Recorder) UpdateCurrentInputs(inputs map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, value := range inputs {
		r.state.Inputs.Current[key] = value
	}
	r.state.Metadata.LastUpdated = r.clock.Now()
}

// SetOutputs merges outputs into the automation's published outputs
func (r *Recorder) SetOutputs(outputs map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, value := range outputs {
		r.state.Outputs[key] = value
	}
	r.state.Metadata.LastUpdated = r.clock.Now()
}

// RecordAction appends an action and snapshots the inputs that led to it
func (r *Recorder) RecordAction(actionType, reason string, details map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	r.state.Inputs.AtLastAction = copyMap(r.state.Inputs.Current)
	r.state.RecentActions = append(r.state.RecentActions, ActionRecord{
		Timestamp:  now,
		ActionType: actionType,
		Reason:     reason,
		Details:    details,
	})
	if over := len(r.state.RecentActions) - maxRecentActions; over > 0 {
		r.state.RecentActions = append([]ActionRecord(nil), r.state.RecentActions[over:]...)
	}
	r.state.Metadata.LastUpdated = now
}

// GetState returns a copy of the current shadow state
func (r *Recorder) GetState() *AutomationShadowState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.clone()
}
