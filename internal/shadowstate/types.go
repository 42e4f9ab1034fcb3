package shadowstate

import "time"

// StateMetadata describes whose shadow state this is
type StateMetadata struct {
	LastUpdated time.Time `json:"lastUpdated"`
	Automation  string    `json:"automation"`
	Type        string    `json:"type"`
}

// ActionRecord is one command an automation issued or withheld
type ActionRecord struct {
	Timestamp  time.Time              `json:"timestamp"`
	ActionType string                 `json:"actionType"` // "command", "suppressed" or "failed"
	Reason     string                 `json:"reason"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Inputs tracks current and last-action input values
type Inputs struct {
	Current      map[string]interface{} `json:"current"`
	AtLastAction map[string]interface{} `json:"atLastAction"`
}

// AutomationShadowState captures what an automation saw and decided
type AutomationShadowState struct {
	Automation    string                 `json:"automation"`
	Inputs        Inputs                 `json:"inputs"`
	Outputs       map[string]interface{} `json:"outputs"`
	RecentActions []ActionRecord         `json:"recentActions"`
	Metadata      StateMetadata          `json:"metadata"`
}

// NewAutomationShadowState creates an empty shadow state
func NewAutomationShadowState(automation, automationType string, now time.Time) *AutomationShadowState {
	return &AutomationShadowState{
		Automation: automation,
		Inputs: Inputs{
			Current:      make(map[string]interface{}),
			AtLastAction: make(map[string]interface{}),
		},
		Outputs:       make(map[string]interface{}),
		RecentActions: make([]ActionRecord, 0),
		Metadata: StateMetadata{
			LastUpdated: now,
			Automation:  automation,
			Type:        automationType,
		},
	}
}

func (s *AutomationShadowState) clone() *AutomationShadowState {
	c := &AutomationShadowState{
		Automation: s.Automation,
		Inputs: Inputs{
			Current:      copyMap(s.Inputs.Current),
			AtLastAction: copyMap(s.Inputs.AtLastAction),
		},
		Outputs:       copyMap(s.Outputs),
		RecentActions: make([]ActionRecord, len(s.RecentActions)),
		Metadata:      s.Metadata,
	}
	copy(c.RecentActions, s.RecentActions)
	return c
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
