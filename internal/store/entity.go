package store

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"smartcontroller/internal/ha"
)

// Raw Home Assistant values that mean the reading cannot be trusted
const (
	stateUnavailable = "unavailable"
	stateUnknown     = "unknown"
)

// EntityRef identifies a Home Assistant entity, e.g. "fan.bedroom"
type EntityRef string

// Domain returns the part before the first dot ("fan" for "fan.bedroom")
func (r EntityRef) Domain() string {
	if i := strings.IndexByte(string(r), '.'); i >= 0 {
		return string(r[:i])
	}
	return ""
}

// ObjectID returns the part after the first dot
func (r EntityRef) ObjectID() string {
	if i := strings.IndexByte(string(r), '.'); i >= 0 {
		return string(r[i+1:])
	}
	return string(r)
}

// Valid reports whether the ref has the domain.object_id shape
func (r EntityRef) Valid() bool {
	return r.Domain() != "" && r.ObjectID() != ""
}

func (r EntityRef) String() string {
	return string(r)
}

// EntityState is the last known state of one entity
type EntityState struct {
	Value      string                 `json:"state"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Available  bool                   `json:"available"`
	UpdatedAt  time.Time              `json:"updated_at"`
	// Tag is the context id of the command that caused the change, if any
	Tag string `json:"tag,omitempty"`
}

// Unavailable returns a state marking the entity as unavailable at t
func Unavailable(t time.Time) EntityState {
	return EntityState{Value: stateUnavailable, Available: false, UpdatedAt: t}
}

// FromHA converts a Home Assistant state. A nil state, "unavailable" and
// "unknown" all produce an unavailable entity.
func FromHA(s *ha.State, now time.Time) EntityState {
	if s == nil {
		return Unavailable(now)
	}

	updated := s.LastUpdated
	if updated.IsZero() {
		updated = now
	}

	state := EntityState{
		Value:      s.State,
		Attributes: s.Attributes,
		Available:  s.State != stateUnavailable && s.State != stateUnknown,
		UpdatedAt:  updated,
	}
	if s.Context != nil {
		state.Tag = s.Context.ID
	}
	return state
}

// IsOn reports whether the entity is available and on
func (s EntityState) IsOn() bool {
	return s.Available && s.Value == "on"
}

// IsOff reports whether the entity is available and off
func (s EntityState) IsOff() bool {
	return s.Available && s.Value == "off"
}

// Float parses the state value as a number
func (s EntityState) Float() (float64, bool) {
	if !s.Available {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s.Value), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// FloatAttr returns a numeric attribute
func (s EntityState) FloatAttr(key string) (float64, bool) {
	raw, ok := s.Attributes[key]
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Unit returns the unit_of_measurement attribute
func (s EntityState) Unit() string {
	unit, _ := s.Attributes["unit_of_measurement"].(string)
	return unit
}

// FriendlyName returns the friendly_name attribute
func (s EntityState) FriendlyName() string {
	name, _ := s.Attributes["friendly_name"].(string)
	return name
}

// ControlValue renders the part of an entity's state that a person changes
// by hand. For fans the speed counts, so "on:50" differs from "on:75".
func ControlValue(ref EntityRef, s EntityState) string {
	if !s.Available {
		return stateUnavailable
	}
	if ref.Domain() == "fan" && s.Value == "on" {
		if pct, ok := s.FloatAttr("percentage"); ok {
			return fmt.Sprintf("on:%d", int(math.Round(pct)))
		}
	}
	return s.Value
}

// Change is one state transition delivered to listeners
type Change struct {
	Ref EntityRef
	Old EntityState
	New EntityState
	// Seq orders every change the store has produced
	Seq uint64
}

// ValueChanged reports whether the hand-controllable value changed
func (c Change) ValueChanged() bool {
	return ControlValue(c.Ref, c.Old) != ControlValue(c.Ref, c.New)
}

// BecameOn reports an off/unavailable to on transition
func (c Change) BecameOn() bool {
	return c.New.IsOn() && !c.Old.IsOn()
}

// BecameOff reports a transition from on to anything else
func (c Change) BecameOff() bool {
	return c.Old.IsOn() && !c.New.IsOn()
}
