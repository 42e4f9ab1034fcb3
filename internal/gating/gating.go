// Package gating evaluates the required-on / required-off entity sets that
// every automation carries. The gate fails closed: an entity that is
// unavailable or in any state other than the required one blocks it.
package gating

import (
	"smartcontroller/internal/store"
)

// Set is the pair of gating lists attached to an automation
type Set struct {
	RequiredOn  []store.EntityRef `yaml:"required_on,omitempty" json:"required_on,omitempty"`
	RequiredOff []store.EntityRef `yaml:"required_off,omitempty" json:"required_off,omitempty"`
}

// Passes reports whether every RequiredOn entity is on and every RequiredOff
// entity is off. Empty sets pass.
func Passes(set Set, r store.Reader) bool {
	for _, ref := range set.RequiredOn {
		state, ok := r.Get(ref)
		if !ok || !state.IsOn() {
			return false
		}
	}
	for _, ref := range set.RequiredOff {
		state, ok := r.Get(ref)
		if !ok || !state.IsOff() {
			return false
		}
	}
	return true
}

// Blocking returns the entities currently keeping the gate closed
func Blocking(set Set, r store.Reader) []store.EntityRef {
	var blocking []store.EntityRef
	for _, ref := range set.RequiredOn {
		if state, ok := r.Get(ref); !ok || !state.IsOn() {
			blocking = append(blocking, ref)
		}
	}
	for _, ref := range set.RequiredOff {
		if state, ok := r.Get(ref); !ok || !state.IsOff() {
			blocking = append(blocking, ref)
		}
	}
	return blocking
}

// Entities lists every entity referenced by the set
func (s Set) Entities() []store.EntityRef {
	refs := make([]store.EntityRef, 0, len(s.RequiredOn)+len(s.RequiredOff))
	refs = append(refs, s.RequiredOn...)
	return append(refs, s.RequiredOff...)
}

// Overlap returns entities listed as both required on and required off
func (s Set) Overlap() []store.EntityRef {
	on := make(map[store.EntityRef]bool, len(s.RequiredOn))
	for _, ref := range s.RequiredOn {
		on[ref] = true
	}

	var both []store.EntityRef
	for _, ref := range s.RequiredOff {
		if on[ref] {
			both = append(both, ref)
		}
	}
	return both
}

// Empty reports whether the set gates nothing
func (s Set) Empty() bool {
	return len(s.RequiredOn) == 0 && len(s.RequiredOff) == 0
}
