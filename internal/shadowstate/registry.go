package shadowstate

import (
	"sort"
	"sync"

	"smartcontroller/internal/store"
)

// SubscriptionRegistry records which entities each automation reads, so
// inputs can be captured automatically and an entity's consumers listed.
type SubscriptionRegistry struct {
	mu     sync.RWMutex
	inputs map[string][]store.EntityRef // automation -> entities
}

// NewSubscriptionRegistry creates a new subscription registry
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{
		inputs: make(map[string][]store.EntityRef),
	}
}

// RegisterInput records that automation reads ref
func (r *SubscriptionRegistry) RegisterInput(automation string, ref store.EntityRef) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.inputs[automation] {
		if existing == ref {
			return
		}
	}
	r.inputs[automation] = append(r.inputs[automation], ref)
}

// InputsOf returns the entities automation reads
func (r *SubscriptionRegistry) InputsOf(automation string) []store.EntityRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.inputs[automation]
	if subs == nil {
		return nil
	}
	result := make([]store.EntityRef, len(subs))
	copy(result, subs)
	return result
}

// ConsumersOf returns the automations reading ref, sorted
func (r *SubscriptionRegistry) ConsumersOf(ref store.EntityRef) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []string
	for automation, refs := range r.inputs {
		for _, existing := range refs {
			if existing == ref {
				result = append(result, automation)
				break
			}
		}
	}
	sort.Strings(result)
	return result
}

// Unregister removes all registrations for an automation
func (r *SubscriptionRegistry) Unregister(automation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inputs, automation)
}
