// Package store is the entity state store: the engine's copy of every Home
// Assistant entity an automation reads or controls. Changes fan out to
// listeners in the order they were produced.
package store

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"smartcontroller/internal/clock"
	"smartcontroller/internal/ha"

	"go.uber.org/zap"
)

// Reader gives read access to entity states
type Reader interface {
	Get(ref EntityRef) (EntityState, bool)
}

// Listener receives changes for the entities it subscribed to. Listeners run
// while the store holds its delivery lock, so they must not write to the
// store; reading is fine.
type Listener func(Change)

type listenerEntry struct {
	id       int
	listener Listener
}

// Store holds entity states and fans out changes
type Store struct {
	mu        sync.RWMutex
	entities  map[EntityRef]EntityState
	listeners map[EntityRef][]listenerEntry
	nextID    int
	seq       uint64

	// deliverMu serialises apply-and-notify so every listener sees changes
	// in production order
	deliverMu sync.Mutex

	tracked map[EntityRef]struct{}
	haSubs  []ha.Subscription
	trackMu sync.Mutex
	clock   clock.Clock
	logger  *zap.Logger
}

// New creates an empty store
func New(clk clock.Clock, logger *zap.Logger) *Store {
	return &Store{
		entities:  make(map[EntityRef]EntityState),
		listeners: make(map[EntityRef][]listenerEntry),
		tracked:   make(map[EntityRef]struct{}),
		clock:     clk,
		logger:    logger.Named("store"),
	}
}

// Get returns the state of ref. Unknown entities report as unavailable.
func (s *Store) Get(ref EntityRef) (EntityState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.entities[ref]
	return state, ok
}

// Snapshot returns a copy of every known entity state
func (s *Store) Snapshot() map[EntityRef]EntityState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[EntityRef]EntityState, len(s.entities))
	for ref, state := range s.entities {
		out[ref] = state
	}
	return out
}

// Refs returns every known entity ref, sorted
func (s *Store) Refs() []EntityRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]EntityRef, 0, len(s.entities))
	for ref := range s.entities {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
	return refs
}

// Apply records next as the state of ref and notifies listeners when the
// value, availability or attributes changed. Unavailable to unavailable is
// not a change. UpdatedAt never moves backwards.
func (s *Store) Apply(ref EntityRef, next EntityState) (Change, bool) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	old, existed := s.entities[ref]
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = s.clock.Now()
	}
	if existed && next.UpdatedAt.Before(old.UpdatedAt) {
		next.UpdatedAt = old.UpdatedAt
	}
	s.entities[ref] = next

	if existed && !differs(old, next) {
		s.mu.Unlock()
		return Change{}, false
	}

	s.seq++
	change := Change{Ref: ref, Old: old, New: next, Seq: s.seq}
	entries := append([]listenerEntry(nil), s.listeners[ref]...)
	s.mu.Unlock()

	for _, entry := range entries {
		entry.listener(change)
	}
	return change, true
}

func differs(a, b EntityState) bool {
	if !a.Available && !b.Available {
		return false
	}
	if a.Value != b.Value || a.Available != b.Available {
		return true
	}
	if len(a.Attributes) == 0 && len(b.Attributes) == 0 {
		return false
	}
	return !reflect.DeepEqual(a.Attributes, b.Attributes)
}

// Subscribe registers l for changes of every ref. The returned function
// removes the registration.
func (s *Store) Subscribe(refs []EntityRef, l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	seen := make(map[EntityRef]bool, len(refs))
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		s.listeners[ref] = append(s.listeners[ref], listenerEntry{id: id, listener: l})
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for ref := range seen {
			entries := s.listeners[ref]
			for i, entry := range entries {
				if entry.id == id {
					entries = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(entries) == 0 {
				delete(s.listeners, ref)
			} else {
				s.listeners[ref] = entries
			}
		}
	}
}

// Track mirrors refs from Home Assistant: it subscribes to their state
// changes and loads their current states. Entities Home Assistant does not
// know are logged and stored as unavailable.
func (s *Store) Track(client ha.HAClient, refs []EntityRef) error {
	s.trackMu.Lock()
	for _, ref := range refs {
		if _, ok := s.tracked[ref]; ok {
			continue
		}
		sub, err := client.SubscribeStateChanges(string(ref), s.handleStateChange)
		if err != nil {
			s.trackMu.Unlock()
			return fmt.Errorf("failed to subscribe to %s: %w", ref, err)
		}
		s.tracked[ref] = struct{}{}
		s.haSubs = append(s.haSubs, sub)
	}
	s.trackMu.Unlock()

	return s.Resync(client)
}

// Resync reloads the current state of every tracked entity
func (s *Store) Resync(client ha.HAClient) error {
	states, err := client.GetAllStates()
	if err != nil {
		return fmt.Errorf("failed to fetch states: %w", err)
	}

	byID := make(map[string]*ha.State, len(states))
	for _, st := range states {
		byID[st.EntityID] = st
	}

	s.trackMu.Lock()
	refs := make([]EntityRef, 0, len(s.tracked))
	for ref := range s.tracked {
		refs = append(refs, ref)
	}
	s.trackMu.Unlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })

	now := s.clock.Now()
	missing := 0
	for _, ref := range refs {
		st, ok := byID[string(ref)]
		if !ok {
			missing++
			s.logger.Warn("Entity not found in Home Assistant", zap.String("entity_id", string(ref)))
		}
		s.Apply(ref, FromHA(st, now))
	}

	s.logger.Info("Synchronized entity states",
		zap.Int("tracked", len(refs)),
		zap.Int("missing", missing))
	return nil
}

func (s *Store) handleStateChange(entityID string, _, newState *ha.State) {
	next := FromHA(newState, s.clock.Now())
	if !next.Available {
		s.logger.Info("Entity unavailable", zap.String("entity_id", entityID))
	}
	s.Apply(EntityRef(entityID), next)
}

// Close drops the Home Assistant subscriptions created by Track
func (s *Store) Close() {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()

	for _, sub := range s.haSubs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	s.haSubs = nil
	s.tracked = make(map[EntityRef]struct{})
}
