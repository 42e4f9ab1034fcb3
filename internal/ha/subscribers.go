package ha

import "sync"

type subscriberEntry struct {
	subID   int
	handler StateChangeHandler
}

// subscriberSet is the per-entity handler registry shared by Client and MockClient
type subscriberSet struct {
	mu      sync.RWMutex
	entries map[string][]subscriberEntry
	nextID  int
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{entries: make(map[string][]subscriberEntry)}
}

func (s *subscriberSet) add(entityID string, handler StateChangeHandler) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.entries[entityID] = append(s.entries[entityID], subscriberEntry{subID: id, handler: handler})
	return id
}

func (s *subscriberSet) remove(entityID string, subID int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.entries[entityID]
	for i, entry := range entries {
		if entry.subID != subID {
			continue
		}
		entries = append(entries[:i:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(s.entries, entityID)
		} else {
			s.entries[entityID] = entries
		}
		return
	}
}

func (s *subscriberSet) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]subscriberEntry)
}

// notify invokes every handler for entityID synchronously on the caller's
// goroutine. Handlers run outside the registry lock.
func (s *subscriberSet) notify(entityID string, oldState, newState *State) {
	s.mu.RLock()
	entries := append([]subscriberEntry(nil), s.entries[entityID]...)
	s.mu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}
}

func (s *subscriberSet) count(entityID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[entityID])
}
