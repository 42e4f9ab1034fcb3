// Package automationtest drives a single automation against a mock Home
// Assistant, a mock clock and a real store, delivering changes and timer
// expiries one at a time the way the engine does.
package automationtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"smartcontroller/internal/automation"
	"smartcontroller/internal/climate"
	"smartcontroller/internal/clock"
	"smartcontroller/internal/dispatch"
	"smartcontroller/internal/ha"
	"smartcontroller/internal/metrics"
	"smartcontroller/internal/shadowstate"
	"smartcontroller/internal/store"
	"smartcontroller/internal/timer"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Start is the mock clock's initial time
var Start = time.Date(2024, 7, 15, 20, 0, 0, 0, time.UTC)

// Publication is one binary sensor publish
type Publication struct {
	Ref  store.EntityRef
	Name string
	On   bool
}

// Publisher records publishes
type Publisher struct {
	mu    sync.Mutex
	items []Publication
}

func (p *Publisher) PublishBinarySensor(ref store.EntityRef, name string, on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, Publication{Ref: ref, Name: name, On: on})
	return nil
}

// Published returns every publish so far
func (p *Publisher) Published() []Publication {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Publication(nil), p.items...)
}

type event struct {
	change *store.Change
	handle *timer.Handle
}

// Harness owns the collaborators of one automation under test
type Harness struct {
	t         *testing.T
	Client    *ha.MockClient
	Store     *store.Store
	Clock     *clock.MockClock
	Timers    *timer.Service
	Shadow    *shadowstate.Recorder
	Metrics   *metrics.MemoryRecorder
	Publisher *Publisher
	Env       *automation.Env

	mu         sync.Mutex
	queue      []event
	processing bool
	auto       automation.Automation
	unsub      func()
}

// New builds a harness for an automation called name
func New(t *testing.T, name, kind string) *Harness {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	h := &Harness{
		t:         t,
		Client:    ha.NewMockClient(),
		Clock:     clock.NewMockClock(Start),
		Metrics:   metrics.NewMemoryRecorder(256),
		Publisher: &Publisher{},
	}
	h.Store = store.New(h.Clock, logger)
	h.Timers = timer.NewService(h.Clock, logger)
	h.Shadow = shadowstate.NewRecorder(name, kind, h.Clock)
	h.Env = &automation.Env{
		Store:      h.Store,
		Dispatcher: dispatch.New(h.Client, h.Store, h.Clock, logger, false),
		Timers:     h.Timers,
		Clock:      h.Clock,
		Logger:     logger,
		Unit:       climate.Fahrenheit,
		Shadow:     h.Shadow,
		Metrics:    h.Metrics,
		Publisher:  h.Publisher,
		Fire:       h.fire,
	}
	t.Cleanup(func() {
		if h.unsub != nil {
			h.unsub()
		}
		h.Timers.Stop()
	})
	return h
}

// Seed sets an entity in the mock before the automation starts
func (h *Harness) Seed(entityID, value string, attrs map[string]interface{}) {
	h.Client.SetState(entityID, value, attrs)
}

// Run tracks a's inputs, subscribes it and performs its start evaluation
func (h *Harness) Run(a automation.Automation) {
	h.t.Helper()
	h.auto = a
	require.NoError(h.t, h.Store.Track(h.Client, a.Inputs()))
	h.unsub = h.Store.Subscribe(a.Inputs(), func(c store.Change) {
		h.enqueue(event{change: &c})
	})
	h.Client.ClearServiceCalls()

	h.mu.Lock()
	h.processing = true
	h.mu.Unlock()
	a.Start(context.Background())
	h.drain()
}

// Set changes an entity as if from outside the engine
func (h *Harness) Set(entityID, value string, attrs map[string]interface{}) {
	h.Client.SetState(entityID, value, attrs)
	h.kick()
}

// Remove makes an entity disappear
func (h *Harness) Remove(entityID string) {
	h.Client.SimulateRemoval(entityID)
	h.kick()
}

// Advance moves the clock; expiries are handled at their deadlines
func (h *Harness) Advance(d time.Duration) {
	h.Clock.Advance(d)
	h.kick()
}

// Calls returns the service calls since start
func (h *Harness) Calls() []ha.ServiceCall {
	return h.Client.GetServiceCalls()
}

// ClearCalls forgets recorded service calls
func (h *Harness) ClearCalls() {
	h.Client.ClearServiceCalls()
}

// State returns the store's view of an entity
func (h *Harness) State(entityID string) store.EntityState {
	state, _ := h.Store.Get(store.EntityRef(entityID))
	return state
}

func (h *Harness) fire(th timer.Handle) {
	h.enqueue(event{handle: &th})
	h.kick()
}

func (h *Harness) enqueue(e event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queue = append(h.queue, e)
}

// kick drains the queue unless a drain is already running further up the
// stack
func (h *Harness) kick() {
	h.mu.Lock()
	if h.processing || h.auto == nil {
		h.mu.Unlock()
		return
	}
	h.processing = true
	h.mu.Unlock()
	h.drain()
}

func (h *Harness) drain() {
	ctx := context.Background()
	for {
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.processing = false
			h.mu.Unlock()
			return
		}
		e := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()

		switch {
		case e.change != nil:
			h.auto.OnInputChanged(ctx, *e.change)
		case e.handle != nil:
			if h.Timers.Claim(*e.handle) {
				h.auto.OnTimerFired(ctx, *e.handle)
			}
		}
	}
}
