// Package engine runs the configured automations. Every instance has its own
// mailbox drained by a single goroutine, so one instance never evaluates
// twice at once while different instances proceed independently.
package engine

import (
	"context"
	"fmt"
	"sync"

	"smartcontroller/internal/automation"
	"smartcontroller/internal/climate"
	"smartcontroller/internal/clock"
	"smartcontroller/internal/config"
	"smartcontroller/internal/controllers/ceilingfan"
	"smartcontroller/internal/controllers/exhaustfan"
	"smartcontroller/internal/controllers/light"
	"smartcontroller/internal/controllers/occupancy"
	"smartcontroller/internal/dispatch"
	"smartcontroller/internal/metrics"
	"smartcontroller/internal/shadowstate"
	"smartcontroller/internal/store"
	"smartcontroller/internal/timer"

	"go.uber.org/zap"
)

// Deps are the shared collaborators of every instance
type Deps struct {
	Store         *store.Store
	Dispatcher    *dispatch.Dispatcher
	Timers        *timer.Service
	Clock         clock.Clock
	Logger        *zap.Logger
	Shadow        *shadowstate.Tracker
	Subscriptions *shadowstate.SubscriptionRegistry
	Metrics       metrics.Recorder
	Publisher     automation.SensorPublisher
	Unit          climate.Unit
}

type eventKind int

const (
	eventStart eventKind = iota
	eventChange
	eventTimer
)

type event struct {
	kind   eventKind
	change store.Change
	handle timer.Handle
}

type instance struct {
	auto     automation.Automation
	recorder *shadowstate.Recorder

	mu          sync.Mutex
	queue       []event
	running     bool
	unsubscribe func()
}

// Info describes a running instance
type Info struct {
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Inputs []store.EntityRef `json:"inputs"`
}

// Engine owns the automation instances
type Engine struct {
	deps      Deps
	logger    *zap.Logger
	capture   *shadowstate.InputCaptureHelper
	instances []*instance

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
	ctx     context.Context
	stopped bool
}

// New builds an instance for every automation in file. The file must have
// passed validation.
func New(deps Deps, file *config.File) (*Engine, error) {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NopRecorder{}
	}
	if deps.Publisher == nil {
		deps.Publisher = automation.NopPublisher{}
	}

	e := &Engine{
		deps:    deps,
		logger:  deps.Logger.Named("engine"),
		capture: shadowstate.NewInputCaptureHelper(deps.Subscriptions, deps.Store),
		ctx:     context.Background(),
	}
	e.idle = sync.NewCond(&e.mu)

	published := make(map[store.EntityRef]bool)
	for i := range file.Automations {
		if occ := file.Automations[i].Occupancy; occ != nil {
			published[occ.SensorEntity()] = true
		}
	}

	names := make(map[string]bool)
	for i := range file.Automations {
		a := &file.Automations[i]
		name := e.nameFor(a, names)
		names[name] = true
		e.warnOccupancyAutoOff(name, a, published)

		inst, err := e.build(name, a)
		if err != nil {
			return nil, err
		}
		e.instances = append(e.instances, inst)
	}
	return e, nil
}

// nameFor picks the configured name, else the controlled entity's friendly
// name, else the entity id. A name already taken falls back to the key.
func (e *Engine) nameFor(a *config.Automation, taken map[string]bool) string {
	name := a.DisplayName()
	if a.Name == "" && a.Type != config.TypeOccupancy {
		if state, ok := e.deps.Store.Get(store.EntityRef(a.Key())); ok && state.FriendlyName() != "" {
			name = state.FriendlyName()
		}
	}
	if taken[name] {
		name = a.Key()
	}
	for i := 2; taken[name]; i++ {
		name = fmt.Sprintf("%s (%d)", a.Key(), i)
	}
	return name
}

// warnOccupancyAutoOff flags a light that auto-offs while gated on an
// occupancy sensor, which switches it off in an occupied room
func (e *Engine) warnOccupancyAutoOff(name string, a *config.Automation, published map[store.EntityRef]bool) {
	l := a.Light
	if l == nil || l.AutoOffMinutes == nil || *l.AutoOffMinutes <= 0 {
		return
	}
	for _, ref := range l.RequiredOn {
		state, _ := e.deps.Store.Get(ref)
		if published[ref] || state.Attributes["device_class"] == "occupancy" {
			e.logger.Warn("Light auto-off is gated on an occupancy sensor",
				zap.String("automation", name),
				zap.String("gate_entity", string(ref)))
		}
	}
}

func (e *Engine) build(name string, a *config.Automation) (*instance, error) {
	inst := &instance{recorder: shadowstate.NewRecorder(name, string(a.Type), e.deps.Clock)}
	env := &automation.Env{
		Store:      e.deps.Store,
		Dispatcher: e.deps.Dispatcher,
		Timers:     e.deps.Timers,
		Clock:      e.deps.Clock,
		Logger:     e.deps.Logger.Named(string(a.Type)),
		Unit:       e.deps.Unit,
		Shadow:     inst.recorder,
		Metrics:    e.deps.Metrics,
		Publisher:  e.deps.Publisher,
		Fire: func(h timer.Handle) {
			e.enqueue(inst, event{kind: eventTimer, handle: h})
		},
	}

	switch a.Type {
	case config.TypeCeilingFan:
		inst.auto = ceilingfan.New(env, name, a.CeilingFan)
	case config.TypeExhaustFan:
		inst.auto = exhaustfan.New(env, name, a.ExhaustFan)
	case config.TypeLight:
		inst.auto = light.New(env, name, a.Light)
	case config.TypeOccupancy:
		inst.auto = occupancy.New(env, name, a.Occupancy)
	default:
		return nil, fmt.Errorf("%w: unknown automation type %q", config.ErrConfiguration, a.Type)
	}
	return inst, nil
}

// Instances describes the running instances in configuration order
func (e *Engine) Instances() []Info {
	out := make([]Info, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, Info{Name: inst.auto.Name(), Type: inst.auto.Type(), Inputs: inst.auto.Inputs()})
	}
	return out
}

// Start subscribes every instance to its inputs and queues its initial
// evaluation. ctx is passed to every evaluation.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	for _, inst := range e.instances {
		inst := inst
		name := inst.auto.Name()
		inputs := inst.auto.Inputs()

		for _, ref := range inputs {
			e.deps.Subscriptions.RegisterInput(name, ref)
		}
		e.deps.Shadow.Register(name, inst.recorder.GetState)

		inst.mu.Lock()
		inst.unsubscribe = e.deps.Store.Subscribe(inputs, func(c store.Change) {
			e.enqueue(inst, event{kind: eventChange, change: c})
		})
		inst.mu.Unlock()

		e.enqueue(inst, event{kind: eventStart})
	}

	e.logger.Info("Automations started", zap.Int("count", len(e.instances)))
}

// enqueue appends ev to the instance's mailbox and starts its drain
// goroutine when idle. It never blocks, so store listeners may call it.
func (e *Engine) enqueue(inst *instance, ev event) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.pending++
	e.mu.Unlock()

	inst.mu.Lock()
	inst.queue = append(inst.queue, ev)
	start := !inst.running
	inst.running = true
	inst.mu.Unlock()

	if start {
		go e.drain(inst)
	}
}

func (e *Engine) drain(inst *instance) {
	for {
		inst.mu.Lock()
		if len(inst.queue) == 0 {
			inst.running = false
			inst.mu.Unlock()
			return
		}
		ev := inst.queue[0]
		inst.queue = inst.queue[1:]
		inst.mu.Unlock()

		e.process(inst, ev)

		e.mu.Lock()
		e.pending--
		if e.pending == 0 {
			e.idle.Broadcast()
		}
		e.mu.Unlock()
	}
}

func (e *Engine) process(inst *instance, ev event) {
	e.mu.Lock()
	ctx, stopped := e.ctx, e.stopped
	e.mu.Unlock()
	if stopped {
		return
	}

	name := inst.auto.Name()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Automation panicked",
				zap.String("automation", name),
				zap.Any("panic", r))
		}
	}()

	if ev.kind == eventTimer && !e.deps.Timers.Claim(ev.handle) {
		return
	}

	inst.recorder.UpdateCurrentInputs(e.capture.CaptureInputs(name))

	switch ev.kind {
	case eventStart:
		inst.auto.Start(ctx)
	case eventChange:
		inst.auto.OnInputChanged(ctx, ev.change)
	case eventTimer:
		inst.auto.OnTimerFired(ctx, ev.handle)
	}
}

// Settle blocks until every mailbox is empty and no evaluation is running
func (e *Engine) Settle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.pending > 0 {
		e.idle.Wait()
	}
}

// Stop unsubscribes every instance, cancels its timers and waits for
// running evaluations to finish. Queued events are dropped.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	for _, inst := range e.instances {
		name := inst.auto.Name()

		inst.mu.Lock()
		if inst.unsubscribe != nil {
			inst.unsubscribe()
			inst.unsubscribe = nil
		}
		inst.mu.Unlock()

		e.deps.Timers.CancelAll(name)
		e.deps.Shadow.Unregister(name)
		e.deps.Subscriptions.Unregister(name)
	}

	e.Settle()
	e.logger.Info("Automations stopped", zap.Int("count", len(e.instances)))
}
