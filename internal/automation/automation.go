// Package automation defines the capability every automation variant
// implements and the environment the engine hands each instance.
package automation

import (
	"context"

	"smartcontroller/internal/climate"
	"smartcontroller/internal/clock"
	"smartcontroller/internal/dispatch"
	"smartcontroller/internal/metrics"
	"smartcontroller/internal/shadowstate"
	"smartcontroller/internal/store"
	"smartcontroller/internal/timer"

	"go.uber.org/zap"
)

// Automation is one running automation instance. The engine calls these
// methods from a single goroutine per instance, never concurrently.
type Automation interface {
	// Name is unique across the engine
	Name() string
	Type() string
	// Inputs lists every entity whose changes the automation must see,
	// including its controlled entity
	Inputs() []store.EntityRef
	// Start performs the initial evaluation from current store contents
	Start(ctx context.Context)
	OnInputChanged(ctx context.Context, change store.Change)
	// OnTimerFired receives expiries that have already been claimed
	OnTimerFired(ctx context.Context, h timer.Handle)
}

// SensorPublisher exposes derived sensors outside the process
type SensorPublisher interface {
	PublishBinarySensor(ref store.EntityRef, name string, on bool) error
}

// NopPublisher publishes nothing
type NopPublisher struct{}

func (NopPublisher) PublishBinarySensor(store.EntityRef, string, bool) error { return nil }

// Env is what an instance may use. Fire hands a timer expiry back to the
// instance's own serialized context.
type Env struct {
	Store      *store.Store
	Dispatcher *dispatch.Dispatcher
	Timers     *timer.Service
	Clock      clock.Clock
	Logger     *zap.Logger
	Unit       climate.Unit
	Shadow     *shadowstate.Recorder
	Metrics    metrics.Recorder
	Publisher  SensorPublisher
	Fire       timer.FireFunc
}
