// Package occupancy derives a room occupancy binary sensor from motion
// sensors, door sensors and other entities.
//
// A room becomes occupied on motion or when any other entity turns on. It
// stays occupied for motion_off_minutes after the last motion. If every door
// of the room is closed when that period ends, the room latches occupied
// until a door opens.
package occupancy

import (
	"context"
	"time"

	"smartcontroller/internal/automation"
	"smartcontroller/internal/config"
	"smartcontroller/internal/gating"
	"smartcontroller/internal/metrics"
	"smartcontroller/internal/store"
	"smartcontroller/internal/timer"

	"github.com/qmuntal/stateless"
	"go.uber.org/zap"
)

// Phase is the occupancy state
type Phase string

const (
	Vacant      Phase = "vacant"
	Occupied    Phase = "occupied"
	DoorLatched Phase = "door_latched"
)

const (
	triggerMotion        = "motion"
	triggerOtherOn       = "other_on"
	triggerOtherOff      = "other_off"
	triggerMotionTimeout = "motion_timeout"
	triggerDoorOpen      = "door_open"
)

// Controller is one occupancy automation
type Controller struct {
	env       *automation.Env
	name      string
	cfg       config.Occupancy
	sensor    store.EntityRef
	motionOff time.Duration
	log       *zap.Logger

	sm         *stateless.StateMachine
	lastMotion time.Time
}

// New creates the controller. cfg must be valid.
func New(env *automation.Env, name string, cfg *config.Occupancy) *Controller {
	c := &Controller{
		env:    env,
		name:   name,
		cfg:    *cfg,
		sensor: cfg.SensorEntity(),
		log:    env.Logger.With(zap.String("automation", name)),
	}
	if cfg.MotionOffMinutes != nil {
		c.motionOff = time.Duration(*cfg.MotionOffMinutes * float64(time.Minute))
	}

	c.sm = stateless.NewStateMachine(Vacant)

	c.sm.Configure(Vacant).
		OnEntry(c.enterVacant).
		Permit(triggerMotion, Occupied, c.gateGuard).
		Permit(triggerOtherOn, Occupied, c.gateGuard).
		Ignore(triggerOtherOff).
		Ignore(triggerMotionTimeout).
		Ignore(triggerDoorOpen)

	c.sm.Configure(Occupied).
		OnEntry(c.enterOccupied).
		Ignore(triggerMotion).
		Ignore(triggerOtherOn).
		Ignore(triggerDoorOpen).
		Permit(triggerMotionTimeout, DoorLatched, c.latchGuard).
		Permit(triggerMotionTimeout, Vacant, c.vacateGuard).
		Permit(triggerOtherOff, Vacant, c.vacateGuard)

	c.sm.Configure(DoorLatched).
		OnEntry(c.enterDoorLatched).
		Ignore(triggerMotion).
		Ignore(triggerMotionTimeout).
		Ignore(triggerOtherOff).
		Permit(triggerOtherOn, Occupied).
		Permit(triggerDoorOpen, Vacant)

	// Guards that do not hold leave the phase as it is
	c.sm.OnUnhandledTrigger(func(context.Context, stateless.State, stateless.Trigger, []string) error {
		return nil
	})

	return c
}

func (c *Controller) Name() string { return c.name }

func (c *Controller) Type() string { return string(config.TypeOccupancy) }

// Sensor is the published binary sensor
func (c *Controller) Sensor() store.EntityRef { return c.sensor }

// Phase returns the current occupancy state
func (c *Controller) Phase() Phase {
	return c.sm.MustState().(Phase)
}

func (c *Controller) Inputs() []store.EntityRef {
	seen := make(map[store.EntityRef]bool)
	var refs []store.EntityRef
	for _, group := range [][]store.EntityRef{c.cfg.MotionSensors, c.cfg.DoorSensors, c.cfg.OtherEntities, c.cfg.Set.Entities()} {
		for _, ref := range group {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

func (c *Controller) Start(ctx context.Context) {
	switch {
	case c.anyOn(c.cfg.MotionSensors):
		c.motion(ctx)
	case c.anyOn(c.cfg.OtherEntities):
		c.fire(ctx, triggerOtherOn)
	}
	if c.Phase() == Vacant {
		c.publish(Vacant)
	}
}

func (c *Controller) OnInputChanged(ctx context.Context, change store.Change) {
	switch {
	case contains(c.cfg.MotionSensors, change.Ref):
		if change.BecameOn() {
			c.motion(ctx)
		}
	case contains(c.cfg.OtherEntities, change.Ref):
		switch {
		case change.BecameOn():
			c.env.Timers.Cancel(c.name, timer.MotionOff)
			c.fire(ctx, triggerOtherOn)
		case change.BecameOff():
			c.otherOff(ctx)
		}
	case contains(c.cfg.DoorSensors, change.Ref):
		if change.BecameOn() {
			c.fire(ctx, triggerDoorOpen)
		}
	}

	// Gate entities may also be motion or door sensors
	if contains(c.cfg.Set.Entities(), change.Ref) && c.Phase() == Vacant {
		switch {
		case c.anyOn(c.cfg.MotionSensors):
			c.motion(ctx)
		case c.anyOn(c.cfg.OtherEntities):
			c.fire(ctx, triggerOtherOn)
		}
	}
}

func (c *Controller) OnTimerFired(ctx context.Context, h timer.Handle) {
	if h.Purpose != timer.MotionOff {
		return
	}
	// A sensor that never reports clear keeps the room occupied
	if c.anyOn(c.cfg.MotionSensors) {
		c.armMotionOff()
		return
	}
	c.fire(ctx, triggerMotionTimeout)
}

// motion handles motion turning on. Re-arming moves the deadline to a full
// period after now, so repeated motion only ever extends it.
func (c *Controller) motion(ctx context.Context) {
	c.lastMotion = c.env.Clock.Now()
	c.fire(ctx, triggerMotion)
	if c.Phase() == Occupied {
		c.armMotionOff()
		c.report(c.Phase())
	}
}

// otherOff starts the motion period once the last other entity is off, or
// vacates directly when there are no motion sensors to wait for
func (c *Controller) otherOff(ctx context.Context) {
	if c.Phase() != Occupied || c.anyOn(c.cfg.OtherEntities) {
		return
	}
	if len(c.cfg.MotionSensors) > 0 {
		c.armMotionOff()
		c.report(c.Phase())
		return
	}
	c.fire(ctx, triggerOtherOff)
}

func (c *Controller) armMotionOff() {
	if c.motionOff > 0 {
		c.env.Timers.Arm(c.name, timer.MotionOff, c.motionOff, c.env.Fire)
	}
}

func (c *Controller) fire(ctx context.Context, trigger string) {
	before := c.Phase()
	if err := c.sm.FireCtx(ctx, trigger); err != nil {
		c.log.Error("Failed to process occupancy event",
			zap.String("trigger", trigger),
			zap.Error(err))
		return
	}
	if after := c.Phase(); after != before {
		c.log.Info("Occupancy changed",
			zap.String("trigger", trigger),
			zap.String("from", string(before)),
			zap.String("to", string(after)))
		c.env.Shadow.RecordAction("transition", trigger, map[string]interface{}{
			"from": string(before),
			"to":   string(after),
		})
	}
}

func (c *Controller) gateGuard(_ context.Context, _ ...any) bool {
	return gating.Passes(c.cfg.Set, c.env.Store)
}

// latchGuard holds when doors are configured and all of them are known
// to be closed
func (c *Controller) latchGuard(_ context.Context, _ ...any) bool {
	if len(c.cfg.DoorSensors) == 0 || c.anyOn(c.cfg.OtherEntities) {
		return false
	}
	for _, ref := range c.cfg.DoorSensors {
		state, _ := c.env.Store.Get(ref)
		if !state.IsOff() {
			return false
		}
	}
	return true
}

func (c *Controller) vacateGuard(ctx context.Context, args ...any) bool {
	return !c.anyOn(c.cfg.OtherEntities) && !c.latchGuard(ctx, args...)
}

func (c *Controller) enterVacant(_ context.Context, _ ...any) error {
	c.env.Timers.Cancel(c.name, timer.MotionOff)
	c.publish(Vacant)
	return nil
}

func (c *Controller) enterOccupied(_ context.Context, _ ...any) error {
	c.publish(Occupied)
	return nil
}

func (c *Controller) enterDoorLatched(_ context.Context, _ ...any) error {
	c.env.Timers.Cancel(c.name, timer.MotionOff)
	c.publish(DoorLatched)
	return nil
}

// publish writes the sensor into the store, where other automations can
// gate on it, and out to MQTT. Entry actions pass the phase being entered.
func (c *Controller) publish(phase Phase) {
	on := phase != Vacant
	value := "off"
	if on {
		value = "on"
	}
	c.env.Store.Apply(c.sensor, store.EntityState{
		Value:     value,
		Available: true,
		Attributes: map[string]interface{}{
			"friendly_name": c.cfg.SensorName,
			"device_class":  "occupancy",
		},
		UpdatedAt: c.env.Clock.Now(),
	})
	if err := c.env.Publisher.PublishBinarySensor(c.sensor, c.cfg.SensorName, on); err != nil {
		c.log.Warn("Failed to publish occupancy sensor", zap.Error(err))
	}
	c.report(phase)
}

func (c *Controller) report(phase Phase) {
	occupied := phase != Vacant
	outputs := map[string]interface{}{
		"phase":          string(phase),
		"occupied":       occupied,
		"sensor":         string(c.sensor),
		"motion_off_at":  nil,
		"last_motion_at": nil,
	}
	if h, ok := c.env.Timers.Active(c.name, timer.MotionOff); ok {
		outputs["motion_off_at"] = h.FiresAt
	}
	if !c.lastMotion.IsZero() {
		outputs["last_motion_at"] = c.lastMotion
	}
	c.env.Shadow.SetOutputs(outputs)
	c.env.Metrics.RecordDecision(metrics.Decision{
		Automation: c.name,
		Type:       c.Type(),
		Entity:     string(c.sensor),
		Fields:     map[string]interface{}{"occupied": occupied, "phase": string(phase)},
		Time:       c.env.Clock.Now(),
	})
}

func (c *Controller) anyOn(refs []store.EntityRef) bool {
	for _, ref := range refs {
		if state, ok := c.env.Store.Get(ref); ok && state.IsOn() {
			return true
		}
	}
	return false
}

func contains(refs []store.EntityRef, ref store.EntityRef) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}
