// Package exhaustfan runs an exhaust fan while a room is more humid than a
// reference location, with hysteresis between two thresholds.
package exhaustfan

import (
	"context"
	"time"

	"smartcontroller/internal/automation"
	"smartcontroller/internal/climate"
	"smartcontroller/internal/config"
	"smartcontroller/internal/dispatch"
	"smartcontroller/internal/store"
	"smartcontroller/internal/timer"

	"go.uber.org/zap"
)

// Step applies hysteresis: a stopped fan starts once delta reaches rising,
// a running fan stops once delta falls to falling.
func Step(running bool, delta, rising, falling float64) bool {
	if !running && delta >= rising {
		return true
	}
	if running && delta <= falling {
		return false
	}
	return running
}

// Controller is one exhaust fan automation
type Controller struct {
	*automation.Base
	cfg     config.ExhaustFan
	rising  float64
	falling float64
	running bool
}

// New creates the controller. cfg must be normalized.
func New(env *automation.Env, name string, cfg *config.ExhaustFan) *Controller {
	c := &Controller{
		cfg:     *cfg,
		rising:  config.DefaultRisingThreshold,
		falling: config.DefaultFallingThreshold,
	}
	if cfg.RisingThreshold != nil {
		c.rising = *cfg.RisingThreshold
	}
	if cfg.FallingThreshold != nil {
		c.falling = *cfg.FallingThreshold
	}
	var manual time.Duration
	if cfg.ManualControlMinutes != nil {
		manual = time.Duration(*cfg.ManualControlMinutes * float64(time.Minute))
	}
	c.Base = automation.NewBase(env, name, string(config.TypeExhaustFan), cfg.ControlledEntity, cfg.Set, manual)
	return c
}

func (c *Controller) Inputs() []store.EntityRef {
	return c.Base.Inputs(c.cfg.HumiditySensor, c.cfg.ReferenceHumiditySensor, c.cfg.TempSensor, c.cfg.ReferenceTempSensor)
}

// Running reports the hysteresis flag
func (c *Controller) Running() bool {
	return c.running
}

func (c *Controller) Start(ctx context.Context) {
	if fan, ok := c.Env.Store.Get(c.Controlled()); ok {
		c.running = fan.IsOn()
	}
	c.evaluate(ctx, "startup")
}

func (c *Controller) OnInputChanged(ctx context.Context, change store.Change) {
	if c.ObserveControlled(change) {
		if !change.Old.Available && change.New.Available {
			c.evaluate(ctx, "fan available")
		}
		return
	}
	c.evaluate(ctx, string(change.Ref)+" changed")
}

func (c *Controller) OnTimerFired(ctx context.Context, h timer.Handle) {
	if c.HandleOverrideExpiry(h) {
		c.evaluate(ctx, "manual override expired")
	}
}

// delta returns room minus reference humidity in the configured dimension
func (c *Controller) delta() (float64, bool) {
	if c.cfg.DifferentialMode == config.DifferentialAbsolute {
		room, ok := c.absoluteHumidity(c.cfg.TempSensor, c.cfg.HumiditySensor)
		if !ok {
			return 0, false
		}
		ref, ok := c.absoluteHumidity(c.cfg.ReferenceTempSensor, c.cfg.ReferenceHumiditySensor)
		if !ok {
			return 0, false
		}
		return room - ref, true
	}

	room, ok := c.reading(c.cfg.HumiditySensor)
	if !ok {
		return 0, false
	}
	ref, ok := c.reading(c.cfg.ReferenceHumiditySensor)
	if !ok {
		return 0, false
	}
	return room - ref, true
}

func (c *Controller) reading(ref store.EntityRef) (float64, bool) {
	state, ok := c.Env.Store.Get(ref)
	if !ok {
		return 0, false
	}
	return state.Float()
}

func (c *Controller) absoluteHumidity(tempRef, humRef store.EntityRef) (float64, bool) {
	temp, ok := c.Env.Store.Get(tempRef)
	if !ok {
		return 0, false
	}
	t, ok := temp.Float()
	if !ok {
		return 0, false
	}
	rh, ok := c.reading(humRef)
	if !ok {
		return 0, false
	}

	unit := c.Env.Unit
	if u, err := climate.ParseUnit(temp.Unit()); err == nil {
		unit = u
	}
	return climate.AbsoluteHumidity(climate.ToCelsius(t, unit), rh), true
}

func (c *Controller) evaluate(ctx context.Context, cause string) {
	delta, ok := c.delta()
	if ok {
		c.running = Step(c.running, delta, c.rising, c.falling)
	}

	on := c.running
	reason := "humidity differential"
	switch {
	case !ok:
		on, reason = false, "humidity unavailable"
	case !c.GatePasses():
		on, reason = false, "gate closed"
	}

	outputs := map[string]interface{}{
		"running": c.running,
		"on":      on,
		"reason":  reason,
		"delta":   nil,
		"mode":    c.cfg.DifferentialMode,
	}
	fields := map[string]interface{}{"running": c.running, "on": on}
	if ok {
		outputs["delta"] = delta
		fields["delta"] = delta
	}
	c.Env.Shadow.SetOutputs(outputs)
	c.Record(fields)

	c.Logger().Debug("Evaluated exhaust fan",
		zap.String("cause", cause),
		zap.String("reason", reason),
		zap.Float64("delta", delta),
		zap.Bool("running", c.running))

	cmd := dispatch.TurnOff(c.Controlled())
	if on {
		cmd = dispatch.TurnOn(c.Controlled())
	}
	c.Command(ctx, cmd, reason)
}
