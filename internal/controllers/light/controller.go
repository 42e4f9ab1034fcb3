// Package light switches a light from a trigger entity, an illuminance
// reading and gating, with an optional auto-off timer.
package light

import (
	"context"
	"time"

	"smartcontroller/internal/automation"
	"smartcontroller/internal/config"
	"smartcontroller/internal/dispatch"
	"smartcontroller/internal/store"
	"smartcontroller/internal/timer"

	"go.uber.org/zap"
)

// Controller is one light automation
type Controller struct {
	*automation.Base
	cfg        config.Light
	brightness int
	autoOff    time.Duration

	// lit is set while the light is on because of this automation
	lit bool
	// latched holds the light off after an auto-off until the turn-on
	// condition has cleared once
	latched bool
}

// New creates the controller. cfg must be normalized.
func New(env *automation.Env, name string, cfg *config.Light) *Controller {
	c := &Controller{cfg: *cfg, brightness: cfg.BrightnessPct}
	if c.brightness <= 0 {
		c.brightness = 100
	}
	if cfg.AutoOffMinutes != nil {
		c.autoOff = time.Duration(*cfg.AutoOffMinutes * float64(time.Minute))
	}
	manual := time.Duration(cfg.ManualControlMinutes * float64(time.Minute))
	c.Base = automation.NewBase(env, name, string(config.TypeLight), cfg.ControlledEntity, cfg.Set, manual)
	return c
}

func (c *Controller) Inputs() []store.EntityRef {
	return c.Base.Inputs(c.cfg.TriggerEntity, c.cfg.IlluminanceSensor)
}

func (c *Controller) Start(ctx context.Context) {
	c.evaluate(ctx, "startup", false)
}

func (c *Controller) OnInputChanged(ctx context.Context, change store.Change) {
	if c.ObserveControlled(change) {
		switch {
		case change.BecameOff():
			c.Env.Timers.Cancel(c.Name(), timer.AutoOff)
			c.lit = false
		case change.BecameOn() && !c.lit && c.autoOff > 0:
			// Switched on by hand; our own turn-on sets lit before dispatch
			c.Env.Timers.Arm(c.Name(), timer.AutoOff, c.autoOff, c.Env.Fire)
		}
		if !change.Old.Available && change.New.Available {
			c.evaluate(ctx, "light available", false)
		}
		return
	}
	pulse := change.Ref == c.cfg.TriggerEntity && change.BecameOn()
	c.evaluate(ctx, string(change.Ref)+" changed", pulse)
}

func (c *Controller) OnTimerFired(ctx context.Context, h timer.Handle) {
	if c.HandleOverrideExpiry(h) {
		c.evaluate(ctx, "manual override expired", false)
		return
	}
	if h.Purpose != timer.AutoOff {
		return
	}

	s := c.conditions()
	c.latched = s.on()
	c.lit = false
	c.publish(s, false, "auto-off")
	c.Command(ctx, dispatch.TurnOff(c.Controlled()), "auto-off")
}

// conditions is the turn-on condition broken into its parts
type conditions struct {
	gate      bool
	dark      bool
	triggered bool
	lux       *float64
}

func (s conditions) on() bool {
	return s.gate && s.dark && s.triggered
}

func (c *Controller) conditions() conditions {
	s := conditions{gate: c.GatePasses(), dark: true, triggered: true}

	if c.cfg.IlluminanceSensor != "" && c.cfg.IlluminanceCutoff != nil {
		state, _ := c.Env.Store.Get(c.cfg.IlluminanceSensor)
		lux, ok := state.Float()
		// An unreadable sensor never counts as dark
		s.dark = ok && lux < *c.cfg.IlluminanceCutoff
		if ok {
			s.lux = &lux
		}
	}
	if c.cfg.TriggerEntity != "" {
		state, _ := c.Env.Store.Get(c.cfg.TriggerEntity)
		s.triggered = state.IsOn()
	}
	return s
}

func (c *Controller) evaluate(ctx context.Context, cause string, pulse bool) {
	s := c.conditions()
	if !s.on() {
		c.latched = false
	}

	switch {
	case !s.gate:
		c.turnOff(ctx, s, "gate closed")
	case !s.dark:
		c.turnOff(ctx, s, "too bright")
	case !s.triggered:
		// The trigger dropping is not a reason to switch off; auto-off is
		c.publish(s, c.lit, "waiting for trigger")
	case c.latched:
		c.publish(s, false, "held off after auto-off")
	default:
		if c.autoOff > 0 && (!c.lit || pulse) {
			c.Env.Timers.Arm(c.Name(), timer.AutoOff, c.autoOff, c.Env.Fire)
		}
		c.lit = true
		c.publish(s, true, "conditions met")
		c.Command(ctx, dispatch.TurnOnBrightness(c.Controlled(), c.brightness), "conditions met")
	}

	c.Logger().Debug("Evaluated light",
		zap.String("cause", cause),
		zap.Bool("gate", s.gate),
		zap.Bool("dark", s.dark),
		zap.Bool("triggered", s.triggered),
		zap.Bool("latched", c.latched))
}

func (c *Controller) turnOff(ctx context.Context, s conditions, reason string) {
	c.Env.Timers.Cancel(c.Name(), timer.AutoOff)
	c.lit = false
	c.publish(s, false, reason)
	c.Command(ctx, dispatch.TurnOff(c.Controlled()), reason)
}

func (c *Controller) publish(s conditions, on bool, reason string) {
	outputs := map[string]interface{}{
		"on":             on,
		"reason":         reason,
		"latched":        c.latched,
		"auto_off_at":    nil,
		"illuminance":    nil,
		"brightness_pct": c.brightness,
	}
	fields := map[string]interface{}{"on": on, "gate": s.gate, "dark": s.dark, "triggered": s.triggered}
	if h, ok := c.Env.Timers.Active(c.Name(), timer.AutoOff); ok {
		outputs["auto_off_at"] = h.FiresAt
	}
	if s.lux != nil {
		outputs["illuminance"] = *s.lux
		fields["illuminance"] = *s.lux
	}
	c.Env.Shadow.SetOutputs(outputs)
	c.Record(fields)
}
