// Package ceilingfan sets a ceiling fan's speed from the summer simmer index
// of a room's temperature and humidity.
package ceilingfan

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

const attrPercentageStep = "percentage_step"

// Controller is one ceiling fan automation
type Controller struct {
	*automation.Base
	cfg    config.CeilingFan
	ssiMin float64
	ssiMax float64
}

// New creates the controller. cfg must be normalized.
func New(env *automation.Env, name string, cfg *config.CeilingFan) *Controller {
	c := &Controller{
		cfg:    *cfg,
		ssiMin: climate.Convert(climate.DefaultSSIMin, climate.Fahrenheit, env.Unit),
		ssiMax: climate.Convert(climate.DefaultSSIMax, climate.Fahrenheit, env.Unit),
	}
	if cfg.SSIMin != nil {
		c.ssiMin = *cfg.SSIMin
	}
	if cfg.SSIMax != nil {
		c.ssiMax = *cfg.SSIMax
	}
	manual := time.Duration(cfg.ManualControlMinutes * float64(time.Minute))
	c.Base = automation.NewBase(env, name, string(config.TypeCeilingFan), cfg.ControlledEntity, cfg.Set, manual)
	return c
}

func (c *Controller) Inputs() []store.EntityRef {
	return c.Base.Inputs(c.cfg.TempSensor, c.cfg.HumiditySensor)
}

func (c *Controller) Start(ctx context.Context) {
	c.evaluate(ctx, "startup")
}

func (c *Controller) OnInputChanged(ctx context.Context, change store.Change) {
	if c.ObserveControlled(change) {
		// Retry once the fan is reachable again
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

// decision is the outcome of one evaluation
type decision struct {
	speed  int
	ssi    float64
	hasSSI bool
	reason string
}

func (c *Controller) decide() decision {
	if !c.GatePasses() {
		return decision{reason: "gate closed"}
	}

	st := c.Env.Store
	temp, tempOK := st.Get(c.cfg.TempSensor)
	hum, humOK := st.Get(c.cfg.HumiditySensor)
	t, okT := temp.Float()
	rh, okH := hum.Float()
	if !tempOK || !okT {
		return decision{reason: "temperature unavailable"}
	}
	if !humOK || !okH {
		return decision{reason: "humidity unavailable"}
	}

	unit := c.Env.Unit
	if u, err := climate.ParseUnit(temp.Unit()); err == nil {
		unit = u
	}
	ssi := climate.SummerSimmerIndexIn(t, unit, rh, c.Env.Unit)

	if ssi < c.ssiMin {
		return decision{ssi: ssi, hasSSI: true, reason: "comfort index below minimum"}
	}

	step := 1
	if fan, ok := st.Get(c.Controlled()); ok {
		if s, ok := fan.FloatAttr(attrPercentageStep); ok && s >= 1 {
			step = int(s)
		}
	}
	raw := climate.MapRange(ssi, c.ssiMin, c.ssiMax, float64(c.cfg.SpeedMin), float64(c.cfg.SpeedMax))
	return decision{
		speed:  climate.Quantize(raw, step),
		ssi:    ssi,
		hasSSI: true,
		reason: "comfort index",
	}
}

func (c *Controller) evaluate(ctx context.Context, cause string) {
	d := c.decide()

	outputs := map[string]interface{}{
		"target_speed": d.speed,
		"reason":       d.reason,
		"ssi":          nil,
	}
	fields := map[string]interface{}{"speed": d.speed}
	if d.hasSSI {
		outputs["ssi"] = d.ssi
		fields["ssi"] = d.ssi
	}
	c.Env.Shadow.SetOutputs(outputs)
	c.Record(fields)

	c.Logger().Debug("Evaluated ceiling fan",
		zap.String("cause", cause),
		zap.String("reason", d.reason),
		zap.Float64("ssi", d.ssi),
		zap.Int("speed", d.speed))

	c.Command(ctx, dispatch.SetPercentage(c.Controlled(), d.speed), d.reason)
}
