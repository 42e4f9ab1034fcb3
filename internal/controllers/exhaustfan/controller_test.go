package exhaustfan

import (
	"testing"

	"smartcontroller/internal/automation/automationtest"
	"smartcontroller/internal/config"
	"smartcontroller/internal/gating"
	"smartcontroller/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fanID     = "fan.bathroom_exhaust"
	humID     = "sensor.bathroom_humidity"
	tempID    = "sensor.bathroom_temperature"
	refHumID  = "sensor.hallway_humidity"
	refTempID = "sensor.hallway_temperature"
	showerID  = "input_boolean.exhaust_automation"
)

func f(v float64) *float64 { return &v }

func TestStep(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		delta   float64
		want    bool
	}{
		{"off below rising", false, 9.9, false},
		{"off at rising", false, 10, true},
		{"on inside band", true, 7, true},
		{"off inside band", false, 7, false},
		{"on at falling", true, 5, false},
		{"on below falling", true, -3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Step(tt.running, tt.delta, 10, 5))
		})
	}
}

func TestStep_Hysteresis(t *testing.T) {
	// Whatever the path, the output inside the band equals the output on
	// entering it
	deltas := []float64{0, 12, 7, 6, 9, 4, 7, 8, 11, 5.5, 5}
	want := []bool{false, true, true, true, true, false, false, false, true, true, false}

	running := false
	for i, d := range deltas {
		running = Step(running, d, 10, 5)
		assert.Equal(t, want[i], running, "delta %v at step %d", d, i)
	}
}

func relativeConfig() *config.ExhaustFan {
	return &config.ExhaustFan{
		ControlledEntity:        fanID,
		HumiditySensor:          humID,
		ReferenceHumiditySensor: refHumID,
		RisingThreshold:         f(10),
		FallingThreshold:        f(5),
		DifferentialMode:        config.DifferentialRelative,
	}
}

func setup(t *testing.T, cfg *config.ExhaustFan, seed func(h *automationtest.Harness)) (*automationtest.Harness, *Controller) {
	t.Helper()
	h := automationtest.New(t, "Bathroom Exhaust", string(config.TypeExhaustFan))
	h.Seed(fanID, "off", nil)
	seed(h)
	c := New(h.Env, "Bathroom Exhaust", cfg)
	h.Run(c)
	return h, c
}

func TestController_RelativeDifferential(t *testing.T) {
	h, c := setup(t, relativeConfig(), func(h *automationtest.Harness) {
		h.Seed(humID, "40", nil)
		h.Seed(refHumID, "40", nil)
	})
	assert.True(t, h.State(fanID).IsOff())

	steps := []struct {
		room string
		on   bool
	}{
		{"52", true},
		{"47", true},
		{"44", false},
		{"48", false},
	}
	for _, s := range steps {
		h.Set(humID, s.room, nil)
		assert.Equal(t, s.on, h.State(fanID).IsOn(), "room humidity %s", s.room)
		assert.Equal(t, s.on, c.Running())
	}
}

func TestController_AbsoluteDifferential(t *testing.T) {
	cfg := &config.ExhaustFan{
		ControlledEntity:        fanID,
		TempSensor:              tempID,
		HumiditySensor:          humID,
		ReferenceTempSensor:     refTempID,
		ReferenceHumiditySensor: refHumID,
		DifferentialMode:        config.DifferentialAbsolute,
	}
	celsius := map[string]interface{}{"unit_of_measurement": "°C"}
	h, _ := setup(t, cfg, func(h *automationtest.Harness) {
		h.Seed(tempID, "20", celsius)
		h.Seed(humID, "50", nil)
		h.Seed(refTempID, "20", celsius)
		h.Seed(refHumID, "50", nil)
	})
	assert.True(t, h.State(fanID).IsOff())

	// A warm steamy room holds far more water than the hallway
	h.Set(tempID, "25", celsius)
	h.Set(humID, "80", nil)
	assert.True(t, h.State(fanID).IsOn())

	delta, ok := h.Shadow.GetState().Outputs["delta"].(float64)
	require.True(t, ok)
	assert.InDelta(t, 9.8, delta, 0.2)

	// Same relative humidity, warmer room: still more water
	h.Set(humID, "50", nil)
	assert.True(t, h.State(fanID).IsOn())

	h.Set(tempID, "20", celsius)
	assert.True(t, h.State(fanID).IsOff())
}

func TestController_GateClosedKeepsHysteresis(t *testing.T) {
	cfg := relativeConfig()
	cfg.Set = gating.Set{RequiredOn: []store.EntityRef{showerID}}
	h, c := setup(t, cfg, func(h *automationtest.Harness) {
		h.Seed(humID, "60", nil)
		h.Seed(refHumID, "40", nil)
		h.Seed(showerID, "on", nil)
	})
	require.True(t, h.State(fanID).IsOn())

	h.Set(showerID, "off", nil)
	assert.True(t, h.State(fanID).IsOff())
	assert.True(t, c.Running(), "the band position survives a closed gate")

	h.Set(humID, "48", nil)
	assert.True(t, h.State(fanID).IsOff())

	h.Set(showerID, "on", nil)
	assert.True(t, h.State(fanID).IsOn(), "still inside the band after a rise, so it runs")
}

func TestController_UnavailableHumidityTurnsOff(t *testing.T) {
	h, c := setup(t, relativeConfig(), func(h *automationtest.Harness) {
		h.Seed(humID, "60", nil)
		h.Seed(refHumID, "40", nil)
	})
	require.True(t, h.State(fanID).IsOn())

	h.Set(refHumID, "unavailable", nil)
	assert.True(t, h.State(fanID).IsOff())
	assert.True(t, c.Running())
	assert.Equal(t, "humidity unavailable", h.Shadow.GetState().Outputs["reason"])

	h.Set(refHumID, "45", nil)
	assert.True(t, h.State(fanID).IsOn())
}

func TestController_StartupSeedsFromFan(t *testing.T) {
	h := automationtest.New(t, "Bathroom Exhaust", string(config.TypeExhaustFan))
	h.Seed(fanID, "on", nil)
	h.Seed(humID, "47", nil)
	h.Seed(refHumID, "40", nil)
	c := New(h.Env, "Bathroom Exhaust", relativeConfig())
	h.Run(c)

	assert.True(t, c.Running())
	assert.Empty(t, h.Calls(), "a running fan inside the band is left alone")
}

func TestController_ManualOverride(t *testing.T) {
	cfg := relativeConfig()
	cfg.ManualControlMinutes = f(15)
	h, c := setup(t, cfg, func(h *automationtest.Harness) {
		h.Seed(humID, "40", nil)
		h.Seed(refHumID, "40", nil)
	})

	h.Set(fanID, "on", nil)
	require.True(t, c.Override().Active())

	h.Set(humID, "41", nil)
	assert.True(t, h.State(fanID).IsOn(), "the manual choice stands")
	assert.Empty(t, h.Calls())
}
