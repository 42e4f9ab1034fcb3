package shadowstate

import (
	"reflect"
	"testing"
	"time"

	"smartcontroller/internal/clock"
	"smartcontroller/internal/store"

	"go.uber.org/zap"
)

func TestSubscriptionRegistry(t *testing.T) {
	r := NewSubscriptionRegistry()

	r.RegisterInput("fan.bedroom", "sensor.bedroom_temperature")
	r.RegisterInput("fan.bedroom", "sensor.bedroom_humidity")
	r.RegisterInput("fan.bedroom", "sensor.bedroom_temperature")
	r.RegisterInput("light.hall", "binary_sensor.bedroom_occupancy")
	r.RegisterInput("fan.bedroom", "binary_sensor.bedroom_occupancy")

	inputs := r.InputsOf("fan.bedroom")
	if len(inputs) != 3 {
		t.Fatalf("Expected duplicates to be ignored, got %v", inputs)
	}

	consumers := r.ConsumersOf("binary_sensor.bedroom_occupancy")
	if !reflect.DeepEqual(consumers, []string{"fan.bedroom", "light.hall"}) {
		t.Errorf("Unexpected consumers: %v", consumers)
	}

	inputs[0] = "sensor.mutated"
	if r.InputsOf("fan.bedroom")[0] == "sensor.mutated" {
		t.Error("InputsOf must return a copy")
	}

	r.Unregister("fan.bedroom")
	if r.InputsOf("fan.bedroom") != nil {
		t.Error("Expected no inputs after unregister")
	}
	if len(r.ConsumersOf("binary_sensor.bedroom_occupancy")) != 1 {
		t.Error("Expected only light.hall to remain")
	}
}

func TestInputCaptureHelper(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	clk := clock.NewMockClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.New(clk, logger)
	st.Apply("sensor.bath_humidity", store.EntityState{Value: "64.5", Available: true})
	st.Apply("fan.bath", store.EntityState{Value: "on", Available: true, Attributes: map[string]interface{}{"percentage": 100.0}})
	st.Apply("sensor.hall_humidity", store.Unavailable(clk.Now()))

	r := NewSubscriptionRegistry()
	for _, ref := range []store.EntityRef{"sensor.bath_humidity", "fan.bath", "sensor.hall_humidity", "sensor.never_seen"} {
		r.RegisterInput("fan.bath", ref)
	}

	got := NewInputCaptureHelper(r, st).CaptureInputs("fan.bath")
	want := map[string]interface{}{
		"sensor.bath_humidity": "64.5",
		"fan.bath":             "on:100",
		"sensor.hall_humidity": "unavailable",
		"sensor.never_seen":    "unavailable",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CaptureInputs = %v, want %v", got, want)
	}
}
