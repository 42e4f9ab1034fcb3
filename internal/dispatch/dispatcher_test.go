package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"smartcontroller/internal/clock"
	"smartcontroller/internal/ha"
	"smartcontroller/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	client     *ha.MockClient
	store      *store.Store
	clock      *clock.MockClock
	dispatcher *Dispatcher
	changes    []store.Change
}

func newFixture(t *testing.T, readOnly bool, entities ...store.EntityRef) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	clk := clock.NewMockClock(time.Date(2024, 8, 1, 20, 0, 0, 0, time.UTC))
	client := ha.NewMockClient()
	st := store.New(clk, logger)

	for _, ref := range entities {
		client.SetState(string(ref), "off", nil)
	}
	require.NoError(t, st.Track(client, entities))

	f := &fixture{
		client:     client,
		store:      st,
		clock:      clk,
		dispatcher: New(client, st, clk, logger, readOnly),
	}
	st.Subscribe(entities, func(c store.Change) { f.changes = append(f.changes, c) })
	return f
}

func TestCommand_Service(t *testing.T) {
	tests := []struct {
		name    string
		cmd     Command
		domain  string
		service string
		data    map[string]interface{}
	}{
		{"fan speed", SetPercentage("fan.bedroom", 50), "fan", "set_percentage",
			map[string]interface{}{"entity_id": "fan.bedroom", "percentage": 50}},
		{"fan zero speed is off", SetPercentage("fan.bedroom", 0), "fan", "turn_off",
			map[string]interface{}{"entity_id": "fan.bedroom"}},
		{"fan on", TurnOn("fan.exhaust"), "fan", "turn_on",
			map[string]interface{}{"entity_id": "fan.exhaust"}},
		{"light with brightness", TurnOnBrightness("light.hall", 60), "light", "turn_on",
			map[string]interface{}{"entity_id": "light.hall", "brightness_pct": 60}},
		{"light off", TurnOff("light.hall"), "light", "turn_off",
			map[string]interface{}{"entity_id": "light.hall"}},
		{"switch on", TurnOn("switch.exhaust"), "switch", "turn_on",
			map[string]interface{}{"entity_id": "switch.exhaust"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			domain, service, data := tt.cmd.Service()
			assert.Equal(t, tt.domain, domain)
			assert.Equal(t, tt.service, service)
			assert.Equal(t, tt.data, data)
		})
	}
}

func TestCommand_Satisfied(t *testing.T) {
	fan := store.EntityRef("fan.bedroom")
	at50 := store.EntityState{Value: "on", Available: true, Attributes: map[string]interface{}{"percentage": 50}}

	assert.True(t, SetPercentage(fan, 50).Satisfied(at50))
	assert.False(t, SetPercentage(fan, 75).Satisfied(at50))
	assert.True(t, TurnOn(fan).Satisfied(at50))
	assert.False(t, TurnOff(fan).Satisfied(at50))
	assert.False(t, TurnOff(fan).Satisfied(store.EntityState{}), "unavailable is never satisfied")
	assert.True(t, TurnOff(fan).Satisfied(store.EntityState{Value: "off", Available: true}))
}

func TestDispatch_SendsAndReflects(t *testing.T) {
	fan := store.EntityRef("fan.bedroom")
	f := newFixture(t, false, fan)
	f.changes = nil

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), SetPercentage(fan, 40)))

	calls := f.client.GetServiceCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "set_percentage", calls[0].Service)
	assert.Equal(t, "fan.bedroom", calls[0].EntityID())

	state, _ := f.store.Get(fan)
	assert.Equal(t, "on:40", store.ControlValue(fan, state))

	require.NotEmpty(t, f.changes)
	for _, c := range f.changes {
		assert.True(t, f.dispatcher.Owns(c), "change %s should be attributed to the engine", c.New.Value)
	}
}

func TestDispatch_ReflectsWhenNoEcho(t *testing.T) {
	light := store.EntityRef("light.hall")
	f := newFixture(t, false, light)
	f.client.SetEcho(false)
	f.changes = nil

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), TurnOnBrightness(light, 60)))

	require.Len(t, f.changes, 1)
	assert.True(t, f.changes[0].New.IsOn())
	assert.Equal(t, "mock-context-1", f.changes[0].New.Tag)
	assert.True(t, f.dispatcher.Owns(f.changes[0]))
}

func TestDispatch_EchoWinsOverExpectedState(t *testing.T) {
	fan := store.EntityRef("fan.bedroom")
	f := newFixture(t, false, fan)
	f.client.SetSpeedStep(25)
	f.changes = nil

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), SetPercentage(fan, 99)))

	state, _ := f.store.Get(fan)
	assert.Equal(t, "on:100", store.ControlValue(fan, state), "the reported speed is kept")
	assert.Equal(t, "mock-context-1", state.Tag)

	require.Len(t, f.changes, 1)
	assert.True(t, f.dispatcher.Owns(f.changes[0]))
}

func TestDispatch_ManualChangeIsNotOwned(t *testing.T) {
	light := store.EntityRef("light.hall")
	f := newFixture(t, false, light)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), TurnOn(light)))
	f.changes = nil

	f.client.SetState("light.hall", "off", nil)
	require.Len(t, f.changes, 1)
	assert.False(t, f.dispatcher.Owns(f.changes[0]))

	// A later matching state is no longer covered by the superseded command
	f.client.SetState("light.hall", "on", nil)
	require.Len(t, f.changes, 2)
	assert.False(t, f.dispatcher.Owns(f.changes[1]))
}

func TestDispatch_EchoWindowExpires(t *testing.T) {
	light := store.EntityRef("light.hall")
	f := newFixture(t, false, light)
	f.client.SetEcho(false)

	// Simulate a lost response: the reflection carries a tag, but an untagged
	// echo only matches while the window is open
	require.NoError(t, f.dispatcher.Dispatch(context.Background(), TurnOn(light)))

	echo := store.Change{Ref: light, New: store.EntityState{Value: "on", Available: true}}
	assert.True(t, f.dispatcher.Owns(echo))

	f.clock.Advance(echoWindow + time.Second)
	assert.False(t, f.dispatcher.Owns(echo))
}

func TestDispatch_Failure(t *testing.T) {
	fan := store.EntityRef("fan.exhaust")
	f := newFixture(t, false, fan)
	f.client.SetCallError(errors.New("boom"))
	f.changes = nil

	err := f.dispatcher.Dispatch(context.Background(), TurnOn(fan))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandFailed)

	state, _ := f.store.Get(fan)
	assert.Equal(t, "off", state.Value, "a failed command is not reflected")
	assert.Empty(t, f.changes)

	echo := store.Change{Ref: fan, New: store.EntityState{Value: "on", Available: true}}
	assert.False(t, f.dispatcher.Owns(echo))
}

func TestDispatch_ReadOnly(t *testing.T) {
	fan := store.EntityRef("fan.bedroom")
	f := newFixture(t, true, fan)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), SetPercentage(fan, 80)))
	assert.Empty(t, f.client.GetServiceCalls())
	assert.True(t, f.dispatcher.ReadOnly())

	state, _ := f.store.Get(fan)
	assert.Equal(t, "off", state.Value)
}

func TestDispatcher_OwnedTagRingIsBounded(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	clk := clock.NewMockClock(time.Unix(0, 0))
	d := New(ha.NewMockClient(), store.New(clk, logger), clk, logger, false)

	d.mu.Lock()
	for i := 0; i < ownedTagCapacity+10; i++ {
		d.rememberLocked(string(rune('A'+i%26)) + time.Duration(i).String())
	}
	size := len(d.owned)
	d.mu.Unlock()

	assert.Equal(t, ownedTagCapacity, size)
}
