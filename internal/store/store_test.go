package store

import (
	"sync"
	"testing"
	"time"

	"smartcontroller/internal/clock"
	"smartcontroller/internal/ha"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*Store, *clock.MockClock) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	clk := clock.NewMockClock(time.Date(2024, 7, 1, 14, 0, 0, 0, time.UTC))
	return New(clk, logger), clk
}

func TestEntityRef(t *testing.T) {
	ref := EntityRef("binary_sensor.hall_motion")
	assert.Equal(t, "binary_sensor", ref.Domain())
	assert.Equal(t, "hall_motion", ref.ObjectID())
	assert.True(t, ref.Valid())
	assert.False(t, EntityRef("nodot").Valid())
}

func TestFromHA(t *testing.T) {
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		state     *ha.State
		available bool
		tag       string
	}{
		{"nil state", nil, false, ""},
		{"unavailable", &ha.State{State: "unavailable"}, false, ""},
		{"unknown", &ha.State{State: "unknown"}, false, ""},
		{"on with context", &ha.State{State: "on", Context: &ha.Context{ID: "abc"}}, true, "abc"},
		{"numeric", &ha.State{State: "21.5"}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromHA(tt.state, now)
			assert.Equal(t, tt.available, got.Available)
			assert.Equal(t, tt.tag, got.Tag)
			assert.False(t, got.UpdatedAt.IsZero())
		})
	}
}

func TestEntityState_Helpers(t *testing.T) {
	on := EntityState{Value: "on", Available: true}
	assert.True(t, on.IsOn())
	assert.False(t, on.IsOff())

	off := EntityState{Value: "off", Available: true}
	assert.True(t, off.IsOff())

	missing := EntityState{Value: "on", Available: false}
	assert.False(t, missing.IsOn())
	assert.False(t, missing.IsOff())

	temp := EntityState{Value: "72.4", Available: true, Attributes: map[string]interface{}{
		"unit_of_measurement": "°F",
		"percentage":          50,
	}}
	v, ok := temp.Float()
	require.True(t, ok)
	assert.InDelta(t, 72.4, v, 1e-9)
	assert.Equal(t, "°F", temp.Unit())

	pct, ok := temp.FloatAttr("percentage")
	require.True(t, ok)
	assert.Equal(t, 50.0, pct)

	_, ok = EntityState{Value: "abc", Available: true}.Float()
	assert.False(t, ok)
	_, ok = EntityState{Value: "NaN", Available: true}.Float()
	assert.False(t, ok)
}

func TestControlValue(t *testing.T) {
	fan := EntityRef("fan.bedroom")
	assert.Equal(t, "on:50", ControlValue(fan, EntityState{Value: "on", Available: true, Attributes: map[string]interface{}{"percentage": 50.0}}))
	assert.Equal(t, "on", ControlValue(fan, EntityState{Value: "on", Available: true}))
	assert.Equal(t, "off", ControlValue(fan, EntityState{Value: "off", Available: true, Attributes: map[string]interface{}{"percentage": 0}}))
	assert.Equal(t, "unavailable", ControlValue(fan, EntityState{}))

	light := EntityRef("light.hall")
	assert.Equal(t, "on", ControlValue(light, EntityState{Value: "on", Available: true, Attributes: map[string]interface{}{"brightness": 100}}))
}

func TestStore_ApplyNotifiesOnlyOnDifference(t *testing.T) {
	s, _ := newTestStore(t)
	ref := EntityRef("sensor.temp")

	var changes []Change
	s.Subscribe([]EntityRef{ref}, func(c Change) { changes = append(changes, c) })

	_, notified := s.Apply(ref, EntityState{Value: "70", Available: true})
	assert.True(t, notified)

	_, notified = s.Apply(ref, EntityState{Value: "70", Available: true})
	assert.False(t, notified)

	_, notified = s.Apply(ref, EntityState{Value: "71", Available: true})
	assert.True(t, notified)

	_, notified = s.Apply(ref, EntityState{Value: "71", Available: true, Attributes: map[string]interface{}{"x": 1}})
	assert.True(t, notified)

	require.Len(t, changes, 3)
	assert.Equal(t, "70", changes[1].Old.Value)
	assert.Equal(t, "71", changes[1].New.Value)
	assert.Less(t, changes[0].Seq, changes[1].Seq)
	assert.Less(t, changes[1].Seq, changes[2].Seq)
}

func TestStore_UpdatedAtNeverMovesBackwards(t *testing.T) {
	s, _ := newTestStore(t)
	ref := EntityRef("sensor.temp")
	t1 := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

	s.Apply(ref, EntityState{Value: "1", Available: true, UpdatedAt: t1})
	s.Apply(ref, EntityState{Value: "2", Available: true, UpdatedAt: t1.Add(-time.Hour)})

	got, ok := s.Get(ref)
	require.True(t, ok)
	assert.Equal(t, "2", got.Value)
	assert.Equal(t, t1, got.UpdatedAt)
}

func TestStore_Unsubscribe(t *testing.T) {
	s, _ := newTestStore(t)
	ref := EntityRef("light.hall")

	count := 0
	unsubscribe := s.Subscribe([]EntityRef{ref, ref}, func(Change) { count++ })

	s.Apply(ref, EntityState{Value: "on", Available: true})
	assert.Equal(t, 1, count)

	unsubscribe()
	s.Apply(ref, EntityState{Value: "off", Available: true})
	assert.Equal(t, 1, count)
}

func TestStore_ConcurrentProducersKeepOrderPerListener(t *testing.T) {
	s, _ := newTestStore(t)
	ref := EntityRef("sensor.counter")

	var mu sync.Mutex
	var seqs []uint64
	s.Subscribe([]EntityRef{ref}, func(c Change) {
		mu.Lock()
		seqs = append(seqs, c.Seq)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Apply(ref, EntityState{Value: string(rune('a' + i%26)) + "x", Available: true, Attributes: map[string]interface{}{"i": i}})
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seqs); i++ {
		assert.Less(t, seqs[i-1], seqs[i])
	}
}

func TestStore_TrackMirrorsHomeAssistant(t *testing.T) {
	s, _ := newTestStore(t)
	client := ha.NewMockClient()
	client.SetState("sensor.temp", "72", map[string]interface{}{"unit_of_measurement": "°F"})

	temp := EntityRef("sensor.temp")
	ghost := EntityRef("sensor.ghost")
	require.NoError(t, s.Track(client, []EntityRef{temp, ghost}))

	got, ok := s.Get(temp)
	require.True(t, ok)
	assert.Equal(t, "72", got.Value)
	assert.True(t, got.Available)

	missing, ok := s.Get(ghost)
	require.True(t, ok)
	assert.False(t, missing.Available)

	var changes []Change
	s.Subscribe([]EntityRef{temp}, func(c Change) { changes = append(changes, c) })

	client.SimulateStateChange("sensor.temp", "73")
	client.SimulateStateChange("sensor.temp", "unavailable")
	client.SimulateRemoval("sensor.temp")

	require.Len(t, changes, 2)
	assert.Equal(t, "73", changes[0].New.Value)
	assert.False(t, changes[1].New.Available)

	s.Close()
	assert.Equal(t, 0, client.SubscriberCount("sensor.temp"))
}
