package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClock_AdvanceFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := NewMockClock(start)

	var fired []string
	clk.AfterFunc(3*time.Minute, func() { fired = append(fired, "three") })
	clk.AfterFunc(1*time.Minute, func() { fired = append(fired, "one") })
	clk.AfterFunc(10*time.Minute, func() { fired = append(fired, "ten") })

	clk.Advance(5 * time.Minute)

	assert.Equal(t, []string{"one", "three"}, fired)
	assert.Equal(t, start.Add(5*time.Minute), clk.Now())
	assert.Equal(t, 1, clk.Pending())
}

func TestMockClock_CallbackSeesDeadline(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := NewMockClock(start)

	var seen time.Time
	clk.AfterFunc(2*time.Minute, func() { seen = clk.Now() })
	clk.Advance(10 * time.Minute)

	assert.Equal(t, start.Add(2*time.Minute), seen)
}

func TestMockClock_TimerScheduledDuringAdvance(t *testing.T) {
	clk := NewMockClock(time.Unix(0, 0))

	count := 0
	clk.AfterFunc(time.Minute, func() {
		count++
		clk.AfterFunc(time.Minute, func() { count++ })
	})

	clk.Advance(3 * time.Minute)
	assert.Equal(t, 2, count)
}

func TestMockClock_Stop(t *testing.T) {
	clk := NewMockClock(time.Unix(0, 0))

	fired := false
	timer := clk.AfterFunc(time.Minute, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	clk.Advance(time.Hour)
	assert.False(t, fired)
	assert.Equal(t, 0, clk.Pending())
}

func TestMockClock_SetBackwardsDoesNotFire(t *testing.T) {
	start := time.Unix(1000, 0)
	clk := NewMockClock(start)

	fired := false
	clk.AfterFunc(time.Second, func() { fired = true })

	clk.Set(start.Add(-time.Hour))
	assert.False(t, fired)

	clk.Set(start.Add(2 * time.Second))
	assert.True(t, fired)
}
