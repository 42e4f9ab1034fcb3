package timer

import (
	"testing"
	"time"

	"smartcontroller/internal/clock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T) (*Service, *clock.MockClock) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	clk := clock.NewMockClock(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))
	return NewService(clk, logger), clk
}

func TestService_ArmAndClaim(t *testing.T) {
	svc, clk := setup(t)

	var fired []Handle
	h := svc.Arm("hall", AutoOff, 5*time.Minute, func(h Handle) { fired = append(fired, h) })
	assert.Equal(t, clk.Now().Add(5*time.Minute), h.FiresAt)

	active, ok := svc.Active("hall", AutoOff)
	require.True(t, ok)
	assert.Equal(t, h, active)

	clk.Advance(4 * time.Minute)
	assert.Empty(t, fired)

	clk.Advance(time.Minute)
	require.Len(t, fired, 1)
	assert.True(t, svc.Claim(fired[0]))
	assert.False(t, svc.Claim(fired[0]), "a handle can only be claimed once")

	_, ok = svc.Active("hall", AutoOff)
	assert.False(t, ok)
}

func TestService_RearmReplaces(t *testing.T) {
	svc, clk := setup(t)

	var fired []Handle
	fire := func(h Handle) { fired = append(fired, h) }

	first := svc.Arm("bedroom", MotionOff, 10*time.Minute, fire)
	clk.Advance(5 * time.Minute)
	second := svc.Arm("bedroom", MotionOff, 10*time.Minute, fire)
	assert.True(t, second.FiresAt.After(first.FiresAt))

	clk.Advance(6 * time.Minute)
	assert.Empty(t, fired, "the replaced timer must not fire")

	clk.Advance(4 * time.Minute)
	require.Len(t, fired, 1)
	assert.Equal(t, second.Seq, fired[0].Seq)
	assert.False(t, svc.Claim(first))
	assert.True(t, svc.Claim(fired[0]))
}

func TestService_StaleFireAfterRearm(t *testing.T) {
	svc, _ := setup(t)

	// A fire that raced with a re-arm carries the old sequence number
	old := svc.Arm("fan", ManualOverrideExpiry, time.Minute, func(Handle) {})
	svc.Arm("fan", ManualOverrideExpiry, time.Minute, func(Handle) {})
	assert.False(t, svc.Claim(old))
}

func TestService_PurposesAreIndependent(t *testing.T) {
	svc, clk := setup(t)

	var fired []Purpose
	fire := func(h Handle) { fired = append(fired, h.Purpose) }

	svc.Arm("light", AutoOff, 2*time.Minute, fire)
	svc.Arm("light", ManualOverrideExpiry, time.Minute, fire)

	assert.True(t, svc.Cancel("light", AutoOff))
	assert.False(t, svc.Cancel("light", AutoOff))

	clk.Advance(3 * time.Minute)
	assert.Equal(t, []Purpose{ManualOverrideExpiry}, fired)
}

func TestService_CancelAllAndStop(t *testing.T) {
	svc, clk := setup(t)

	count := 0
	fire := func(Handle) { count++ }
	svc.Arm("a", AutoOff, time.Minute, fire)
	svc.Arm("a", MotionOff, time.Minute, fire)
	svc.Arm("b", AutoOff, time.Minute, fire)

	svc.CancelAll("a")
	clk.Advance(time.Minute)
	assert.Equal(t, 1, count)

	svc.Arm("b", AutoOff, time.Minute, fire)
	svc.Stop()
	svc.Arm("c", AutoOff, time.Minute, fire)
	clk.Advance(time.Hour)
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, clk.Pending())
}

func TestPurpose_String(t *testing.T) {
	assert.Equal(t, "auto_off", AutoOff.String())
	assert.Equal(t, "motion_off", MotionOff.String())
	assert.Equal(t, "manual_override_expiry", ManualOverrideExpiry.String())
}
