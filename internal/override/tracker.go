// Package override detects manual control of an automated entity and
// suppresses automation commands for a configured period afterwards.
package override

import (
	"context"
	"time"

	"smartcontroller/internal/store"
	"smartcontroller/internal/timer"

	"github.com/qmuntal/stateless"
	"go.uber.org/zap"
)

const (
	stateAutomated = "automated"
	stateManual    = "manual_override"

	triggerManualChange = "manual_change"
	triggerExpire       = "expire"
	triggerRelease      = "release"
)

// State is a snapshot of the tracker
type State struct {
	Active    bool      `json:"active"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Tracker follows one controlled entity. It is not safe for concurrent use;
// the owning automation drives it from its own serialized context.
type Tracker struct {
	owner    string
	entity   store.EntityRef
	duration time.Duration
	timers   *timer.Service
	fire     timer.FireFunc
	logger   *zap.Logger

	sm        *stateless.StateMachine
	expiresAt time.Time
}

// New creates a tracker for entity. A zero duration disables it: the tracker
// then never enters manual override. fire receives the expiry timer.
func New(owner string, entity store.EntityRef, duration time.Duration, timers *timer.Service, fire timer.FireFunc, logger *zap.Logger) *Tracker {
	t := &Tracker{
		owner:    owner,
		entity:   entity,
		duration: duration,
		timers:   timers,
		fire:     fire,
		logger:   logger.Named("override"),
	}

	t.sm = stateless.NewStateMachine(stateAutomated)

	t.sm.Configure(stateAutomated).
		Permit(triggerManualChange, stateManual, t.enabled).
		Ignore(triggerExpire).
		Ignore(triggerRelease)

	t.sm.Configure(stateManual).
		OnEntry(t.armExpiry).
		PermitReentry(triggerManualChange).
		Permit(triggerExpire, stateAutomated).
		Permit(triggerRelease, stateAutomated).
		OnExit(t.cancelExpiry)

	// Manual changes while disabled land here
	t.sm.OnUnhandledTrigger(func(context.Context, stateless.State, stateless.Trigger, []string) error {
		return nil
	})

	return t
}

func (t *Tracker) enabled(_ context.Context, _ ...any) bool {
	return t.duration > 0
}

func (t *Tracker) armExpiry(_ context.Context, _ ...any) error {
	h := t.timers.Arm(t.owner, timer.ManualOverrideExpiry, t.duration, t.fire)
	t.expiresAt = h.FiresAt
	t.logger.Info("Manual override active",
		zap.String("automation", t.owner),
		zap.String("entity_id", string(t.entity)),
		zap.Time("expires_at", t.expiresAt))
	return nil
}

func (t *Tracker) cancelExpiry(_ context.Context, _ ...any) error {
	t.timers.Cancel(t.owner, timer.ManualOverrideExpiry)
	t.expiresAt = time.Time{}
	return nil
}

// Enabled reports whether a suppression period is configured
func (t *Tracker) Enabled() bool {
	return t.duration > 0
}

// Observe feeds a change of the controlled entity. A change of value the
// engine did not cause starts, or restarts, the suppression period. A change
// the engine caused ends it. It reports whether the tracker is now active.
func (t *Tracker) Observe(change store.Change, owned bool) bool {
	if change.Ref != t.entity {
		return t.Active()
	}
	if owned {
		t.Release()
		return false
	}
	// Entities dropping out or coming back are not someone's hand on a switch
	if !change.ValueChanged() || !change.Old.Available || !change.New.Available {
		return t.Active()
	}

	if err := t.sm.Fire(triggerManualChange); err != nil {
		t.logger.Error("Failed to record manual change", zap.Error(err))
	}
	return t.Active()
}

// Expire ends the suppression period. The caller claims the timer handle
// first; it then re-evaluates from current inputs.
func (t *Tracker) Expire() {
	if !t.Active() {
		return
	}
	if err := t.sm.Fire(triggerExpire); err != nil {
		t.logger.Error("Failed to expire manual override", zap.Error(err))
		return
	}
	t.logger.Info("Manual override expired",
		zap.String("automation", t.owner),
		zap.String("entity_id", string(t.entity)))
}

// Release ends the suppression period early
func (t *Tracker) Release() {
	if !t.Active() {
		return
	}
	if err := t.sm.Fire(triggerRelease); err != nil {
		t.logger.Error("Failed to release manual override", zap.Error(err))
	}
}

// Active reports whether automation commands are currently suppressed
func (t *Tracker) Active() bool {
	return t.sm.MustState() == stateManual
}

// State returns a snapshot
func (t *Tracker) State() State {
	return State{Active: t.Active(), ExpiresAt: t.expiresAt}
}
