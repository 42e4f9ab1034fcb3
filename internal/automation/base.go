package automation

import (
	"context"
	"time"

	"smartcontroller/internal/dispatch"
	"smartcontroller/internal/gating"
	"smartcontroller/internal/metrics"
	"smartcontroller/internal/override"
	"smartcontroller/internal/store"
	"smartcontroller/internal/timer"

	"go.uber.org/zap"
)

// Base carries what the actuator automations share: a controlled entity, a
// gate and a manual override tracker.
type Base struct {
	Env  *Env
	Gate gating.Set

	name       string
	kind       string
	controlled store.EntityRef
	override   *override.Tracker
	log        *zap.Logger
}

// NewBase wires the override tracker for controlled
func NewBase(env *Env, name, kind string, controlled store.EntityRef, gate gating.Set, manualControl time.Duration) *Base {
	log := env.Logger.With(zap.String("automation", name))
	return &Base{
		Env:        env,
		Gate:       gate,
		name:       name,
		kind:       kind,
		controlled: controlled,
		override:   override.New(name, controlled, manualControl, env.Timers, env.Fire, log),
		log:        log,
	}
}

func (b *Base) Name() string { return b.name }

func (b *Base) Type() string { return b.kind }

// Controlled is the actuator entity
func (b *Base) Controlled() store.EntityRef { return b.controlled }

// Logger is scoped to the automation
func (b *Base) Logger() *zap.Logger { return b.log }

// Override exposes the tracker for snapshots
func (b *Base) Override() *override.Tracker { return b.override }

// Inputs merges the controlled entity, the gate and extra inputs
func (b *Base) Inputs(extra ...store.EntityRef) []store.EntityRef {
	seen := make(map[store.EntityRef]bool)
	var refs []store.EntityRef
	add := func(ref store.EntityRef) {
		if ref != "" && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	add(b.controlled)
	for _, ref := range b.Gate.Entities() {
		add(ref)
	}
	for _, ref := range extra {
		add(ref)
	}
	return refs
}

// GatePasses evaluates the gate against the store
func (b *Base) GatePasses() bool {
	return gating.Passes(b.Gate, b.Env.Store)
}

// ObserveControlled feeds a change of the controlled entity to the override
// tracker. It reports whether the change was the controlled entity's.
func (b *Base) ObserveControlled(change store.Change) bool {
	if change.Ref != b.controlled {
		return false
	}
	owned := b.Env.Dispatcher.Owns(change)
	wasActive := b.override.Active()
	active := b.override.Observe(change, owned)
	if active && !wasActive {
		b.Env.Shadow.RecordAction("manual_override", "controlled entity changed by hand",
			map[string]interface{}{"value": store.ControlValue(change.Ref, change.New)})
	}
	b.Env.Shadow.SetOutputs(b.overrideOutputs())
	return true
}

// HandleOverrideExpiry ends the override when h is its expiry. It reports
// whether h was consumed.
func (b *Base) HandleOverrideExpiry(h timer.Handle) bool {
	if h.Purpose != timer.ManualOverrideExpiry {
		return false
	}
	b.override.Expire()
	b.Env.Shadow.SetOutputs(b.overrideOutputs())
	return true
}

func (b *Base) overrideOutputs() map[string]interface{} {
	state := b.override.State()
	out := map[string]interface{}{"manual_override": state.Active}
	if state.Active {
		out["manual_override_expires_at"] = state.ExpiresAt
	} else {
		out["manual_override_expires_at"] = nil
	}
	return out
}

// Command drives the controlled entity toward cmd unless a manual override
// is active or the entity is already there. Failures are logged and left for
// the next relevant input change.
func (b *Base) Command(ctx context.Context, cmd dispatch.Command, reason string) {
	current, _ := b.Env.Store.Get(cmd.Entity)
	if cmd.Satisfied(current) {
		return
	}

	details := map[string]interface{}{"command": cmd.String()}
	if b.override.Active() {
		b.log.Debug("Command suppressed by manual override",
			zap.String("command", cmd.String()),
			zap.String("reason", reason))
		b.Env.Shadow.RecordAction("suppressed", reason, details)
		return
	}

	if err := b.Env.Dispatcher.Dispatch(ctx, cmd); err != nil {
		b.log.Error("Failed to send command",
			zap.String("command", cmd.String()),
			zap.String("reason", reason),
			zap.Error(err))
		b.Env.Shadow.RecordAction("failed", reason, details)
		return
	}

	b.log.Info("Commanded entity",
		zap.String("command", cmd.String()),
		zap.String("reason", reason))
	b.Env.Shadow.RecordAction("command", reason, details)
}

// Record sends a decision to the metrics recorder
func (b *Base) Record(fields map[string]interface{}) {
	b.Env.Metrics.RecordDecision(metrics.Decision{
		Automation: b.name,
		Type:       b.kind,
		Entity:     string(b.controlled),
		Fields:     fields,
		Time:       b.Env.Clock.Now(),
	})
}
