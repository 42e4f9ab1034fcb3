// Package dispatch turns automation decisions into Home Assistant service
// calls and remembers which state changes the engine caused itself.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"smartcontroller/internal/clock"
	"smartcontroller/internal/ha"
	"smartcontroller/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrCommandFailed wraps every failed service call
var ErrCommandFailed = errors.New("command failed")

const (
	// ownedTagCapacity bounds the ring of recently issued command tags
	ownedTagCapacity = 512

	// echoWindow is how long a state matching a command's target is
	// attributed to that command even without its tag
	echoWindow = 15 * time.Second
)

// Command is a desired state for one controlled entity
type Command struct {
	Entity        store.EntityRef
	On            bool
	Percentage    *int
	BrightnessPct *int
}

// TurnOff builds an off command
func TurnOff(entity store.EntityRef) Command {
	return Command{Entity: entity}
}

// TurnOn builds a plain on command
func TurnOn(entity store.EntityRef) Command {
	return Command{Entity: entity, On: true}
}

// SetPercentage builds a fan speed command. Zero turns the fan off.
func SetPercentage(entity store.EntityRef, pct int) Command {
	if pct <= 0 {
		return TurnOff(entity)
	}
	return Command{Entity: entity, On: true, Percentage: &pct}
}

// TurnOnBrightness builds a light-on command at a brightness percentage
func TurnOnBrightness(entity store.EntityRef, pct int) Command {
	return Command{Entity: entity, On: true, BrightnessPct: &pct}
}

func (c Command) String() string {
	switch {
	case !c.On:
		return fmt.Sprintf("%s off", c.Entity)
	case c.Percentage != nil:
		return fmt.Sprintf("%s on at %d%%", c.Entity, *c.Percentage)
	case c.BrightnessPct != nil:
		return fmt.Sprintf("%s on at %d%% brightness", c.Entity, *c.BrightnessPct)
	default:
		return fmt.Sprintf("%s on", c.Entity)
	}
}

// Service returns the Home Assistant domain, service and data for c
func (c Command) Service() (string, string, map[string]interface{}) {
	domain := c.Entity.Domain()
	data := map[string]interface{}{"entity_id": string(c.Entity)}

	if !c.On {
		return domain, "turn_off", data
	}

	switch domain {
	case "fan":
		if c.Percentage != nil {
			data["percentage"] = *c.Percentage
			return domain, "set_percentage", data
		}
	case "light":
		if c.BrightnessPct != nil {
			data["brightness_pct"] = *c.BrightnessPct
		}
	}
	return domain, "turn_on", data
}

// Satisfied reports whether state already matches the command
func (c Command) Satisfied(state store.EntityState) bool {
	return matchesTarget(store.ControlValue(c.Entity, c.expectedState(state)), store.ControlValue(c.Entity, state))
}

// matchesTarget compares control values; a bare "on" target accepts any speed
func matchesTarget(target, actual string) bool {
	return target == actual || (target == "on" && strings.HasPrefix(actual, "on:"))
}

// expectedState is what the entity should look like once c has taken effect
func (c Command) expectedState(current store.EntityState) store.EntityState {
	attrs := make(map[string]interface{}, len(current.Attributes)+1)
	for k, v := range current.Attributes {
		attrs[k] = v
	}

	next := store.EntityState{Value: "off", Available: true, Attributes: attrs}
	if c.On {
		next.Value = "on"
	}
	if c.Entity.Domain() == "fan" {
		switch {
		case c.Percentage != nil:
			attrs["percentage"] = float64(*c.Percentage)
		case c.On:
			delete(attrs, "percentage")
		default:
			attrs["percentage"] = float64(0)
		}
	}
	if c.BrightnessPct != nil {
		attrs["brightness_pct"] = float64(*c.BrightnessPct)
	}
	return next
}

// expectation is a command whose echo may arrive before its tag is known
type expectation struct {
	tag     string
	value   string
	expires time.Time
}

// Dispatcher sends commands and attributes state changes to them
type Dispatcher struct {
	client   ha.HAClient
	store    *store.Store
	clock    clock.Clock
	logger   *zap.Logger
	readOnly bool

	mu       sync.Mutex
	owned    map[string]struct{}
	ring     []string
	ringNext int
	inflight map[store.EntityRef]expectation
}

// New creates a dispatcher. In read-only mode commands are logged, not sent.
func New(client ha.HAClient, st *store.Store, clk clock.Clock, logger *zap.Logger, readOnly bool) *Dispatcher {
	return &Dispatcher{
		client:   client,
		store:    st,
		clock:    clk,
		logger:   logger.Named("dispatch"),
		readOnly: readOnly,
		owned:    make(map[string]struct{}, ownedTagCapacity),
		ring:     make([]string, ownedTagCapacity),
		inflight: make(map[store.EntityRef]expectation),
	}
}

// ReadOnly reports whether commands are suppressed
func (d *Dispatcher) ReadOnly() bool {
	return d.readOnly
}

// Dispatch sends cmd. On success the resulting state is reflected into the
// store tagged with the command's context, so the owning automation sees its
// own change immediately and can tell it apart from a manual one. Failures
// are not retried here.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) error {
	domain, service, data := cmd.Service()

	if d.readOnly {
		d.logger.Info("READ-ONLY: Would call service",
			zap.String("service", domain+"."+service),
			zap.String("entity_id", string(cmd.Entity)),
			zap.Any("data", data))
		return nil
	}

	current, _ := d.store.Get(cmd.Entity)
	expected := cmd.expectedState(current)
	tag := uuid.NewString()

	d.mu.Lock()
	d.rememberLocked(tag)
	d.inflight[cmd.Entity] = expectation{
		tag:     tag,
		value:   store.ControlValue(cmd.Entity, expected),
		expires: d.clock.Now().Add(echoWindow),
	}
	d.mu.Unlock()

	d.logger.Info("Sending command",
		zap.String("command", cmd.String()),
		zap.String("service", domain+"."+service),
		zap.String("tag", tag))

	haCtx, err := d.client.CallService(ctx, domain, service, data)
	if err != nil {
		d.mu.Lock()
		if exp, ok := d.inflight[cmd.Entity]; ok && exp.tag == tag {
			delete(d.inflight, cmd.Entity)
		}
		d.mu.Unlock()
		return fmt.Errorf("%w: %s: %w", ErrCommandFailed, cmd, err)
	}

	if haCtx != nil && haCtx.ID != "" {
		tag = haCtx.ID
		d.mu.Lock()
		d.rememberLocked(tag)
		d.mu.Unlock()
	}

	// The echo may already have landed and wins over the expected state,
	// even when Home Assistant settled on a different value
	latest, _ := d.store.Get(cmd.Entity)
	if latest.Tag != tag && !cmd.Satisfied(latest) {
		expected.Tag = tag
		expected.UpdatedAt = d.clock.Now()
		d.store.Apply(cmd.Entity, expected)
	}
	return nil
}

// Owns reports whether the engine caused change: either it carries a tag
// the dispatcher issued, or it matches a command still awaiting its echo.
func (d *Dispatcher) Owns(change store.Change) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if change.New.Tag != "" {
		if _, ok := d.owned[change.New.Tag]; ok {
			return true
		}
	}

	exp, ok := d.inflight[change.Ref]
	if !ok {
		return false
	}
	if d.clock.Now().After(exp.expires) {
		delete(d.inflight, change.Ref)
		return false
	}
	if !matchesTarget(exp.value, store.ControlValue(change.Ref, change.New)) {
		// Someone else moved the entity; later matches are theirs too
		delete(d.inflight, change.Ref)
		return false
	}
	return true
}

func (d *Dispatcher) rememberLocked(tag string) {
	if evicted := d.ring[d.ringNext]; evicted != "" {
		delete(d.owned, evicted)
	}
	d.ring[d.ringNext] = tag
	d.owned[tag] = struct{}{}
	d.ringNext = (d.ringNext + 1) % len(d.ring)
}
