package config

import (
	"errors"
	"fmt"
	"math"

	"smartcontroller/internal/climate"
	"smartcontroller/internal/gating"
	"smartcontroller/internal/store"
)

// ErrConfiguration matches every validation error
var ErrConfiguration = errors.New("configuration error")

// Kind classifies a validation error
type Kind string

const (
	KindDuplicateName         Kind = "duplicate_name"
	KindDoorNeedsMotion       Kind = "door_needs_motion"
	KindMotionNeedsMinutes    Kind = "motion_needs_minutes"
	KindOccupancyAndAutoOff   Kind = "occupancy_and_auto_off"
	KindOccupancyNeedsTrigger Kind = "occupancy_needs_trigger"
	KindOffMinutesRequired    Kind = "off_minutes_required"
	KindInvalid               Kind = "invalid_config"
)

// ValidationError reports one rejected automation
type ValidationError struct {
	Kind       Kind
	Automation string
	Message    string
}

func (e *ValidationError) Error() string {
	if e.Automation == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("automation %q: %s: %s", e.Automation, e.Kind, e.Message)
}

// Is makes every ValidationError match ErrConfiguration
func (e *ValidationError) Is(target error) bool {
	return target == ErrConfiguration
}

// Normalize fills in defaults. SSI defaults are converted to unit.
func (f *File) Normalize(unit climate.Unit) {
	f.TemperatureUnit = string(unit)
	for i := range f.Automations {
		a := &f.Automations[i]
		switch {
		case a.CeilingFan != nil:
			c := a.CeilingFan
			if c.SSIMin == nil {
				c.SSIMin = ptr(round1(climate.Convert(climate.DefaultSSIMin, climate.Fahrenheit, unit)))
			}
			if c.SSIMax == nil {
				c.SSIMax = ptr(round1(climate.Convert(climate.DefaultSSIMax, climate.Fahrenheit, unit)))
			}
		case a.ExhaustFan != nil:
			e := a.ExhaustFan
			if e.RisingThreshold == nil {
				e.RisingThreshold = ptr(DefaultRisingThreshold)
			}
			if e.FallingThreshold == nil {
				e.FallingThreshold = ptr(DefaultFallingThreshold)
			}
			if e.ManualControlMinutes == nil {
				e.ManualControlMinutes = ptr(DefaultExhaustManualMinutes)
			}
			if e.DifferentialMode == "" {
				e.DifferentialMode = DifferentialRelative
				if e.TempSensor != "" && e.ReferenceTempSensor != "" {
					e.DifferentialMode = DifferentialAbsolute
				}
			}
		case a.Light != nil:
			if a.Light.BrightnessPct == 0 {
				a.Light.BrightnessPct = 100
			}
		}
	}
}

// Validate checks every automation and the set as a whole. All problems are
// returned joined; each is a *ValidationError.
func (f *File) Validate() error {
	var errs []error
	seen := make(map[string]bool, len(f.Automations))
	names := make(map[string]bool, len(f.Automations))

	for i := range f.Automations {
		a := &f.Automations[i]
		v := &validator{name: a.DisplayName()}
		if v.name == "" {
			v.name = fmt.Sprintf("#%d", i+1)
		}

		switch {
		case a.Type == TypeCeilingFan && a.CeilingFan != nil:
			v.ceilingFan(a.CeilingFan)
		case a.Type == TypeExhaustFan && a.ExhaustFan != nil:
			v.exhaustFan(a.ExhaustFan)
		case a.Type == TypeLight && a.Light != nil:
			v.light(a.Light)
		case a.Type == TypeOccupancy && a.Occupancy != nil:
			v.occupancy(a.Occupancy)
		default:
			v.fail(KindInvalid, "unknown automation type %q", a.Type)
		}

		key := a.Key()
		switch {
		case key != "" && seen[key]:
			v.fail(KindDuplicateName, "%s is already automated", key)
		case a.DisplayName() != "" && names[a.DisplayName()]:
			v.fail(KindDuplicateName, "name %q is already used", a.DisplayName())
		}
		if key != "" {
			seen[key] = true
		}
		names[a.DisplayName()] = true
		errs = append(errs, v.errs...)
	}
	return errors.Join(errs...)
}

type validator struct {
	name string
	errs []error
}

func (v *validator) fail(kind Kind, format string, args ...interface{}) {
	v.errs = append(v.errs, &ValidationError{Kind: kind, Automation: v.name, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) entity(field string, ref store.EntityRef, required bool) {
	if ref == "" {
		if required {
			v.fail(KindInvalid, "%s is required", field)
		}
		return
	}
	if !ref.Valid() {
		v.fail(KindInvalid, "%s %q is not an entity id", field, ref)
	}
}

func (v *validator) entities(field string, refs []store.EntityRef) {
	for _, ref := range refs {
		v.entity(field, ref, true)
	}
}

func (v *validator) gate(set gating.Set) {
	v.entities("required_on", set.RequiredOn)
	v.entities("required_off", set.RequiredOff)
	if both := set.Overlap(); len(both) > 0 {
		v.fail(KindInvalid, "%v listed as both required on and required off", both)
	}
}

func (v *validator) manualMinutes(m float64) {
	if m < 0 || math.IsNaN(m) {
		v.fail(KindInvalid, "manual_control_minutes must not be negative")
	}
}

func (v *validator) ceilingFan(c *CeilingFan) {
	v.entity("controlled_entity", c.ControlledEntity, true)
	if c.ControlledEntity.Valid() && c.ControlledEntity.Domain() != "fan" {
		v.fail(KindInvalid, "controlled_entity %s is not a fan", c.ControlledEntity)
	}
	v.entity("temp_sensor", c.TempSensor, true)
	v.entity("humidity_sensor", c.HumiditySensor, true)
	if c.SSIMin != nil && c.SSIMax != nil && *c.SSIMin >= *c.SSIMax {
		v.fail(KindInvalid, "ssi_min %.1f must be below ssi_max %.1f", *c.SSIMin, *c.SSIMax)
	}
	if c.SpeedMin < 0 || c.SpeedMax > 100 || c.SpeedMax <= 0 || c.SpeedMin > c.SpeedMax {
		v.fail(KindInvalid, "speeds must satisfy 0 <= speed_min <= speed_max <= 100 with speed_max > 0")
	}
	v.manualMinutes(c.ManualControlMinutes)
	v.gate(c.Set)
}

func (v *validator) exhaustFan(e *ExhaustFan) {
	v.entity("controlled_entity", e.ControlledEntity, true)
	v.entity("humidity_sensor", e.HumiditySensor, true)
	v.entity("reference_humidity_sensor", e.ReferenceHumiditySensor, true)

	switch e.DifferentialMode {
	case DifferentialAbsolute:
		v.entity("temp_sensor", e.TempSensor, true)
		v.entity("reference_temp_sensor", e.ReferenceTempSensor, true)
	case DifferentialRelative:
		v.entity("temp_sensor", e.TempSensor, false)
		v.entity("reference_temp_sensor", e.ReferenceTempSensor, false)
	default:
		v.fail(KindInvalid, "differential_mode must be %q or %q", DifferentialAbsolute, DifferentialRelative)
	}

	if e.RisingThreshold != nil && e.FallingThreshold != nil && *e.FallingThreshold >= *e.RisingThreshold {
		v.fail(KindInvalid, "falling_threshold %.2f must be below rising_threshold %.2f", *e.FallingThreshold, *e.RisingThreshold)
	}
	if e.ManualControlMinutes != nil {
		v.manualMinutes(*e.ManualControlMinutes)
	}
	v.gate(e.Set)
}

func (v *validator) light(l *Light) {
	v.entity("controlled_entity", l.ControlledEntity, true)
	v.entity("trigger_entity", l.TriggerEntity, false)
	v.entity("illuminance_sensor", l.IlluminanceSensor, false)

	if l.IlluminanceSensor != "" && l.IlluminanceCutoff == nil {
		v.fail(KindInvalid, "illuminance_sensor needs illuminance_cutoff")
	}
	if l.IlluminanceSensor == "" && l.IlluminanceCutoff != nil {
		v.fail(KindInvalid, "illuminance_cutoff needs illuminance_sensor")
	}
	if l.BrightnessPct < 1 || l.BrightnessPct > 100 {
		v.fail(KindInvalid, "brightness_pct must be between 1 and 100")
	}
	if l.AutoOffMinutes != nil && *l.AutoOffMinutes <= 0 {
		v.fail(KindOffMinutesRequired, "auto_off_minutes must be a positive duration")
	}
	v.manualMinutes(l.ManualControlMinutes)
	v.gate(l.Set)
}

func (v *validator) occupancy(o *Occupancy) {
	if Slug(o.SensorName) == "" {
		v.fail(KindInvalid, "sensor_name is required")
	}
	v.entities("motion_sensors", o.MotionSensors)
	v.entities("door_sensors", o.DoorSensors)
	v.entities("other_entities", o.OtherEntities)

	if o.AutoOffMinutes != nil {
		v.fail(KindOccupancyAndAutoOff, "occupancy sensors turn off from motion_off_minutes, not auto_off_minutes")
	}
	if len(o.MotionSensors) == 0 && len(o.OtherEntities) == 0 {
		v.fail(KindOccupancyNeedsTrigger, "motion_sensors or other_entities is required")
	}
	if len(o.DoorSensors) > 0 && len(o.MotionSensors) == 0 {
		v.fail(KindDoorNeedsMotion, "door_sensors require motion_sensors")
	}
	switch {
	case len(o.MotionSensors) > 0 && o.MotionOffMinutes == nil:
		v.fail(KindMotionNeedsMinutes, "motion_sensors require motion_off_minutes")
	case o.MotionOffMinutes != nil && *o.MotionOffMinutes <= 0:
		v.fail(KindOffMinutesRequired, "motion_off_minutes must be a positive duration")
	}
	v.gate(o.Set)
}

func ptr(f float64) *float64 {
	return &f
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
