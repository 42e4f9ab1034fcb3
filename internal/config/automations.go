// Package config loads process settings from the environment and the
// automation definitions from a YAML file.
package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"smartcontroller/internal/gating"
	"smartcontroller/internal/store"

	"gopkg.in/yaml.v3"
)

// Type selects the automation variant
type Type string

const (
	TypeCeilingFan Type = "ceiling_fan"
	TypeExhaustFan Type = "exhaust_fan"
	TypeLight      Type = "light"
	TypeOccupancy  Type = "occupancy"
)

// Exhaust fan differential modes
const (
	DifferentialAbsolute = "absolute"
	DifferentialRelative = "relative"
)

// Defaults applied by Normalize
const (
	DefaultRisingThreshold      = 2.0
	DefaultFallingThreshold     = 0.5
	DefaultExhaustManualMinutes = 15.0
)

// CeilingFan drives fan speed from the summer simmer index
type CeilingFan struct {
	ControlledEntity     store.EntityRef `yaml:"controlled_entity" json:"controlled_entity"`
	TempSensor           store.EntityRef `yaml:"temp_sensor" json:"temp_sensor"`
	HumiditySensor       store.EntityRef `yaml:"humidity_sensor" json:"humidity_sensor"`
	SSIMin               *float64        `yaml:"ssi_min,omitempty" json:"ssi_min,omitempty"`
	SSIMax               *float64        `yaml:"ssi_max,omitempty" json:"ssi_max,omitempty"`
	SpeedMin             int             `yaml:"speed_min" json:"speed_min"`
	SpeedMax             int             `yaml:"speed_max" json:"speed_max"`
	ManualControlMinutes float64         `yaml:"manual_control_minutes,omitempty" json:"manual_control_minutes,omitempty"`
	gating.Set           `yaml:",inline"`
}

// ExhaustFan runs a fan while a room is more humid than a reference location
type ExhaustFan struct {
	ControlledEntity        store.EntityRef `yaml:"controlled_entity" json:"controlled_entity"`
	TempSensor              store.EntityRef `yaml:"temp_sensor,omitempty" json:"temp_sensor,omitempty"`
	HumiditySensor          store.EntityRef `yaml:"humidity_sensor" json:"humidity_sensor"`
	ReferenceTempSensor     store.EntityRef `yaml:"reference_temp_sensor,omitempty" json:"reference_temp_sensor,omitempty"`
	ReferenceHumiditySensor store.EntityRef `yaml:"reference_humidity_sensor" json:"reference_humidity_sensor"`
	RisingThreshold         *float64        `yaml:"rising_threshold,omitempty" json:"rising_threshold,omitempty"`
	FallingThreshold        *float64        `yaml:"falling_threshold,omitempty" json:"falling_threshold,omitempty"`
	DifferentialMode        string          `yaml:"differential_mode,omitempty" json:"differential_mode,omitempty"`
	ManualControlMinutes    *float64        `yaml:"manual_control_minutes,omitempty" json:"manual_control_minutes,omitempty"`
	gating.Set              `yaml:",inline"`
}

// Light switches a light from a trigger, illuminance and gating
type Light struct {
	ControlledEntity     store.EntityRef `yaml:"controlled_entity" json:"controlled_entity"`
	TriggerEntity        store.EntityRef `yaml:"trigger_entity,omitempty" json:"trigger_entity,omitempty"`
	IlluminanceSensor    store.EntityRef `yaml:"illuminance_sensor,omitempty" json:"illuminance_sensor,omitempty"`
	IlluminanceCutoff    *float64        `yaml:"illuminance_cutoff,omitempty" json:"illuminance_cutoff,omitempty"`
	BrightnessPct        int             `yaml:"brightness_pct,omitempty" json:"brightness_pct,omitempty"`
	AutoOffMinutes       *float64        `yaml:"auto_off_minutes,omitempty" json:"auto_off_minutes,omitempty"`
	ManualControlMinutes float64         `yaml:"manual_control_minutes,omitempty" json:"manual_control_minutes,omitempty"`
	gating.Set           `yaml:",inline"`
}

// Occupancy synthesizes a binary sensor from motion, doors and other entities
type Occupancy struct {
	SensorName       string            `yaml:"sensor_name" json:"sensor_name"`
	MotionSensors    []store.EntityRef `yaml:"motion_sensors,omitempty" json:"motion_sensors,omitempty"`
	MotionOffMinutes *float64          `yaml:"motion_off_minutes,omitempty" json:"motion_off_minutes,omitempty"`
	DoorSensors      []store.EntityRef `yaml:"door_sensors,omitempty" json:"door_sensors,omitempty"`
	OtherEntities    []store.EntityRef `yaml:"other_entities,omitempty" json:"other_entities,omitempty"`
	// AutoOffMinutes is not a valid occupancy option; it is decoded only so
	// validation can reject it.
	AutoOffMinutes *float64 `yaml:"auto_off_minutes,omitempty" json:"auto_off_minutes,omitempty"`
	gating.Set     `yaml:",inline"`
}

// SensorEntity is the binary sensor the occupancy automation publishes
func (o *Occupancy) SensorEntity() store.EntityRef {
	return store.EntityRef("binary_sensor." + Slug(o.SensorName))
}

// Automation is one configured automation. Exactly one of the variant
// pointers matching Type is set.
type Automation struct {
	Type Type
	// Name optionally overrides the automation's display name
	Name string

	CeilingFan *CeilingFan
	ExhaustFan *ExhaustFan
	Light      *Light
	Occupancy  *Occupancy
}

// Key identifies the automation: its controlled entity, or the published
// sensor for occupancy.
func (a *Automation) Key() string {
	switch a.Type {
	case TypeCeilingFan:
		if a.CeilingFan != nil {
			return string(a.CeilingFan.ControlledEntity)
		}
	case TypeExhaustFan:
		if a.ExhaustFan != nil {
			return string(a.ExhaustFan.ControlledEntity)
		}
	case TypeLight:
		if a.Light != nil {
			return string(a.Light.ControlledEntity)
		}
	case TypeOccupancy:
		if a.Occupancy != nil {
			return string(a.Occupancy.SensorEntity())
		}
	}
	return ""
}

// DisplayName is Name when set, otherwise the key
func (a *Automation) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	if a.Type == TypeOccupancy && a.Occupancy != nil {
		return a.Occupancy.SensorName
	}
	return a.Key()
}

type header struct {
	Type Type   `yaml:"type" json:"type"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// UnmarshalYAML decodes the flat record into the variant named by type
func (a *Automation) UnmarshalYAML(node *yaml.Node) error {
	var h header
	if err := node.Decode(&h); err != nil {
		return err
	}
	a.Type, a.Name = h.Type, h.Name

	switch h.Type {
	case TypeCeilingFan:
		a.CeilingFan = &CeilingFan{}
		return node.Decode(a.CeilingFan)
	case TypeExhaustFan:
		a.ExhaustFan = &ExhaustFan{}
		return node.Decode(a.ExhaustFan)
	case TypeLight:
		a.Light = &Light{}
		return node.Decode(a.Light)
	case TypeOccupancy:
		a.Occupancy = &Occupancy{}
		return node.Decode(a.Occupancy)
	}
	return fmt.Errorf("line %d: unknown automation type %q", node.Line, h.Type)
}

// MarshalYAML flattens the variant back into one record
func (a Automation) MarshalYAML() (interface{}, error) {
	return a.flat()
}

// UnmarshalJSON mirrors UnmarshalYAML
func (a *Automation) UnmarshalJSON(data []byte) error {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	a.Type, a.Name = h.Type, h.Name

	switch h.Type {
	case TypeCeilingFan:
		a.CeilingFan = &CeilingFan{}
		return json.Unmarshal(data, a.CeilingFan)
	case TypeExhaustFan:
		a.ExhaustFan = &ExhaustFan{}
		return json.Unmarshal(data, a.ExhaustFan)
	case TypeLight:
		a.Light = &Light{}
		return json.Unmarshal(data, a.Light)
	case TypeOccupancy:
		a.Occupancy = &Occupancy{}
		return json.Unmarshal(data, a.Occupancy)
	}
	return fmt.Errorf("unknown automation type %q", h.Type)
}

// MarshalJSON mirrors MarshalYAML
func (a Automation) MarshalJSON() ([]byte, error) {
	v, err := a.flat()
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (a Automation) flat() (interface{}, error) {
	h := header{Type: a.Type, Name: a.Name}
	switch {
	case a.Type == TypeCeilingFan && a.CeilingFan != nil:
		return struct {
			header     `yaml:",inline"`
			CeilingFan `yaml:",inline"`
		}{h, *a.CeilingFan}, nil
	case a.Type == TypeExhaustFan && a.ExhaustFan != nil:
		return struct {
			header     `yaml:",inline"`
			ExhaustFan `yaml:",inline"`
		}{h, *a.ExhaustFan}, nil
	case a.Type == TypeLight && a.Light != nil:
		return struct {
			header `yaml:",inline"`
			Light  `yaml:",inline"`
		}{h, *a.Light}, nil
	case a.Type == TypeOccupancy && a.Occupancy != nil:
		return struct {
			header    `yaml:",inline"`
			Occupancy `yaml:",inline"`
		}{h, *a.Occupancy}, nil
	}
	return nil, fmt.Errorf("automation type %q has no matching options", a.Type)
}

// File is the automations.yaml document
type File struct {
	TemperatureUnit string       `yaml:"temperature_unit,omitempty" json:"temperature_unit,omitempty"`
	Automations     []Automation `yaml:"automations" json:"automations"`
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slug turns a display name into an entity object id
func Slug(name string) string {
	return strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(name), "_"), "_")
}

// Entities lists every entity the automation reads or controls, gate
// included. Occupancy's published sensor is not among them.
func (a *Automation) Entities() []store.EntityRef {
	var refs []store.EntityRef
	switch {
	case a.CeilingFan != nil:
		c := a.CeilingFan
		refs = append(refs, c.ControlledEntity, c.TempSensor, c.HumiditySensor)
		refs = append(refs, c.Set.Entities()...)
	case a.ExhaustFan != nil:
		e := a.ExhaustFan
		refs = append(refs, e.ControlledEntity, e.TempSensor, e.HumiditySensor, e.ReferenceTempSensor, e.ReferenceHumiditySensor)
		refs = append(refs, e.Set.Entities()...)
	case a.Light != nil:
		l := a.Light
		refs = append(refs, l.ControlledEntity, l.TriggerEntity, l.IlluminanceSensor)
		refs = append(refs, l.Set.Entities()...)
	case a.Occupancy != nil:
		o := a.Occupancy
		refs = append(refs, o.MotionSensors...)
		refs = append(refs, o.DoorSensors...)
		refs = append(refs, o.OtherEntities...)
		refs = append(refs, o.Set.Entities()...)
	}

	out := refs[:0]
	for _, ref := range refs {
		if ref != "" {
			out = append(out, ref)
		}
	}
	return out
}

// Entities lists, once each, the Home Assistant entities the automations
// need mirrored. Sensors published by occupancy automations are left out
// because the engine owns their state.
func (f *File) Entities() []store.EntityRef {
	published := make(map[store.EntityRef]bool)
	for i := range f.Automations {
		if o := f.Automations[i].Occupancy; o != nil {
			published[o.SensorEntity()] = true
		}
	}

	seen := make(map[store.EntityRef]bool)
	var refs []store.EntityRef
	for i := range f.Automations {
		for _, ref := range f.Automations[i].Entities() {
			if !seen[ref] && !published[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	return refs
}
