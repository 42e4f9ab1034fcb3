package config

import (
	"errors"
	"testing"

	"smartcontroller/internal/climate"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kinds flattens a joined validation error into its kinds
func kinds(t *testing.T, err error) []Kind {
	t.Helper()
	var out []Kind
	var walk func(error)
	walk = func(err error) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				walk(e)
			}
			return
		}
		var ve *ValidationError
		require.True(t, errors.As(err, &ve), "unexpected error %v", err)
		out = append(out, ve.Kind)
	}
	walk(err)
	return out
}

func TestValidate_Kinds(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want []Kind
	}{
		{
			name: "doors without motion",
			doc: `
automations:
  - type: occupancy
    sensor_name: Den
    door_sensors: [binary_sensor.den_door]
    other_entities: [media_player.den_tv]
`,
			want: []Kind{KindDoorNeedsMotion},
		},
		{
			name: "motion without minutes",
			doc: `
automations:
  - type: occupancy
    sensor_name: Den
    motion_sensors: [binary_sensor.den_motion]
`,
			want: []Kind{KindMotionNeedsMinutes},
		},
		{
			name: "occupancy with auto off",
			doc: `
automations:
  - type: occupancy
    sensor_name: Den
    motion_sensors: [binary_sensor.den_motion]
    motion_off_minutes: 5
    auto_off_minutes: 10
`,
			want: []Kind{KindOccupancyAndAutoOff},
		},
		{
			name: "occupancy without triggers",
			doc: `
automations:
  - type: occupancy
    sensor_name: Den
`,
			want: []Kind{KindOccupancyNeedsTrigger},
		},
		{
			name: "zero motion minutes",
			doc: `
automations:
  - type: occupancy
    sensor_name: Den
    motion_sensors: [binary_sensor.den_motion]
    motion_off_minutes: 0
`,
			want: []Kind{KindOffMinutesRequired},
		},
		{
			name: "zero auto off",
			doc: `
automations:
  - type: light
    controlled_entity: light.hall
    auto_off_minutes: 0
`,
			want: []Kind{KindOffMinutesRequired},
		},
		{
			name: "duplicate controlled entity",
			doc: `
automations:
  - type: light
    controlled_entity: light.hall
  - type: light
    name: Hall again
    controlled_entity: light.hall
`,
			want: []Kind{KindDuplicateName},
		},
		{
			name: "duplicate name",
			doc: `
automations:
  - type: light
    name: Hall
    controlled_entity: light.hall_ceiling
  - type: light
    name: Hall
    controlled_entity: light.hall_lamp
`,
			want: []Kind{KindDuplicateName},
		},
		{
			name: "ssi bounds reversed",
			doc: `
automations:
  - type: ceiling_fan
    controlled_entity: fan.bedroom
    temp_sensor: sensor.bedroom_temperature
    humidity_sensor: sensor.bedroom_humidity
    ssi_min: 90
    ssi_max: 80
    speed_min: 0
    speed_max: 100
`,
			want: []Kind{KindInvalid},
		},
		{
			name: "ceiling fan controlling a light",
			doc: `
automations:
  - type: ceiling_fan
    controlled_entity: light.bedroom
    temp_sensor: sensor.bedroom_temperature
    humidity_sensor: sensor.bedroom_humidity
    speed_min: 0
    speed_max: 100
`,
			want: []Kind{KindInvalid},
		},
		{
			name: "absolute mode without temperatures",
			doc: `
automations:
  - type: exhaust_fan
    controlled_entity: fan.bath
    humidity_sensor: sensor.bath_humidity
    reference_humidity_sensor: sensor.hall_humidity
    differential_mode: absolute
`,
			want: []Kind{KindInvalid, KindInvalid},
		},
		{
			name: "entity in both gate lists",
			doc: `
automations:
  - type: light
    controlled_entity: light.hall
    required_on: [input_boolean.guests]
    required_off: [input_boolean.guests]
`,
			want: []Kind{KindInvalid},
		},
		{
			name: "illuminance sensor without cutoff",
			doc: `
automations:
  - type: light
    controlled_entity: light.hall
    illuminance_sensor: sensor.hall_lux
`,
			want: []Kind{KindInvalid},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), "")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Equal(t, tt.want, kinds(t, err))
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	doc := `
automations:
  - type: occupancy
    sensor_name: Den
    door_sensors: [binary_sensor.den_door]
    auto_off_minutes: 5
  - type: light
    controlled_entity: hall
`
	_, err := Parse([]byte(doc), "")
	require.Error(t, err)

	got := kinds(t, err)
	assert.Contains(t, got, KindOccupancyAndAutoOff)
	assert.Contains(t, got, KindOccupancyNeedsTrigger)
	assert.Contains(t, got, KindDoorNeedsMotion)
	assert.Contains(t, got, KindInvalid, "hall is not an entity id")
}

func TestValidationError_Message(t *testing.T) {
	err := &ValidationError{Kind: KindDuplicateName, Automation: "Hall", Message: "light.hall is already automated"}
	assert.Equal(t, `automation "Hall": duplicate_name: light.hall is already automated`, err.Error())

	bare := &ValidationError{Kind: KindInvalid, Message: "bad yaml"}
	assert.Equal(t, "invalid_config: bad yaml", bare.Error())
}

func TestNormalize_Defaults(t *testing.T) {
	doc := `
automations:
  - type: ceiling_fan
    controlled_entity: fan.bedroom
    temp_sensor: sensor.bedroom_temperature
    humidity_sensor: sensor.bedroom_humidity
    speed_min: 0
    speed_max: 100
  - type: exhaust_fan
    controlled_entity: fan.bath
    temp_sensor: sensor.bath_temperature
    humidity_sensor: sensor.bath_humidity
    reference_temp_sensor: sensor.hall_temperature
    reference_humidity_sensor: sensor.hall_humidity
  - type: exhaust_fan
    controlled_entity: switch.laundry_fan
    humidity_sensor: sensor.laundry_humidity
    reference_humidity_sensor: sensor.hall_humidity
  - type: light
    controlled_entity: light.hall
`

	t.Run("fahrenheit", func(t *testing.T) {
		f, err := Parse([]byte(doc), "")
		require.NoError(t, err)
		assert.Equal(t, climate.Fahrenheit, f.Unit())

		fan := f.Automations[0].CeilingFan
		assert.Equal(t, 83.0, *fan.SSIMin)
		assert.Equal(t, 91.0, *fan.SSIMax)

		bath := f.Automations[1].ExhaustFan
		assert.Equal(t, DifferentialAbsolute, bath.DifferentialMode, "both temperatures present")
		assert.Equal(t, DefaultRisingThreshold, *bath.RisingThreshold)
		assert.Equal(t, DefaultFallingThreshold, *bath.FallingThreshold)
		assert.Equal(t, DefaultExhaustManualMinutes, *bath.ManualControlMinutes)

		assert.Equal(t, DifferentialRelative, f.Automations[2].ExhaustFan.DifferentialMode)
		assert.Equal(t, 100, f.Automations[3].Light.BrightnessPct)
	})

	t.Run("celsius converts comfort defaults", func(t *testing.T) {
		f, err := Parse([]byte(doc), "C")
		require.NoError(t, err)
		assert.Equal(t, climate.Celsius, f.Unit())

		fan := f.Automations[0].CeilingFan
		assert.Equal(t, 28.3, *fan.SSIMin)
		assert.Equal(t, 32.8, *fan.SSIMax)
	})
}

func TestParse_UnitOverride(t *testing.T) {
	doc := `
temperature_unit: "°C"
automations: []
`
	f, err := Parse([]byte(doc), "")
	require.NoError(t, err)
	assert.Equal(t, climate.Celsius, f.Unit())

	f, err = Parse([]byte(doc), "fahrenheit")
	require.NoError(t, err)
	assert.Equal(t, climate.Fahrenheit, f.Unit())

	_, err = Parse([]byte(doc), "kelvin")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestParse_UnknownType(t *testing.T) {
	_, err := Parse([]byte("automations:\n  - type: sprinkler\n"), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Contains(t, err.Error(), "sprinkler")
}
