// Package climate holds the comfort and humidity math shared by the fan
// controllers.
package climate

import (
	"fmt"
	"math"
	"strings"
)

// Unit is a temperature unit
type Unit string

const (
	Celsius    Unit = "°C"
	Fahrenheit Unit = "°F"
)

// Comfort index defaults, in °F
const (
	DefaultSSIMin = 83.0
	DefaultSSIMax = 91.0
)

// ParseUnit accepts the spellings Home Assistant and users tend to write
func ParseUnit(s string) (Unit, error) {
	switch strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "°"))) {
	case "C", "CELSIUS":
		return Celsius, nil
	case "F", "FAHRENHEIT":
		return Fahrenheit, nil
	}
	return "", fmt.Errorf("unknown temperature unit %q", s)
}

// ToFahrenheit converts v from u
func ToFahrenheit(v float64, u Unit) float64 {
	if u == Celsius {
		return v*9/5 + 32
	}
	return v
}

// ToCelsius converts v from u
func ToCelsius(v float64, u Unit) float64 {
	if u == Fahrenheit {
		return (v - 32) * 5 / 9
	}
	return v
}

// Convert converts v from one unit to another
func Convert(v float64, from, to Unit) float64 {
	if to == Celsius {
		return ToCelsius(v, from)
	}
	return ToFahrenheit(v, from)
}

// SummerSimmerIndex computes the index in °F from a °F temperature and a
// relative humidity in percent.
func SummerSimmerIndex(tempF, rh float64) float64 {
	return 1.98*(tempF-(0.55-0.0055*rh)*(tempF-58)) - 56.83
}

// SummerSimmerIndexIn computes the index for a temperature given in unit in
// and returns it in unit out.
func SummerSimmerIndexIn(temp float64, in Unit, rh float64, out Unit) float64 {
	ssi := SummerSimmerIndex(ToFahrenheit(temp, in), rh)
	return Convert(ssi, Fahrenheit, out)
}

// AbsoluteHumidity returns grams of water per cubic metre of air for a °C
// temperature and a relative humidity in percent.
func AbsoluteHumidity(tempC, rh float64) float64 {
	return rh * 6.112 * 2.1674 * math.Exp((tempC*17.67)/(tempC+243.5)) / (tempC + 273.15)
}

// MapRange clamps v to [inLow, inHigh] and maps it linearly onto
// [outLow, outHigh].
func MapRange(v, inLow, inHigh, outLow, outHigh float64) float64 {
	if inHigh <= inLow {
		return outLow
	}
	v = math.Max(inLow, math.Min(inHigh, v))
	return outLow + (v-inLow)*(outHigh-outLow)/(inHigh-inLow)
}

// Quantize floors v to a multiple of step, but never below one step while v
// is positive. A step below 1 is treated as 1.
func Quantize(v float64, step int) int {
	if step < 1 {
		step = 1
	}
	if v <= 0 {
		return 0
	}
	n := int(math.Floor(v/float64(step))) * step
	if n < step {
		n = step
	}
	return n
}
