// Package units converts estimator outputs, which are always SI, into the
// display units requested by API clients.
package units

import (
	"fmt"
	"math"
	"strings"
)

// Speed units.
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// Angular rate units.
const (
	RadPerSec = "rad/s"
	DegPerSec = "deg/s"
)

var (
	speedUnits = []string{MPS, MPH, KMPH, KPH}
	rateUnits  = []string{RadPerSec, DegPerSec}
)

// IsValid reports whether unit is a known speed unit.
func IsValid(unit string) bool {
	for _, u := range speedUnits {
		if unit == u {
			return true
		}
	}
	return false
}

// IsValidRate reports whether unit is a known angular rate unit.
func IsValidRate(unit string) bool {
	for _, u := range rateUnits {
		if unit == u {
			return true
		}
	}
	return false
}

// ValidateSpeed returns an error naming the accepted units when unit is not
// one of them.
func ValidateSpeed(unit string) error {
	if IsValid(unit) {
		return nil
	}
	return fmt.Errorf("invalid units %q, expected one of: %s", unit, strings.Join(speedUnits, ", "))
}

// ConvertSpeed converts a speed in m/s to target. Unknown units return the
// input unchanged.
func ConvertSpeed(speedMPS float64, target string) float64 {
	switch target {
	case MPH:
		return speedMPS * 2.2369362920544
	case KMPH, KPH:
		return speedMPS * 3.6
	default:
		return speedMPS
	}
}

// ConvertYawRate converts an angular rate in rad/s to target.
func ConvertYawRate(radPerSec float64, target string) float64 {
	if target == DegPerSec {
		return radPerSec * 180 / math.Pi
	}
	return radPerSec
}

// RateUnitForSpeed picks the angular rate unit shown alongside a speed unit:
// deg/s for the road units, rad/s for SI.
func RateUnitForSpeed(speedUnit string) string {
	if speedUnit == MPS || speedUnit == "" {
		return RadPerSec
	}
	return DegPerSec
}
