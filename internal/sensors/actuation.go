package sensors

import (
	"math"

	"github.com/banshee-data/vehicle-state/internal/config"
)

// SteeringMap converts a steering actuation value into a front wheel steering
// angle in radians.
type SteeringMap func(actuation float64) float64

// LinearSteeringMap returns the map δ = (actuation - neutral) · gain, with
// gain in degrees per actuation unit.
func LinearSteeringMap(neutral, gainDeg float64) SteeringMap {
	gainRad := gainDeg * math.Pi / 180
	return func(actuation float64) float64 {
		return (actuation - neutral) * gainRad
	}
}

// SteeringMapFromConfig builds the linear map described by cfg.
func SteeringMapFromConfig(cfg config.ActuationConfig) SteeringMap {
	return LinearSteeringMap(cfg.SteeringNeutral, cfg.SteeringGainDeg)
}
