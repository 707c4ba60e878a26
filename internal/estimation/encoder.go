package estimation

import (
	"math"
	"time"

	"github.com/banshee-data/vehicle-state/internal/config"
	"github.com/banshee-data/vehicle-state/internal/monitoring"
	"github.com/banshee-data/vehicle-state/internal/sensors"
)

// EncoderSpeedEstimator derives longitudinal speed from the front wheel pulse
// counters. The counters only advance a few pulses per loop tick at low speed,
// so the speed is recomputed at most once per MinInterval and held between
// recomputes.
type EncoderSpeedEstimator struct {
	distPerPulse float64
	minInterval  time.Duration

	seeded         bool
	prevFL, prevFR int64
	last           time.Time
	speed          float64

	resets *monitoring.Limiter
}

// NewEncoderSpeedEstimator returns an estimator for the given wheel geometry.
func NewEncoderSpeedEstimator(cfg config.EncoderConfig) *EncoderSpeedEstimator {
	return &EncoderSpeedEstimator{
		distPerPulse: cfg.DistancePerPulse(),
		minInterval:  cfg.MinInterval,
		resets:       monitoring.NewLimiter("encoder", 5*time.Second),
	}
}

// Update returns the encoder longitudinal speed in m/s at time now, projected
// onto the vehicle axis with the front steering angle (radians).
//
// The first call only records the baseline counts and returns 0. A counter
// that moved backwards contributes zero speed for that interval and becomes
// the new baseline.
func (e *EncoderSpeedEstimator) Update(s sensors.EncoderSample, steeringAngle float64, now time.Time) float64 {
	if !e.seeded {
		e.seeded = true
		e.prevFL, e.prevFR = s.CountFL, s.CountFR
		e.last = now
		e.speed = 0
		return 0
	}

	elapsed := now.Sub(e.last)
	if elapsed < e.minInterval || elapsed <= 0 {
		return e.speed
	}

	dFL := s.CountFL - e.prevFL
	dFR := s.CountFR - e.prevFR
	if dFL < 0 || dFR < 0 {
		e.resets.Logf("counter decreased (FL %d -> %d, FR %d -> %d), rebaselining",
			e.prevFL, s.CountFL, e.prevFR, s.CountFR)
		dFL = max(dFL, 0)
		dFR = max(dFR, 0)
	}

	secs := elapsed.Seconds()
	vFL := float64(dFL) * e.distPerPulse / secs
	vFR := float64(dFR) * e.distPerPulse / secs
	e.speed = (vFL + vFR) / 2 * math.Cos(steeringAngle)

	e.prevFL, e.prevFR = s.CountFL, s.CountFR
	e.last = now
	return e.speed
}

// Speed returns the last computed speed.
func (e *EncoderSpeedEstimator) Speed() float64 {
	return e.speed
}
