package estimation

import (
	"errors"
	"time"

	"github.com/banshee-data/vehicle-state/internal/config"
	"github.com/banshee-data/vehicle-state/internal/monitoring"
	"github.com/banshee-data/vehicle-state/internal/sensors"
)

// Options configures an Estimator.
type Options struct {
	Vehicle  config.VehicleParameters
	Filter   config.FilterTuning
	Encoder  config.EncoderConfig
	Steering sensors.SteeringMap

	// Tire models. Nil selects the magic formula built from the vehicle's
	// tire coefficients.
	FrontTire TireModel
	RearTire  TireModel

	// Dt is the nominal loop period used for every integration step.
	Dt time.Duration
}

// Estimator owns the full per-tick estimation state. It is not safe for
// concurrent use; the estimation loop is its only caller.
type Estimator struct {
	vehicle  config.VehicleParameters
	gain     float64
	steering sensors.SteeringMap
	dt       float64

	encoder *EncoderSpeedEstimator
	filter  *DynamicFilter

	kin     KinematicState
	started bool
	start   time.Time

	nonFinite *monitoring.Limiter
}

// NewEstimator validates opts and returns an estimator in its initial state.
func NewEstimator(opts Options) (*Estimator, error) {
	if opts.Dt <= 0 {
		return nil, errors.New("estimator: loop period must be positive")
	}
	if opts.Vehicle.Mass <= 0 || opts.Vehicle.YawInertia <= 0 || opts.Vehicle.Wheelbase() <= 0 {
		return nil, errors.New("estimator: vehicle parameters must be positive")
	}
	if opts.Steering == nil {
		return nil, errors.New("estimator: steering map is required")
	}
	front, rear := opts.FrontTire, opts.RearTire
	if front == nil {
		front = NewMagicFormula(opts.Vehicle.FrontTire)
	}
	if rear == nil {
		rear = NewMagicFormula(opts.Vehicle.RearTire)
	}

	model := NewBicycleModel(opts.Vehicle, front, rear)
	return &Estimator{
		vehicle:   opts.Vehicle,
		gain:      opts.Filter.ObserverGain,
		steering:  opts.Steering,
		dt:        opts.Dt.Seconds(),
		encoder:   NewEncoderSpeedEstimator(opts.Encoder),
		filter:    NewDynamicFilter(model, opts.Filter),
		nonFinite: monitoring.NewLimiter("observer", 5*time.Second),
	}, nil
}

// NewEstimatorFromConfig builds an estimator from a validated configuration.
func NewEstimatorFromConfig(cfg *config.EstimatorConfig) (*Estimator, error) {
	return NewEstimator(Options{
		Vehicle:  cfg.Vehicle(),
		Filter:   cfg.Filter(),
		Encoder:  cfg.Encoder(),
		Steering: sensors.SteeringMapFromConfig(cfg.Actuation()),
		Dt:       cfg.GetLoopPeriod(),
	})
}

// Step runs one estimation tick on snap at time now. The observer runs first;
// the dynamic filter consumes its longitudinal speed.
func (e *Estimator) Step(snap sensors.Snapshot, now time.Time) (Estimate, Record) {
	if !e.started {
		e.started = true
		e.start = now
	}

	steer := e.steering(snap.Actuator.Steering)
	ax, ay := TransformToCoG(snap.Imu, e.vehicle.DistanceFront)

	// Until the first encoder packet arrives there are no counts to
	// difference against.
	vxEnc := 0.0
	if !snap.Encoder.Received.IsZero() {
		vxEnc = e.encoder.Update(snap.Encoder, steer, now)
	}

	next := ObserverStep(e.kin, snap.Imu.WZ, ax, ay, vxEnc, e.gain, e.dt)
	if next.finite() {
		e.kin = next
	} else {
		e.nonFinite.Logf("non-finite observer output %+v, holding %+v", next, e.kin)
	}

	dyn := e.filter.Step(e.kin.VX, steer, snap.Imu.WZ, e.dt)

	est := Estimate{
		Time:      now,
		VX:        e.kin.VX,
		VY:        e.kin.VY,
		YawRate:   dyn.YawRate,
		SlipAngle: dyn.Beta,
		Mode:      e.filter.Mode(),
	}
	imu := snap.Imu
	rec := Record{
		T:    now.Sub(e.start).Seconds(),
		Roll: imu.Roll, Pitch: imu.Pitch, Yaw: imu.Yaw,
		WX: imu.WX, WY: imu.WY, WZ: imu.WZ,
		AX: imu.AX, AY: imu.AY, AZ: imu.AZ,
		CountFL:       snap.Encoder.CountFL,
		CountFR:       snap.Encoder.CountFR,
		Drive:         snap.Actuator.Drive,
		Steering:      snap.Actuator.Steering,
		SteeringAngle: steer,
		VX:            est.VX,
		VY:            est.VY,
		YawRate:       est.YawRate,
	}
	return est, rec
}

// Kinematic returns the observer state.
func (e *Estimator) Kinematic() KinematicState { return e.kin }

// Dynamic returns the dynamic filter state.
func (e *Estimator) Dynamic() DynamicState { return e.filter.State() }

// Mode returns the dynamic filter's activation state.
func (e *Estimator) Mode() FilterMode { return e.filter.Mode() }

// FilterSkips returns the number of filter updates rejected by the numeric
// guard.
func (e *Estimator) FilterSkips() uint64 { return e.filter.Skipped() }

// EncoderSpeed returns the last encoder speed.
func (e *Estimator) EncoderSpeed() float64 { return e.encoder.Speed() }
