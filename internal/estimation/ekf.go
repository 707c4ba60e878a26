package estimation

import (
	"math"
	"time"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/vehicle-state/internal/config"
	"github.com/banshee-data/vehicle-state/internal/monitoring"
)

// MinInnovationVariance is the smallest innovation variance S for which the
// measurement update is applied.
const MinInnovationVariance = 1e-9

// FilterMode is the dynamic filter's activation state.
type FilterMode int

const (
	// FilterInactive holds the dynamic state frozen. The bicycle model is
	// singular at v_x = 0 and ill-conditioned at low speed.
	FilterInactive FilterMode = iota
	// FilterActive runs a predict/update cycle every tick.
	FilterActive
)

func (m FilterMode) String() string {
	switch m {
	case FilterInactive:
		return "inactive"
	case FilterActive:
		return "active"
	default:
		return "unknown"
	}
}

// DynamicState is the filter state: body slip angle β (rad), yaw rate r
// (rad/s) and their 2x2 covariance P, stored row-major.
type DynamicState struct {
	Beta    float64
	YawRate float64
	P       [4]float64
}

// InitialDynamicState is the state before the first activation: zero slip and
// yaw rate with identity covariance.
func InitialDynamicState() DynamicState {
	return DynamicState{P: [4]float64{1, 0, 0, 1}}
}

func (s DynamicState) finite() bool {
	for _, v := range [...]float64{s.Beta, s.YawRate, s.P[0], s.P[1], s.P[2], s.P[3]} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// DynamicFilter is an extended Kalman filter over the bicycle model, gated on
// longitudinal speed. While Inactive its state is neither predicted nor reset;
// it resumes from the frozen values when speed rises again.
type DynamicFilter struct {
	model *BicycleModel
	q2    float64 // process noise variance
	r2    float64 // yaw-rate measurement noise variance
	minVX float64

	mode    FilterMode
	state   DynamicState
	skipped uint64

	jac     *mat.Dense
	skipLog *monitoring.Limiter
}

// NewDynamicFilter returns an Inactive filter in the initial state.
func NewDynamicFilter(model *BicycleModel, tuning config.FilterTuning) *DynamicFilter {
	return &DynamicFilter{
		model:   model,
		q2:      tuning.ProcessNoise * tuning.ProcessNoise,
		r2:      tuning.MeasurementNoise * tuning.MeasurementNoise,
		minVX:   tuning.MinVelocity,
		mode:    FilterInactive,
		state:   InitialDynamicState(),
		jac:     mat.NewDense(2, 2, nil),
		skipLog: monitoring.NewLimiter("ekf", 5*time.Second),
	}
}

// Mode returns the current activation state.
func (f *DynamicFilter) Mode() FilterMode { return f.mode }

// State returns the current dynamic state.
func (f *DynamicFilter) State() DynamicState { return f.state }

// Skipped returns the number of updates discarded by the numeric guard.
func (f *DynamicFilter) Skipped() uint64 { return f.skipped }

// Step advances the filter by one tick. vx is the observer's longitudinal
// speed, steer the front steering angle and yawRate the measured IMU yaw rate.
// It returns the state after the tick, which is the unchanged state when the
// filter is Inactive or the update was rejected.
func (f *DynamicFilter) Step(vx, steer, yawRate, dt float64) DynamicState {
	active := vx > f.minVX
	switch {
	case active && f.mode == FilterInactive:
		f.mode = FilterActive
		monitoring.Logf("[ekf] %s -> %s at v_x=%.3f m/s", FilterInactive, FilterActive, vx)
	case !active && f.mode == FilterActive:
		f.mode = FilterInactive
		monitoring.Logf("[ekf] %s -> %s at v_x=%.3f m/s", FilterActive, FilterInactive, vx)
	}
	if f.mode == FilterInactive {
		return f.state
	}

	next, ok := f.predictUpdate(vx, steer, yawRate, dt)
	if !ok {
		f.skipped++
		f.skipLog.Logf("update skipped (total %d)", f.skipped)
		return f.state
	}
	f.state = next
	return f.state
}

// predictUpdate runs one EKF cycle on temporaries. It reports false when the
// innovation variance is degenerate or any result is non-finite.
func (f *DynamicFilter) predictUpdate(vx, steer, yawRate, dt float64) (DynamicState, bool) {
	z := []float64{f.state.Beta, f.state.YawRate}
	process := func(y, x []float64) {
		f.model.Propagate(y, x, steer, vx, dt)
	}

	// Predict: z⁻ = f(z), P⁻ = F·P·Fᵀ + Q
	zPred := make([]float64, 2)
	process(zPred, z)

	fd.Jacobian(f.jac, process, z, &fd.JacobianSettings{
		Formula: fd.Central,
	})

	p := mat.NewDense(2, 2, f.state.P[:])
	var fp, pPred mat.Dense
	fp.Mul(f.jac, p)
	pPred.Mul(&fp, f.jac.T())
	pPred.Set(0, 0, pPred.At(0, 0)+f.q2)
	pPred.Set(1, 1, pPred.At(1, 1)+f.q2)

	// Update with h(z) = r, H = [0 1]
	h := mat.NewDense(1, 2, []float64{0, 1})
	s := pPred.At(1, 1) + f.r2
	if !(s > MinInnovationVariance) || math.IsInf(s, 0) {
		return DynamicState{}, false
	}
	k := mat.NewDense(2, 1, []float64{pPred.At(0, 1) / s, pPred.At(1, 1) / s})
	innovation := yawRate - zPred[1]

	next := DynamicState{
		Beta:    zPred[0] + k.At(0, 0)*innovation,
		YawRate: zPred[1] + k.At(1, 0)*innovation,
	}

	// Joseph form: P = (I − K·H)·P⁻·(I − K·H)ᵀ + K·R·Kᵀ
	var kh, a mat.Dense
	kh.Mul(k, h)
	a.Sub(eye2, &kh)

	var ap, apa mat.Dense
	ap.Mul(&a, &pPred)
	apa.Mul(&ap, a.T())

	var krk mat.Dense
	krk.Mul(k, k.T())
	krk.Scale(f.r2, &krk)

	var pNext mat.Dense
	pNext.Add(&apa, &krk)

	// Symmetrise against rounding.
	off := (pNext.At(0, 1) + pNext.At(1, 0)) / 2
	next.P = [4]float64{pNext.At(0, 0), off, off, pNext.At(1, 1)}

	if !next.finite() {
		return DynamicState{}, false
	}
	return next, true
}

var eye2 = mat.NewDiagDense(2, []float64{1, 1})
