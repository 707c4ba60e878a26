package estimation

import (
	"math"

	"github.com/banshee-data/vehicle-state/internal/config"
)

// TireModel maps the slip angle of an axle (radians) and its normal load (N)
// to the lateral force it produces (N). Forces oppose the slip.
type TireModel interface {
	LateralForce(slip, normalLoad float64) float64
}

// MagicFormula is the simplified Pacejka curve
//
//	F_y = -mu·F_z·sin(C·atan(B·α))
type MagicFormula struct {
	B, C, Mu float64
}

// NewMagicFormula returns the magic formula tire for the given coefficients.
func NewMagicFormula(c config.TireCoefficients) MagicFormula {
	return MagicFormula{B: c.B, C: c.C, Mu: c.Mu}
}

// LateralForce implements TireModel.
func (t MagicFormula) LateralForce(slip, normalLoad float64) float64 {
	return -t.Mu * normalLoad * math.Sin(t.C*math.Atan(t.B*slip))
}

// LinearSaturated is a piecewise linear tire: constant cornering stiffness up
// to the friction limit, flat beyond it. Its curve has a kink at the
// saturation slip, where the filter's finite difference Jacobian reports a
// secant slope.
type LinearSaturated struct {
	// Stiffness is the normalised cornering stiffness, 1/rad.
	Stiffness float64
	Mu        float64
}

// NewLinearSaturated returns the linear tire whose small-slip slope matches
// the magic formula with the same coefficients.
func NewLinearSaturated(c config.TireCoefficients) LinearSaturated {
	return LinearSaturated{Stiffness: c.B * c.C, Mu: c.Mu}
}

// LateralForce implements TireModel.
func (t LinearSaturated) LateralForce(slip, normalLoad float64) float64 {
	x := t.Stiffness * slip
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	return -t.Mu * normalLoad * x
}
