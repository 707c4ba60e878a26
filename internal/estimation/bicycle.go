package estimation

import (
	"math"

	"github.com/banshee-data/vehicle-state/internal/config"
)

const gravity = 9.81 // m/s²

// BicycleModel is the single-track lateral dynamics model used by the dynamic
// filter. Its state is z = [β, r]: body slip angle and yaw rate.
type BicycleModel struct {
	a, b    float64 // CoG to front and rear axle, m
	mass    float64
	inertia float64

	front, rear TireModel
	fzF, fzR    float64 // static axle loads, N
}

// NewBicycleModel builds the model. Axle loads are the static distribution of
// the vehicle weight over the wheelbase.
func NewBicycleModel(v config.VehicleParameters, front, rear TireModel) *BicycleModel {
	l := v.Wheelbase()
	return &BicycleModel{
		a:       v.DistanceFront,
		b:       v.DistanceRear,
		mass:    v.Mass,
		inertia: v.YawInertia,
		front:   front,
		rear:    rear,
		fzF:     v.Mass * gravity * v.DistanceRear / l,
		fzR:     v.Mass * gravity * v.DistanceFront / l,
	}
}

// SlipAngles returns the front and rear axle slip angles.
func (m *BicycleModel) SlipAngles(beta, r, steer, vx float64) (front, rear float64) {
	front = math.Atan(beta+m.a*r/vx) - steer
	rear = math.Atan(beta - m.b*r/vx)
	return front, rear
}

// Propagate writes the state one explicit Euler step of length dt after z
// into dst. z is not modified. vx must be non-zero; the filter only runs
// above its minimum velocity.
func (m *BicycleModel) Propagate(dst, z []float64, steer, vx, dt float64) {
	beta, r := z[0], z[1]
	alphaF, alphaR := m.SlipAngles(beta, r, steer, vx)
	fyF := m.front.LateralForce(alphaF, m.fzF)
	fyR := m.rear.LateralForce(alphaR, m.fzR)
	cosd := math.Cos(steer)

	dst[0] = beta + dt*(-r+(fyF*cosd+fyR)/(m.mass*vx))
	dst[1] = r + dt*(m.a*fyF*cosd-m.b*fyR)/m.inertia
}
