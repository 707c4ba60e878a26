package estimation

import "math"

// KinematicState is the observer's velocity estimate in the body frame, m/s.
type KinematicState struct {
	VX float64
	VY float64
}

func (s KinematicState) finite() bool {
	return !math.IsNaN(s.VX) && !math.IsInf(s.VX, 0) &&
		!math.IsNaN(s.VY) && !math.IsInf(s.VY, 0)
}

// ObserverStep advances the kinematic observer by one explicit Euler step of
// length dt. The longitudinal channel is pulled towards the encoder speed with
// the given gain; the lateral channel is open loop.
//
//	v_x += dt·(a_x + w_z·v_y + gain·(v_x_enc − v_x))
//	v_y += dt·(a_y − w_z·v_x)
//
// Both updates use the previous state.
func ObserverStep(s KinematicState, wz, ax, ay, vxEnc, gain, dt float64) KinematicState {
	return KinematicState{
		VX: s.VX + dt*(ax+wz*s.VY+gain*(vxEnc-s.VX)),
		VY: s.VY + dt*(ay-wz*s.VX),
	}
}
