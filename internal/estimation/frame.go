// Package estimation turns raw IMU, encoder and actuator measurements into an
// estimate of the vehicle's planar motion: longitudinal and lateral velocity,
// yaw rate and body slip angle.
//
// A Luenberger observer integrates the CoG accelerations and is corrected by
// the wheel encoder speed. Above a configurable speed an extended Kalman
// filter on a nonlinear bicycle model additionally tracks slip angle and yaw
// rate from the IMU yaw-rate measurement.
package estimation

import "github.com/banshee-data/vehicle-state/internal/sensors"

// TransformToCoG converts the accelerations measured by an IMU mounted
// distanceFront metres ahead of the centre of gravity into CoG accelerations.
//
// Only the longitudinal channel is corrected for the centripetal term:
//
//	a_x = a_x_imu + L_a·w_z²
//	a_y = a_y_imu
//
// The yaw rate is the IMU's own measurement from the same sample.
func TransformToCoG(imu sensors.ImuSample, distanceFront float64) (ax, ay float64) {
	ax = imu.AX + distanceFront*imu.WZ*imu.WZ
	ay = imu.AY
	return ax, ay
}
