// Package sensors holds the latest IMU, encoder and actuator measurements
// delivered by the vehicle's sensor callbacks, and the line protocol they
// arrive in.
package sensors

import "time"

// ImuSample is one reading from the inertial measurement unit, mounted on the
// front axle. Angles are in radians, rates in rad/s and accelerations in m/s².
type ImuSample struct {
	Roll, Pitch, Yaw float64
	WX, WY, WZ       float64
	AX, AY, AZ       float64

	Received time.Time
}

// EncoderSample holds the cumulative magnet pulse counts of the two front
// wheels.
type EncoderSample struct {
	CountFL int64
	CountFR int64

	Received time.Time
}

// ActuatorCommand is the last command sent to the drive motor and steering
// servo, in actuation units.
type ActuatorCommand struct {
	Steering float64
	Drive    float64

	Received time.Time
}

// Snapshot is a point-in-time copy of the cache. Each field is the latest
// value of its own stream; fields are not mutually consistent in time.
type Snapshot struct {
	Imu      ImuSample
	Encoder  EncoderSample
	Actuator ActuatorCommand
}
