package estimation

import "time"

// Estimate is the per-tick output published to downstream consumers.
type Estimate struct {
	Time      time.Time
	VX        float64 // m/s
	VY        float64 // m/s
	YawRate   float64 // rad/s, from the dynamic filter
	SlipAngle float64 // rad
	Mode      FilterMode
}

// RecordColumns names the values returned by Record.Values, in order.
var RecordColumns = []string{
	"t",
	"roll", "pitch", "yaw",
	"w_x", "w_y", "w_z",
	"a_x", "a_y", "a_z",
	"n_FL", "n_FR",
	"motor_pwm", "servo_pwm", "d_f",
	"vhat_x", "vhat_y", "what_z",
}

// Record is one row of the run log: the raw inputs of a tick alongside the
// resulting estimate.
type Record struct {
	T float64 // seconds since the first tick

	Roll, Pitch, Yaw float64
	WX, WY, WZ       float64
	AX, AY, AZ       float64

	CountFL, CountFR int64

	Drive         float64 // motor actuation
	Steering      float64 // servo actuation
	SteeringAngle float64 // δ, rad

	VX, VY, YawRate float64
}

// Values returns the record fields in RecordColumns order.
func (r Record) Values() []float64 {
	return []float64{
		r.T,
		r.Roll, r.Pitch, r.Yaw,
		r.WX, r.WY, r.WZ,
		r.AX, r.AY, r.AZ,
		float64(r.CountFL), float64(r.CountFR),
		r.Drive, r.Steering, r.SteeringAngle,
		r.VX, r.VY, r.YawRate,
	}
}

// RecordFromValues is the inverse of Record.Values. It reports false if vals
// does not hold one value per column.
func RecordFromValues(vals []float64) (Record, bool) {
	if len(vals) != len(RecordColumns) {
		return Record{}, false
	}
	return Record{
		T:    vals[0],
		Roll: vals[1], Pitch: vals[2], Yaw: vals[3],
		WX: vals[4], WY: vals[5], WZ: vals[6],
		AX: vals[7], AY: vals[8], AZ: vals[9],
		CountFL:       int64(vals[10]),
		CountFR:       int64(vals[11]),
		Drive:         vals[12],
		Steering:      vals[13],
		SteeringAngle: vals[14],
		VX:            vals[15],
		VY:            vals[16],
		YawRate:       vals[17],
	}, true
}
