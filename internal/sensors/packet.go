package sensors

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrUnknownPacket is returned by ParseLine for a well-formed JSON object
// that carries none of the known sensor keys.
var ErrUnknownPacket = errors.New("unknown sensor packet")

// Packet kinds reported by ParseLine.
const (
	PacketImu      = "imu"
	PacketEncoder  = "enc"
	PacketActuator = "ecu"
)

// Packet is a decoded sensor line. Exactly one of the pointers is set,
// matching Kind.
type Packet struct {
	Kind     string
	Imu      *ImuSample
	Encoder  *EncoderSample
	Actuator *ActuatorCommand
}

type wireLine struct {
	Imu []float64 `json:"imu"`
	Enc []float64 `json:"enc"`
	Ecu []float64 `json:"ecu"`
}

// ParseLine decodes one line of the sensor board protocol:
//
//	{"imu":[roll,pitch,yaw,wx,wy,wz,ax,ay,az]}
//	{"enc":[n_FL,n_FR]}
//	{"ecu":[steering,drive]}
func ParseLine(line []byte) (Packet, error) {
	var w wireLine
	if err := json.Unmarshal(line, &w); err != nil {
		return Packet{}, fmt.Errorf("failed to decode sensor line: %w", err)
	}

	switch {
	case w.Imu != nil:
		if err := checkValues(PacketImu, w.Imu, 9); err != nil {
			return Packet{}, err
		}
		v := w.Imu
		return Packet{Kind: PacketImu, Imu: &ImuSample{
			Roll: v[0], Pitch: v[1], Yaw: v[2],
			WX: v[3], WY: v[4], WZ: v[5],
			AX: v[6], AY: v[7], AZ: v[8],
		}}, nil
	case w.Enc != nil:
		if err := checkValues(PacketEncoder, w.Enc, 2); err != nil {
			return Packet{}, err
		}
		if err := checkCounts(w.Enc); err != nil {
			return Packet{}, err
		}
		return Packet{Kind: PacketEncoder, Encoder: &EncoderSample{
			CountFL: int64(w.Enc[0]),
			CountFR: int64(w.Enc[1]),
		}}, nil
	case w.Ecu != nil:
		if err := checkValues(PacketActuator, w.Ecu, 2); err != nil {
			return Packet{}, err
		}
		return Packet{Kind: PacketActuator, Actuator: &ActuatorCommand{
			Steering: w.Ecu[0],
			Drive:    w.Ecu[1],
		}}, nil
	}
	return Packet{}, ErrUnknownPacket
}

func checkValues(kind string, v []float64, want int) error {
	if len(v) != want {
		return fmt.Errorf("%s packet: expected %d values, got %d", kind, want, len(v))
	}
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%s packet: value %d is not finite", kind, i)
		}
	}
	return nil
}

// checkCounts requires whole pulse counts that fit in an int64.
func checkCounts(v []float64) error {
	for i, x := range v {
		if x != math.Trunc(x) {
			return fmt.Errorf("%s packet: count %d is not an integer: %v", PacketEncoder, i, x)
		}
		if x < math.MinInt64 || x >= math.MaxInt64 {
			return fmt.Errorf("%s packet: count %d out of range: %v", PacketEncoder, i, x)
		}
	}
	return nil
}

// Apply stores the packet's sample in the cache.
func (p Packet) Apply(c *Cache) {
	switch {
	case p.Imu != nil:
		c.UpdateImu(*p.Imu)
	case p.Encoder != nil:
		c.UpdateEncoder(*p.Encoder)
	case p.Actuator != nil:
		c.UpdateActuator(*p.Actuator)
	}
}

// EncodeImu renders s in the line protocol. Used by the mock sensor feed.
func EncodeImu(s ImuSample) []byte {
	b, _ := json.Marshal(wireLine{Imu: []float64{s.Roll, s.Pitch, s.Yaw, s.WX, s.WY, s.WZ, s.AX, s.AY, s.AZ}})
	return b
}

// EncodeEncoder renders s in the line protocol.
func EncodeEncoder(s EncoderSample) []byte {
	b, _ := json.Marshal(wireLine{Enc: []float64{float64(s.CountFL), float64(s.CountFR)}})
	return b
}

// EncodeActuator renders cmd in the line protocol.
func EncodeActuator(cmd ActuatorCommand) []byte {
	b, _ := json.Marshal(wireLine{Ecu: []float64{cmd.Steering, cmd.Drive}})
	return b
}
