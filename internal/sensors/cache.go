package sensors

import (
	"sync/atomic"

	"github.com/banshee-data/vehicle-state/internal/timeutil"
)

// Cache keeps the most recent sample of each sensor stream. Writers replace a
// whole sample atomically, so a reader never observes a half-written sample
// and never blocks a callback.
//
// Before the first update of a stream its Snapshot field is the zero value.
type Cache struct {
	clock timeutil.Clock

	imu      atomic.Pointer[ImuSample]
	encoder  atomic.Pointer[EncoderSample]
	actuator atomic.Pointer[ActuatorCommand]
}

// NewCache returns an empty cache that stamps samples with clock.
func NewCache(clock timeutil.Clock) *Cache {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Cache{clock: clock}
}

// UpdateImu stores s as the latest IMU sample.
func (c *Cache) UpdateImu(s ImuSample) {
	s.Received = c.clock.Now()
	c.imu.Store(&s)
}

// UpdateEncoder stores s as the latest encoder sample.
func (c *Cache) UpdateEncoder(s EncoderSample) {
	s.Received = c.clock.Now()
	c.encoder.Store(&s)
}

// UpdateActuator stores cmd as the latest actuator command.
func (c *Cache) UpdateActuator(cmd ActuatorCommand) {
	cmd.Received = c.clock.Now()
	c.actuator.Store(&cmd)
}

// Snapshot returns a copy of the latest value of every field.
func (c *Cache) Snapshot() Snapshot {
	var snap Snapshot
	if p := c.imu.Load(); p != nil {
		snap.Imu = *p
	}
	if p := c.encoder.Load(); p != nil {
		snap.Encoder = *p
	}
	if p := c.actuator.Load(); p != nil {
		snap.Actuator = *p
	}
	return snap
}
