package sensors

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vehicle-state/internal/timeutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCacheEmptySnapshotIsZero(t *testing.T) {
	c := NewCache(timeutil.NewMockClock(t0))
	assert.Equal(t, Snapshot{}, c.Snapshot())
}

func TestCacheLastWriteWinsPerField(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	c := NewCache(clock)

	c.UpdateImu(ImuSample{WZ: 0.1})
	clock.Advance(10 * time.Millisecond)
	c.UpdateImu(ImuSample{WZ: 0.2, AX: 1})
	c.UpdateEncoder(EncoderSample{CountFL: 3, CountFR: 4})

	snap := c.Snapshot()
	want := Snapshot{
		Imu:     ImuSample{WZ: 0.2, AX: 1, Received: t0.Add(10 * time.Millisecond)},
		Encoder: EncoderSample{CountFL: 3, CountFR: 4, Received: t0.Add(10 * time.Millisecond)},
	}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}

	// Snapshots are copies.
	snap.Imu.WZ = 99
	assert.Equal(t, 0.2, c.Snapshot().Imu.WZ)
}

func TestCacheConcurrentWriters(t *testing.T) {
	c := NewCache(timeutil.RealClock{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 500; n++ {
				v := float64(n)
				c.UpdateImu(ImuSample{AX: v, AY: v})
				c.UpdateEncoder(EncoderSample{CountFL: int64(n), CountFR: int64(n)})
				c.UpdateActuator(ActuatorCommand{Steering: v, Drive: v})
			}
		}(i)
	}
	done := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-done:
				return
			default:
			}
			s := c.Snapshot()
			// A sample is never torn between two writes.
			if s.Imu.AX != s.Imu.AY || s.Encoder.CountFL != s.Encoder.CountFR || s.Actuator.Steering != s.Actuator.Drive {
				t.Errorf("torn snapshot: %+v", s)
				return
			}
		}
	}()
	wg.Wait()
	close(done)
	<-readerDone
}

func TestLinearSteeringMap(t *testing.T) {
	m := LinearSteeringMap(90, 0.5)
	assert.Equal(t, 0.0, m(90))
	assert.InDelta(t, 10*0.5*math.Pi/180, m(100), 1e-12)
	assert.InDelta(t, -10*0.5*math.Pi/180, m(80), 1e-12)
	assert.Less(t, m(95), m(96), "map must be monotonic")
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Packet
	}{
		{
			name: "imu",
			line: `{"imu":[0.1,0.2,0.3,0.4,0.5,0.6,0.7,0.8,9.81]}`,
			want: Packet{Kind: PacketImu, Imu: &ImuSample{
				Roll: 0.1, Pitch: 0.2, Yaw: 0.3, WX: 0.4, WY: 0.5, WZ: 0.6, AX: 0.7, AY: 0.8, AZ: 9.81,
			}},
		},
		{
			name: "encoder",
			line: `{"enc":[120,118]}`,
			want: Packet{Kind: PacketEncoder, Encoder: &EncoderSample{CountFL: 120, CountFR: 118}},
		},
		{
			name: "actuator",
			line: `{"ecu":[95,1600]}`,
			want: Packet{Kind: PacketActuator, Actuator: &ActuatorCommand{Steering: 95, Drive: 1600}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLine([]byte(tt.line))
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseLine() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseLineErrors(t *testing.T) {
	_, err := ParseLine([]byte(`{"gps":[1,2]}`))
	assert.True(t, errors.Is(err, ErrUnknownPacket))

	_, err = ParseLine([]byte(`{"imu":[1,2,3]}`))
	assert.Error(t, err)

	_, err = ParseLine([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseLineEncoderCounts(t *testing.T) {
	for _, line := range []string{
		`{"enc":[12.5,3]}`,
		`{"enc":[3,-0.25]}`,
		`{"enc":[1e19,0]}`,
		`{"enc":[0,-1e19]}`,
		`{"enc":[9223372036854775808,0]}`,
	} {
		_, err := ParseLine([]byte(line))
		assert.Error(t, err, line)
		assert.False(t, errors.Is(err, ErrUnknownPacket), line)
	}

	p, err := ParseLine([]byte(`{"enc":[4096,-2]}`))
	require.NoError(t, err)
	assert.Equal(t, EncoderSample{CountFL: 4096, CountFR: -2}, *p.Encoder)
}

func TestEncodeRoundTripThroughCache(t *testing.T) {
	c := NewCache(timeutil.NewMockClock(t0))
	for _, line := range [][]byte{
		EncodeImu(ImuSample{WZ: 0.25, AX: 1.5}),
		EncodeEncoder(EncoderSample{CountFL: 7, CountFR: 9}),
		EncodeActuator(ActuatorCommand{Steering: 100, Drive: 1500}),
	} {
		p, err := ParseLine(line)
		require.NoError(t, err)
		p.Apply(c)
	}
	snap := c.Snapshot()
	assert.Equal(t, 0.25, snap.Imu.WZ)
	assert.Equal(t, int64(9), snap.Encoder.CountFR)
	assert.Equal(t, 1500.0, snap.Actuator.Drive)
}
