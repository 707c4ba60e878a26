package serialmux

import (
	"bytes"
	"io"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/vehicle-state/internal/sensors"
)

// MockSerialPort is a SerialPorter whose reads come from a generator
// goroutine and whose writes are captured in memory.
type MockSerialPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer

	stop     chan struct{}
	stopOnce sync.Once
}

func (m *MockSerialPort) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *MockSerialPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.Write(p)
}

// Close stops the generator and unblocks readers with io.EOF.
func (m *MockSerialPort) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return m.w.Close()
}

// Written returns everything written to the port so far.
func (m *MockSerialPort) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.String()
}

// NewMockSerialMux returns a mux fed by gen, called with an increasing
// sequence number every interval. A nil line from gen ends the stream.
func NewMockSerialMux(gen func(seq int) []byte, interval time.Duration) *SerialMux[*MockSerialPort] {
	r, w := io.Pipe()
	port := &MockSerialPort{r: r, w: w, stop: make(chan struct{})}

	go func() {
		defer w.Close()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for seq := 0; ; seq++ {
			select {
			case <-port.stop:
				return
			case <-ticker.C:
			}
			line := gen(seq)
			if line == nil {
				return
			}
			if !bytes.HasSuffix(line, []byte("\n")) {
				line = append(line, '\n')
			}
			if _, err := w.Write(line); err != nil {
				return
			}
		}
	}()

	return NewSerialMux(port)
}

// SimulatedDrive generates sensor lines for a vehicle that accelerates to
// cruise speed and then weaves gently, for running without hardware. Each
// sequence number emits one line, cycling IMU, encoder and actuator.
func SimulatedDrive(period time.Duration, tireRadius float64, magnets int) func(seq int) []byte {
	const (
		accel  = 0.8 // m/s²
		cruise = 2.5 // m/s
	)
	distPerPulse := 2 * math.Pi * tireRadius / float64(magnets)
	var dist float64

	return func(seq int) []byte {
		t := float64(seq) * period.Seconds()
		v := math.Min(accel*t, cruise)
		a := accel
		if v >= cruise {
			a = 0
		}
		steerAct := 90.0
		wz := 0.0
		if v >= cruise {
			steerAct = 90 + 10*math.Sin(0.5*t)
			wz = v * (steerAct - 90) * 0.5 * math.Pi / 180 / 0.25
		}
		dist += v * period.Seconds()

		switch seq % 3 {
		case 0:
			return sensors.EncodeImu(sensors.ImuSample{
				WZ: wz,
				AX: a,
				AY: v * wz,
				AZ: 9.81,
			})
		case 1:
			n := int64(dist / distPerPulse)
			return sensors.EncodeEncoder(sensors.EncoderSample{CountFL: n, CountFR: n})
		default:
			return sensors.EncodeActuator(sensors.ActuatorCommand{Steering: steerAct, Drive: 1500 + 40*v})
		}
	}
}
