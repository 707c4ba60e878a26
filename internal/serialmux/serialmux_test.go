package serialmux

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/vehicle-state/internal/estimation"
	"github.com/banshee-data/vehicle-state/internal/sensors"
	"github.com/banshee-data/vehicle-state/internal/timeutil"
)

// pipePort is a SerialPorter backed by an io.Pipe for reads and a buffer for
// writes.
type pipePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu       sync.Mutex
	written  strings.Builder
	writeErr error
	closed   bool
}

func newPipePort() *pipePort {
	r, w := io.Pipe()
	return &pipePort{r: r, w: w}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.written.Write(b)
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.w.Close()
}

func (p *pipePort) feed(t *testing.T, lines ...string) {
	t.Helper()
	go func() {
		for _, l := range lines {
			if _, err := p.w.Write([]byte(l + "\n")); err != nil {
				return
			}
		}
	}()
}

func (p *pipePort) writtenString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func recv(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case l := <-ch:
		return l
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

func TestMonitorFansOutToSubscribers(t *testing.T) {
	port := newPipePort()
	mux := NewSerialMux(port)
	_, a := mux.Subscribe()
	_, b := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	port.feed(t, `{"enc":[1,2]}`, "", `  {"imu":[0,0,0,0,0,0,0,0,0]}  `)
	assert.Equal(t, `{"enc":[1,2]}`, recv(t, a))
	assert.Equal(t, `{"enc":[1,2]}`, recv(t, b))
	assert.Equal(t, `{"imu":[0,0,0,0,0,0,0,0,0]}`, recv(t, a), "blank lines skipped and whitespace trimmed")

	lines, _ := mux.Stats()
	assert.GreaterOrEqual(t, lines, uint64(2))
}

func TestMonitorReturnsOnEOFAndCancel(t *testing.T) {
	port := newPipePort()
	mux := NewSerialMux(port)
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()
	port.w.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return on EOF")
	}

	port = newPipePort()
	mux = NewSerialMux(port)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- mux.Monitor(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Monitor did not return on cancel")
	}
}

func TestSlowSubscriberDropsLines(t *testing.T) {
	port := newPipePort()
	mux := NewSerialMux(port)
	mux.Subscribe() // never read

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)

	lines := make([]string, subscriberBuffer+10)
	for i := range lines {
		lines[i] = `{"enc":[1,1]}`
	}
	port.feed(t, lines...)
	require.Eventually(t, func() bool {
		_, dropped := mux.Stats()
		return dropped == 10
	}, time.Second, time.Millisecond)
}

func TestSendCommandAppendsNewline(t *testing.T) {
	port := newPipePort()
	mux := NewSerialMux(port)
	require.NoError(t, mux.SendCommand("S+imu"))
	require.NoError(t, mux.SendCommand("S+enc\n"))
	assert.Equal(t, "S+imu\nS+enc\n", port.writtenString())

	port.writeErr = errors.New("unplugged")
	assert.Error(t, mux.SendCommand("x"))
}

func TestInitializeSyncsClockAndEnablesStreams(t *testing.T) {
	port := newPipePort()
	mux := NewSerialMux(port)
	require.NoError(t, mux.Initialize())

	lines := strings.Split(strings.TrimSpace(port.writtenString()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "C="))
	assert.Equal(t, []string{"S+imu", "S+enc", "S+ecu"}, lines[1:])
}

func TestCloseClosesSubscribers(t *testing.T) {
	port := newPipePort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()
	require.NoError(t, mux.Close())
	_, ok := <-ch
	assert.False(t, ok)
	assert.True(t, port.closed)
}

func TestClassifyPayload(t *testing.T) {
	tests := map[string]string{
		`{"imu":[1,2,3]}`:    EventTypeImu,
		` { "enc":[1,2]}`:    EventTypeEncoder,
		`{"ecu":[90,1500]}`:  EventTypeActuator,
		`{"state":[1,2,3]}`:  EventTypeUnknown,
		`boot ok`:            EventTypeUnknown,
		`{"note":"has imu"}`: EventTypeUnknown,
	}
	for payload, want := range tests {
		assert.Equal(t, want, ClassifyPayload(payload), payload)
	}
}

func TestHandleEvent(t *testing.T) {
	cache := sensors.NewCache(timeutil.NewMockClock(time.Unix(0, 0)))
	require.NoError(t, HandleEvent(cache, `{"enc":[10,12]}`))
	require.NoError(t, HandleEvent(cache, `{"ecu":[95,1600]}`))
	snap := cache.Snapshot()
	assert.Equal(t, int64(12), snap.Encoder.CountFR)
	assert.Equal(t, 95.0, snap.Actuator.Steering)

	err := HandleEvent(cache, "garbage")
	assert.ErrorIs(t, err, sensors.ErrUnknownPacket)

	err = HandleEvent(cache, `{"imu":[1]}`)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, sensors.ErrUnknownPacket)
}

func TestFeedWithSimulatedDrive(t *testing.T) {
	mux := NewMockSerialMux(SimulatedDrive(20*time.Millisecond, 0.0319, 4), time.Millisecond)
	cache := sensors.NewCache(timeutil.RealClock{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mux.Monitor(ctx)
	go Feed(ctx, mux, cache)

	require.Eventually(t, func() bool {
		s := cache.Snapshot()
		return !s.Imu.Received.IsZero() && !s.Encoder.Received.IsZero() && !s.Actuator.Received.IsZero()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 9.81, cache.Snapshot().Imu.AZ)

	require.NoError(t, mux.Close())
}

func TestMockSerialMuxStreamEnds(t *testing.T) {
	mux := NewMockSerialMux(func(seq int) []byte {
		if seq >= 2 {
			return nil
		}
		return sensors.EncodeEncoder(sensors.EncoderSample{CountFL: int64(seq)})
	}, time.Millisecond)
	_, ch := mux.Subscribe()

	err := mux.Monitor(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, `{"enc":[0,0]}`, recv(t, ch))
	assert.Equal(t, `{"enc":[1,0]}`, recv(t, ch))
}

func TestStatePublisher(t *testing.T) {
	port := newPipePort()
	p := NewStatePublisher(NewSerialMux(port))
	p.PublishEstimate(estimation.Estimate{VX: 1.5, VY: -0.25, YawRate: 0.5})
	require.NoError(t, p.Close())
	assert.Equal(t, `{"state":[1.5,-0.25,0.5]}`+"\n", port.writtenString())

	port = newPipePort()
	port.writeErr = errors.New("unplugged")
	p = NewStatePublisher(NewSerialMux(port))
	p.PublishEstimate(estimation.Estimate{})
	require.NoError(t, p.Close())
	assert.Equal(t, uint64(1), p.Failures())

	// Publishing after close is a no-op.
	p.PublishEstimate(estimation.Estimate{})
	assert.Equal(t, uint64(1), p.Failures())
}

// stalledMux blocks every SendCommand until release is closed.
type stalledMux struct {
	*DisabledSerialMux
	release chan struct{}
	sent    atomic.Int32
}

func (m *stalledMux) SendCommand(string) error {
	<-m.release
	m.sent.Add(1)
	return nil
}

func TestStatePublisherDoesNotWaitOnPort(t *testing.T) {
	mux := &stalledMux{DisabledSerialMux: NewDisabledSerialMux(), release: make(chan struct{})}
	p := NewStatePublisher(mux)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3*stateQueueSize; i++ {
			p.PublishEstimate(estimation.Estimate{VX: float64(i)})
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		close(mux.release)
		t.Fatal("PublishEstimate blocked on a stalled port")
	}

	assert.GreaterOrEqual(t, p.Dropped(), uint64(stateQueueSize-1))
	close(mux.release)
	require.NoError(t, p.Close())
	assert.Equal(t, uint64(3*stateQueueSize), uint64(mux.sent.Load())+p.Dropped())
}

func TestAdminRoutes(t *testing.T) {
	port := newPipePort()
	mux := NewSerialMux(port)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	req := httptest.NewRequest(http.MethodPost, "/debug/send-command-api", strings.NewReader(url.Values{"command": {"S+imu"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "S+imu\n", port.writtenString())

	req = httptest.NewRequest(http.MethodGet, "/debug/send-command-api", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/debug/send-command", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lines=0 dropped=0")

	req = httptest.NewRequest(http.MethodGet, "/debug/tail.js", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "EventSource")
}

func TestDisabledSerialMux(t *testing.T) {
	d := NewDisabledSerialMux()
	var _ SerialMuxInterface = d
	id, ch := d.Subscribe()
	d.Unsubscribe(id)
	_, ok := <-ch
	assert.False(t, ok)

	_, ch = d.Subscribe()
	require.NoError(t, d.Close())
	_, ok = <-ch
	assert.False(t, ok)

	_, ch = d.Subscribe()
	_, ok = <-ch
	assert.False(t, ok, "subscribe after close returns a closed channel")
}

func TestPortOptions(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	mode, err := PortOptions{BaudRate: 57600, StopBits: 2, Parity: "even"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 57600, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.EvenParity}, mode)

	for _, bad := range []PortOptions{{DataBits: 9}, {StopBits: 3}, {Parity: "mark"}} {
		_, err := bad.Normalize()
		assert.Error(t, err, "%+v", bad)
	}
}
