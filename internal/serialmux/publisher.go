package serialmux

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/vehicle-state/internal/estimation"
	"github.com/banshee-data/vehicle-state/internal/monitoring"
)

// stateQueueSize bounds the state lines waiting for the serial port.
const stateQueueSize = 8

// StatePublisher writes every estimate back to the sensor board as
// {"state":[v_x,v_y,w_z]} so the onboard controller can consume it. Writes
// happen on the publisher's own goroutine; when the port falls behind, new
// states are dropped.
type StatePublisher struct {
	mux    SerialMuxInterface
	queue  chan string
	done   chan struct{}
	errLog *monitoring.Limiter

	mu     sync.RWMutex
	closed bool

	fails   atomic.Uint64
	dropped atomic.Uint64
}

// NewStatePublisher starts a publisher writing to mux. Close stops it.
func NewStatePublisher(mux SerialMuxInterface) *StatePublisher {
	p := &StatePublisher{
		mux:    mux,
		queue:  make(chan string, stateQueueSize),
		done:   make(chan struct{}),
		errLog: monitoring.NewLimiter("serial", 10*time.Second),
	}
	go p.run()
	return p
}

type stateLine struct {
	State [3]float64 `json:"state"`
}

// PublishEstimate implements pipeline.Publisher.
func (p *StatePublisher) PublishEstimate(e estimation.Estimate) {
	b, err := json.Marshal(stateLine{State: [3]float64{e.VX, e.VY, e.YawRate}})
	if err != nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- string(b):
	default:
		p.dropped.Add(1)
	}
}

func (p *StatePublisher) run() {
	defer close(p.done)
	for line := range p.queue {
		if err := p.mux.SendCommand(line); err != nil {
			n := p.fails.Add(1)
			p.errLog.Logf("failed to publish state (%d total): %v", n, err)
		}
	}
}

// Close writes the queued states and stops the publisher.
func (p *StatePublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
	return nil
}

// Failures returns the number of failed writes.
func (p *StatePublisher) Failures() uint64 { return p.fails.Load() }

// Dropped returns the number of states discarded on a full queue.
func (p *StatePublisher) Dropped() uint64 { return p.dropped.Load() }
