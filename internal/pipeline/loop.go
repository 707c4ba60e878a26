// Package pipeline runs the estimator at a fixed rate and fans its output out
// to publishers and record sinks.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/banshee-data/vehicle-state/internal/estimation"
	"github.com/banshee-data/vehicle-state/internal/monitoring"
	"github.com/banshee-data/vehicle-state/internal/sensors"
	"github.com/banshee-data/vehicle-state/internal/timeutil"
)

// Publisher receives every estimate. PublishEstimate is called on the loop
// goroutine and must not block.
type Publisher interface {
	PublishEstimate(estimation.Estimate)
}

// RecordSink receives every log record. WriteRecord is called on the loop
// goroutine; an error is logged and the loop continues.
type RecordSink interface {
	WriteRecord(estimation.Record) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(estimation.Estimate)

// PublishEstimate implements Publisher.
func (f PublisherFunc) PublishEstimate(e estimation.Estimate) { f(e) }

// Snapshotter supplies the measurements for a tick.
type Snapshotter interface {
	Snapshot() sensors.Snapshot
}

// Config wires a Loop.
type Config struct {
	Cache      Snapshotter
	Estimator  *estimation.Estimator
	Clock      timeutil.Clock
	Period     time.Duration
	Publishers []Publisher
	Sinks      []RecordSink
}

// Loop executes one estimation tick per period.
type Loop struct {
	cfg Config

	latest    atomic.Pointer[estimation.Estimate]
	ticks     atomic.Uint64
	sinkFails atomic.Uint64
	sinkLog   *monitoring.Limiter
}

// NewLoop returns a Loop. A nil clock selects the real clock.
func NewLoop(cfg Config) *Loop {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Loop{
		cfg:     cfg,
		sinkLog: monitoring.NewLimiter("pipeline", 10*time.Second),
	}
}

// Run ticks until ctx is cancelled. Cancellation is observed between ticks;
// a tick in progress always completes.
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.cfg.Clock.NewTicker(l.cfg.Period)
	defer ticker.Stop()

	monitoring.Logf("[pipeline] estimation loop started, period %s", l.cfg.Period)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("[pipeline] estimation loop stopped after %d ticks", l.ticks.Load())
			return ctx.Err()
		case now := <-ticker.C():
			l.Tick(now)
		}
	}
}

// Tick runs a single iteration at time now.
func (l *Loop) Tick(now time.Time) estimation.Estimate {
	snap := l.cfg.Cache.Snapshot()
	est, rec := l.cfg.Estimator.Step(snap, now)
	l.latest.Store(&est)
	l.ticks.Add(1)

	for _, p := range l.cfg.Publishers {
		p.PublishEstimate(est)
	}
	for _, s := range l.cfg.Sinks {
		if err := s.WriteRecord(rec); err != nil {
			n := l.sinkFails.Add(1)
			l.sinkLog.Logf("record sink %T failed (%d total): %v", s, n, err)
		}
	}
	return est
}

// Latest returns the most recent estimate, or false before the first tick.
// Safe to call from any goroutine.
func (l *Loop) Latest() (estimation.Estimate, bool) {
	p := l.latest.Load()
	if p == nil {
		return estimation.Estimate{}, false
	}
	return *p, true
}

// TickCount returns the number of completed ticks.
func (l *Loop) TickCount() uint64 { return l.ticks.Load() }

// SinkFailures returns the number of failed record writes.
func (l *Loop) SinkFailures() uint64 { return l.sinkFails.Load() }
