package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vehicle-state/internal/config"
	"github.com/banshee-data/vehicle-state/internal/estimation"
	"github.com/banshee-data/vehicle-state/internal/sensors"
	"github.com/banshee-data/vehicle-state/internal/timeutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu      sync.Mutex
	records []estimation.Record
	err     error
}

func (s *recordingSink) WriteRecord(r estimation.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return s.err
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func newTestLoop(t *testing.T, clock timeutil.Clock, sinks ...RecordSink) (*Loop, *sensors.Cache, *[]estimation.Estimate) {
	t.Helper()
	est, err := estimation.NewEstimatorFromConfig(config.MustLoadDefaultConfig())
	require.NoError(t, err)

	cache := sensors.NewCache(clock)
	var published []estimation.Estimate
	loop := NewLoop(Config{
		Cache:     cache,
		Estimator: est,
		Clock:     clock,
		Period:    20 * time.Millisecond,
		Publishers: []Publisher{PublisherFunc(func(e estimation.Estimate) {
			published = append(published, e)
		})},
		Sinks: sinks,
	})
	return loop, cache, &published
}

func TestTickPublishesAndRecords(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	sink := &recordingSink{}
	loop, cache, published := newTestLoop(t, clock, sink)

	_, ok := loop.Latest()
	assert.False(t, ok)

	cache.UpdateImu(sensors.ImuSample{AX: 1})
	for i := 0; i < 3; i++ {
		loop.Tick(t0.Add(time.Duration(i) * 20 * time.Millisecond))
	}

	assert.Len(t, *published, 3)
	assert.Equal(t, 3, sink.len())
	assert.Equal(t, uint64(3), loop.TickCount())

	latest, ok := loop.Latest()
	require.True(t, ok)
	assert.Equal(t, (*published)[2], latest)
	assert.Greater(t, latest.VX, 0.0)
}

func TestSinkErrorDoesNotStopLoop(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	bad := &recordingSink{err: errors.New("disk full")}
	good := &recordingSink{}
	loop, _, published := newTestLoop(t, clock, bad, good)

	for i := 0; i < 5; i++ {
		loop.Tick(t0.Add(time.Duration(i) * 20 * time.Millisecond))
	}
	assert.Len(t, *published, 5)
	assert.Equal(t, 5, good.len())
	assert.Equal(t, uint64(5), loop.SinkFailures())
}

func TestRunTicksOnClockAndStopsOnCancel(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	sink := &recordingSink{}
	loop, _, _ := newTestLoop(t, clock, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)

	for i := 1; i <= 4; i++ {
		clock.Advance(20 * time.Millisecond)
		want := uint64(i)
		require.Eventually(t, func() bool { return loop.TickCount() == want }, time.Second, time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancel")
	}
	assert.Equal(t, 4, sink.len())
	assert.Equal(t, 0, clock.Tickers())
}
