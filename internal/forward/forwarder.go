// Package forward batches run records and posts them, one signal at a time,
// to a remote data service.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/vehicle-state/internal/estimation"
	"github.com/banshee-data/vehicle-state/internal/httputil"
	"github.com/banshee-data/vehicle-state/internal/monitoring"
)

// DefaultBatchSize is the number of records collected before a batch is sent.
const DefaultBatchSize = 50

// Signal is the body of one POST: a single column of a batch.
type Signal struct {
	Experiment string    `json:"experiment"`
	RunID      string    `json:"run_id,omitempty"`
	Name       string    `json:"name"`
	Timestamps []float64 `json:"timestamps"` // Unix seconds
	Values     []float64 `json:"signal"`
}

// Config configures a Forwarder.
type Config struct {
	URL        string
	Experiment string // signal ID, e.g. "alice-Straight"
	RunID      string
	Start      time.Time // wall time of record t = 0
	Client     httputil.HTTPClient

	BatchSize   int
	QueueSize   int
	LogInterval time.Duration
}

// Forwarder is a pipeline.RecordSink that sends records asynchronously. The
// estimation loop never waits on the network: when the queue is full the
// record is dropped and counted.
type Forwarder struct {
	cfg   Config
	queue chan estimation.Record

	mu      sync.RWMutex
	closed  bool
	started atomic.Bool
	done    chan struct{}

	dropped atomic.Uint64
	sent    atomic.Uint64
	failed  atomic.Uint64
}

// New returns a Forwarder. Call Start to begin sending.
func New(cfg Config) *Forwarder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 20 * cfg.BatchSize
	}
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = httputil.NewStandardClient(&http.Client{Timeout: 5 * time.Second})
	}
	return &Forwarder{
		cfg:   cfg,
		queue: make(chan estimation.Record, cfg.QueueSize),
		done:  make(chan struct{}),
	}
}

// WriteRecord queues r without blocking. It never returns an error; drops
// are reported by Stats and the periodic log.
func (f *Forwarder) WriteRecord(r estimation.Record) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.dropped.Add(1)
		return nil
	}
	select {
	case f.queue <- r:
	default:
		f.dropped.Add(1)
	}
	return nil
}

// Start runs the sender goroutine. On ctx cancellation or Close, any partial
// batch is sent before the goroutine exits.
func (f *Forwarder) Start(ctx context.Context) {
	if !f.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(f.done)

		batch := make([]estimation.Record, 0, f.cfg.BatchSize)
		ticker := time.NewTicker(f.cfg.LogInterval)
		defer ticker.Stop()
		var lastDropped, lastFailed uint64

		flush := func() {
			if len(batch) == 0 {
				return
			}
			f.sendBatch(batch)
			batch = batch[:0]
		}

		for {
			select {
			case <-ctx.Done():
				f.drain(&batch)
				flush()
				return
			case r, ok := <-f.queue:
				if !ok {
					flush()
					return
				}
				batch = append(batch, r)
				if len(batch) >= f.cfg.BatchSize {
					flush()
				}
			case <-ticker.C:
				dropped, failed := f.dropped.Load(), f.failed.Load()
				if dropped > lastDropped || failed > lastFailed {
					monitoring.Logf("[forward] dropped %d records, %d failed posts in the last %s",
						dropped-lastDropped, failed-lastFailed, f.cfg.LogInterval)
				}
				lastDropped, lastFailed = dropped, failed
			}
		}
	}()

	monitoring.Logf("[forward] forwarding %s to %s in batches of %d", f.cfg.Experiment, f.cfg.URL, f.cfg.BatchSize)
}

// drain moves queued records into batch, sending full batches.
func (f *Forwarder) drain(batch *[]estimation.Record) {
	for {
		select {
		case r, ok := <-f.queue:
			if !ok {
				return
			}
			*batch = append(*batch, r)
			if len(*batch) >= f.cfg.BatchSize {
				f.sendBatch(*batch)
				*batch = (*batch)[:0]
			}
		default:
			return
		}
	}
}

// Close stops accepting records and waits for the sender to flush.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()

	if f.started.Load() {
		<-f.done
	}
	return nil
}

// Stats returns counts of signals sent, posts failed and records dropped.
func (f *Forwarder) Stats() (sent, failed, dropped uint64) {
	return f.sent.Load(), f.failed.Load(), f.dropped.Load()
}

// sendBatch posts each column except t as its own Signal.
func (f *Forwarder) sendBatch(batch []estimation.Record) {
	base := float64(f.cfg.Start.UnixNano()) / 1e9
	timestamps := make([]float64, len(batch))
	columns := make([][]float64, len(estimation.RecordColumns))
	for i := range columns {
		columns[i] = make([]float64, len(batch))
	}
	for j, r := range batch {
		vals := r.Values()
		timestamps[j] = base + vals[0]
		for i, v := range vals {
			columns[i][j] = v
		}
	}

	for i, name := range estimation.RecordColumns {
		if name == "t" {
			continue
		}
		sig := Signal{
			Experiment: f.cfg.Experiment,
			RunID:      f.cfg.RunID,
			Name:       name,
			Timestamps: timestamps,
			Values:     columns[i],
		}
		if err := f.post(sig); err != nil {
			f.failed.Add(1)
			continue
		}
		f.sent.Add(1)
	}
}

func (f *Forwarder) post(sig Signal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to encode signal %s: %w", sig.Name, err)
	}
	resp, err := f.cfg.Client.Post(f.cfg.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to post signal %s: %w", sig.Name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post signal %s: unexpected status %d", sig.Name, resp.StatusCode)
	}
	return nil
}
