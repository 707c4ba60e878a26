package db

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/vehicle-state/internal/estimation"
	"github.com/banshee-data/vehicle-state/internal/monitoring"
)

const insertRecordSQL = `
	INSERT INTO records (
		run_id, seq, t, roll, pitch, yaw, w_x, w_y, w_z, a_x, a_y, a_z,
		n_fl, n_fr, motor_pwm, servo_pwm, d_f, vhat_x, vhat_y, what_z
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectRecordSQL = `
	SELECT t, roll, pitch, yaw, w_x, w_y, w_z, a_x, a_y, a_z,
	       n_fl, n_fr, motor_pwm, servo_pwm, d_f, vhat_x, vhat_y, what_z
	FROM records`

// InsertRecords stores recs for a run in one transaction, numbering them
// from firstSeq.
func (db *DB) InsertRecords(runID string, firstSeq int, recs []estimation.Record) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert records: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(insertRecordSQL)
	if err != nil {
		return fmt.Errorf("prepare insert records: %w", err)
	}
	defer stmt.Close()

	for i, r := range recs {
		if _, err := stmt.Exec(runID, firstSeq+i,
			r.T, r.Roll, r.Pitch, r.Yaw, r.WX, r.WY, r.WZ, r.AX, r.AY, r.AZ,
			r.CountFL, r.CountFR, r.Drive, r.Steering, r.SteeringAngle,
			r.VX, r.VY, r.YawRate,
		); err != nil {
			return fmt.Errorf("insert record %d: %w", firstSeq+i, err)
		}
	}
	return tx.Commit()
}

// RecentRecords returns up to limit of the latest records of a run, oldest
// first.
func (db *DB) RecentRecords(runID string, limit int) ([]estimation.Record, error) {
	if limit <= 0 {
		limit = 500
	}
	recs, err := db.queryRecords(selectRecordSQL+` WHERE run_id = ? ORDER BY seq DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// RunRecords returns every record of a run in order.
func (db *DB) RunRecords(runID string) ([]estimation.Record, error) {
	return db.queryRecords(selectRecordSQL+` WHERE run_id = ? ORDER BY seq`, runID)
}

func (db *DB) queryRecords(query string, args ...any) ([]estimation.Record, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var recs []estimation.Record
	for rows.Next() {
		var r estimation.Record
		if err := rows.Scan(
			&r.T, &r.Roll, &r.Pitch, &r.Yaw, &r.WX, &r.WY, &r.WZ, &r.AX, &r.AY, &r.AZ,
			&r.CountFL, &r.CountFR, &r.Drive, &r.Steering, &r.SteeringAngle,
			&r.VX, &r.VY, &r.YawRate,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// RunRecorder is a pipeline.RecordSink that writes a run's records to the
// database in batches from its own goroutine. WriteRecord never waits on the
// database: when the queue is full the record is dropped and counted.
type RunRecorder struct {
	db    *DB
	runID string
	batch int

	queue   chan estimation.Record
	flushCh chan chan error
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped atomic.Uint64
	failed  atomic.Uint64
	lastErr error // written by the writer goroutine, read after done
}

// NewRunRecorder starts a recorder for an existing run. Records are committed
// every batch rows (50 when batch <= 0) and on Flush or Close. Up to 20
// batches are queued.
func (db *DB) NewRunRecorder(runID string, batch int) *RunRecorder {
	if batch <= 0 {
		batch = 50
	}
	r := &RunRecorder{
		db:      db,
		runID:   runID,
		batch:   batch,
		queue:   make(chan estimation.Record, 20*batch),
		flushCh: make(chan chan error),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// WriteRecord queues rec without blocking.
func (r *RunRecorder) WriteRecord(rec estimation.Record) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("run %s: recorder closed", r.runID)
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
	}
	return nil
}

// Flush waits until every record queued before the call is committed.
func (r *RunRecorder) Flush() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil
	}
	reply := make(chan error, 1)
	r.flushCh <- reply
	return <-reply
}

// Dropped returns the number of records discarded because the queue was full.
func (r *RunRecorder) Dropped() uint64 { return r.dropped.Load() }

// FailedBatches returns the number of batches the database rejected.
func (r *RunRecorder) FailedBatches() uint64 { return r.failed.Load() }

func (r *RunRecorder) run() {
	defer close(r.done)

	pending := make([]estimation.Record, 0, r.batch)
	seq := 0
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		err := r.db.InsertRecords(r.runID, seq, pending)
		if err != nil {
			// The batch is dropped so a broken database cannot grow it
			// without bound.
			r.failed.Add(1)
			r.lastErr = err
			monitoring.Logf("[db] dropping %d records for run %s: %v", len(pending), r.runID, err)
		}
		seq += len(pending)
		pending = pending[:0]
		return err
	}
	add := func(rec estimation.Record) {
		pending = append(pending, rec)
		if len(pending) >= r.batch {
			flush()
		}
	}

	for {
		select {
		case rec, ok := <-r.queue:
			if !ok {
				flush()
				return
			}
			add(rec)
		case reply := <-r.flushCh:
			var errs []error
		drain:
			for {
				select {
				case rec := <-r.queue:
					pending = append(pending, rec)
					if len(pending) >= r.batch {
						errs = append(errs, flush())
					}
				default:
					break drain
				}
			}
			errs = append(errs, flush())
			reply <- errors.Join(errs...)
		}
	}
}

// Close commits the queued records and marks the run finished. It returns
// the last batch error, if any batch failed.
func (r *RunRecorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	if n := r.dropped.Load(); n > 0 {
		monitoring.Logf("[db] run %s: %d records dropped on a full queue", r.runID, n)
	}
	return errors.Join(r.lastErr, r.db.FinishRun(r.runID, time.Now()))
}
