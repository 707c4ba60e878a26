package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("run not found")

// Run is one recording session.
type Run struct {
	RunID       string `json:"run_id"`
	SignalID    string `json:"signal_id"`
	User        string `json:"user"`
	Experiment  string `json:"experiment"`
	CSVPath     string `json:"csv_path,omitempty"`
	StartedAtNs int64  `json:"started_at_ns"`
	EndedAtNs   *int64 `json:"ended_at_ns,omitempty"`
	Records     int    `json:"records"`
}

// CreateRun inserts run. An empty RunID is replaced with a new UUID and a
// zero StartedAtNs with the current time.
func (db *DB) CreateRun(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.StartedAtNs == 0 {
		run.StartedAtNs = time.Now().UnixNano()
	}
	_, err := db.Exec(`
		INSERT INTO runs (run_id, signal_id, user_name, experiment, csv_path, started_at_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.SignalID, run.User, run.Experiment, nullString(run.CSVPath), run.StartedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stamps the end time of a run.
func (db *DB) FinishRun(runID string, end time.Time) error {
	res, err := db.Exec(`UPDATE runs SET ended_at_ns = ? WHERE run_id = ?`, end.UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

const runColumns = `
	r.run_id, r.signal_id, r.user_name, r.experiment, r.csv_path,
	r.started_at_ns, r.ended_at_ns,
	(SELECT COUNT(*) FROM records c WHERE c.run_id = r.run_id)`

// GetRun returns a run with its record count.
func (db *DB) GetRun(runID string) (*Run, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM runs r WHERE r.run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// Runs lists the most recent runs, newest first.
func (db *DB) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+runColumns+` FROM runs r ORDER BY r.started_at_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var csvPath sql.NullString
	var ended sql.NullInt64
	if err := s.Scan(
		&run.RunID,
		&run.SignalID,
		&run.User,
		&run.Experiment,
		&csvPath,
		&run.StartedAtNs,
		&ended,
		&run.Records,
	); err != nil {
		return nil, err
	}
	run.CSVPath = csvPath.String
	if ended.Valid {
		v := ended.Int64
		run.EndedAtNs = &v
	}
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
