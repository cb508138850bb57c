package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/traficon/internal/arbiter"
	"github.com/banshee-data/traficon/internal/monitoring"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("run not found")

// Run is one controller session.
type Run struct {
	ID         string     `json:"run_id"`
	Mode       string     `json:"mode"`
	ConfigJSON string     `json:"config_json"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Cycles     int        `json:"cycles"`
	Ticks      uint64     `json:"ticks"`
}

// Transition is one logged phase change.
type Transition struct {
	ID         int64         `json:"transition_id"`
	RunID      string        `json:"run_id"`
	At         time.Time     `json:"at"`
	Approach   string        `json:"approach"`
	Transition string        `json:"transition"`
	Demand     int           `json:"demand"`
	Priority   float64       `json:"priority"`
	Duration   time.Duration `json:"duration"`
	Preempted  bool          `json:"preempted"`
}

// StartRun inserts a new run and returns its ID.
func (db *DB) StartRun(mode string, configJSON []byte, at time.Time) (string, error) {
	id := uuid.New().String()
	if len(configJSON) == 0 {
		configJSON = []byte("{}")
	}
	_, err := db.Exec(
		`INSERT INTO runs (run_id, mode, config_json, started_at) VALUES (?, ?, ?, ?)`,
		id, mode, string(configJSON), at.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// FinishRun stamps the run's end time and final counters.
func (db *DB) FinishRun(id string, at time.Time, cycles int, ticks uint64) error {
	res, err := db.Exec(
		`UPDATE runs SET finished_at = ?, cycles = ?, ticks = ? WHERE run_id = ?`,
		at.UnixNano(), cycles, int64(ticks), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// RecordTransition appends t to its run's log.
func (db *DB) RecordTransition(t Transition) error {
	_, err := db.Exec(
		`INSERT INTO transitions (run_id, at_unix_nanos, approach, transition, demand, priority, duration_ms, preempted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, t.At.UnixNano(), t.Approach, t.Transition, t.Demand, t.Priority,
		t.Duration.Milliseconds(), t.Preempted,
	)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// Observer returns an arbiter observer that logs every event under runID.
// Write failures are logged, not returned: the tick loop must not stall on
// the transition log.
func (db *DB) Observer(runID string) arbiter.Observer {
	return func(e arbiter.Event) {
		err := db.RecordTransition(Transition{
			RunID:      runID,
			At:         e.At,
			Approach:   e.Approach.String(),
			Transition: e.Transition.String(),
			Demand:     e.Demand,
			Priority:   e.Priority,
			Duration:   e.Duration,
			Preempted:  e.Preempted,
		})
		if err != nil {
			monitoring.Logf("db: %v", err)
		}
	}
}

// Transitions returns a run's log in time order.
func (db *DB) Transitions(runID string) ([]Transition, error) {
	rows, err := db.Query(
		`SELECT transition_id, run_id, at_unix_nanos, approach, transition, demand, priority, duration_ms, preempted
		   FROM transitions WHERE run_id = ? ORDER BY at_unix_nanos, transition_id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t          Transition
			at, durMS int64
		)
		if err := rows.Scan(&t.ID, &t.RunID, &at, &t.Approach, &t.Transition, &t.Demand, &t.Priority, &durMS, &t.Preempted); err != nil {
			return nil, err
		}
		t.At = time.Unix(0, at).UTC()
		t.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, t)
	}
	return out, rows.Err()
}

// Run returns the run with the given ID.
func (db *DB) Run(id string) (Run, error) {
	row := db.QueryRow(
		`SELECT run_id, mode, config_json, started_at, finished_at, cycles, ticks FROM runs WHERE run_id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// Runs returns every run, newest first.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query(
		`SELECT run_id, mode, config_json, started_at, finished_at, cycles, ticks FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r        Run
		started  int64
		finished sql.NullInt64
		ticks    int64
	)
	if err := s.Scan(&r.ID, &r.Mode, &r.ConfigJSON, &started, &finished, &r.Cycles, &ticks); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		f := time.Unix(0, finished.Int64).UTC()
		r.FinishedAt = &f
	}
	r.Ticks = uint64(ticks)
	return r, nil
}
