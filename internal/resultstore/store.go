// Package resultstore keeps the history of runs in SQLite
package resultstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/report"
)

// ErrNotFound is returned when no run matches
var ErrNotFound = errors.New("run not found")

// Store provides SQLite-backed run history
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases consistent
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Run is one row of the run history
type Run struct {
	ID         string
	Name       string
	Outcome    domain.RunOutcome
	StartedAt  time.Time
	EndedAt    time.Time
	Counts     report.Counts
	ReportPath string
}

// TestRow is the stored verdict of one test in one run
type TestRow struct {
	Pool     string
	TestID   string
	Verdict  domain.Verdict
	Flaky    bool
	Attempts int
	Duration time.Duration
	Trace    string
}

// FlakyStat aggregates a test's history across runs
type FlakyStat struct {
	TestID string `json:"test_id"`
	Runs   int    `json:"runs"`
	Flaky  int    `json:"flaky"`
	Failed int    `json:"failed"`
}

// SaveRun stores a report in one transaction
func (s *Store) SaveRun(r report.Report, reportPath string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	totals := r.Totals()
	_, err = tx.Exec(`
		INSERT INTO runs (id, name, outcome, started_at, ended_at, total, passed, flaky, failed, unfinished, report_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.Name, string(r.Outcome), r.StartedAt, r.EndedAt,
		totals.Total, totals.Passed, totals.Flaky, totals.Failed, totals.Unfinished, reportPath)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, p := range r.Pools {
		for _, t := range p.Tests {
			_, err := tx.Exec(`
				INSERT INTO test_results (run_id, pool, test_id, verdict, flaky, attempts, duration_ms, trace)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, r.RunID, p.Pool, t.ID, string(t.Verdict), t.Flaky, t.Attempts, t.Duration.Milliseconds(), t.Trace)
			if err != nil {
				return fmt.Errorf("insert test result %s: %w", t.ID, err)
			}
		}
		for _, d := range p.Devices {
			_, err := tx.Exec(`
				INSERT INTO device_usage (run_id, pool, device_id, state, batches, tests, busy_ms, last_error)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, r.RunID, p.Pool, d.ID, string(d.State), d.Batches, d.Tests, d.Busy.Milliseconds(), d.LastError)
			if err != nil {
				return fmt.Errorf("insert device usage %s: %w", d.ID, err)
			}
		}
	}
	return tx.Commit()
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Name    string
	Outcome domain.RunOutcome
	Limit   int
}

const runColumns = `id, name, outcome, started_at, ended_at, total, passed, flaky, failed, unfinished, report_path`

// ListRuns returns runs newest first
func (s *Store) ListRuns(opts ListOptions) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if opts.Name != "" {
		query += " AND name = ?"
		args = append(args, opts.Name)
	}
	if opts.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, string(opts.Outcome))
	}
	query += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun finds a run by id or unique id prefix
func (s *Store) GetRun(idOrPrefix string) (Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs WHERE id = ? OR id LIKE ? ORDER BY id LIMIT 2`,
		idOrPrefix, idOrPrefix+"%")
	if err != nil {
		return Run{}, err
	}
	defer rows.Close()

	var found []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return Run{}, err
		}
		if run.ID == idOrPrefix {
			return run, nil
		}
		found = append(found, run)
	}
	if err := rows.Err(); err != nil {
		return Run{}, err
	}
	switch len(found) {
	case 0:
		return Run{}, ErrNotFound
	case 1:
		return found[0], nil
	}
	return Run{}, fmt.Errorf("run id prefix %q is ambiguous", idOrPrefix)
}

// TestResults returns the stored verdicts of a run in report order
func (s *Store) TestResults(runID string) ([]TestRow, error) {
	rows, err := s.db.Query(`
		SELECT pool, test_id, verdict, flaky, attempts, duration_ms, trace
		FROM test_results WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TestRow
	for rows.Next() {
		var tr TestRow
		var verdict string
		var durationMs int64
		var trace sql.NullString
		if err := rows.Scan(&tr.Pool, &tr.TestID, &verdict, &tr.Flaky, &tr.Attempts, &durationMs, &trace); err != nil {
			return nil, err
		}
		tr.Verdict = domain.Verdict(verdict)
		tr.Duration = time.Duration(durationMs) * time.Millisecond
		tr.Trace = trace.String
		out = append(out, tr)
	}
	return out, rows.Err()
}

// FlakyTests returns tests that were flaky or failed in the most recent
// runs, worst first
func (s *Store) FlakyTests(lastRuns, limit int) ([]FlakyStat, error) {
	rows, err := s.db.Query(`
		SELECT test_id,
		       COUNT(*) AS runs,
		       SUM(CASE WHEN flaky THEN 1 ELSE 0 END) AS flaky,
		       SUM(CASE WHEN verdict = ? THEN 1 ELSE 0 END) AS failed
		FROM test_results
		WHERE run_id IN (SELECT id FROM runs ORDER BY started_at DESC LIMIT ?)
		GROUP BY test_id
		HAVING flaky > 0 OR failed > 0
		ORDER BY flaky + failed DESC, test_id
		LIMIT ?
	`, string(domain.VerdictFailFinal), lastRuns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FlakyStat
	for rows.Next() {
		var fs FlakyStat
		if err := rows.Scan(&fs.TestID, &fs.Runs, &fs.Flaky, &fs.Failed); err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}

// DeleteBefore removes runs started before t and returns how many
func (s *Store) DeleteBefore(t time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE started_at < ?`, t)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRun(rows *sql.Rows) (Run, error) {
	var run Run
	var outcome string
	var reportPath sql.NullString
	err := rows.Scan(&run.ID, &run.Name, &outcome, &run.StartedAt, &run.EndedAt,
		&run.Counts.Total, &run.Counts.Passed, &run.Counts.Flaky, &run.Counts.Failed, &run.Counts.Unfinished, &reportPath)
	if err != nil {
		return Run{}, err
	}
	run.Outcome = domain.RunOutcome(outcome)
	run.ReportPath = reportPath.String
	return run, nil
}
