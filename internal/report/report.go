// Package report builds the aggregate run report: per-test verdicts, per-pool
// device utilization and the overall outcome.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hochfrequenz/devicerun/internal/attachment"
	"github.com/hochfrequenz/devicerun/internal/coordinator"
	"github.com/hochfrequenz/devicerun/internal/domain"
)

// Report is the result of one run across all pools
type Report struct {
	RunID     string            `json:"run_id"`
	Name      string            `json:"name"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Outcome   domain.RunOutcome `json:"outcome"`
	Pools     []PoolReport      `json:"pools"`
	// Excluded lists the ids of tests removed by the filter
	Excluded []string `json:"excluded,omitempty"`
}

// PoolReport is the result of one pool segment
type PoolReport struct {
	Pool      string            `json:"pool"`
	Outcome   domain.RunOutcome `json:"outcome"`
	Error     string            `json:"error,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Counts    Counts            `json:"counts"`
	Tests     []TestReport      `json:"tests"`
	Devices   []DeviceReport    `json:"devices"`
	// BatchAttachments were captured when a run failed on a device
	BatchAttachments []string `json:"batch_attachments,omitempty"`
}

// Counts tallies test verdicts
type Counts struct {
	Total      int `json:"total"`
	Passed     int `json:"passed"`
	Flaky      int `json:"flaky"`
	Failed     int `json:"failed"`
	Unfinished int `json:"unfinished"`
}

// TestReport is the final state of one test
type TestReport struct {
	ID       string         `json:"id"`
	Test     domain.Test    `json:"test"`
	Verdict  domain.Verdict `json:"verdict"`
	Flaky    bool           `json:"flaky"`
	Attempts int            `json:"attempts"`
	// Interruptions counts attempts lost to device failures
	Interruptions int                 `json:"interruptions,omitempty"`
	Duration      time.Duration       `json:"duration_ns"`
	Trace         string              `json:"trace,omitempty"`
	Results       []domain.TestResult `json:"results,omitempty"`
	Attachments   []string            `json:"attachments,omitempty"`
}

// DeviceReport is the utilization of one device
type DeviceReport struct {
	ID        string             `json:"id"`
	State     domain.DeviceState `json:"state"`
	Batches   int                `json:"batches"`
	Tests     int                `json:"tests"`
	Busy      time.Duration      `json:"busy_ns"`
	LastError string             `json:"last_error,omitempty"`
}

// FromSummary builds the report of one pool. Attachments of other pools are
// ignored.
func FromSummary(sum coordinator.Summary, runErr error, attachments []attachment.Attachment) PoolReport {
	pr := PoolReport{
		Pool:      sum.Pool,
		Outcome:   sum.Outcome,
		StartedAt: sum.StartedAt,
		EndedAt:   sum.EndedAt,
		Tests:     make([]TestReport, 0, len(sum.Records)),
		Devices:   make([]DeviceReport, 0, len(sum.Devices)),
	}
	if runErr != nil {
		pr.Error = runErr.Error()
	}

	byTest := make(map[string][]string)
	for _, a := range attachments {
		if a.Pool != sum.Pool {
			continue
		}
		if a.Test == nil {
			pr.BatchAttachments = append(pr.BatchAttachments, a.Paths...)
			continue
		}
		byTest[a.Test.ID()] = append(byTest[a.Test.ID()], a.Paths...)
	}

	for _, rec := range sum.Records {
		id := rec.Test.ID()
		tr := TestReport{
			ID:            id,
			Test:          rec.Test,
			Verdict:       rec.Decision.Verdict,
			Flaky:         rec.Decision.Flaky,
			Attempts:      len(rec.Attempts),
			Interruptions: rec.Interruptions,
			Results:       rec.Attempts,
			Attachments:   byTest[id],
		}
		for _, r := range rec.Attempts {
			tr.Duration += r.Duration()
		}
		if last, ok := rec.Last(); ok && last.Status.IsFailure() {
			tr.Trace = last.Trace
		}

		pr.Counts.Total++
		switch {
		case !rec.Final():
			tr.Verdict = domain.VerdictRetry
			pr.Counts.Unfinished++
		case rec.Decision.Verdict == domain.VerdictFlakyPass:
			pr.Counts.Flaky++
		case rec.Decision.Verdict.IsSuccess():
			pr.Counts.Passed++
		default:
			pr.Counts.Failed++
		}
		pr.Tests = append(pr.Tests, tr)
	}

	for _, d := range sum.Devices {
		pr.Devices = append(pr.Devices, DeviceReport{
			ID:        d.Device.ID,
			State:     d.State,
			Batches:   d.Usage.Batches,
			Tests:     d.Usage.Tests,
			Busy:      d.Usage.Busy,
			LastError: d.LastError,
		})
	}
	return pr
}

// Aggregate sets the overall outcome to the most severe pool outcome. A run
// without pools is an infra failure.
func (r *Report) Aggregate() {
	if len(r.Pools) == 0 {
		r.Outcome = domain.OutcomeInfraFailure
		return
	}
	r.Outcome = domain.OutcomeSuccess
	for _, p := range r.Pools {
		if p.Outcome.Severity() > r.Outcome.Severity() {
			r.Outcome = p.Outcome
		}
	}
}

// Totals sums the counts of every pool
func (r Report) Totals() Counts {
	var c Counts
	for _, p := range r.Pools {
		c.Total += p.Counts.Total
		c.Passed += p.Counts.Passed
		c.Flaky += p.Counts.Flaky
		c.Failed += p.Counts.Failed
		c.Unfinished += p.Counts.Unfinished
	}
	return c
}

// Duration returns the run wall time
func (r Report) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Write stores the report as <dir>/<run id>.json and returns the path
func Write(dir string, r Report) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, r.RunID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// Read loads a report written by Write
func Read(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("parse report %s: %w", path, err)
	}
	return r, nil
}
