package domain

import "time"

// TestResult is the outcome of one attempt of one test
type TestResult struct {
	Test      Test              `json:"test"`
	Status    TestStatus        `json:"status"`
	Trace     string            `json:"trace,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Attempt   int               `json:"attempt"`
	DeviceID  string            `json:"device_id"`
	BatchID   uint64            `json:"batch_id"`
	Metrics   map[string]string `json:"metrics,omitempty"`
}

// Duration returns the attempt wall time
func (r TestResult) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// RunOutcome is the overall terminal state of a run or pool segment
type RunOutcome string

const (
	OutcomeSuccess      RunOutcome = "success"
	OutcomeFailures     RunOutcome = "failures"
	OutcomeInfraFailure RunOutcome = "infra_failure"
	OutcomeCancelled    RunOutcome = "cancelled"
)

// IsSuccess returns true only for a clean run
func (o RunOutcome) IsSuccess() bool {
	return o == OutcomeSuccess
}

// Severity orders outcomes for aggregation; higher wins
func (o RunOutcome) Severity() int {
	switch o {
	case OutcomeCancelled:
		return 3
	case OutcomeInfraFailure:
		return 2
	case OutcomeFailures:
		return 1
	default:
		return 0
	}
}
