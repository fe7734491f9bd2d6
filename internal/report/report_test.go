package report

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hochfrequenz/devicerun/internal/attachment"
	"github.com/hochfrequenz/devicerun/internal/coordinator"
	"github.com/hochfrequenz/devicerun/internal/devicepool"
	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/policy"
)

var (
	t0     = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	login  = domain.Test{Package: "com.example", Class: "LoginTest", Method: "testLogin"}
	logout = domain.Test{Package: "com.example", Class: "LoginTest", Method: "testLogout"}
	slow   = domain.Test{Package: "com.example", Class: "SlowTest", Method: "testSlow"}
)

func result(t domain.Test, status domain.TestStatus, attempt int, d time.Duration) domain.TestResult {
	start := t0.Add(time.Duration(attempt) * time.Minute)
	return domain.TestResult{Test: t, Status: status, Attempt: attempt, StartedAt: start, EndedAt: start.Add(d), Trace: string(status)}
}

func summary() coordinator.Summary {
	return coordinator.Summary{
		Pool:    "omni",
		Outcome: domain.OutcomeInfraFailure,
		Records: []policy.Record{
			{
				Test:     login,
				Attempts: []domain.TestResult{result(login, domain.StatusFailed, 1, time.Second), result(login, domain.StatusPassed, 2, 2*time.Second)},
				Decision: policy.Decision{Verdict: domain.VerdictFlakyPass, Flaky: true, Attempts: 2},
			},
			{
				Test:     logout,
				Attempts: []domain.TestResult{result(logout, domain.StatusFailed, 1, time.Second)},
				Decision: policy.Decision{Verdict: domain.VerdictFailFinal, Attempts: 1},
			},
			{Test: slow, Decision: policy.Decision{Verdict: domain.VerdictRetry}},
		},
		Devices: []devicepool.DeviceStatus{
			{Device: domain.Device{ID: "a"}, State: domain.DeviceIdle, Usage: devicepool.Utilization{Batches: 2, Tests: 3, Busy: 4 * time.Second}},
		},
		StartedAt: t0,
		EndedAt:   t0.Add(time.Hour),
	}
}

func TestFromSummary(t *testing.T) {
	atts := []attachment.Attachment{
		{Pool: "omni", Test: &logout, Paths: []string{"/tmp/logout-1-0.mp4"}},
		{Pool: "omni", Paths: []string{"/tmp/batch-1-0.mp4"}},
		{Pool: "other", Test: &login, Paths: []string{"/tmp/ignored.mp4"}},
	}
	pr := FromSummary(summary(), errors.New("no devices available"), atts)

	want := Counts{Total: 3, Flaky: 1, Failed: 1, Unfinished: 1}
	if diff := cmp.Diff(want, pr.Counts); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
	if pr.Error != "no devices available" {
		t.Errorf("Error = %q", pr.Error)
	}

	flaky := pr.Tests[0]
	if !flaky.Flaky || flaky.Attempts != 2 || flaky.Duration != 3*time.Second || flaky.Trace != "" {
		t.Errorf("flaky test = %+v", flaky)
	}
	failed := pr.Tests[1]
	if failed.Trace != "failed" {
		t.Errorf("failed trace = %q, want last failure trace", failed.Trace)
	}
	if diff := cmp.Diff([]string{"/tmp/logout-1-0.mp4"}, failed.Attachments); diff != "" {
		t.Errorf("attachments mismatch (-want +got):\n%s", diff)
	}
	if len(pr.Tests[0].Attachments) != 0 {
		t.Errorf("attachment of another pool leaked: %v", pr.Tests[0].Attachments)
	}
	if diff := cmp.Diff([]string{"/tmp/batch-1-0.mp4"}, pr.BatchAttachments); diff != "" {
		t.Errorf("batch attachments mismatch (-want +got):\n%s", diff)
	}
	if pr.Devices[0].Busy != 4*time.Second || pr.Devices[0].Tests != 3 {
		t.Errorf("device = %+v", pr.Devices[0])
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name  string
		pools []domain.RunOutcome
		want  domain.RunOutcome
	}{
		{"all success", []domain.RunOutcome{domain.OutcomeSuccess, domain.OutcomeSuccess}, domain.OutcomeSuccess},
		{"failures win", []domain.RunOutcome{domain.OutcomeSuccess, domain.OutcomeFailures}, domain.OutcomeFailures},
		{"infra over failures", []domain.RunOutcome{domain.OutcomeInfraFailure, domain.OutcomeFailures}, domain.OutcomeInfraFailure},
		{"cancelled over all", []domain.RunOutcome{domain.OutcomeInfraFailure, domain.OutcomeCancelled}, domain.OutcomeCancelled},
		{"no pools", nil, domain.OutcomeInfraFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Report
			for _, o := range tt.pools {
				r.Pools = append(r.Pools, PoolReport{Outcome: o})
			}
			r.Aggregate()
			if r.Outcome != tt.want {
				t.Errorf("Outcome = %s, want %s", r.Outcome, tt.want)
			}
		})
	}
}

func TestWriteRead(t *testing.T) {
	r := Report{RunID: "3f1c", Name: "nightly", StartedAt: t0, EndedAt: t0.Add(time.Minute)}
	r.Pools = append(r.Pools, FromSummary(summary(), nil, nil))
	r.Aggregate()

	path, err := Write(filepath.Join(t.TempDir(), "reports"), r)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Outcome != domain.OutcomeInfraFailure || got.Totals().Total != 3 || got.Duration() != time.Minute {
		t.Errorf("Read() = %+v", got)
	}
}
