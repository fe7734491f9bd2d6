package policy

import (
	"sync"
	"testing"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

var flakyTest = domain.Test{Package: "com.example", Class: "LoginTest", Method: "testLogin"}

func attempt(status domain.TestStatus) domain.TestResult {
	r := domain.TestResult{Test: flakyTest, Status: status}
	if status == domain.StatusFailed {
		r.Trace = "java.lang.AssertionError"
	}
	return r
}

func mustPolicy(t *testing.T, cfg Config) *Policy {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestDecide(t *testing.T) {
	pass, fail := domain.StatusPassed, domain.StatusFailed

	tests := []struct {
		name        string
		reportFlaky bool
		statuses    []domain.TestStatus
		want        domain.Verdict
		wantFlaky   bool
	}{
		{"first pass", true, []domain.TestStatus{pass}, domain.VerdictPassFinal, false},
		{"fail then retry", true, []domain.TestStatus{fail}, domain.VerdictRetry, false},
		{"two fails then retry", true, []domain.TestStatus{fail, fail}, domain.VerdictRetry, false},
		{"exhausted", true, []domain.TestStatus{fail, fail, fail}, domain.VerdictFailFinal, false},
		{"flaky reported", true, []domain.TestStatus{fail, pass}, domain.VerdictFlakyPass, true},
		{"flaky not reported", false, []domain.TestStatus{fail, pass}, domain.VerdictPassFinal, true},
		{"assumption failure is terminal", true, []domain.TestStatus{domain.StatusAssumptionFailure}, domain.VerdictPassFinal, false},
		{"ignored is terminal", true, []domain.TestStatus{domain.StatusIgnored}, domain.VerdictPassFinal, false},
		{"no history", true, nil, domain.VerdictRetry, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustPolicy(t, Config{MaxAttempts: 3, ReportFlaky: tt.reportFlaky})
			var history []domain.TestResult
			for _, s := range tt.statuses {
				history = append(history, attempt(s))
			}
			got := p.Decide(history)
			if got.Verdict != tt.want {
				t.Errorf("Verdict = %s, want %s", got.Verdict, tt.want)
			}
			if got.Flaky != tt.wantFlaky {
				t.Errorf("Flaky = %v, want %v", got.Flaky, tt.wantFlaky)
			}
			if got.Attempts != len(tt.statuses) {
				t.Errorf("Attempts = %d, want %d", got.Attempts, len(tt.statuses))
			}
		})
	}
}

func TestDecide_SingleAttempt(t *testing.T) {
	p := mustPolicy(t, Config{MaxAttempts: 1})
	if got := p.Decide([]domain.TestResult{attempt(domain.StatusFailed)}); got.Verdict != domain.VerdictFailFinal {
		t.Errorf("Verdict = %s, want FAIL_FINAL", got.Verdict)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	for _, cfg := range []Config{{MaxAttempts: 0}, {MaxAttempts: 2, MaxInfraRetries: -1}} {
		if _, err := New(cfg); !domain.IsConfigError(err) {
			t.Errorf("New(%+v) error = %v, want ConfigError", cfg, err)
		}
	}
}

func TestLedger_FailFailPass(t *testing.T) {
	for _, reportFlaky := range []bool{true, false} {
		l := NewLedger(mustPolicy(t, Config{MaxAttempts: 3, ReportFlaky: reportFlaky}))
		l.Register([]domain.Test{flakyTest})

		var last Commit
		for _, s := range []domain.TestStatus{domain.StatusFailed, domain.StatusFailed, domain.StatusPassed} {
			last = l.Commit(attempt(s))
		}

		want := domain.VerdictPassFinal
		if reportFlaky {
			want = domain.VerdictFlakyPass
		}
		if last.Decision.Verdict != want {
			t.Errorf("reportFlaky=%v: Verdict = %s, want %s", reportFlaky, last.Decision.Verdict, want)
		}
		if !last.Decision.Flaky {
			t.Errorf("reportFlaky=%v: Flaky = false, want true", reportFlaky)
		}
		if last.Result.Attempt != 3 {
			t.Errorf("Attempt = %d, want 3", last.Result.Attempt)
		}

		rec, ok := l.Get(flakyTest)
		if !ok {
			t.Fatal("record missing")
		}
		if len(rec.Attempts) != 3 {
			t.Errorf("recorded attempts = %d, want 3", len(rec.Attempts))
		}
	}
}

func TestLedger_AttemptBound(t *testing.T) {
	l := NewLedger(mustPolicy(t, Config{MaxAttempts: 2}))

	for i := 0; i < 5; i++ {
		l.Commit(attempt(domain.StatusFailed))
	}

	rec, _ := l.Get(flakyTest)
	if len(rec.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(rec.Attempts))
	}
	if rec.Decision.Verdict != domain.VerdictFailFinal {
		t.Errorf("Verdict = %s, want FAIL_FINAL", rec.Decision.Verdict)
	}

	c := l.Commit(attempt(domain.StatusPassed))
	if !c.Stale {
		t.Error("commit after final should be stale")
	}
}

func TestLedger_ConcurrentCommits(t *testing.T) {
	l := NewLedger(mustPolicy(t, Config{MaxAttempts: 4}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Commit(attempt(domain.StatusFailed))
		}()
	}
	wg.Wait()

	rec, _ := l.Get(flakyTest)
	if len(rec.Attempts) != 4 {
		t.Fatalf("attempts = %d, want 4", len(rec.Attempts))
	}
	for i, a := range rec.Attempts {
		if a.Attempt != i+1 {
			t.Errorf("attempt[%d].Attempt = %d, want %d", i, a.Attempt, i+1)
		}
	}
}

func TestLedger_TraceRetention(t *testing.T) {
	tests := []struct {
		name      string
		keepAll   bool
		wantTrace int
	}{
		{"last only", false, 1},
		{"keep all", true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger(mustPolicy(t, Config{MaxAttempts: 2, KeepAllTraces: tt.keepAll}))
			l.Commit(attempt(domain.StatusFailed))
			l.Commit(attempt(domain.StatusFailed))

			rec, _ := l.Get(flakyTest)
			n := 0
			for _, a := range rec.Attempts {
				if a.Trace != "" {
					n++
				}
			}
			if n != tt.wantTrace {
				t.Errorf("attempts with trace = %d, want %d", n, tt.wantTrace)
			}
		})
	}
}

func TestLedger_Interruptions(t *testing.T) {
	l := NewLedger(mustPolicy(t, Config{MaxAttempts: 3, MaxInfraRetries: 1}))

	if l.Interrupted(flakyTest) {
		t.Error("first interruption should be within budget")
	}
	if !l.Interrupted(flakyTest) {
		t.Fatal("second interruption should exceed budget")
	}

	c := l.Abandon(domain.TestResult{Test: flakyTest, Trace: "device lost"})
	if c.Decision.Verdict != domain.VerdictFailFinal {
		t.Errorf("Verdict = %s, want FAIL_FINAL", c.Decision.Verdict)
	}
	if c.Result.Status != domain.StatusFailed {
		t.Errorf("Status = %s, want failed", c.Result.Status)
	}
	if l.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", l.Pending())
	}
}

func TestLedger_RecordsOrder(t *testing.T) {
	a := domain.Test{Class: "A", Method: "a"}
	b := domain.Test{Class: "B", Method: "b"}
	l := NewLedger(mustPolicy(t, DefaultConfig()))
	l.Register([]domain.Test{a, b, a})

	l.Commit(domain.TestResult{Test: b, Status: domain.StatusPassed})

	recs := l.Records()
	if len(recs) != 2 {
		t.Fatalf("len(Records) = %d, want 2", len(recs))
	}
	if recs[0].Test.ID() != a.ID() || recs[1].Test.ID() != b.ID() {
		t.Errorf("order = [%s %s], want [A#a B#b]", recs[0].Test.ID(), recs[1].Test.ID())
	}
	if l.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", l.Pending())
	}
}
