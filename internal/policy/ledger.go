package policy

import (
	"sync"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

// Record is the accounting for one test in a run
type Record struct {
	Test     domain.Test
	Attempts []domain.TestResult
	Decision Decision
	// Interruptions counts attempts lost to device failures
	Interruptions int
}

// Final reports whether the test reached a terminal verdict
func (r Record) Final() bool {
	return len(r.Attempts) > 0 && r.Decision.Verdict.IsFinal()
}

// Last returns the most recent committed attempt
func (r Record) Last() (domain.TestResult, bool) {
	if len(r.Attempts) == 0 {
		return domain.TestResult{}, false
	}
	return r.Attempts[len(r.Attempts)-1], true
}

// Commit is what the ledger returns for a committed attempt
type Commit struct {
	Result   domain.TestResult
	Decision Decision
	// Stale is set when the test was already final; the attempt is dropped
	Stale bool
}

// Ledger is the per-run store of committed attempts. Every commit assigns the
// attempt number, appends and decides under one lock, so a decision only
// ever sees finished attempts.
type Ledger struct {
	policy *Policy

	mu      sync.Mutex
	records map[string]*Record
	order   []string
}

// NewLedger creates an empty ledger for one run segment
func NewLedger(p *Policy) *Ledger {
	return &Ledger{
		policy:  p,
		records: make(map[string]*Record),
	}
}

// Register declares the tests expected in this run, in report order.
// Registering a test twice is a no-op.
func (l *Ledger) Register(tests []domain.Test) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range tests {
		l.recordLocked(t)
	}
}

func (l *Ledger) recordLocked(t domain.Test) *Record {
	id := t.ID()
	rec, ok := l.records[id]
	if !ok {
		rec = &Record{Test: t, Decision: Decision{Verdict: domain.VerdictRetry}}
		l.records[id] = rec
		l.order = append(l.order, id)
	}
	return rec
}

// Commit records a finished attempt and returns the policy decision
func (l *Ledger) Commit(r domain.TestResult) Commit {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.recordLocked(r.Test)
	if rec.Final() {
		return Commit{Result: r, Decision: rec.Decision, Stale: true}
	}

	r.Attempt = len(rec.Attempts) + 1
	rec.Attempts = append(rec.Attempts, r)
	rec.Decision = l.policy.Decide(rec.Attempts)
	if rec.Decision.Verdict.IsFinal() {
		l.trimTracesLocked(rec)
	}
	return Commit{Result: r, Decision: rec.Decision}
}

// Interrupted counts a device failure that cut a test short and reports
// whether the test has now exceeded the infra retry budget.
func (l *Ledger) Interrupted(t domain.Test) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.recordLocked(t)
	rec.Interruptions++
	return rec.Interruptions > l.policy.cfg.MaxInfraRetries
}

// Abandon finalizes a test as FAIL_FINAL with r as its last attempt. It is
// used when a test keeps losing its device.
func (l *Ledger) Abandon(r domain.TestResult) Commit {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.recordLocked(r.Test)
	if rec.Final() {
		return Commit{Result: r, Decision: rec.Decision, Stale: true}
	}
	r.Status = domain.StatusFailed
	r.Attempt = len(rec.Attempts) + 1
	rec.Attempts = append(rec.Attempts, r)
	rec.Decision = Decision{Verdict: domain.VerdictFailFinal, Attempts: len(rec.Attempts)}
	l.trimTracesLocked(rec)
	return Commit{Result: r, Decision: rec.Decision}
}

// trimTracesLocked drops the traces of non-deciding attempts unless all are
// kept or the test is reported as flaky.
func (l *Ledger) trimTracesLocked(rec *Record) {
	if l.policy.cfg.KeepAllTraces || rec.Decision.Verdict == domain.VerdictFlakyPass {
		return
	}
	for i := 0; i < len(rec.Attempts)-1; i++ {
		rec.Attempts[i].Trace = ""
	}
}

// Get returns a copy of one test's record
func (l *Ledger) Get(t domain.Test) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[t.ID()]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// Records returns copies of all records in registration order
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, copyRecord(l.records[id]))
	}
	return out
}

// Pending returns the number of registered tests without a final verdict
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, rec := range l.records {
		if !rec.Final() {
			n++
		}
	}
	return n
}

func copyRecord(rec *Record) Record {
	cp := *rec
	cp.Attempts = make([]domain.TestResult, len(rec.Attempts))
	copy(cp.Attempts, rec.Attempts)
	return cp
}
