// Package policy decides whether a test is final, retried or flaky based on
// its committed attempt history.
package policy

import (
	"fmt"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

// Config holds retry and flakiness settings
type Config struct {
	// MaxAttempts includes the first try
	MaxAttempts     int
	ReportFlaky     bool
	KeepAllTraces   bool
	MaxInfraRetries int
}

// DefaultConfig returns the retry settings used when none are configured
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		ReportFlaky:     true,
		MaxInfraRetries: 3,
	}
}

// Decision is the outcome of evaluating a test's history
type Decision struct {
	Verdict  domain.Verdict
	Flaky    bool
	Attempts int
}

// Policy is a pure decision function over attempt histories
type Policy struct {
	cfg Config
}

// New validates cfg and returns a Policy
func New(cfg Config) (*Policy, error) {
	if cfg.MaxAttempts < 1 {
		return nil, &domain.ConfigError{Field: "retry.max_attempts", Message: fmt.Sprintf("must be >= 1, got %d", cfg.MaxAttempts)}
	}
	if cfg.MaxInfraRetries < 0 {
		return nil, &domain.ConfigError{Field: "retry.max_infra_retries", Message: fmt.Sprintf("must be >= 0, got %d", cfg.MaxInfraRetries)}
	}
	return &Policy{cfg: cfg}, nil
}

// Config returns the policy configuration
func (p *Policy) Config() Config {
	return p.cfg
}

// Decide maps a test's committed attempts, oldest first, to a verdict.
// An empty history has not run yet and is reported as RETRY.
func (p *Policy) Decide(history []domain.TestResult) Decision {
	n := len(history)
	if n == 0 {
		return Decision{Verdict: domain.VerdictRetry}
	}

	latest := history[n-1]
	if !latest.Status.IsFailure() {
		flaky := false
		for _, r := range history[:n-1] {
			if r.Status.IsFailure() {
				flaky = true
				break
			}
		}
		d := Decision{Verdict: domain.VerdictPassFinal, Flaky: flaky, Attempts: n}
		if flaky && p.cfg.ReportFlaky {
			d.Verdict = domain.VerdictFlakyPass
		}
		return d
	}

	if n < p.cfg.MaxAttempts {
		return Decision{Verdict: domain.VerdictRetry, Attempts: n}
	}
	return Decision{Verdict: domain.VerdictFailFinal, Attempts: n}
}
