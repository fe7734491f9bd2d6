// Package executor defines how a test runs on a device. The core never
// speaks a device protocol itself: it calls an Executor and treats a
// returned error as an infrastructure failure of that device.
package executor

import (
	"context"
	"time"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

// Result is the normal outcome of running one test
type Result struct {
	Status    domain.TestStatus
	Trace     string
	StartedAt time.Time
	EndedAt   time.Time
	Metrics   map[string]string
}

// Executor runs a single test on a device. A non-nil error means the device
// or its control channel failed; the test outcome itself is in Result.
type Executor interface {
	Execute(ctx context.Context, device domain.Device, test domain.Test) (Result, error)
}

// ShellResult is the output of a device shell command
type ShellResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Output returns stdout followed by stderr
func (r ShellResult) Output() string {
	return r.Stdout + r.Stderr
}

// Shell runs setup and probe commands on a device
type Shell interface {
	Shell(ctx context.Context, device domain.Device, command string) (ShellResult, error)
}

// Backend is what a device transport provides: test execution plus a shell
type Backend interface {
	Executor
	Shell
}
