package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

var (
	pixel = domain.Device{ID: "emulator-5554", Capabilities: map[string]string{"serial": "emulator-5554", "model": "pixel_7"}}
	login = domain.Test{Package: "com.example", Class: "LoginTest", Method: "testLogin"}
)

func newCommand(t *testing.T, cfg CommandConfig) *Command {
	t.Helper()
	c, err := NewCommand(cfg, nil)
	if err != nil {
		t.Fatalf("NewCommand() error = %v", err)
	}
	return c
}

func TestCommand_ExitCodes(t *testing.T) {
	tests := []struct {
		name      string
		command   string
		want      domain.TestStatus
		wantInfra bool
	}{
		{"pass", "exit 0", domain.StatusPassed, false},
		{"fail", "echo 'AssertionError: expected 1' >&2; exit 1", domain.StatusFailed, false},
		{"assumption", "exit 3", domain.StatusAssumptionFailure, false},
		{"ignored", "exit 4", domain.StatusIgnored, false},
		{"infra", "echo 'error: device offline' >&2; exit 255", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCommand(t, CommandConfig{
				Command:            tt.command,
				InfraExitCodes:     []int{255},
				AssumptionExitCode: 3,
				IgnoredExitCode:    4,
			})
			res, err := c.Execute(context.Background(), pixel, login)
			if tt.wantInfra {
				if !domain.IsDeviceError(err) {
					t.Fatalf("Execute() error = %v, want DeviceError", err)
				}
				if !strings.Contains(err.Error(), "device offline") {
					t.Errorf("error %q does not carry the output", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if res.Status != tt.want {
				t.Errorf("Status = %s, want %s", res.Status, tt.want)
			}
		})
	}
}

func TestCommand_FailureTrace(t *testing.T) {
	c := newCommand(t, CommandConfig{Command: "echo 'java.lang.AssertionError' >&2; exit 1"})
	res, err := c.Execute(context.Background(), pixel, login)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Trace, "java.lang.AssertionError") {
		t.Errorf("Trace = %q", res.Trace)
	}
	if res.EndedAt.Before(res.StartedAt) {
		t.Error("EndedAt before StartedAt")
	}
}

func TestCommand_Placeholders(t *testing.T) {
	c := newCommand(t, CommandConfig{
		Command: `test "{serial} {class}#{method} {test}" = "emulator-5554 com.example.LoginTest#testLogin com.example.LoginTest#testLogin" && test "$DEVICERUN_CAP_MODEL" = pixel_7`,
	})
	res, err := c.Execute(context.Background(), pixel, login)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.StatusPassed {
		t.Errorf("placeholders not expanded: %s %q", res.Status, res.Trace)
	}
}

func TestCommand_Metrics(t *testing.T) {
	c := newCommand(t, CommandConfig{Command: "echo '##metric duration_ms=120'; echo '##metric frames=60'; echo noise"})
	res, err := c.Execute(context.Background(), pixel, login)
	if err != nil {
		t.Fatal(err)
	}
	if res.Metrics["duration_ms"] != "120" || res.Metrics["frames"] != "60" || len(res.Metrics) != 2 {
		t.Errorf("Metrics = %v", res.Metrics)
	}
}

func TestCommand_TestTimeout(t *testing.T) {
	c := newCommand(t, CommandConfig{Command: "sleep 5", TestTimeout: 50 * time.Millisecond})
	res, err := c.Execute(context.Background(), pixel, login)
	if err != nil {
		t.Fatalf("Execute() error = %v, want timed out result", err)
	}
	if res.Status != domain.StatusFailed || !strings.Contains(res.Trace, "timed out") {
		t.Errorf("got %s %q, want failed with timeout trace", res.Status, res.Trace)
	}
}

func TestCommand_CancelledIsInfra(t *testing.T) {
	c := newCommand(t, CommandConfig{Command: "sleep 5"})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := c.Execute(ctx, pixel, login); !domain.IsDeviceError(err) {
		t.Errorf("Execute() error = %v, want DeviceError", err)
	}
}

func TestCommand_Shell(t *testing.T) {
	c := newCommand(t, CommandConfig{Command: "true"})
	res, err := c.Shell(context.Background(), pixel, "echo installing on {serial}; exit 2")
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", res.ExitCode)
	}
	if res.Stdout != "installing on emulator-5554\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}

func TestNewCommand_Empty(t *testing.T) {
	if _, err := NewCommand(CommandConfig{}, nil); !domain.IsConfigError(err) {
		t.Errorf("NewCommand() error = %v, want ConfigError", err)
	}
}
