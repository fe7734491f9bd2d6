package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

// metricPrefix marks a stdout line carrying a test metric: "##metric key=value"
const metricPrefix = "##metric "

const (
	// maxTraceBytes bounds the trace kept from a failing command
	maxTraceBytes = 16 << 10
	waitDelay     = time.Second
)

// CommandConfig configures local command execution
type CommandConfig struct {
	// Command is a shell template. Placeholders: {device} {serial} {package}
	// {class} {simple_class} {method} {test}
	Command            string
	Shell              string
	Env                map[string]string
	InfraExitCodes     []int
	AssumptionExitCode int
	IgnoredExitCode    int
	TestTimeout        time.Duration
}

// Command executes tests and shell commands through a local shell, for
// devices driven by a host-side CLI such as adb or simctl.
type Command struct {
	cfg    CommandConfig
	logger *slog.Logger
}

// NewCommand validates cfg and returns a Command executor
func NewCommand(cfg CommandConfig, logger *slog.Logger) (*Command, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, &domain.ConfigError{Field: "executor.command", Message: "must not be empty"}
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Command{cfg: cfg, logger: logger.With("component", "executor")}, nil
}

// Execute runs the test command and maps its exit code to a test status
func (c *Command) Execute(ctx context.Context, device domain.Device, test domain.Test) (Result, error) {
	parent := ctx
	if c.cfg.TestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.TestTimeout)
		defer cancel()
	}

	command := expand(c.cfg.Command, device, &test)
	c.logger.Debug("executing test", "device", device.ID, "test", test.ID(), "command", command)

	started := time.Now()
	out, err := c.run(ctx, device, &test, command)
	res := Result{StartedAt: started, EndedAt: time.Now(), Metrics: parseMetrics(out.Stdout)}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
			res.Status = domain.StatusFailed
			res.Trace = fmt.Sprintf("test timed out after %s\n%s", c.cfg.TestTimeout, tail(out.Output()))
			return res, nil
		}
		return res, &domain.DeviceError{DeviceID: device.ID, Op: "execute " + test.ID(), Err: err}
	}

	switch code := out.ExitCode; {
	case code == 0:
		res.Status = domain.StatusPassed
	case slices.Contains(c.cfg.InfraExitCodes, code):
		return res, &domain.DeviceError{
			DeviceID: device.ID,
			Op:       "execute " + test.ID(),
			Err:      fmt.Errorf("exit code %d: %s", code, strings.TrimSpace(tail(out.Output()))),
		}
	case c.cfg.AssumptionExitCode != 0 && code == c.cfg.AssumptionExitCode:
		res.Status = domain.StatusAssumptionFailure
		res.Trace = tail(out.Output())
	case c.cfg.IgnoredExitCode != 0 && code == c.cfg.IgnoredExitCode:
		res.Status = domain.StatusIgnored
	default:
		res.Status = domain.StatusFailed
		res.Trace = tail(out.Output())
	}
	return res, nil
}

// Shell runs an arbitrary command for a device
func (c *Command) Shell(ctx context.Context, device domain.Device, command string) (ShellResult, error) {
	out, err := c.run(ctx, device, nil, expand(command, device, nil))
	if err != nil {
		return out, &domain.DeviceError{DeviceID: device.ID, Op: "shell", Err: err}
	}
	return out, nil
}

// run starts the command and collects its output. Only failures to run the
// command at all are returned as errors; a non-zero exit is in ExitCode.
func (c *Command) run(ctx context.Context, device domain.Device, test *domain.Test, command string) (ShellResult, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, c.cfg.Shell, "-c", command)
	cmd.Env = append(os.Environ(), c.env(device, test)...)
	// Children of the shell may hold the pipes open after it is killed
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ShellResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("command failed: %w", err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

func (c *Command) env(device domain.Device, test *domain.Test) []string {
	env := []string{
		"DEVICERUN_DEVICE=" + device.ID,
		"DEVICERUN_SERIAL=" + device.Serial(),
	}
	for _, k := range device.CapabilityKeys() {
		env = append(env, fmt.Sprintf("DEVICERUN_CAP_%s=%s", strings.ToUpper(k), device.Capabilities[k]))
	}
	if test != nil {
		env = append(env, "DEVICERUN_TEST="+test.ID())
	}
	for k, v := range c.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

func expand(template string, device domain.Device, test *domain.Test) string {
	pairs := []string{
		"{device}", device.ID,
		"{serial}", device.Serial(),
	}
	if test != nil {
		pairs = append(pairs,
			"{package}", test.Package,
			"{class}", test.ClassName(),
			"{simple_class}", test.Class,
			"{method}", test.Method,
			"{test}", test.ID(),
		)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func parseMetrics(stdout string) map[string]string {
	var metrics map[string]string
	for _, line := range strings.Split(stdout, "\n") {
		rest, ok := strings.CutPrefix(line, metricPrefix)
		if !ok {
			continue
		}
		k, v, ok := strings.Cut(strings.TrimSpace(rest), "=")
		if !ok || k == "" {
			continue
		}
		if metrics == nil {
			metrics = make(map[string]string)
		}
		metrics[k] = v
	}
	return metrics
}

func tail(s string) string {
	if len(s) <= maxTraceBytes {
		return s
	}
	return "...\n" + s[len(s)-maxTraceBytes:]
}
