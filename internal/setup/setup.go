// Package setup prepares devices before they join a pool: it probes their
// capabilities and runs the configured install steps with bounded retries.
package setup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/executor"
	"github.com/hochfrequenz/devicerun/internal/retry"
)

// Step is one install or preparation command
type Step struct {
	Name    string `toml:"name"`
	Command string `toml:"command"`
	// SuccessMarker must appear in the output, e.g. "Success" for pm install
	SuccessMarker string `toml:"success_marker"`
}

// Config configures device preparation
type Config struct {
	ProbeCommand string
	Steps        []Step
	Retry        retry.Options
}

// Installer probes and prepares devices through a device shell
type Installer struct {
	shell  executor.Shell
	cfg    Config
	logger *slog.Logger
}

// New creates an Installer
func New(shell executor.Shell, cfg Config, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.Attempts < 1 {
		cfg.Retry = retry.DefaultOptions()
	}
	return &Installer{shell: shell, cfg: cfg, logger: logger.With("component", "setup")}
}

// Probe runs the probe command and merges its "key=value" output lines into
// the device capabilities. Without a probe command the device is returned
// unchanged.
func (in *Installer) Probe(ctx context.Context, d domain.Device) (domain.Device, error) {
	if in.cfg.ProbeCommand == "" {
		return d, nil
	}

	out, err := retry.Do(ctx, in.cfg.Retry, func(ctx context.Context, attempt int) retry.Result[string] {
		res, err := in.shell.Shell(ctx, d, in.cfg.ProbeCommand)
		if err != nil {
			return classify[string](ctx, err)
		}
		if res.ExitCode != 0 {
			return retry.Again[string](fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Output())))
		}
		return retry.Ok(res.Stdout)
	})
	if err != nil {
		return d, &domain.SetupError{DeviceID: d.ID, Step: "probe", Err: err}
	}

	caps := make(map[string]string, len(d.Capabilities))
	maps.Copy(caps, d.Capabilities)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || k == "" {
			continue
		}
		caps[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	d.Capabilities = caps
	in.logger.Debug("device probed", "device", d.ID, "capabilities", caps)
	return d, nil
}

// Prepare runs every install step in order. A step is retried with backoff
// and escalates to a *domain.SetupError once its attempts are exhausted.
// It matches devicepool.PrepareFunc.
func (in *Installer) Prepare(ctx context.Context, d domain.Device) error {
	for i, step := range in.cfg.Steps {
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step-%d", i+1)
		}
		logger := in.logger.With("device", d.ID, "step", name)

		_, err := retry.Do(ctx, in.cfg.Retry, func(ctx context.Context, attempt int) retry.Result[struct{}] {
			res, err := in.shell.Shell(ctx, d, step.Command)
			if err != nil {
				logger.Warn("setup step failed", "attempt", attempt, "error", err)
				return classify[struct{}](ctx, err)
			}
			if res.ExitCode != 0 {
				logger.Warn("setup step failed", "attempt", attempt, "exit_code", res.ExitCode)
				return retry.Again[struct{}](fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Output())))
			}
			if step.SuccessMarker != "" && !strings.Contains(res.Output(), step.SuccessMarker) {
				logger.Warn("setup step output missing success marker", "attempt", attempt, "marker", step.SuccessMarker)
				return retry.Again[struct{}](fmt.Errorf("output does not contain %q: %s", step.SuccessMarker, strings.TrimSpace(res.Output())))
			}
			return retry.Ok(struct{}{})
		})
		if err != nil {
			return &domain.SetupError{DeviceID: d.ID, Step: name, Err: err}
		}
		logger.Debug("setup step done")
	}
	return nil
}

// classify retries device errors unless the caller's context is done
func classify[T any](ctx context.Context, err error) retry.Result[T] {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return retry.Stop[T](err)
	}
	return retry.Again[T](err)
}
