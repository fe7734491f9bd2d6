// Package runner wires one run end to end: it loads and filters the test
// manifest, creates a device pool and coordinator per pool key as devices
// arrive, and turns the pool summaries into a stored report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/devicerun/internal/attachment"
	"github.com/hochfrequenz/devicerun/internal/config"
	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/events"
	"github.com/hochfrequenz/devicerun/internal/executor"
	"github.com/hochfrequenz/devicerun/internal/filter"
	"github.com/hochfrequenz/devicerun/internal/inventory"
	"github.com/hochfrequenz/devicerun/internal/notify"
	"github.com/hochfrequenz/devicerun/internal/policy"
	"github.com/hochfrequenz/devicerun/internal/report"
	"github.com/hochfrequenz/devicerun/internal/resultstore"
	"github.com/hochfrequenz/devicerun/internal/setup"
)

// ErrRunActive is returned when Run is called while another run is going
var ErrRunActive = errors.New("a run is already active")

// OmniPool is the pool name when every device shares one pool
const OmniPool = "omni"

// Deps are the collaborators of a Runner
type Deps struct {
	// Backend executes tests and setup commands. Required.
	Backend executor.Backend
	// Capturer records diagnostics when attachments are enabled
	Capturer attachment.Capturer
	Store    *resultstore.Store
	Notifier notify.Notifier
	// Listeners are subscribed to the event bus of every run by name
	Listeners map[string]events.Listener
}

// Options select what one run executes
type Options struct {
	Name string
	// Tests overrides the manifest when non-nil
	Tests    []domain.Test
	Manifest string
	Notify   bool
}

// Result is a finished run
type Result struct {
	Report     report.Report
	ReportPath string
}

// Runner executes runs against the devices it is told about. It implements
// the device handler of the hub and of the descriptor watcher, so devices
// can come and go between and during runs.
type Runner struct {
	cfg       *config.Config
	deps      Deps
	logger    *slog.Logger
	policy    *policy.Policy
	filter    *filter.Filter
	attach    attachment.Policy
	installer *setup.Installer

	mu      sync.Mutex
	known   map[string]domain.Device
	current *run
}

// New validates cfg and creates a Runner
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Backend == nil {
		return nil, errors.New("runner: no execution backend")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NoopNotifier{}
	}

	pol, err := policy.New(cfg.PolicyConfig())
	if err != nil {
		return nil, err
	}
	f, err := filter.CompileSpec(cfg.Filter)
	if err != nil {
		return nil, err
	}
	attach, err := attachment.ParsePolicy(cfg.Attachments.Policy)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "runner"),
		policy:    pol,
		filter:    f,
		attach:    attach,
		installer: setup.New(deps.Backend, cfg.SetupConfig(), logger),
		known:     make(map[string]domain.Device),
	}
	for _, s := range cfg.Devices.Static {
		r.known[s.ID] = domain.Device{ID: s.ID, Pool: s.Pool, Capabilities: s.Capabilities}
	}
	return r, nil
}

// DeviceAdded makes a device available to the current and future runs
func (r *Runner) DeviceAdded(d domain.Device) {
	r.mu.Lock()
	r.known[d.ID] = d
	cur := r.current
	r.mu.Unlock()

	r.logger.Info("device available", "device", d.ID)
	if cur != nil {
		cur.add(d)
	}
}

// DeviceRemoved withdraws a device
func (r *Runner) DeviceRemoved(id string) {
	r.mu.Lock()
	delete(r.known, id)
	cur := r.current
	r.mu.Unlock()

	r.logger.Info("device withdrawn", "device", id)
	if cur != nil {
		cur.remove(id)
	}
}

// Devices returns the devices currently known, sorted by id
func (r *Runner) Devices() []domain.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := slices.Sorted(maps.Keys(r.known))
	out := make([]domain.Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.known[id])
	}
	return out
}

// Tests loads the manifest and splits it by the configured filter
func (r *Runner) Tests(opts Options) (selected, excluded []domain.Test, err error) {
	tests := opts.Tests
	if tests == nil {
		path := opts.Manifest
		if path == "" {
			path = r.cfg.Run.Manifest
		}
		if path == "" {
			return nil, nil, &domain.ConfigError{Field: "run.manifest", Message: "no test manifest given"}
		}
		tests, err = inventory.LoadManifest(config.ExpandPath(path))
		if err != nil {
			return nil, nil, fmt.Errorf("load manifest: %w", err)
		}
	}
	selected, excluded = r.filter.Split(tests)
	return selected, excluded, nil
}

// PoolKey returns the pool a device belongs to. An explicit pool wins over
// the capability named by the pooling strategy.
func (r *Runner) PoolKey(d domain.Device) string {
	if d.Pool != "" {
		return d.Pool
	}
	key := r.cfg.Run.Pooling
	if key == "" || key == OmniPool {
		return OmniPool
	}
	if v := d.Capability(key); v != "" {
		return v
	}
	return "unknown-" + key
}

// Run executes one run to completion. The returned error reports problems
// outside the test outcome, which is in the report.
func (r *Runner) Run(ctx context.Context, opts Options) (Result, error) {
	selected, excluded, err := r.Tests(opts)
	if err != nil {
		return Result{}, err
	}

	r.mu.Lock()
	if r.current != nil {
		r.mu.Unlock()
		return Result{}, ErrRunActive
	}
	runID := uuid.New().String()
	rn := newRun(ctx, r, runID, selected)
	rn.start()
	r.current = rn
	devices := make([]domain.Device, 0, len(r.known))
	for _, d := range r.known {
		devices = append(devices, d)
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
	}()

	logger := r.logger.With("run", runID)
	logger.Info("run started", "name", opts.Name, "tests", len(selected), "excluded", len(excluded), "devices", len(devices))

	started := time.Now()
	if r.cfg.Run.Pooling == "" || r.cfg.Run.Pooling == OmniPool {
		rn.pool(OmniPool)
	}
	for _, d := range devices {
		rn.add(d)
	}

	runErr := rn.wait()

	rep := report.Report{
		RunID:     runID,
		Name:      opts.Name,
		StartedAt: started,
		EndedAt:   time.Now(),
	}
	rep.Pools = rn.reports()
	rep.Aggregate()
	if len(rep.Pools) == 0 && ctx.Err() != nil {
		// Cancelled before any device formed a pool
		rep.Outcome = domain.OutcomeCancelled
	}
	for _, t := range excluded {
		rep.Excluded = append(rep.Excluded, t.ID())
	}

	res := Result{Report: rep}
	res.ReportPath, err = report.Write(config.ExpandPath(r.cfg.General.ReportDir), rep)
	if err != nil {
		return res, err
	}
	if r.deps.Store != nil {
		if err := r.deps.Store.SaveRun(rep, res.ReportPath); err != nil {
			logger.Error("saving run history failed", "error", err)
		}
	}
	if opts.Notify {
		if err := r.deps.Notifier.Send(notify.FromReport(rep, res.ReportPath)); err != nil {
			logger.Warn("notification failed", "error", err)
		}
	}

	totals := rep.Totals()
	logger.Info("run finished",
		"outcome", rep.Outcome,
		"passed", totals.Passed,
		"flaky", totals.Flaky,
		"failed", totals.Failed,
		"unfinished", totals.Unfinished,
		"duration", rep.Duration(),
		"report", res.ReportPath)

	return res, runErr
}
