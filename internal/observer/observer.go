package observer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/events"
)

// Observer watches test executions on the event bus. It flags executions
// running longer than the stuck threshold and aggregates timing metrics.
type Observer struct {
	stuckThreshold time.Duration
	logger         *slog.Logger
	now            func() time.Time

	running     map[execKey]*Execution
	completions []completion
	mu          sync.RWMutex
}

type execKey struct {
	pool   string
	device string
	test   string
}

// Execution is a test currently running on a device
type Execution struct {
	Pool      string
	DeviceID  string
	Test      domain.Test
	Attempt   int
	StartedAt time.Time

	reported bool
}

type completion struct {
	pool        string
	deviceID    string
	duration    time.Duration
	failed      bool
	completedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalCompleted int
	TotalFailed    int
	AvgDuration    time.Duration
	Devices        map[string]DeviceMetrics
}

// DeviceMetrics are the totals for one device
type DeviceMetrics struct {
	Tests  int
	Failed int
	Busy   time.Duration
}

// New creates a new Observer
func New(stuckThreshold time.Duration, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		stuckThreshold: stuckThreshold,
		logger:         logger.With("component", "observer"),
		now:            time.Now,
		running:        make(map[execKey]*Execution),
	}
}

// Handle implements events.Listener
func (o *Observer) Handle(e events.Event) error {
	at := e.Time
	if at.IsZero() {
		at = o.now()
	}
	key := execKey{pool: e.Pool, device: e.Device.ID, test: e.Test.ID()}

	o.mu.Lock()
	defer o.mu.Unlock()

	switch e.Kind {
	case events.TestStarted:
		o.running[key] = &Execution{
			Pool:      e.Pool,
			DeviceID:  e.Device.ID,
			Test:      e.Test,
			Attempt:   e.Attempt,
			StartedAt: at,
		}
	case events.TestFailed, events.RunFailed:
		if ex, ok := o.running[key]; ok {
			o.completions = append(o.completions, completion{
				pool: e.Pool, deviceID: e.Device.ID, duration: at.Sub(ex.StartedAt), failed: true, completedAt: at,
			})
			delete(o.running, key)
		}
	case events.TestEnded:
		// No-op when TestFailed already recorded the execution
		if ex, ok := o.running[key]; ok {
			o.completions = append(o.completions, completion{
				pool: e.Pool, deviceID: e.Device.ID, duration: at.Sub(ex.StartedAt), completedAt: at,
			})
			delete(o.running, key)
		}
	}
	return nil
}

// IsStuck returns true if an execution has run longer than the threshold
func (o *Observer) IsStuck(ex Execution) bool {
	if o.stuckThreshold <= 0 {
		return false
	}
	return o.now().Sub(ex.StartedAt) > o.stuckThreshold
}

// Stuck returns the executions over the threshold, oldest first
func (o *Observer) Stuck() []Execution {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var out []Execution
	for _, ex := range o.running {
		if o.IsStuck(*ex) {
			out = append(out, *ex)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Watch logs each stuck execution once, checking every interval until ctx
// is done
func (o *Observer) Watch(ctx context.Context, interval time.Duration) {
	if o.stuckThreshold <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reportStuck()
		}
	}
}

func (o *Observer) reportStuck() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ex := range o.running {
		if ex.reported || !o.IsStuck(*ex) {
			continue
		}
		ex.reported = true
		o.logger.Warn("test appears stuck",
			"pool", ex.Pool, "device", ex.DeviceID, "test", ex.Test.ID(),
			"attempt", ex.Attempt, "running_for", o.now().Sub(ex.StartedAt).Round(time.Second))
	}
}

// Metrics returns aggregated metrics for one pool, or all pools if pool is
// empty
func (o *Observer) Metrics(pool string) Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	m := Metrics{Devices: make(map[string]DeviceMetrics)}
	var total time.Duration
	for _, c := range o.completions {
		if pool != "" && c.pool != pool {
			continue
		}
		m.TotalCompleted++
		total += c.duration

		dm := m.Devices[c.deviceID]
		dm.Tests++
		dm.Busy += c.duration
		if c.failed {
			m.TotalFailed++
			dm.Failed++
		}
		m.Devices[c.deviceID] = dm
	}
	if m.TotalCompleted > 0 {
		m.AvgDuration = total / time.Duration(m.TotalCompleted)
	}
	return m
}

// RecentCompletions returns how many executions completed within since
func (o *Observer) RecentCompletions(since time.Duration) int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := o.now().Add(-since)
	n := 0
	for _, c := range o.completions {
		if c.completedAt.After(cutoff) {
			n++
		}
	}
	return n
}
