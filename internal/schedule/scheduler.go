// Package schedule triggers recurring runs from cron expressions
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/devicerun/internal/config"
)

// RunFunc executes one scheduled run
type RunFunc func(ctx context.Context, entry config.ScheduleEntry) error

// Scheduler manages scheduled runs
type Scheduler struct {
	entries   map[string]config.ScheduleEntry
	schedules map[string]cron.Schedule
	lastRun   map[string]time.Time
	running   map[string]bool
	mu        sync.RWMutex
	now       func() time.Time
	logger    *slog.Logger
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor like @daily
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// New creates a scheduler. Entries become due at their first cron time after
// construction.
func New(entries []config.ScheduleEntry, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		entries:   make(map[string]config.ScheduleEntry),
		schedules: make(map[string]cron.Schedule),
		lastRun:   make(map[string]time.Time),
		running:   make(map[string]bool),
		now:       time.Now,
		logger:    logger.With("component", "schedule"),
	}

	start := s.now()
	for _, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("schedule name is required")
		}
		if _, dup := s.entries[e.Name]; dup {
			return nil, fmt.Errorf("duplicate schedule %q", e.Name)
		}
		sched, err := ParseCron(e.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: invalid cron expression: %w", e.Name, err)
		}
		s.entries[e.Name] = e
		s.schedules[e.Name] = sched
		s.lastRun[e.Name] = start
	}
	return s, nil
}

// Names returns all schedule names in order
func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entry returns the entry for a schedule
func (s *Scheduler) Entry(name string) (config.ScheduleEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return e, ok
}

// NextRun returns the next scheduled run time
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[name]
	if !ok {
		return time.Time{}
	}
	return sched.Next(s.lastRun[name])
}

// Due returns the entries whose next run time has passed and that are not
// running already
func (s *Scheduler) Due(now time.Time) []config.ScheduleEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []config.ScheduleEntry
	for name, sched := range s.schedules {
		if s.running[name] {
			continue
		}
		if !now.Before(sched.Next(s.lastRun[name])) {
			due = append(due, s.entries[name])
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Name < due[j].Name })
	return due
}

func (s *Scheduler) markRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

func (s *Scheduler) markComplete(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = at
}

// Run checks for due entries every interval and starts them until ctx is
// cancelled. It waits for started runs before returning.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, fn RunFunc) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := s.now()
			for _, e := range s.Due(now) {
				s.markRunning(e.Name)
				wg.Add(1)
				go func(e config.ScheduleEntry) {
					defer wg.Done()
					s.trigger(ctx, e, fn)
				}(e)
			}
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, e config.ScheduleEntry, fn RunFunc) {
	started := s.now()
	defer func() { s.markComplete(e.Name, started) }()

	if d := e.MaxDuration.Std(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	s.logger.Info("scheduled run started", "schedule", e.Name, "manifest", e.Manifest)
	if err := fn(ctx, e); err != nil {
		s.logger.Error("scheduled run failed", "schedule", e.Name, "error", err)
		return
	}
	s.logger.Info("scheduled run finished", "schedule", e.Name, "duration", s.now().Sub(started))
}
