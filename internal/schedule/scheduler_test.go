package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hochfrequenz/devicerun/internal/config"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 22 * * *", false},   // 10 PM daily
		{"0 12 * * 1-5", false}, // noon weekdays
		{"*/5 * * * *", false},  // every 5 minutes
		{"@hourly", false},
		{"invalid", true},
	}

	for _, tt := range tests {
		_, err := ParseCron(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCron(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestNew_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		entries []config.ScheduleEntry
	}{
		{"missing name", []config.ScheduleEntry{{Cron: "@daily"}}},
		{"duplicate", []config.ScheduleEntry{{Name: "a", Cron: "@daily"}, {Name: "a", Cron: "@hourly"}}},
		{"bad cron", []config.ScheduleEntry{{Name: "a", Cron: "61 * * * *"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.entries, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestScheduler_Due(t *testing.T) {
	s, err := New([]config.ScheduleEntry{
		{Name: "nightly", Cron: "0 22 * * *"},
		{Name: "smoke", Cron: "*/5 * * * *"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2026, 3, 2, 21, 58, 0, 0, time.UTC)
	s.lastRun["nightly"] = base
	s.lastRun["smoke"] = base

	if due := s.Due(base.Add(time.Minute)); len(due) != 0 {
		t.Errorf("Due(21:59) = %v, want none", due)
	}

	due := s.Due(base.Add(2 * time.Minute))
	if len(due) != 2 || due[0].Name != "nightly" || due[1].Name != "smoke" {
		t.Errorf("Due(22:00) = %v, want nightly and smoke", due)
	}

	s.markRunning("nightly")
	if due := s.Due(base.Add(2 * time.Minute)); len(due) != 1 || due[0].Name != "smoke" {
		t.Errorf("Due() with nightly running = %v", due)
	}

	s.markComplete("nightly", base.Add(2*time.Minute))
	if next := s.NextRun("nightly"); !next.Equal(time.Date(2026, 3, 3, 22, 0, 0, 0, time.UTC)) {
		t.Errorf("NextRun(nightly) = %v", next)
	}
}

func TestScheduler_RunTriggers(t *testing.T) {
	s, err := New([]config.ScheduleEntry{
		{Name: "smoke", Cron: "* * * * *", MaxDuration: config.Duration(time.Second)},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.lastRun["smoke"] = time.Now().Add(-2 * time.Minute)

	var calls atomic.Int32
	var hadDeadline atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, 5*time.Millisecond, func(ctx context.Context, e config.ScheduleEntry) error {
			_, ok := ctx.Deadline()
			hadDeadline.Store(ok)
			calls.Add(1)
			return nil
		})
	}()

	deadline := time.After(time.Second)
	for calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("scheduled run not triggered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if !hadDeadline.Load() {
		t.Error("run context had no deadline from max_duration")
	}
}

func TestScheduler_Names(t *testing.T) {
	s, _ := New([]config.ScheduleEntry{{Name: "b", Cron: "@daily"}, {Name: "a", Cron: "@daily"}}, nil)
	names := s.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names() = %v", names)
	}
}
