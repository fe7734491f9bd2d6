package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastOptions(attempts int) Options {
	return Options{Attempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
}

func TestBackoff(t *testing.T) {
	opts := DefaultOptions()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{10, 60 * time.Second},
	}

	for _, tt := range tests {
		if got := opts.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastOptions(3), func(ctx context.Context, attempt int) Result[string] {
		calls++
		if attempt < 3 {
			return Again[string](errors.New("install failed"))
		}
		return Ok("installed")
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got != "installed" {
		t.Errorf("Do() = %q, want installed", got)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_Exhausted(t *testing.T) {
	cause := errors.New("adb: device offline")
	calls := 0
	_, err := Do(context.Background(), fastOptions(2), func(ctx context.Context, attempt int) Result[struct{}] {
		calls++
		return Again[struct{}](cause)
	})

	if !IsExhausted(err) {
		t.Fatalf("error = %v, want ExhaustedError", err)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestDo_FatalStopsImmediately(t *testing.T) {
	cause := errors.New("package not found")
	calls := 0
	_, err := Do(context.Background(), fastOptions(5), func(ctx context.Context, attempt int) Result[int] {
		calls++
		return Stop[int](cause)
	})

	if !errors.Is(err, cause) {
		t.Errorf("error = %v, want %v", err, cause)
	}
	if IsExhausted(err) {
		t.Error("fatal error reported as exhausted")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{Attempts: 5, InitialDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, opts, func(ctx context.Context, attempt int) Result[int] {
			return Again[int](errors.New("busy"))
		})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do() did not return after cancel")
	}
}
