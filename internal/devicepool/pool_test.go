package devicepool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "omni"
	}
	return New(cfg, nil)
}

func connect(t *testing.T, p *Pool, id string) {
	t.Helper()
	if err := p.Connect(context.Background(), domain.Device{ID: id}, nil); err != nil {
		t.Fatalf("Connect(%s) error = %v", id, err)
	}
}

func stateOf(p *Pool, id string) domain.DeviceState {
	for _, s := range p.Snapshot() {
		if s.Device.ID == id {
			return s.State
		}
	}
	return ""
}

func TestPool_AcquireRelease(t *testing.T) {
	p := newTestPool(t, Config{})
	connect(t, p, "emulator-5554")

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if got := stateOf(p, "emulator-5554"); got != domain.DeviceBusy {
		t.Errorf("state = %s, want BUSY", got)
	}

	lease.CountTest()
	lease.CountTest()
	p.Release(lease)

	snap := p.Snapshot()
	if snap[0].State != domain.DeviceIdle {
		t.Errorf("state = %s, want IDLE", snap[0].State)
	}
	if snap[0].Usage.Batches != 1 || snap[0].Usage.Tests != 2 {
		t.Errorf("usage = %+v, want 1 batch 2 tests", snap[0].Usage)
	}
}

func TestPool_ExclusiveLeases(t *testing.T) {
	p := newTestPool(t, Config{})
	connect(t, p, "a")
	connect(t, p, "b")

	first, _ := p.Acquire(context.Background())
	second, _ := p.Acquire(context.Background())
	if first.Device.ID == second.Device.ID {
		t.Fatalf("both leases hold %s", first.Device.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() with all devices busy = %v, want deadline exceeded", err)
	}
}

func TestPool_AcquireWaitsForRelease(t *testing.T) {
	p := newTestPool(t, Config{})
	connect(t, p, "a")
	held, _ := p.Acquire(context.Background())

	got := make(chan *Lease, 1)
	go func() {
		l, err := p.Acquire(context.Background())
		if err == nil {
			got <- l
		}
	}()

	select {
	case <-got:
		t.Fatal("Acquire() returned while device was busy")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release(held)
	select {
	case l := <-got:
		if l.Device.ID != "a" {
			t.Errorf("leased %s, want a", l.Device.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire() did not wake up after Release")
	}
}

func TestPool_DisconnectCancelsLease(t *testing.T) {
	p := newTestPool(t, Config{})
	connect(t, p, "a")
	lease, _ := p.Acquire(context.Background())

	p.Disconnect("a", errors.New("adb: device offline"))

	select {
	case <-lease.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("lease context not cancelled")
	}
	if !lease.Lost() {
		t.Error("Lost() = false, want true")
	}
	if got := stateOf(p, "a"); got != domain.DeviceDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", got)
	}

	// Releasing a lost lease must not revive the device
	p.Release(lease)
	if got := stateOf(p, "a"); got != domain.DeviceDisconnected {
		t.Errorf("state after Release = %s, want DISCONNECTED", got)
	}
}

func TestPool_ReconnectNewGeneration(t *testing.T) {
	p := newTestPool(t, Config{})
	connect(t, p, "a")
	old, _ := p.Acquire(context.Background())
	p.Disconnect("a", nil)
	connect(t, p, "a")

	// A stale lease from the previous generation is ignored
	p.Release(old)
	fresh, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if fresh.generation == old.generation {
		t.Error("reconnect reused the old generation")
	}
	if got := stateOf(p, "a"); got != domain.DeviceBusy {
		t.Errorf("state = %s, want BUSY", got)
	}
}

func TestPool_ReconnectAfterSetupFailure(t *testing.T) {
	p := newTestPool(t, Config{})
	err := p.Connect(context.Background(), domain.Device{ID: "a"}, func(ctx context.Context, d domain.Device) error {
		return errors.New("adb offline")
	})
	if err == nil {
		t.Fatal("first Connect() error = nil")
	}

	var during domain.DeviceState
	err = p.Connect(context.Background(), domain.Device{ID: "a"}, func(ctx context.Context, d domain.Device) error {
		during = stateOf(p, "a")
		return nil
	})
	if err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if during != domain.DeviceConnecting {
		t.Errorf("state during setup = %s, want CONNECTING", during)
	}
	if got := stateOf(p, "a"); got != domain.DeviceIdle {
		t.Errorf("state = %s, want IDLE", got)
	}
	if snap := p.Snapshot(); snap[0].LastError != "" {
		t.Errorf("LastError = %q, want cleared on reconnect", snap[0].LastError)
	}
}

func TestPool_ConnectTwice(t *testing.T) {
	p := newTestPool(t, Config{})
	connect(t, p, "a")
	err := p.Connect(context.Background(), domain.Device{ID: "a"}, nil)
	if !domain.IsDeviceError(err) {
		t.Errorf("second Connect() error = %v, want DeviceError", err)
	}
}

func TestPool_PrepareFailure(t *testing.T) {
	p := newTestPool(t, Config{})
	setupErr := &domain.SetupError{DeviceID: "a", Step: "install", Err: errors.New("INSTALL_FAILED_INSUFFICIENT_STORAGE")}

	err := p.Connect(context.Background(), domain.Device{ID: "a"}, func(ctx context.Context, d domain.Device) error {
		return setupErr
	})
	var se *domain.SetupError
	if !errors.As(err, &se) {
		t.Fatalf("Connect() error = %v, want SetupError", err)
	}
	snap := p.Snapshot()
	if snap[0].State != domain.DeviceDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", snap[0].State)
	}
	if snap[0].LastError == "" {
		t.Error("LastError not recorded")
	}
}

func TestPool_ProbeTimeout(t *testing.T) {
	p := newTestPool(t, Config{ProbeTimeout: 10 * time.Millisecond})
	err := p.Connect(context.Background(), domain.Device{ID: "slow"}, func(ctx context.Context, d domain.Device) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect() error = %v, want deadline exceeded", err)
	}
}

func TestPool_NoDevicesTimeout(t *testing.T) {
	p := newTestPool(t, Config{NoDevicesTimeout: 30 * time.Millisecond})

	start := time.Now()
	_, err := p.Acquire(context.Background())
	if !errors.Is(err, domain.ErrNoDevices) {
		t.Fatalf("Acquire() error = %v, want ErrNoDevices", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
}

func TestPool_DeviceJoinsWhileWaiting(t *testing.T) {
	p := newTestPool(t, Config{NoDevicesTimeout: time.Second})

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = p.Connect(context.Background(), domain.Device{ID: "late"}, nil)
	}()

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if lease.Device.ID != "late" {
		t.Errorf("leased %s, want late", lease.Device.ID)
	}
}

func TestPool_Close(t *testing.T) {
	p := newTestPool(t, Config{})
	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	p.Close()
	select {
	case err := <-done:
		if !errors.Is(err, ErrPoolClosed) {
			t.Errorf("Acquire() error = %v, want ErrPoolClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire() not woken by Close")
	}
}

func TestPool_ConcurrentAcquireRelease(t *testing.T) {
	p := newTestPool(t, Config{})
	for _, id := range []string{"a", "b", "c"} {
		connect(t, p, id)
	}

	var mu sync.Mutex
	holding := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}
			mu.Lock()
			if holding[l.Device.ID] {
				t.Errorf("%s leased twice", l.Device.ID)
			}
			holding[l.Device.ID] = true
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holding[l.Device.ID] = false
			mu.Unlock()
			p.Release(l)
		}()
	}
	wg.Wait()

	total := 0
	for _, s := range p.Snapshot() {
		total += s.Usage.Batches
	}
	if total != 20 {
		t.Errorf("total batches = %d, want 20", total)
	}
}

func TestPool_DisconnectLeaseIgnoresNewGeneration(t *testing.T) {
	p := newTestPool(t, Config{})
	connect(t, p, "a")
	old, _ := p.Acquire(context.Background())
	p.Disconnect("a", nil)
	connect(t, p, "a")

	p.DisconnectLease(old, errors.New("late failure report"))
	if got := stateOf(p, "a"); got != domain.DeviceIdle {
		t.Errorf("state = %s, want IDLE", got)
	}
}
