package deviceagent

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/devicerun/internal/devicehub"
	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/executor"
	"github.com/hochfrequenz/devicerun/internal/retry"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{ServerURL: "ws://hub:8765/ws", AgentID: "lab-1"}, false},
		{"missing url", Config{AgentID: "lab-1"}, true},
		{"missing id", Config{ServerURL: "ws://hub:8765/ws"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAgent_JobTracking(t *testing.T) {
	a, err := New(Config{ServerURL: "ws://localhost:9999/ws", AgentID: "test"}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.TrackJob("r1", cancel)
	if !a.HasJob("r1") {
		t.Error("HasJob(r1) = false, want true")
	}
	a.CancelJob("r1")
	select {
	case <-ctx.Done():
	case <-time.After(100 * time.Millisecond):
		t.Error("request context was not cancelled")
	}
	if a.HasJob("r1") {
		t.Error("HasJob(r1) = true after cancel")
	}
}

type fakeBackend struct{}

func (fakeBackend) Execute(ctx context.Context, d domain.Device, t domain.Test) (executor.Result, error) {
	status := domain.StatusPassed
	if strings.HasPrefix(t.Method, "fail") {
		status = domain.StatusFailed
	}
	return executor.Result{Status: status, Trace: "ran on " + d.ID, Metrics: map[string]string{"device": d.ID}}, nil
}

func (fakeBackend) Shell(ctx context.Context, d domain.Device, command string) (executor.ShellResult, error) {
	if command == "hang" {
		<-ctx.Done()
		return executor.ShellResult{}, ctx.Err()
	}
	return executor.ShellResult{Stdout: d.Serial() + ": " + command}, nil
}

type deviceEvents struct {
	mu      sync.Mutex
	added   map[string]domain.Device
	removed []string
	changed chan struct{}
}

func newDeviceEvents() *deviceEvents {
	return &deviceEvents{added: make(map[string]domain.Device), changed: make(chan struct{}, 16)}
}

func (e *deviceEvents) DeviceAdded(d domain.Device) {
	e.mu.Lock()
	e.added[d.ID] = d
	e.mu.Unlock()
	e.changed <- struct{}{}
}

func (e *deviceEvents) DeviceRemoved(id string) {
	e.mu.Lock()
	e.removed = append(e.removed, id)
	e.mu.Unlock()
	e.changed <- struct{}{}
}

func (e *deviceEvents) wait(t *testing.T) {
	t.Helper()
	select {
	case <-e.changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no device event")
	}
}

func TestAgent_ServesHub(t *testing.T) {
	evs := newDeviceEvents()
	hub := devicehub.New(devicehub.Config{HeartbeatInterval: time.Second}, evs, nil)
	srv := httptest.NewServer(hub.Routes())
	defer srv.Close()

	agent, err := New(Config{
		ServerURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		AgentID:   "lab-1",
		Reconnect: retry.Options{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Factor: 2},
	}, fakeBackend{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	agent.DeviceAdded(domain.Device{ID: "emulator-5554", Capabilities: map[string]string{"model": "sdk"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		agent.RunWithReconnect(ctx)
	}()

	evs.wait(t)
	dev := domain.Device{ID: "emulator-5554"}

	res, err := hub.Execute(context.Background(), dev, domain.Test{Package: "com.example", Class: "A", Method: "failsOnPurpose"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != domain.StatusFailed || res.Metrics["device"] != "emulator-5554" {
		t.Errorf("Execute() = %+v", res)
	}

	out, err := hub.Shell(context.Background(), dev, "getprop ro.product.model")
	if err != nil {
		t.Fatalf("Shell() error = %v", err)
	}
	if out.Stdout != "emulator-5554: getprop ro.product.model" {
		t.Errorf("Shell() stdout = %q", out.Stdout)
	}

	// Devices added after registration are announced
	agent.DeviceAdded(domain.Device{ID: "pixel-7"})
	evs.wait(t)

	// A cancelled request is cancelled on the agent as well
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = hub.Shell(shortCtx, dev, "hang")
	shortCancel()
	if !domain.IsDeviceError(err) {
		t.Errorf("Shell(hang) error = %v, want DeviceError", err)
	}

	cancel()
	<-done
	evs.wait(t)
	evs.wait(t)

	evs.mu.Lock()
	defer evs.mu.Unlock()
	if len(evs.removed) != 2 {
		t.Errorf("removed = %v, want both devices", evs.removed)
	}
	if evs.added["emulator-5554"].Capability("model") != "sdk" {
		t.Errorf("capabilities lost: %+v", evs.added["emulator-5554"])
	}
}

func TestAgent_UnknownDevice(t *testing.T) {
	a, _ := New(Config{ServerURL: "ws://x/ws", AgentID: "a"}, fakeBackend{}, nil)
	if _, ok := a.device("nope"); ok {
		t.Error("device(nope) found")
	}
	a.DeviceAdded(domain.Device{ID: "d1"})
	a.DeviceAdded(domain.Device{ID: "d2"})
	a.DeviceRemoved("d1")
	if got := a.Devices(); len(got) != 1 || got[0].ID != "d2" {
		t.Errorf("Devices() = %v, want [d2]", got)
	}
}
