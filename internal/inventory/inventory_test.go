package inventory

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

func TestParseManifest(t *testing.T) {
	data := []byte(`
tests:
  - id: com.example.LoginTest#testLogin
    meta:
      - name: com.example.Smoke
  - package: com.example
    class: LoginTest
    method: testLogout
`)
	got, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	want := []domain.Test{
		{Package: "com.example", Class: "LoginTest", Method: "testLogin", MetaProperties: []domain.MetaProperty{{Name: "com.example.Smoke"}}},
		{Package: "com.example", Class: "LoginTest", Method: "testLogout"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tests mismatch (-want +got):\n%s", diff)
	}
}

func TestParseManifest_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad id", "tests:\n  - id: not-a-test\n"},
		{"missing method", "tests:\n  - class: LoginTest\n"},
		{"duplicate", "tests:\n  - id: a.B#c\n  - package: a\n    class: B\n    method: c\n"},
		{"bad yaml", "tests: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseManifest([]byte(tt.data)); !domain.IsConfigError(err) {
				t.Errorf("ParseManifest() error = %v, want ConfigError", err)
			}
		})
	}
}

type recorder struct {
	mu      sync.Mutex
	added   []string
	removed []string
	changed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{changed: make(chan struct{}, 16)}
}

func (r *recorder) DeviceAdded(d domain.Device) {
	r.mu.Lock()
	r.added = append(r.added, d.ID)
	r.mu.Unlock()
	r.changed <- struct{}{}
}

func (r *recorder) DeviceRemoved(id string) {
	r.mu.Lock()
	r.removed = append(r.removed, id)
	r.mu.Unlock()
	r.changed <- struct{}{}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no device change reported")
	}
}

func writeDescriptor(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDeviceWatcher(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "pixel.yaml", "id: pixel-7\ncapabilities:\n  model: Pixel 7\n")
	writeDescriptor(t, dir, "notes.txt", "ignored")

	rec := newRecorder()
	w, err := NewDeviceWatcher(dir, rec, nil)
	if err != nil {
		t.Fatal(err)
	}
	w.SetDebounce(10 * time.Millisecond)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	rec.wait(t)
	emu := writeDescriptor(t, dir, "emu.yml", "id: emulator-5554\n")
	rec.wait(t)
	if err := os.Remove(emu); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if diff := cmp.Diff([]string{"pixel-7", "emulator-5554"}, rec.added); diff != "" {
		t.Errorf("added mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"emulator-5554"}, rec.removed); diff != "" {
		t.Errorf("removed mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadDescriptor_MissingID(t *testing.T) {
	path := writeDescriptor(t, t.TempDir(), "bad.yaml", "capabilities:\n  model: x\n")
	if _, err := LoadDescriptor(path); err == nil {
		t.Error("LoadDescriptor() error = nil, want missing id")
	}
}
