package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

// Descriptor is a device description file
//
//	id: emulator-5554
//	capabilities:
//	  model: sdk_gphone64
//	  os_version: "34"
type Descriptor struct {
	ID           string            `yaml:"id"`
	Pool         string            `yaml:"pool,omitempty"`
	Capabilities map[string]string `yaml:"capabilities,omitempty"`
}

// Device converts the descriptor
func (d Descriptor) Device() domain.Device {
	return domain.Device{ID: d.ID, Pool: d.Pool, Capabilities: d.Capabilities}
}

// LoadDescriptor reads one descriptor file
func LoadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, err
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if strings.TrimSpace(d.ID) == "" {
		return Descriptor{}, fmt.Errorf("parse %s: missing id", path)
	}
	return d, nil
}

func isDescriptor(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

// DeviceHandler is told about devices appearing and disappearing
type DeviceHandler interface {
	DeviceAdded(d domain.Device)
	DeviceRemoved(id string)
}

// DeviceWatcher reports the descriptors in a directory and follows changes:
// a new or rewritten file adds its device, a removed file removes it.
type DeviceWatcher struct {
	dir      string
	handler  DeviceHandler
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	// file path -> device id
	known   map[string]string
	pending map[string]struct{}
	timer   *time.Timer
	mu      sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDeviceWatcher creates a watcher for dir
func NewDeviceWatcher(dir string, handler DeviceHandler, logger *slog.Logger) (*DeviceWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &DeviceWatcher{
		dir:      dir,
		handler:  handler,
		watcher:  watcher,
		debounce: 200 * time.Millisecond,
		logger:   logger.With("component", "device-watcher", "dir", dir),
		known:    make(map[string]string),
		pending:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce sets how long file events are collected before they are
// applied
func (w *DeviceWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start reports every descriptor already present, then watches the directory
// until ctx is done or Stop is called
func (w *DeviceWatcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && isDescriptor(e.Name()) {
			paths = append(paths, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		w.apply(p)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch error", "error", err)
			}
		}
	}()
	return nil
}

// Stop stops watching
func (w *DeviceWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.watcher.Close()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *DeviceWatcher) handleEvent(event fsnotify.Event) {
	if !isDescriptor(event.Name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[event.Name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *DeviceWatcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		w.apply(p)
	}
}

// apply reconciles one file with what was reported for it before
func (w *DeviceWatcher) apply(path string) {
	w.mu.Lock()
	prevID, hadPrev := w.known[path]
	w.mu.Unlock()

	d, err := LoadDescriptor(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("ignoring device descriptor", "file", path, "error", err)
			return
		}
		if hadPrev {
			w.mu.Lock()
			delete(w.known, path)
			w.mu.Unlock()
			w.logger.Info("device descriptor removed", "device", prevID)
			w.handler.DeviceRemoved(prevID)
		}
		return
	}

	if hadPrev && prevID == d.ID {
		return
	}
	if hadPrev {
		w.handler.DeviceRemoved(prevID)
	}
	w.mu.Lock()
	w.known[path] = d.ID
	w.mu.Unlock()
	w.logger.Info("device descriptor found", "device", d.ID, "file", filepath.Base(path))
	w.handler.DeviceAdded(d.Device())
}
