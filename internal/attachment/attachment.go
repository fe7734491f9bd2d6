// Package attachment captures per-test diagnostics (screen recordings, logs)
// on the device while a test runs. The Collector is a listener on the event
// bus; what is captured and how is up to a Capturer.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/events"
	"github.com/hochfrequenz/devicerun/internal/executor"
)

// Policy decides which captures are kept
type Policy string

const (
	Off       Policy = "off"
	OnFailure Policy = "on-failure"
	OnAny     Policy = "on-any"
)

// ParsePolicy parses a policy name; the empty string is Off
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(s)); p {
	case "":
		return Off, nil
	case Off, OnFailure, OnAny:
		return p, nil
	}
	return Off, &domain.ConfigError{Field: "attachments.policy", Message: fmt.Sprintf("unknown policy %q", s)}
}

// Capturer records one chunk of diagnostics into a file derived from name.
// It returns when the chunk is complete or ctx is cancelled, along with the
// file it wrote.
type Capturer interface {
	Capture(ctx context.Context, d domain.Device, name string) (string, error)
}

// Attachment is a set of files captured on a device. Test is nil for
// batch-level captures taken when a run failed.
type Attachment struct {
	Pool     string
	DeviceID string
	BatchID  uint64
	Test     *domain.Test
	Paths    []string
}

// Name returns the base file name for a capture chunk:
// <class>-<method>-<batch>-<chunk>, or batch-<batch>-<chunk> without a test.
func Name(t *domain.Test, batchID uint64, chunk int) string {
	if t == nil {
		return fmt.Sprintf("batch-%d-%d", batchID, chunk)
	}
	return fmt.Sprintf("%s-%s-%d-%d", t.ClassName(), t.Method, batchID, chunk)
}

type session struct {
	cancel context.CancelFunc
	done   chan struct{}
	event  events.Event
	failed bool

	mu    sync.Mutex
	paths []string
}

func (s *session) stop() []string {
	s.cancel()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths
}

// Collector starts a capture when a test starts on a device and keeps or
// discards it when the test ends, according to the policy
type Collector struct {
	policy   Policy
	capturer Capturer
	logger   *slog.Logger

	mu          sync.Mutex
	sessions    map[string]*session // by device id
	attachments []Attachment
}

// NewCollector creates a Collector
func NewCollector(policy Policy, capturer Capturer, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		policy:   policy,
		capturer: capturer,
		logger:   logger.With("component", "attachment"),
		sessions: make(map[string]*session),
	}
}

// Handle implements events.Listener
func (c *Collector) Handle(e events.Event) error {
	if c.policy == Off || c.capturer == nil {
		return nil
	}

	switch e.Kind {
	case events.TestStarted:
		c.start(e)
	case events.TestFailed, events.TestAssumptionFailure:
		c.mu.Lock()
		if s, ok := c.sessions[e.Device.ID]; ok {
			s.failed = true
		}
		c.mu.Unlock()
	case events.TestEnded:
		return c.finish(e.Device.ID, false)
	case events.RunFailed:
		return c.finish(e.Device.ID, true)
	}
	return nil
}

func (c *Collector) start(e events.Event) {
	c.mu.Lock()
	if prev, ok := c.sessions[e.Device.ID]; ok {
		// A previous test never ended; keep nothing from it
		delete(c.sessions, e.Device.ID)
		c.mu.Unlock()
		discard(prev.stop())
		c.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{cancel: cancel, done: make(chan struct{}), event: e}
	c.sessions[e.Device.ID] = s
	c.mu.Unlock()

	test := e.Test
	go func() {
		defer close(s.done)
		// The first chunk starts even if the test already finished
		for chunk := 0; chunk == 0 || ctx.Err() == nil; chunk++ {
			path, err := c.capturer.Capture(ctx, e.Device, Name(&test, e.BatchID, chunk))
			if path != "" {
				s.mu.Lock()
				s.paths = append(s.paths, path)
				s.mu.Unlock()
			}
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("capture failed", "device", e.Device.ID, "test", test.ID(), "chunk", chunk, "error", err)
				}
				return
			}
		}
	}()
}

// finish stops the device's capture. A run failure keeps the capture as a
// batch-level attachment.
func (c *Collector) finish(deviceID string, runFailed bool) error {
	c.mu.Lock()
	s, ok := c.sessions[deviceID]
	delete(c.sessions, deviceID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	paths := s.stop()
	keep := runFailed || c.policy == OnAny || s.failed
	if !keep {
		return discard(paths)
	}
	if len(paths) == 0 {
		return nil
	}

	a := Attachment{
		Pool:     s.event.Pool,
		DeviceID: deviceID,
		BatchID:  s.event.BatchID,
		Paths:    paths,
	}
	if !runFailed {
		test := s.event.Test
		a.Test = &test
	}
	c.mu.Lock()
	c.attachments = append(c.attachments, a)
	c.mu.Unlock()
	return nil
}

// Close stops any capture still running and discards it
func (c *Collector) Close() {
	c.mu.Lock()
	sessions := c.sessions
	c.sessions = make(map[string]*session)
	c.mu.Unlock()
	for _, s := range sessions {
		discard(s.stop())
	}
}

// Attachments returns everything kept so far, in completion order
func (c *Collector) Attachments() []Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Attachment, len(c.attachments))
	copy(out, c.attachments)
	return out
}

func discard(paths []string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ShellCapturer runs a command template once per chunk. {output} is replaced
// by the file path; the device placeholders are expanded by the shell. The
// command is expected to stop on its own after a chunk's time limit.
//
//	adb -s {serial} shell screenrecord --time-limit 180 /sdcard/rec.mp4 && adb -s {serial} pull /sdcard/rec.mp4 {output}
type ShellCapturer struct {
	Shell   executor.Shell
	Command string
	Dir     string
	Ext     string
}

// Capture implements Capturer
func (s ShellCapturer) Capture(ctx context.Context, d domain.Device, name string) (string, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(s.Dir, name+s.Ext)
	res, err := s.Shell.Shell(ctx, d, strings.ReplaceAll(s.Command, "{output}", path))
	if err != nil {
		return path, err
	}
	if res.ExitCode != 0 {
		return path, fmt.Errorf("capture exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Output()))
	}
	return path, nil
}
