// Package events fans test lifecycle events out to independent listeners.
// Publishing never blocks the execution path: each listener drains its own
// bounded channel and a slow or failing listener only affects itself.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

// Kind is the lifecycle event type
type Kind string

const (
	RunStarted            Kind = "runStarted"
	TestStarted           Kind = "testStarted"
	TestFailed            Kind = "testFailed"
	TestAssumptionFailure Kind = "testAssumptionFailure"
	TestEnded             Kind = "testEnded"
	RunFailed             Kind = "runFailed"
)

// Event is one lifecycle notification. Which fields are set depends on Kind.
type Event struct {
	Kind      Kind
	Time      time.Time
	Pool      string
	Device    domain.Device
	BatchID   uint64
	Test      domain.Test
	Trace     string
	Metrics   map[string]string
	TestCount int
	// Attempt is the number of the attempt the event belongs to
	Attempt int
}

// Listener consumes events. Errors are logged and otherwise ignored.
type Listener interface {
	Handle(e Event) error
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(e Event) error

// Handle calls f(e)
func (f ListenerFunc) Handle(e Event) error {
	return f(e)
}

// DefaultBufferSize is the per-listener channel capacity
const DefaultBufferSize = 1024

type subscription struct {
	name     string
	listener Listener
	ch       chan Event
	dropped  atomic.Int64
}

// Bus delivers events to subscribed listeners
type Bus struct {
	logger     *slog.Logger
	bufferSize int

	subs   []*subscription
	closed bool
	mu     sync.RWMutex
	wg     sync.WaitGroup
}

// NewBus creates a bus. A bufferSize below 1 uses DefaultBufferSize.
func NewBus(logger *slog.Logger, bufferSize int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		logger:     logger.With("component", "events"),
		bufferSize: bufferSize,
	}
}

// Subscribe starts delivering future events to l
func (b *Bus) Subscribe(name string, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	sub := &subscription{name: name, listener: l, ch: make(chan Event, b.bufferSize)}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go b.deliver(sub)
}

// Publish hands e to every listener without blocking. When a listener's
// buffer is full the event is dropped for that listener.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
			n := sub.dropped.Add(1)
			b.logger.Warn("listener buffer full, dropping event", "listener", sub.name, "event", e.Kind, "dropped", n)
		}
	}
}

// Dropped returns how many events were dropped per listener
func (b *Bus) Dropped() map[string]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int64, len(b.subs))
	for _, sub := range b.subs {
		out[sub.name] += sub.dropped.Load()
	}
	return out
}

// Close stops accepting events and waits for listeners to drain
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) deliver(sub *subscription) {
	defer b.wg.Done()
	for e := range sub.ch {
		if err := b.handle(sub, e); err != nil {
			b.logger.Warn("listener failed", "listener", sub.name, "event", e.Kind, "test", e.Test.ID(), "error", err)
		}
	}
}

func (b *Bus) handle(sub *subscription, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sub.listener.Handle(e)
}
