// Package devicepool owns the devices serving one run segment and the queue
// of batches they work through. All device state changes go through a single
// synchronized transition so concurrent workers never share device records.
package devicepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

// ErrPoolClosed is returned by Acquire after Close
var ErrPoolClosed = errors.New("device pool closed")

// PrepareFunc probes and sets up a freshly connected device
type PrepareFunc func(ctx context.Context, d domain.Device) error

// Config configures a Pool
type Config struct {
	Name              string
	NoDevicesTimeout  time.Duration
	ProbeTimeout      time.Duration
	PrioritizeRetries bool
}

// Utilization is the work a device did during the run
type Utilization struct {
	Batches int           `json:"batches"`
	Tests   int           `json:"tests"`
	Busy    time.Duration `json:"busy_ns"`
}

// DeviceStatus is a point-in-time view of one device
type DeviceStatus struct {
	Device      domain.Device      `json:"device"`
	State       domain.DeviceState `json:"state"`
	Generation  uint64             `json:"generation"`
	ConnectedAt time.Time          `json:"connected_at"`
	Usage       Utilization        `json:"usage"`
	LastError   string             `json:"last_error,omitempty"`
}

type record struct {
	device      domain.Device
	state       domain.DeviceState
	generation  uint64
	connectedAt time.Time
	cancelLease context.CancelFunc
	usage       Utilization
	lastErr     string
}

// Pool is a named set of devices with a shared batch queue
type Pool struct {
	cfg    Config
	logger *slog.Logger
	queue  *Queue

	devices    map[string]*record
	order      []string
	changed    chan struct{}
	emptySince time.Time
	nextGen    uint64
	closed     bool
	mu         sync.Mutex
}

// New creates an empty pool
func New(cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:        cfg,
		logger:     logger.With("component", "devicepool", "pool", cfg.Name),
		queue:      NewQueue(cfg.PrioritizeRetries),
		devices:    make(map[string]*record),
		changed:    make(chan struct{}),
		emptySince: time.Now(),
	}
}

// Name returns the pool name
func (p *Pool) Name() string {
	return p.cfg.Name
}

// Queue returns the pool's batch queue
func (p *Pool) Queue() *Queue {
	return p.queue
}

// transition is the only place device state changes. Callers hold p.mu.
func (p *Pool) transition(rec *record, to domain.DeviceState) error {
	if !rec.state.CanTransitionTo(to) {
		return &domain.InvalidTransitionError{
			Entity: "device",
			ID:     rec.device.ID,
			From:   string(rec.state),
			To:     string(to),
		}
	}
	p.logger.Debug("device state", "device", rec.device.ID, "from", rec.state, "to", to, "generation", rec.generation)
	rec.state = to

	if to == domain.DeviceDisconnected && rec.cancelLease != nil {
		rec.cancelLease()
		rec.cancelLease = nil
	}

	if p.liveLocked() == 0 {
		if p.emptySince.IsZero() {
			p.emptySince = time.Now()
		}
	} else {
		p.emptySince = time.Time{}
	}

	p.broadcastLocked()
	return nil
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Pool) liveLocked() int {
	n := 0
	for _, rec := range p.devices {
		if rec.state.IsLive() {
			n++
		}
	}
	return n
}

// Connect adds a device, runs prepare bounded by the probe timeout and makes
// the device available. A device id may reconnect after a disconnect; it
// starts a new generation. On prepare failure the device ends DISCONNECTED
// and the error is returned.
func (p *Pool) Connect(ctx context.Context, d domain.Device, prepare PrepareFunc) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	rec, ok := p.devices[d.ID]
	if ok && rec.state.IsLive() {
		p.mu.Unlock()
		return &domain.DeviceError{DeviceID: d.ID, Op: "connect", Err: errors.New("already connected")}
	}
	if !ok {
		rec = &record{state: domain.DeviceDisconnected}
		p.devices[d.ID] = rec
		p.order = append(p.order, d.ID)
	}
	// A reconnect starts a fresh generation of the record
	p.nextGen++
	rec.device = d
	rec.generation = p.nextGen
	rec.connectedAt = time.Now()
	rec.lastErr = ""
	gen := rec.generation
	if err := p.transition(rec, domain.DeviceConnecting); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	p.logger.Info("device connecting", "device", d.ID, "generation", gen)

	var err error
	if prepare != nil {
		probeCtx := ctx
		if p.cfg.ProbeTimeout > 0 {
			var cancel context.CancelFunc
			probeCtx, cancel = context.WithTimeout(ctx, p.cfg.ProbeTimeout)
			defer cancel()
		}
		err = prepare(probeCtx, d)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if rec.generation != gen || rec.state != domain.DeviceConnecting {
		// Disconnected while preparing
		return &domain.DeviceError{DeviceID: d.ID, Op: "connect", Err: domain.ErrLeaseExpired}
	}
	if err != nil {
		rec.lastErr = err.Error()
		p.logger.Warn("device setup failed", "device", d.ID, "error", err)
		_ = p.transition(rec, domain.DeviceDisconnected)
		return fmt.Errorf("preparing device %s: %w", d.ID, err)
	}
	p.logger.Info("device ready", "device", d.ID, "generation", gen)
	return p.transition(rec, domain.DeviceIdle)
}

// Disconnect marks a device lost. Its lease context is cancelled so the
// holding worker can requeue the untested remainder.
func (p *Pool) Disconnect(id string, reason error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.devices[id]
	if !ok || rec.state == domain.DeviceDisconnected {
		return
	}
	if reason != nil {
		rec.lastErr = reason.Error()
	}
	p.logger.Warn("device disconnected", "device", id, "state", rec.state, "reason", reason)
	_ = p.transition(rec, domain.DeviceDisconnected)
}

// DisconnectLease marks the leased device lost, unless the device already
// reconnected under a newer generation.
func (p *Pool) DisconnectLease(l *Lease, reason error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.devices[l.Device.ID]
	if !ok || rec.generation != l.generation || rec.state == domain.DeviceDisconnected {
		return
	}
	if reason != nil {
		rec.lastErr = reason.Error()
	}
	p.logger.Warn("device disconnected", "device", l.Device.ID, "state", rec.state, "reason", reason)
	_ = p.transition(rec, domain.DeviceDisconnected)
}

// Lease is exclusive use of one device by one worker
type Lease struct {
	Device     domain.Device
	AcquiredAt time.Time

	generation uint64
	ctx        context.Context
	tests      atomic.Int64
}

// Context is cancelled when the device disconnects
func (l *Lease) Context() context.Context {
	return l.ctx
}

// Lost reports whether the device was disconnected during the lease
func (l *Lease) Lost() bool {
	return l.ctx.Err() != nil
}

// CountTest records one executed test for utilization
func (l *Lease) CountTest() {
	l.tests.Add(1)
}

// Acquire blocks until a device is idle and leases it. It returns
// domain.ErrNoDevices once the pool has had no live device for the
// configured no-devices timeout.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		for _, id := range p.order {
			rec := p.devices[id]
			if rec.state != domain.DeviceIdle {
				continue
			}
			if err := p.transition(rec, domain.DeviceBusy); err != nil {
				p.mu.Unlock()
				return nil, err
			}
			leaseCtx, cancel := context.WithCancel(context.Background())
			rec.cancelLease = cancel
			lease := &Lease{
				Device:     rec.device,
				AcquiredAt: time.Now(),
				generation: rec.generation,
				ctx:        leaseCtx,
			}
			p.mu.Unlock()
			return lease, nil
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if p.cfg.NoDevicesTimeout > 0 && !p.emptySince.IsZero() {
			remaining := p.cfg.NoDevicesTimeout - time.Since(p.emptySince)
			if remaining <= 0 {
				p.mu.Unlock()
				p.logger.Error("no devices available", "timeout", p.cfg.NoDevicesTimeout)
				return nil, domain.ErrNoDevices
			}
			timer = time.NewTimer(remaining)
			timeout = timer.C
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-changed:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Release returns a leased device to IDLE and records its utilization.
// Leases from an older generation only update utilization.
func (p *Pool) Release(l *Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.devices[l.Device.ID]
	if !ok || rec.generation != l.generation {
		return
	}
	rec.usage.Batches++
	rec.usage.Tests += int(l.tests.Load())
	rec.usage.Busy += time.Since(l.AcquiredAt)

	if rec.state != domain.DeviceBusy {
		return
	}
	if rec.cancelLease != nil {
		rec.cancelLease()
		rec.cancelLease = nil
	}
	_ = p.transition(rec, domain.DeviceIdle)
}

// Close stops handing out leases and wakes blocked Acquire calls
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.broadcastLocked()
}

// Has reports whether a device id is known to the pool
func (p *Pool) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.devices[id]
	return ok
}

// LiveCount returns the number of devices not DISCONNECTED
func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveLocked()
}

// Snapshot returns the status of every device ever connected, sorted by id
func (p *Pool) Snapshot() []DeviceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]DeviceStatus, 0, len(p.devices))
	for _, rec := range p.devices {
		out = append(out, DeviceStatus{
			Device:      rec.device,
			State:       rec.state,
			Generation:  rec.generation,
			ConnectedAt: rec.connectedAt,
			Usage:       rec.usage,
			LastError:   rec.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device.ID < out[j].Device.ID })
	return out
}
