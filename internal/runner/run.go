package runner

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/devicerun/internal/attachment"
	"github.com/hochfrequenz/devicerun/internal/batcher"
	"github.com/hochfrequenz/devicerun/internal/coordinator"
	"github.com/hochfrequenz/devicerun/internal/devicepool"
	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/events"
	"github.com/hochfrequenz/devicerun/internal/observer"
	"github.com/hochfrequenz/devicerun/internal/policy"
	"github.com/hochfrequenz/devicerun/internal/report"
)

var errDeviceRemoved = errors.New("device removed")

// poolRun is one pool segment of a run
type poolRun struct {
	pool    *devicepool.Pool
	summary coordinator.Summary
	err     error
}

// run is the state of one active run. Pools are created lazily; once every
// created pool has drained the run is sealed and late devices are ignored.
type run struct {
	r      *Runner
	id     string
	tests  []domain.Test
	seq    *batcher.Sequence
	logger *slog.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	connCtx     context.Context
	cancelConns context.CancelFunc

	bus       *events.Bus
	observer  *observer.Observer
	collector *attachment.Collector
	stopWatch context.CancelFunc

	mu       sync.Mutex
	pools    map[string]*poolRun
	order    []string
	active   int
	sealed   bool
	drained  chan struct{}
	group    errgroup.Group
	connects sync.WaitGroup
}

func newRun(parent context.Context, r *Runner, id string, tests []domain.Test) *run {
	ctx, cancel := context.WithCancel(parent)
	if t := r.cfg.Run.Timeout.Std(); t > 0 {
		cancel()
		ctx, cancel = context.WithTimeout(parent, t)
	}
	connCtx, cancelConns := context.WithCancel(ctx)
	return &run{
		r:           r,
		id:          id,
		tests:       tests,
		seq:         &batcher.Sequence{},
		logger:      r.logger.With("run", id),
		ctx:         ctx,
		cancel:      cancel,
		connCtx:     connCtx,
		cancelConns: cancelConns,
		pools:       make(map[string]*poolRun),
		drained:     make(chan struct{}),
	}
}

// start subscribes the listeners of this run to a fresh bus
func (rn *run) start() {
	cfg := rn.r.cfg
	rn.bus = events.NewBus(rn.r.logger, 0)

	rn.observer = observer.New(cfg.Run.StuckThreshold.Std(), rn.r.logger)
	rn.bus.Subscribe("observer", rn.observer)
	watchCtx, stop := context.WithCancel(context.Background())
	rn.stopWatch = stop
	if threshold := cfg.Run.StuckThreshold.Std(); threshold > 0 {
		go rn.observer.Watch(watchCtx, max(threshold/4, time.Second))
	}

	if rn.r.attach != attachment.Off && rn.r.deps.Capturer != nil {
		rn.collector = attachment.NewCollector(rn.r.attach, rn.r.deps.Capturer, rn.r.logger)
		rn.bus.Subscribe("attachments", rn.collector)
	}
	for _, name := range slices.Sorted(maps.Keys(rn.r.deps.Listeners)) {
		rn.bus.Subscribe(name, rn.r.deps.Listeners[name])
	}
}

// pool returns the pool for key, creating it and starting its coordinator.
// It returns nil once the run is sealed.
func (rn *run) pool(key string) *devicepool.Pool {
	rn.mu.Lock()
	defer rn.mu.Unlock()

	if p, ok := rn.pools[key]; ok {
		return p.pool
	}
	if rn.sealed {
		return nil
	}

	cfg := rn.r.cfg
	logger := rn.r.logger.With("run", rn.id)
	pool := devicepool.New(devicepool.Config{
		Name:              key,
		NoDevicesTimeout:  cfg.Run.NoDevicesTimeout.Std(),
		ProbeTimeout:      cfg.Run.ProbeTimeout.Std(),
		PrioritizeRetries: cfg.Retry.PrioritizeRetries,
	}, logger)
	b, err := batcher.New(cfg.Strategy(), rn.seq)
	if err != nil {
		// Strategy was validated with the config
		rn.logger.Error("batcher", "pool", key, "error", err)
		return nil
	}
	coord := coordinator.New(
		coordinator.Config{CancelGrace: cfg.Run.CancelGrace.Std()},
		pool, b, policy.NewLedger(rn.r.policy), rn.r.deps.Backend, rn.bus, logger)
	coord.Submit(b.Batch(rn.tests))

	pr := &poolRun{pool: pool}
	rn.pools[key] = pr
	rn.order = append(rn.order, key)
	rn.active++
	rn.logger.Info("pool created", "pool", key, "tests", len(rn.tests))

	rn.group.Go(func() error {
		sum, err := coord.Run(rn.ctx)
		pool.Close()

		rn.mu.Lock()
		pr.summary, pr.err = sum, err
		rn.active--
		if rn.active == 0 && !rn.sealed {
			rn.sealed = true
			close(rn.drained)
		}
		rn.mu.Unlock()

		if err != nil && !errors.Is(err, domain.ErrNoDevices) && !errors.Is(err, domain.ErrRunCancelled) {
			return err
		}
		return nil
	})
	return pool
}

// add probes d, picks its pool and connects it with the setup steps
func (rn *run) add(d domain.Device) {
	rn.mu.Lock()
	if rn.sealed {
		rn.mu.Unlock()
		rn.logger.Debug("device ignored, run finishing", "device", d.ID)
		return
	}
	rn.connects.Add(1)
	rn.mu.Unlock()

	go func() {
		defer rn.connects.Done()
		logger := rn.logger.With("device", d.ID)

		probeCtx, cancel := rn.probeContext()
		probed, err := rn.r.installer.Probe(probeCtx, d)
		cancel()
		if err != nil {
			logger.Error("device probe failed", "error", err)
			return
		}

		key := rn.r.PoolKey(probed)
		pool := rn.pool(key)
		if pool == nil {
			logger.Debug("device ignored, run finishing")
			return
		}
		if err := pool.Connect(rn.connCtx, probed, rn.r.installer.Prepare); err != nil {
			logger.Error("device setup failed", "pool", key, "error", err)
		}
	}()
}

func (rn *run) probeContext() (context.Context, context.CancelFunc) {
	if t := rn.r.cfg.Run.ProbeTimeout.Std(); t > 0 {
		return context.WithTimeout(rn.connCtx, t)
	}
	return context.WithCancel(rn.connCtx)
}

func (rn *run) remove(id string) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	for _, pr := range rn.pools {
		if pr.pool.Has(id) {
			pr.pool.Disconnect(id, errDeviceRemoved)
		}
	}
}

// sealIfIdle seals a run that has no running pool
func (rn *run) sealIfIdle() bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if rn.active > 0 {
		return false
	}
	if !rn.sealed {
		rn.sealed = true
		close(rn.drained)
	}
	return true
}

// wait blocks until every pool drained, or until no pool appeared within
// the no-devices timeout, and then tears the run down
func (rn *run) wait() error {
	var timeout <-chan time.Time
	if t := rn.r.cfg.Run.NoDevicesTimeout.Std(); t > 0 {
		timer := time.NewTimer(t)
		defer timer.Stop()
		timeout = timer.C
	}
	done := rn.ctx.Done()

wait:
	for {
		select {
		case <-rn.drained:
			break wait
		case <-timeout:
			timeout = nil
			if rn.sealIfIdle() {
				rn.logger.Error("no device joined the run")
				break wait
			}
		case <-done:
			done = nil
			if rn.sealIfIdle() {
				break wait
			}
		}
	}

	rn.cancelConns()
	rn.connects.Wait()
	err := rn.group.Wait()
	rn.cancel()

	rn.bus.Close()
	rn.stopWatch()
	if rn.collector != nil {
		rn.collector.Close()
	}
	for _, key := range rn.order {
		m := rn.observer.Metrics(key)
		rn.logger.Info("pool finished", "pool", key, "completed", m.TotalCompleted, "failed", m.TotalFailed, "avg_test", m.AvgDuration)
	}
	return err
}

// reports builds the pool reports in creation order
func (rn *run) reports() []report.PoolReport {
	var attachments []attachment.Attachment
	if rn.collector != nil {
		attachments = rn.collector.Attachments()
	}

	rn.mu.Lock()
	defer rn.mu.Unlock()
	out := make([]report.PoolReport, 0, len(rn.order))
	for _, key := range rn.order {
		pr := rn.pools[key]
		out = append(out, report.FromSummary(pr.summary, pr.err, attachments))
	}
	return out
}
