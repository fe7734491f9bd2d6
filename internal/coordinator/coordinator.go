// Package coordinator drives the dispatch loop of one device pool: it pulls
// batches from the pool queue, leases idle devices, runs each batch on its own
// worker goroutine and feeds results through the retry policy until the queue
// is empty and nothing is in flight.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hochfrequenz/devicerun/internal/batcher"
	"github.com/hochfrequenz/devicerun/internal/devicepool"
	"github.com/hochfrequenz/devicerun/internal/domain"
	"github.com/hochfrequenz/devicerun/internal/events"
	"github.com/hochfrequenz/devicerun/internal/executor"
	"github.com/hochfrequenz/devicerun/internal/policy"
)

// Publisher receives lifecycle events
type Publisher interface {
	Publish(e events.Event)
}

// Config tunes the coordinator
type Config struct {
	// CancelGrace is how long in-flight tests may continue after the run
	// context is cancelled
	CancelGrace time.Duration
}

// Summary is the terminal state of a pool segment
type Summary struct {
	Pool       string
	Outcome    domain.RunOutcome
	Records    []policy.Record
	Devices    []devicepool.DeviceStatus
	Unfinished []domain.Test
	StartedAt  time.Time
	EndedAt    time.Time
}

// Coordinator runs the batches of one pool
type Coordinator struct {
	cfg     Config
	pool    *devicepool.Pool
	batcher *batcher.Batcher
	ledger  *policy.Ledger
	exec    executor.Executor
	events  Publisher
	logger  *slog.Logger

	inFlight atomic.Int64
	wake     chan struct{}
	wg       sync.WaitGroup
}

// New creates a coordinator. events may be nil.
func New(cfg Config, pool *devicepool.Pool, b *batcher.Batcher, ledger *policy.Ledger, exec executor.Executor, pub Publisher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = discard{}
	}
	return &Coordinator{
		cfg:     cfg,
		pool:    pool,
		batcher: b,
		ledger:  ledger,
		exec:    exec,
		events:  pub,
		logger:  logger.With("component", "coordinator", "pool", pool.Name()),
		wake:    make(chan struct{}, 1),
	}
}

type discard struct{}

func (discard) Publish(events.Event) {}

// Submit registers the tests of fresh batches with the ledger and queues them
func (c *Coordinator) Submit(batches []*domain.TestBatch) {
	for _, b := range batches {
		c.ledger.Register(b.Tests())
	}
	c.pool.Queue().Push(batches...)
}

// Run dispatches until every queued test reached a final verdict, the pool
// runs out of devices or ctx is cancelled. The returned error is nil,
// domain.ErrNoDevices or domain.ErrRunCancelled; the Summary is always set.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	started := time.Now()
	queue := c.pool.Queue()

	// Work already started survives cancellation of ctx for CancelGrace
	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()

	c.events.Publish(events.Event{Kind: events.RunStarted, Pool: c.pool.Name(), TestCount: c.ledger.Pending()})
	c.logger.Info("dispatch started", "batches", queue.Len(), "tests", queue.TestCount())

	var runErr error
	for runErr == nil {
		if ctx.Err() != nil {
			runErr = domain.ErrRunCancelled
			break
		}

		if queue.Len() == 0 {
			if c.inFlight.Load() == 0 {
				break
			}
			select {
			case <-ctx.Done():
			case <-c.wake:
			case <-queue.Ready():
			}
			continue
		}

		lease, err := c.pool.Acquire(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				runErr = domain.ErrRunCancelled
			case errors.Is(err, domain.ErrNoDevices), errors.Is(err, devicepool.ErrPoolClosed):
				runErr = domain.ErrNoDevices
			default:
				runErr = err
			}
			break
		}

		batch, ok := queue.Pop()
		if !ok {
			c.pool.Release(lease)
			continue
		}

		c.inFlight.Add(1)
		c.wg.Add(1)
		go c.work(execCtx, lease, batch)
	}

	if errors.Is(runErr, domain.ErrRunCancelled) && c.cfg.CancelGrace >= 0 {
		c.logger.Warn("run cancelled, waiting for in-flight tests", "in_flight", c.inFlight.Load(), "grace", c.cfg.CancelGrace)
		timer := time.AfterFunc(c.cfg.CancelGrace, cancelExec)
		defer timer.Stop()
	}
	c.wg.Wait()

	if runErr != nil {
		if dropped := queue.Drain(); len(dropped) > 0 {
			c.logger.Warn("batches left undispatched", "batches", len(dropped), "reason", runErr)
		}
	}

	sum := c.summarize(started, runErr)
	c.logger.Info("dispatch finished", "outcome", sum.Outcome, "unfinished", len(sum.Unfinished), "duration", sum.EndedAt.Sub(started))
	return sum, runErr
}

func (c *Coordinator) summarize(started time.Time, runErr error) Summary {
	sum := Summary{
		Pool:      c.pool.Name(),
		Records:   c.ledger.Records(),
		Devices:   c.pool.Snapshot(),
		StartedAt: started,
		EndedAt:   time.Now(),
		Outcome:   domain.OutcomeSuccess,
	}
	for _, rec := range sum.Records {
		if !rec.Final() {
			sum.Unfinished = append(sum.Unfinished, rec.Test)
			continue
		}
		if !rec.Decision.Verdict.IsSuccess() {
			sum.Outcome = domain.OutcomeFailures
		}
	}

	switch {
	case errors.Is(runErr, domain.ErrRunCancelled):
		sum.Outcome = domain.OutcomeCancelled
	case runErr != nil, len(sum.Unfinished) > 0:
		sum.Outcome = domain.OutcomeInfraFailure
	}
	return sum
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// work runs one batch on a leased device. Follow-up batches are queued
// before the in-flight count drops so the loop never sees a false drain.
func (c *Coordinator) work(execCtx context.Context, lease *devicepool.Lease, batch *domain.TestBatch) {
	defer func() {
		c.pool.Release(lease)
		c.inFlight.Add(-1)
		c.signal()
		c.wg.Done()
	}()

	logger := c.logger.With("device", lease.Device.ID, "batch", batch.ID)
	if err := batch.Transition(domain.BatchRunning); err != nil {
		logger.Error("batch state", "error", err)
		return
	}
	logger.Debug("batch started", "tests", batch.Len(), "origin", batch.Origin)

	// Device loss cancels the current test
	ctx, cancel := context.WithCancel(execCtx)
	defer cancel()
	stop := context.AfterFunc(lease.Context(), cancel)
	defer stop()

	for i := 0; i < batch.Len(); i++ {
		if lease.Lost() {
			c.interrupted(batch, lease, i, nil, errors.New("device disconnected"))
			return
		}
		if execCtx.Err() != nil {
			logger.Warn("batch abandoned after cancellation", "untested", batch.Len()-i)
			_ = batch.Transition(domain.BatchCompleted)
			return
		}

		test := batch.Test(i)
		attempt := c.nextAttempt(test)
		base := events.Event{
			Pool:    c.pool.Name(),
			Device:  lease.Device,
			BatchID: batch.ID,
			Test:    test,
			Attempt: attempt,
		}
		c.emit(base, events.TestStarted, "", nil)

		res, err := c.exec.Execute(ctx, lease.Device, test)
		lease.CountTest()

		if err != nil {
			if execCtx.Err() != nil && !lease.Lost() {
				// Cancelled by the run, not by the device
				c.emit(base, events.TestFailed, "cancelled: "+execCtx.Err().Error(), nil)
				c.emit(base, events.TestEnded, "", nil)
				_ = batch.Transition(domain.BatchCompleted)
				return
			}
			// runFailed is the only terminal event of a test cut off by device loss
			c.pool.DisconnectLease(lease, err)
			c.interrupted(batch, lease, i, &base, err)
			return
		}

		switch res.Status {
		case domain.StatusFailed:
			c.emit(base, events.TestFailed, res.Trace, nil)
		case domain.StatusAssumptionFailure:
			c.emit(base, events.TestAssumptionFailure, res.Trace, nil)
		}
		c.emit(base, events.TestEnded, "", res.Metrics)

		commit := c.ledger.Commit(domain.TestResult{
			Test:      test,
			Status:    res.Status,
			Trace:     res.Trace,
			StartedAt: res.StartedAt,
			EndedAt:   res.EndedAt,
			DeviceID:  lease.Device.ID,
			BatchID:   batch.ID,
			Metrics:   res.Metrics,
		})
		if commit.Stale {
			logger.Warn("result for finished test ignored", "test", test.ID())
			continue
		}
		logger.Debug("test finished", "test", test.ID(), "status", res.Status, "attempt", commit.Result.Attempt, "verdict", commit.Decision.Verdict)
		if commit.Decision.Verdict == domain.VerdictRetry {
			c.pool.Queue().Push(c.batcher.Retry(test))
		}
	}

	_ = batch.Transition(domain.BatchCompleted)
}

// interrupted handles device loss at test index i. A non-nil running event
// means the test at i was in progress: it counts against the infra retry
// budget and the runFailed event closes it.
func (c *Coordinator) interrupted(batch *domain.TestBatch, lease *devicepool.Lease, i int, running *events.Event, cause error) {
	tests := batch.Tests()
	remainder := tests[i:]

	if running != nil {
		test := tests[i]
		if c.ledger.Interrupted(test) {
			c.logger.Error("test exceeded infra retries", "test", test.ID(), "device", lease.Device.ID)
			c.ledger.Abandon(domain.TestResult{
				Test:      test,
				Trace:     cause.Error(),
				StartedAt: time.Now(),
				EndedAt:   time.Now(),
				DeviceID:  lease.Device.ID,
				BatchID:   batch.ID,
			})
			remainder = tests[i+1:]
		}
	}

	if running != nil {
		c.emit(*running, events.RunFailed, cause.Error(), nil)
	} else {
		c.events.Publish(events.Event{
			Kind:    events.RunFailed,
			Pool:    c.pool.Name(),
			Device:  lease.Device,
			BatchID: batch.ID,
			Trace:   cause.Error(),
		})
	}

	if redo := c.batcher.Redeliver(remainder); redo != nil {
		c.pool.Queue().Push(redo)
		c.logger.Warn("device lost, requeued untested remainder",
			"device", lease.Device.ID, "batch", batch.ID, "requeued_batch", redo.ID, "tests", redo.Len(), "error", cause)
	}
	_ = batch.Transition(domain.BatchRequeued)
}

func (c *Coordinator) nextAttempt(t domain.Test) int {
	rec, ok := c.ledger.Get(t)
	if !ok {
		return 1
	}
	return len(rec.Attempts) + 1
}

func (c *Coordinator) emit(base events.Event, kind events.Kind, trace string, metrics map[string]string) {
	e := base
	e.Kind = kind
	e.Trace = trace
	e.Metrics = metrics
	c.events.Publish(e)
}
