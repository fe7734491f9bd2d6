package devicepool

import (
	"sync"

	"github.com/hochfrequenz/devicerun/internal/domain"
)

// Queue is the pool's batch work queue. Fresh batches are served in FIFO
// order. With retry prioritization, retry and redelivery batches form a
// second FIFO tier served first; otherwise they join the single FIFO.
type Queue struct {
	prioritizeRetries bool

	fresh []*domain.TestBatch
	retry []*domain.TestBatch
	ready chan struct{}
	mu    sync.Mutex
}

// NewQueue creates an empty queue
func NewQueue(prioritizeRetries bool) *Queue {
	return &Queue{
		prioritizeRetries: prioritizeRetries,
		ready:             make(chan struct{}, 1),
	}
}

// Push appends batches according to their origin
func (q *Queue) Push(batches ...*domain.TestBatch) {
	q.mu.Lock()
	for _, b := range batches {
		if b == nil {
			continue
		}
		if q.prioritizeRetries && b.Origin != domain.OriginFresh {
			q.retry = append(q.retry, b)
		} else {
			q.fresh = append(q.fresh, b)
		}
	}
	q.mu.Unlock()
	q.signal()
}

// Pop removes the next batch
func (q *Queue) Pop() (*domain.TestBatch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.retry) > 0 {
		b := q.retry[0]
		q.retry[0] = nil
		q.retry = q.retry[1:]
		return b, true
	}
	if len(q.fresh) > 0 {
		b := q.fresh[0]
		q.fresh[0] = nil
		q.fresh = q.fresh[1:]
		return b, true
	}
	return nil, false
}

// Len returns the number of queued batches
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fresh) + len(q.retry)
}

// TestCount returns the number of queued tests across all batches
func (q *Queue) TestCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, b := range q.retry {
		n += b.Len()
	}
	for _, b := range q.fresh {
		n += b.Len()
	}
	return n
}

// Drain removes and returns everything left, in serving order
func (q *Queue) Drain() []*domain.TestBatch {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append(q.retry, q.fresh...)
	q.retry, q.fresh = nil, nil
	return out
}

// Ready is signalled after every push. It is level-free: receivers must
// re-check Len.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
