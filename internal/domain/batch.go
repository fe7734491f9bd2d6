package domain

import (
	"fmt"
	"sync"
)

// BatchOrigin records why a batch was created
type BatchOrigin string

const (
	OriginFresh      BatchOrigin = "fresh"
	OriginRetry      BatchOrigin = "retry"
	OriginRedelivery BatchOrigin = "redelivery"
)

// TestBatch is an immutable group of tests dispatched together to one device.
// Only its lifecycle state changes after creation.
type TestBatch struct {
	ID     uint64
	Origin BatchOrigin

	tests []Test
	state BatchState
	mu    sync.Mutex
}

// NewTestBatch creates a pending batch. The tests slice is copied.
func NewTestBatch(id uint64, origin BatchOrigin, tests []Test) *TestBatch {
	cp := make([]Test, len(tests))
	copy(cp, tests)
	return &TestBatch{
		ID:     id,
		Origin: origin,
		tests:  cp,
		state:  BatchPending,
	}
}

// Tests returns a copy of the batch membership in order
func (b *TestBatch) Tests() []Test {
	cp := make([]Test, len(b.tests))
	copy(cp, b.tests)
	return cp
}

// Len returns the number of tests in the batch
func (b *TestBatch) Len() int {
	return len(b.tests)
}

// Test returns the i-th test
func (b *TestBatch) Test(i int) Test {
	return b.tests[i]
}

// State returns the current lifecycle state (thread-safe)
func (b *TestBatch) State() BatchState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Transition moves the batch to the next lifecycle state
func (b *TestBatch) Transition(next BatchState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.CanTransitionTo(next) {
		return &InvalidTransitionError{
			Entity: "batch",
			ID:     b.Name(),
			From:   string(b.state),
			To:     string(next),
		}
	}
	b.state = next
	return nil
}

// Name returns a printable batch identifier
func (b *TestBatch) Name() string {
	return fmt.Sprintf("batch-%d", b.ID)
}
