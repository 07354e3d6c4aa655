package rules

import (
	"context"
	"errors"
	"sync"

	"github.com/pipeflow/automation/internal/app/domain/rule"
	"github.com/pipeflow/automation/internal/app/metrics"
)

// ErrTrackerClosed is returned by Acquire after the tracker shuts down.
var ErrTrackerClosed = errors.New("execution tracker is closed")

// Tracker bounds the number of concurrently running rule executions and keeps
// the in-flight registry. Events beyond the ceiling stay queued upstream; the
// dispatcher blocks in Acquire rather than dropping them.
type Tracker struct {
	mu       sync.Mutex
	permits  chan struct{}
	inflight map[string]rule.Execution
	closed   bool
}

// NewTracker creates a tracker with the given concurrency ceiling.
func NewTracker(maxConcurrent int) *Tracker {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	t := &Tracker{
		permits:  make(chan struct{}, maxConcurrent),
		inflight: make(map[string]rule.Execution),
	}
	for i := 0; i < maxConcurrent; i++ {
		t.permits <- struct{}{}
	}
	return t
}

// Acquire blocks until an execution slot frees or the context is cancelled.
func (t *Tracker) Acquire(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTrackerClosed
	}
	t.mu.Unlock()

	select {
	case <-t.permits:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. Every successful Acquire must be paired with one
// Release.
func (t *Tracker) Release() {
	select {
	case t.permits <- struct{}{}:
	default:
		// Unbalanced release; ignore rather than block.
	}
}

// Track registers an execution as in-flight.
func (t *Tracker) Track(exec rule.Execution) {
	t.mu.Lock()
	t.inflight[exec.ID] = exec
	n := len(t.inflight)
	t.mu.Unlock()
	metrics.SetActiveExecutions(n)
}

// Untrack removes an execution from the in-flight registry.
func (t *Tracker) Untrack(executionID string) {
	t.mu.Lock()
	delete(t.inflight, executionID)
	n := len(t.inflight)
	t.mu.Unlock()
	metrics.SetActiveExecutions(n)
}

// Active returns the number of in-flight executions.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// ActiveExecutions returns a snapshot of the in-flight executions.
func (t *Tracker) ActiveExecutions() []rule.Execution {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]rule.Execution, 0, len(t.inflight))
	for _, exec := range t.inflight {
		result = append(result, exec)
	}
	return result
}

// Close stops future Acquires. In-flight executions finish normally.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}
