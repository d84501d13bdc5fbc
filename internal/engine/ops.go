package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OperationStatus is the lifecycle of one tracked facade operation.
type OperationStatus string

const (
	OpRunning   OperationStatus = "RUNNING"
	OpCompleted OperationStatus = "COMPLETED"
	OpFailed    OperationStatus = "FAILED"
	OpCancelled OperationStatus = "CANCELLED"
	OpTimedOut  OperationStatus = "TIMED_OUT"
)

// OperationProgress is the externally visible record of one operation.
type OperationProgress struct {
	ID         string
	Name       string
	Status     OperationStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Elapsed    time.Duration
	Error      string
}

type operation struct {
	id        string
	name      string
	startedAt time.Time
	cancel    context.CancelFunc
}

// historyLimit bounds the finished-operation ring.
const historyLimit = 256

// opTable tracks in-flight and recently finished operations behind a single
// mutex. Entries are keyed by operation id.
type opTable struct {
	mu      sync.Mutex
	enabled bool

	active  map[string]*operation
	done    map[string]OperationProgress
	doneSeq []string

	completed int64
	failed    int64
	cancelled int64
	timedOut  int64
	elapsed   time.Duration
}

func newOpTable(enabled bool) *opTable {
	return &opTable{
		enabled: enabled,
		active:  make(map[string]*operation),
		done:    make(map[string]OperationProgress),
	}
}

// begin registers a running operation and returns its handle.
func (t *opTable) begin(name string, cancel context.CancelFunc) *operation {
	op := &operation{
		id:        uuid.NewString(),
		name:      name,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	if !t.enabled {
		return op
	}
	t.mu.Lock()
	t.active[op.id] = op
	t.mu.Unlock()
	return op
}

// finish retires an operation with its terminal status.
func (t *opTable) finish(op *operation, status OperationStatus, err error) {
	now := time.Now().UTC()
	elapsed := now.Sub(op.startedAt)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch status {
	case OpCompleted:
		t.completed++
	case OpFailed:
		t.failed++
	case OpCancelled:
		t.cancelled++
	case OpTimedOut:
		t.timedOut++
	}
	t.elapsed += elapsed

	if !t.enabled {
		return
	}
	delete(t.active, op.id)

	prog := OperationProgress{
		ID:         op.id,
		Name:       op.name,
		Status:     status,
		StartedAt:  op.startedAt,
		FinishedAt: &now,
		Elapsed:    elapsed,
	}
	if err != nil {
		prog.Error = err.Error()
	}
	t.done[op.id] = prog
	t.doneSeq = append(t.doneSeq, op.id)
	if len(t.doneSeq) > historyLimit {
		delete(t.done, t.doneSeq[0])
		t.doneSeq = t.doneSeq[1:]
	}
}

// Get returns the progress record for an operation id.
func (t *opTable) Get(id string) (OperationProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if op, ok := t.active[id]; ok {
		return OperationProgress{
			ID:        op.id,
			Name:      op.name,
			Status:    OpRunning,
			StartedAt: op.startedAt,
			Elapsed:   time.Since(op.startedAt),
		}, true
	}
	prog, ok := t.done[id]
	return prog, ok
}

// Cancel aborts a running operation. Cancelling an unknown or finished
// operation returns false.
func (t *opTable) Cancel(id string) bool {
	t.mu.Lock()
	op, ok := t.active[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	op.cancel()
	return true
}

// ActiveCount returns the number of in-flight operations.
func (t *opTable) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// TimeoutStats summarizes operation outcomes since startup.
type TimeoutStats struct {
	Active     int
	Completed  int64
	Failed     int64
	Cancelled  int64
	TimedOut   int64
	AvgElapsed time.Duration
}

// Stats returns aggregate operation statistics.
func (t *opTable) Stats() TimeoutStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := TimeoutStats{
		Active:    len(t.active),
		Completed: t.completed,
		Failed:    t.failed,
		Cancelled: t.cancelled,
		TimedOut:  t.timedOut,
	}
	total := t.completed + t.failed + t.cancelled + t.timedOut
	if total > 0 {
		s.AvgElapsed = t.elapsed / time.Duration(total)
	}
	return s
}
