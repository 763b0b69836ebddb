package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// Config controls the task execution engine.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	// MisfireGrace drops tasks that were already later than this when they
	// were enqueued (enqueue time minus Task.Scheduled). Time spent waiting
	// for a worker does not count. 0 disables the check.
	MisfireGrace time.Duration

	HistorySize int
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	// OverlapSkipIfRunning skips a task while another task with the same key
	// is queued or running.
	OverlapSkipIfRunning
)

// runGate admits one queued or running task per overlap key.
type runGate struct{ busy atomic.Bool }

func (g *runGate) tryAcquire() bool { return g.busy.CompareAndSwap(false, true) }
func (g *runGate) release()         { g.busy.Store(false) }

// Task is a unit of work executed by the engine.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error

	Overlap OverlapPolicy
	// Key groups tasks for overlap gating; defaults to Name.
	Key string

	// Scheduled is when the task was due. Zero means "now" (enqueue time).
	Scheduled time.Time
}

// TaskEvent is one task lifecycle record. It is the payload of task.* events
// and the element of Snapshot.History.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	MisfireGrace time.Duration

	History []TaskEvent
}
