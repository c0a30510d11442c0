package scheduler

import (
	"context"
	"fmt"
	"time"
)

// ID identifies a live task. Zero is never issued.
type ID uint32

// InvalidID is the reserved identity.
const InvalidID ID = 0

// Policy selects the dispatch rules of a task.
type Policy int

const (
	Periodic Policy = iota
	OneShot
	Delayed
	Conditional
	policyMax
)

func (p Policy) String() string {
	switch p {
	case Periodic:
		return "periodic"
	case OneShot:
		return "oneshot"
	case Delayed:
		return "delayed"
	case Conditional:
		return "conditional"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func (p Policy) recurring() bool { return p == Periodic || p == Conditional }

// State is the lifecycle state of a task.
type State int

const (
	StateCreated State = iota
	StateReady
	StateRunning
	StateSuspended
	StateCompleted
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Priority orders tasks under contention; higher runs first.
type Priority int

const (
	PriorityBackground Priority = 1
	PriorityLow        Priority = 3
	PriorityNormal     Priority = 5
	PriorityHigh       Priority = 8
	PriorityCritical   Priority = 10
)

// TaskFunc is a task body. Arguments are captured by the closure.
// A returned error (or a panic) counts as a failed execution.
type TaskFunc func(ctx context.Context) error

// ConditionFunc gates a Conditional task; it is evaluated on every poll pass.
type ConditionFunc func(ctx context.Context) bool

// CompletionFunc is invoked once a OneShot or Delayed task has finished its single
// execution.
type CompletionFunc func(id ID, success bool)

// TaskConfig describes a task. It is copied on Create; later changes go through
// SetPriority and SetPeriod.
type TaskConfig struct {
	Name     string
	Policy   Policy
	Priority Priority

	Run TaskFunc

	// Period is required (> 0) for Periodic tasks.
	Period time.Duration
	// Delay is used by Delayed tasks only (>= 0).
	Delay time.Duration
	// Condition is required for Conditional tasks.
	Condition ConditionFunc

	OnComplete CompletionFunc

	// StackSize is an advisory resource budget in bytes. Goroutine stacks grow on
	// demand; the value is kept for diagnostics.
	StackSize int
	// MaxDuration is the deadline budget of one execution. 0 means unbounded.
	MaxDuration time.Duration
	AutoRemove  bool
}

func (c TaskConfig) validate() error {
	if c.Policy < 0 || c.Policy >= policyMax {
		return fmt.Errorf("%w: unknown policy %d", ErrInvalidConfig, int(c.Policy))
	}
	if c.Run == nil {
		return fmt.Errorf("%w: task function is required", ErrInvalidConfig)
	}
	switch c.Policy {
	case Periodic:
		if c.Period <= 0 {
			return fmt.Errorf("%w: periodic task needs a positive period", ErrInvalidConfig)
		}
	case Delayed:
		if c.Delay < 0 {
			return fmt.Errorf("%w: delay must be >= 0", ErrInvalidConfig)
		}
	case Conditional:
		if c.Condition == nil {
			return fmt.Errorf("%w: conditional task needs a condition", ErrInvalidConfig)
		}
	}
	if c.MaxDuration < 0 {
		return fmt.Errorf("%w: max duration must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// TaskStats is a snapshot of one task's counters.
type TaskStats struct {
	ExecutionCount  uint64
	TotalExecution  time.Duration
	AvgExecution    time.Duration
	MaxExecution    time.Duration
	MinExecution    time.Duration
	MissedDeadlines uint64
	ErrorCount      uint64
	State           State
	LastExecution   time.Time
	// NextExecution is the next computed wake time (Periodic only).
	NextExecution time.Time
}

// SchedulerStats is a snapshot of scheduler-wide counters.
type SchedulerStats struct {
	TotalCreated       uint64
	Active             int
	Completed          uint64
	Failed             uint64
	TotalExecutions    uint64
	TotalExecutionTime time.Duration
	AvgExecutionTime   time.Duration
	MissedDeadlines    uint64
	StartedAt          time.Time
	Uptime             time.Duration
}

// TaskInfo is a diagnostic view of a task's configuration.
type TaskInfo struct {
	ID          ID
	Name        string
	Policy      Policy
	Priority    Priority
	Period      time.Duration
	Delay       time.Duration
	MaxDuration time.Duration
	StackSize   int
	AutoRemove  bool
	CreatedAt   time.Time
	State       State
}
