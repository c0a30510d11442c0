package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"padbridge/internal/eventbus"
	"padbridge/internal/runtime/supervisor"
	logx "padbridge/pkg/logx"
)

const version = "1.2.0"

// Version returns the scheduler version string.
func Version() string { return version }

// Options configures a Scheduler. Zero fields take defaults.
type Options struct {
	// Capacity is the fixed number of task slots (default 32).
	Capacity int
	// LockTimeout bounds table lock acquisition for mutating operations (default 1s).
	LockTimeout time.Duration
	// ReadTimeout bounds lock acquisition for queries (default 100ms).
	ReadTimeout time.Duration
	// PollInterval is the pass interval of Conditional tasks (default 10ms).
	PollInterval time.Duration
	// MaxConcurrent bounds simultaneous executions; 0 is unbounded.
	MaxConcurrent int
	// DeadlineWarnPerSec rate limits deadline-miss warnings (default 1/s).
	DeadlineWarnPerSec float64
}

func (o Options) withDefaults() Options {
	if o.Capacity <= 0 {
		o.Capacity = 32
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 100 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Millisecond
	}
	if o.MaxConcurrent < 0 {
		o.MaxConcurrent = 0
	}
	if o.DeadlineWarnPerSec <= 0 {
		o.DeadlineWarnPerSec = 1
	}
	return o
}

// TaskEvent is published on the event bus for task lifecycle changes.
type TaskEvent struct {
	ID       ID            `json:"id"`
	Name     string        `json:"name"`
	Policy   string        `json:"policy"`
	Duration time.Duration `json:"duration,omitempty"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
}

const (
	EventCreated        = "task.created"
	EventDeleted        = "task.deleted"
	EventCompleted      = "task.completed"
	EventFailed         = "task.failed"
	EventDeadlineMissed = "task.deadline_missed"
)

// Scheduler is the registry facade over the task table.
type Scheduler struct {
	lock   *tableLock
	store  *store
	totals totals

	startedAt time.Time

	gate    *gate
	warnLim *rate.Limiter

	lockTimeout  atomic.Int64
	readTimeout  atomic.Int64
	pollInterval atomic.Int64

	hook atomic.Pointer[CompletionFunc]

	sup *supervisor.Supervisor
	log logx.Logger
	bus eventbus.Bus
}

// New creates a scheduler ready to accept tasks. bus may be nil.
func New(opts Options, log logx.Logger, bus eventbus.Bus) *Scheduler {
	opts = opts.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		lock:      newTableLock(),
		store:     newStore(opts.Capacity),
		startedAt: time.Now(),
		gate:      newGate(opts.MaxConcurrent),
		warnLim:   rate.NewLimiter(rate.Limit(opts.DeadlineWarnPerSec), 1),
		log:       log,
		bus:       bus,
	}
	s.sup = supervisor.New(context.Background(), supervisor.WithLogger(log.With(logx.String("comp", "scheduler.units"))))
	s.storeTunables(opts)
	return s
}

func (s *Scheduler) storeTunables(o Options) {
	s.lockTimeout.Store(int64(o.LockTimeout))
	s.readTimeout.Store(int64(o.ReadTimeout))
	s.pollInterval.Store(int64(o.PollInterval))
}

// Apply updates the runtime-tunable options. Capacity is fixed at creation and
// is ignored here.
func (s *Scheduler) Apply(opts Options) {
	opts = opts.withDefaults()
	s.storeTunables(opts)
	s.gate.setLimit(opts.MaxConcurrent)
	s.warnLim.SetLimit(rate.Limit(opts.DeadlineWarnPerSec))
	s.log.Debug("options applied",
		logx.Duration("lock_timeout", opts.LockTimeout),
		logx.Duration("poll_interval", opts.PollInterval),
		logx.Int("max_concurrent", opts.MaxConcurrent),
	)
}

// Capacity returns the fixed number of task slots.
func (s *Scheduler) Capacity() int { return s.store.capacity() }

// Supervisor exposes the goroutine supervisor hosting execution units.
func (s *Scheduler) Supervisor() *supervisor.Supervisor { return s.sup }

func (s *Scheduler) acquire() error {
	return s.lock.acquire(time.Duration(s.lockTimeout.Load()))
}

func (s *Scheduler) acquireRead() error {
	return s.lock.acquire(time.Duration(s.readTimeout.Load()))
}

// acquirePatient is used by execution units for bookkeeping that must not be
// lost. Each attempt is bounded; attempts repeat with backoff since the table
// lock is only ever held briefly.
func (s *Scheduler) acquirePatient(rec *record) {
	backoff := time.Millisecond
	warned := false
	for {
		if err := s.acquire(); err == nil {
			return
		}
		if !warned {
			warned = true
			s.log.Warn("task bookkeeping waiting for table lock", logx.Uint32("id", uint32(rec.id)), logx.String("task", rec.cfg.Name))
		}
		time.Sleep(backoff)
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
}

func (s *Scheduler) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

// SetCompletionHook installs a callback invoked after every OneShot or Delayed
// completion, after the task's own OnComplete. nil clears it.
func (s *Scheduler) SetCompletionHook(fn CompletionFunc) {
	if fn == nil {
		s.hook.Store(nil)
		return
	}
	s.hook.Store(&fn)
}

type unitKey struct{}

type unitTag struct {
	id  ID
	rec *record
}

// CurrentTask returns the id of the task whose body or condition received ctx.
func CurrentTask(ctx context.Context) (ID, bool) {
	if ctx == nil {
		return InvalidID, false
	}
	tag, ok := ctx.Value(unitKey{}).(*unitTag)
	if !ok || tag == nil {
		return InvalidID, false
	}
	return tag.id, true
}

func runningIn(ctx context.Context, rec *record) bool {
	if ctx == nil {
		return false
	}
	tag, ok := ctx.Value(unitKey{}).(*unitTag)
	return ok && tag != nil && tag.rec == rec
}
