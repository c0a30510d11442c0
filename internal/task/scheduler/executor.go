package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"padbridge/internal/runtime/supervisor"
	logx "padbridge/pkg/logx"
)

// unit is the execution unit driving one task. Methods other than start are
// called with the table lock held and must not take it.
type unit interface {
	start() error
	// stop ends dispatch. It reports true when the unit halted synchronously,
	// i.e. no body is running and none will run.
	stop() bool
	suspend()
	resume()
	runNow() error
	trigger()
	halted() <-chan struct{}
}

func (s *Scheduler) newUnit(rec *record) unit {
	ctx, cancel := context.WithCancel(s.sup.Context())
	ctx = context.WithValue(ctx, unitKey{}, &unitTag{id: rec.id, rec: rec})
	if rec.cfg.Policy == Delayed {
		u := &timerUnit{s: s, rec: rec, ctx: ctx, cancel: cancel, done: make(chan struct{})}
		u.timer = newDelayTimer(u.fire)
		return u
	}
	return &loopUnit{
		s:      s,
		rec:    rec,
		ctx:    ctx,
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// execute runs one dispatch of rec's body. ran is false when the task was
// removed, suspended or stopped before the body started.
func (s *Scheduler) execute(ctx context.Context, rec *record) (ran bool, err error) {
	release, gerr := s.gate.acquire(ctx, rec.priority())
	if gerr != nil {
		return false, nil
	}
	defer release()

	s.acquirePatient(rec)
	if rec.removed || rec.stats.State == StateSuspended || ctx.Err() != nil {
		s.lock.release()
		return false, nil
	}
	start := time.Now()
	rec.stats.State = StateRunning
	rec.stats.LastExecution = start
	s.lock.release()

	err = invoke(ctx, rec.cfg.Run)
	dur := time.Since(start)

	s.acquirePatient(rec)
	over := s.recordExecution(rec, dur, err)
	s.lock.release()

	ev := TaskEvent{ID: rec.id, Name: rec.cfg.Name, Policy: rec.cfg.Policy.String(), Duration: dur, Success: err == nil}
	if err != nil {
		ev.Error = err.Error()
		fields := []logx.Field{logx.Uint32("id", uint32(rec.id)), logx.String("task", rec.cfg.Name), logx.Err(err)}
		var pe *PanicError
		if errors.As(err, &pe) {
			fields = append(fields, logx.Stack(pe.Stack))
		}
		s.log.Warn("task execution failed", fields...)
		s.publish(EventFailed, ev)
	}
	if over {
		if s.warnLim.Allow() {
			s.log.Warn("task exceeded its deadline budget",
				logx.Uint32("id", uint32(rec.id)),
				logx.String("task", rec.cfg.Name),
				logx.Duration("took", dur),
				logx.Duration("budget", rec.cfg.MaxDuration),
			)
		}
		s.publish(EventDeadlineMissed, ev)
	}
	return true, err
}

func invoke(ctx context.Context, fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn(ctx)
}

func (s *Scheduler) evalCondition(ctx context.Context, rec *record) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			s.log.Warn("task condition panicked",
				logx.Uint32("id", uint32(rec.id)),
				logx.String("task", rec.cfg.Name),
				logx.Any("panic", r),
			)
		}
	}()
	return rec.cfg.Condition(ctx)
}

// noteWake stores the wake just served and the next computed one.
func (s *Scheduler) noteWake(rec *record, served, next time.Time, late bool) {
	s.acquirePatient(rec)
	rec.lastWake = served
	rec.stats.NextExecution = next
	if late {
		s.recordLateWake(rec)
	}
	s.lock.release()
}

// finish is the last step of every unit. natural marks a OneShot or Delayed
// task that ran its single execution. Callbacks run after done is closed and
// the lock is released, so they may call Delete on the same task.
func (s *Scheduler) finish(rec *record, done chan struct{}, natural, success bool) {
	s.acquirePatient(rec)
	rec.exited = true
	notify := natural && !rec.removed
	if notify {
		rec.stats.State = StateCompleted
		rec.stats.NextExecution = time.Time{}
		if success {
			s.totals.completed++
		} else {
			s.totals.failed++
		}
	}
	s.store.release(rec)
	s.lock.release()
	close(done)

	if !notify {
		return
	}
	s.log.Debug("task completed", logx.Uint32("id", uint32(rec.id)), logx.String("task", rec.cfg.Name), logx.Bool("success", success))
	s.publish(EventCompleted, TaskEvent{ID: rec.id, Name: rec.cfg.Name, Policy: rec.cfg.Policy.String(), Success: success})
	if fn := rec.cfg.OnComplete; fn != nil {
		s.callCompletion(rec, fn, success)
	}
	if hook := s.hook.Load(); hook != nil {
		s.callCompletion(rec, *hook, success)
	}
	if rec.cfg.AutoRemove {
		if err := s.Delete(context.Background(), rec.id); err != nil && !errors.Is(err, ErrTaskNotFound) {
			s.log.Warn("auto-remove failed", logx.Uint32("id", uint32(rec.id)), logx.String("task", rec.cfg.Name), logx.Err(err))
		}
	}
}

func (s *Scheduler) callCompletion(rec *record, fn CompletionFunc, success bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("completion callback panicked",
				logx.Uint32("id", uint32(rec.id)),
				logx.String("task", rec.cfg.Name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	fn(rec.id, success)
}

// loopUnit runs Periodic, OneShot and Conditional tasks on a supervised
// goroutine. Cancellation is cooperative: ctx is checked between passes.
type loopUnit struct {
	s   *Scheduler
	rec *record

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	suspended bool
	forced    bool
	stopped   bool
}

func (u *loopUnit) start() error {
	name := fmt.Sprintf("task.%d.%s", u.rec.id, u.rec.cfg.Policy)
	if err := u.s.sup.TryGo(name, func(context.Context) error {
		u.run()
		return nil
	}); err != nil {
		u.cancel()
		return err
	}
	return nil
}

func (u *loopUnit) run() {
	natural, success := false, false
	defer func() {
		u.cancel()
		u.s.finish(u.rec, u.done, natural, success)
	}()
	switch u.rec.cfg.Policy {
	case Periodic:
		u.periodic()
	case OneShot:
		natural, success = u.oneShot()
	case Conditional:
		u.conditional()
	}
}

func (u *loopUnit) periodic() {
	last := time.Now()
	due := last
	for {
		resumed, ok := u.holdWhileSuspended()
		if !ok {
			return
		}
		if resumed {
			// Keep the original phase; periods skipped while suspended are not late.
			now := time.Now()
			if !due.After(now) {
				last = realign(last, u.rec.currentPeriod(), now)
				due = last.Add(u.rec.currentPeriod())
			}
			u.s.noteWake(u.rec, last, due, false)
			continue
		}
		if u.takeForced() {
			u.s.execute(u.ctx, u.rec)
			continue
		}
		if wait := time.Until(due); wait > 0 {
			if !u.sleep(wait) {
				return
			}
			continue
		}

		u.s.execute(u.ctx, u.rec)
		if u.ctx.Err() != nil {
			return
		}
		last = due
		next, late := nextWake(last, u.rec.currentPeriod(), time.Now())
		u.s.noteWake(u.rec, last, next, late)
		if late {
			last = next
		}
		due = next
	}
}

func (u *loopUnit) oneShot() (natural, success bool) {
	for {
		if _, ok := u.holdWhileSuspended(); !ok {
			return false, false
		}
		ran, err := u.s.execute(u.ctx, u.rec)
		if ran {
			return true, err == nil
		}
		if u.ctx.Err() != nil {
			return false, false
		}
		// Suspended between the check and dispatch.
	}
}

func (u *loopUnit) conditional() {
	for {
		if _, ok := u.holdWhileSuspended(); !ok {
			return
		}
		if u.takeForced() || u.s.evalCondition(u.ctx, u.rec) {
			u.s.execute(u.ctx, u.rec)
		}
		if !u.sleep(time.Duration(u.s.pollInterval.Load())) {
			return
		}
	}
}

// holdWhileSuspended blocks until the unit is not suspended. ok is false once
// the unit is stopping.
func (u *loopUnit) holdWhileSuspended() (resumed, ok bool) {
	for {
		if u.ctx.Err() != nil {
			return resumed, false
		}
		u.mu.Lock()
		susp := u.suspended
		u.mu.Unlock()
		if !susp {
			return resumed, true
		}
		resumed = true
		select {
		case <-u.kick:
		case <-u.ctx.Done():
			return resumed, false
		}
	}
}

// sleep waits for d, a kick, or stop. It returns false on stop.
func (u *loopUnit) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-u.kick:
		return true
	case <-u.ctx.Done():
		return false
	}
}

func (u *loopUnit) takeForced() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	f := u.forced
	u.forced = false
	return f
}

func (u *loopUnit) poke() {
	select {
	case u.kick <- struct{}{}:
	default:
	}
}

func (u *loopUnit) stop() bool {
	u.mu.Lock()
	u.stopped = true
	u.mu.Unlock()
	u.cancel()
	return false
}

func (u *loopUnit) suspend() {
	u.mu.Lock()
	u.suspended = true
	u.mu.Unlock()
}

func (u *loopUnit) resume() {
	u.mu.Lock()
	u.suspended = false
	u.mu.Unlock()
	u.poke()
}

func (u *loopUnit) runNow() error {
	u.mu.Lock()
	if u.stopped || u.suspended {
		u.mu.Unlock()
		return ErrNotRunnable
	}
	u.forced = true
	u.mu.Unlock()
	u.poke()
	return nil
}

func (u *loopUnit) trigger() { u.poke() }

func (u *loopUnit) halted() <-chan struct{} { return u.done }

// timerUnit runs a Delayed task from a runtime timer. No goroutine exists while
// the delay is pending; the body runs on the timer's own goroutine.
type timerUnit struct {
	s   *Scheduler
	rec *record

	ctx    context.Context
	cancel context.CancelFunc
	timer  *delayTimer
	done   chan struct{}

	mu        sync.Mutex
	suspended bool
	stopped   bool
	firing    bool
	finished  bool
}

func (u *timerUnit) start() error {
	if err := u.s.sup.Context().Err(); err != nil {
		u.cancel()
		return fmt.Errorf("%w: %v", supervisor.ErrStopped, err)
	}
	u.timer.arm(u.rec.cfg.Delay)
	return nil
}

func (u *timerUnit) fire() {
	u.mu.Lock()
	if u.stopped || u.suspended || u.firing || u.finished {
		u.mu.Unlock()
		return
	}
	u.firing = true
	u.mu.Unlock()

	ran, err := u.s.execute(u.ctx, u.rec)
	if !ran && u.ctx.Err() == nil {
		// Suspended between the fire and dispatch. Re-arm unless still
		// suspended; resume does it otherwise.
		u.mu.Lock()
		u.firing = false
		if !u.suspended && !u.stopped {
			u.timer.arm(u.rec.cfg.Delay)
		}
		u.mu.Unlock()
		return
	}

	u.mu.Lock()
	u.finished = true
	u.mu.Unlock()
	u.cancel()
	u.s.finish(u.rec, u.done, ran, ran && err == nil)
}

func (u *timerUnit) stop() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopped {
		return false
	}
	u.stopped = true
	u.cancel()
	if u.firing || u.finished {
		return false
	}
	u.timer.disarm()
	u.finished = true
	close(u.done)
	return true
}

func (u *timerUnit) suspend() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.suspended = true
	if !u.firing {
		u.timer.disarm()
	}
}

// resume re-arms the full delay from now.
func (u *timerUnit) resume() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.suspended = false
	if !u.firing && !u.stopped && !u.finished {
		u.timer.arm(u.rec.cfg.Delay)
	}
}

func (u *timerUnit) runNow() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopped || u.finished || u.firing || u.suspended {
		return ErrNotRunnable
	}
	u.timer.arm(0)
	return nil
}

func (u *timerUnit) trigger() {}

func (u *timerUnit) halted() <-chan struct{} { return u.done }
