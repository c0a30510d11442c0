package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	logx "padbridge/pkg/logx"
)

// Create validates cfg, reserves a slot and starts the task's execution unit.
// Either a fully wired task exists afterwards or nothing was retained.
func (s *Scheduler) Create(cfg TaskConfig) (ID, error) {
	if err := cfg.validate(); err != nil {
		return InvalidID, err
	}
	if cfg.Priority <= 0 {
		cfg.Priority = PriorityNormal
	}

	if err := s.acquire(); err != nil {
		return InvalidID, err
	}
	slot, err := s.store.allocate()
	if err != nil {
		s.lock.release()
		return InvalidID, err
	}
	now := time.Now()
	rec := &record{id: s.store.issueID(), cfg: cfg, createdAt: now, lastWake: now}
	if rec.cfg.Name == "" {
		rec.cfg.Name = fmt.Sprintf("%s-%d", cfg.Policy, rec.id)
	}
	rec.setPriority(cfg.Priority)
	rec.setPeriod(cfg.Period)
	rec.stats.State = StateCreated
	if cfg.Policy == Periodic {
		rec.stats.NextExecution = now
	}
	rec.unit = s.newUnit(rec)
	s.store.bind(slot, rec)

	if err := rec.unit.start(); err != nil {
		s.store.drop(rec)
		s.lock.release()
		s.log.Error("task spawn failed", logx.String("task", rec.cfg.Name), logx.Err(err))
		return InvalidID, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, rec.cfg.Name, err)
	}
	rec.stats.State = StateReady
	s.totals.created++
	s.lock.release()

	s.log.Debug("task created",
		logx.Uint32("id", uint32(rec.id)),
		logx.String("task", rec.cfg.Name),
		logx.String("policy", cfg.Policy.String()),
		logx.Int("priority", int(cfg.Priority)),
	)
	s.publish(EventCreated, TaskEvent{ID: rec.id, Name: rec.cfg.Name, Policy: cfg.Policy.String(), Success: true})
	return rec.id, nil
}

// Delete removes a task and stops its unit. It returns once the unit can no
// longer run the body, or when ctx is done (the task is removed either way).
// When called from the task's own body with the ctx it received, Delete does
// not wait for the body to return.
func (s *Scheduler) Delete(ctx context.Context, id ID) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.acquire(); err != nil {
		return err
	}
	rec, err := s.store.find(id)
	if err != nil {
		s.lock.release()
		return err
	}
	halted := s.removeLocked(rec)
	s.lock.release()

	s.log.Debug("task deleted", logx.Uint32("id", uint32(id)), logx.String("task", rec.cfg.Name))
	s.publish(EventDeleted, TaskEvent{ID: id, Name: rec.cfg.Name, Policy: rec.cfg.Policy.String(), Success: true})

	if halted == nil || runningIn(ctx, rec) {
		return nil
	}
	select {
	case <-halted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// removeLocked unindexes rec and stops its unit. It returns the channel to
// join on, or nil when the unit is already gone.
func (s *Scheduler) removeLocked(rec *record) <-chan struct{} {
	s.store.unindex(rec)
	rec.stats.State = StateCompleted
	rec.stats.NextExecution = time.Time{}
	if rec.unit.stop() {
		rec.exited = true
	}
	exited := rec.exited
	s.store.release(rec)
	if exited {
		return nil
	}
	return rec.unit.halted()
}

// StopAll deletes every task and joins their units. A second call is a no-op.
func (s *Scheduler) StopAll(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.acquire(); err != nil {
		return err
	}
	var (
		recs   []*record
		joins  []<-chan struct{}
		caller *record
	)
	s.store.each(func(r *record) { recs = append(recs, r) })
	for _, r := range recs {
		if runningIn(ctx, r) {
			caller = r
		}
		if ch := s.removeLocked(r); ch != nil && r != caller {
			joins = append(joins, ch)
		}
	}
	s.lock.release()

	for _, r := range recs {
		s.publish(EventDeleted, TaskEvent{ID: r.id, Name: r.cfg.Name, Policy: r.cfg.Policy.String(), Success: true})
	}
	if len(recs) > 0 {
		s.log.Info("all tasks stopped", logx.Int("count", len(recs)))
	}
	for _, ch := range joins {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops every task and the unit supervisor. Create fails with
// ErrSpawnFailed afterwards.
func (s *Scheduler) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	err := s.StopAll(ctx)
	if serr := s.sup.Stop(ctx); serr != nil && err == nil && !errors.Is(serr, context.Canceled) {
		err = serr
	}
	return err
}

// Suspend halts dispatch without destroying timing state. Suspending a
// suspended task is a no-op.
func (s *Scheduler) Suspend(id ID) error {
	return s.mutate(id, func(rec *record) error {
		switch rec.stats.State {
		case StateSuspended:
			return nil
		case StateCompleted:
			return fmt.Errorf("%w: id=%d is completed", ErrNotRunnable, id)
		}
		rec.stats.State = StateSuspended
		rec.unit.suspend()
		return nil
	})
}

// Resume makes a suspended task eligible again. A Delayed task re-arms its full
// delay from now. Resuming a task that is not suspended is a no-op.
func (s *Scheduler) Resume(id ID) error {
	return s.mutate(id, func(rec *record) error {
		if rec.stats.State != StateSuspended {
			return nil
		}
		rec.stats.State = StateReady
		rec.unit.resume()
		return nil
	})
}

// SetPriority changes the priority used by subsequent executions.
func (s *Scheduler) SetPriority(id ID, p Priority) error {
	if p <= 0 {
		return fmt.Errorf("%w: priority must be positive", ErrInvalidConfig)
	}
	return s.mutate(id, func(rec *record) error {
		rec.setPriority(p)
		return nil
	})
}

// SetPeriod changes a Periodic task's period. The pending wake is kept; the new
// period applies from the next computed wake.
func (s *Scheduler) SetPeriod(id ID, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("%w: period must be positive", ErrInvalidConfig)
	}
	return s.mutate(id, func(rec *record) error {
		if rec.cfg.Policy != Periodic {
			return fmt.Errorf("%w: %s task has no period", ErrInvalidConfig, rec.cfg.Policy)
		}
		rec.setPeriod(period)
		return nil
	})
}

// RunNow requests one immediate out-of-band execution. Periodic tasks keep
// their wake grid; Conditional tasks bypass the predicate once; Delayed tasks
// fire now instead of at the end of the delay. OneShot tasks and suspended or
// completed tasks are not runnable.
func (s *Scheduler) RunNow(id ID) error {
	return s.mutate(id, func(rec *record) error {
		if rec.cfg.Policy == OneShot || rec.stats.State == StateCompleted {
			return fmt.Errorf("%w: id=%d", ErrNotRunnable, id)
		}
		if err := rec.unit.runNow(); err != nil {
			return fmt.Errorf("%w: id=%d", err, id)
		}
		return nil
	})
}

// Trigger wakes a Conditional task's poll immediately. The predicate still
// decides whether the body runs.
func (s *Scheduler) Trigger(id ID) error {
	return s.mutate(id, func(rec *record) error {
		if rec.cfg.Policy != Conditional {
			return fmt.Errorf("%w: %s task cannot be triggered", ErrNotRunnable, rec.cfg.Policy)
		}
		rec.unit.trigger()
		return nil
	})
}

// ClearStats resets the counters of one task, or of every task and the
// scheduler-wide totals when id is InvalidID.
func (s *Scheduler) ClearStats(id ID) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.lock.release()
	if id == InvalidID {
		s.store.each(func(r *record) { resetTaskStats(&r.stats) })
		s.totals = totals{created: s.totals.created}
		return nil
	}
	rec, err := s.store.find(id)
	if err != nil {
		return err
	}
	resetTaskStats(&rec.stats)
	return nil
}

func (s *Scheduler) mutate(id ID, fn func(rec *record) error) error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.lock.release()
	rec, err := s.store.find(id)
	if err != nil {
		return err
	}
	return fn(rec)
}

func (s *Scheduler) read(id ID, fn func(rec *record)) error {
	if err := s.acquireRead(); err != nil {
		return err
	}
	defer s.lock.release()
	rec, err := s.store.find(id)
	if err != nil {
		return err
	}
	fn(rec)
	return nil
}

// Stats returns a copy of a task's counters.
func (s *Scheduler) Stats(id ID) (TaskStats, error) {
	var out TaskStats
	err := s.read(id, func(rec *record) { out = rec.stats })
	return out, err
}

// State returns a task's lifecycle state.
func (s *Scheduler) State(id ID) (State, error) {
	var out State
	err := s.read(id, func(rec *record) { out = rec.stats.State })
	return out, err
}

// Info returns a task's configuration without its functions.
func (s *Scheduler) Info(id ID) (TaskInfo, error) {
	var out TaskInfo
	err := s.read(id, func(rec *record) { out = infoOf(rec) })
	return out, err
}

func infoOf(rec *record) TaskInfo {
	return TaskInfo{
		ID:          rec.id,
		Name:        rec.cfg.Name,
		Policy:      rec.cfg.Policy,
		Priority:    rec.cfg.Priority,
		Period:      rec.cfg.Period,
		Delay:       rec.cfg.Delay,
		MaxDuration: rec.cfg.MaxDuration,
		StackSize:   rec.cfg.StackSize,
		AutoRemove:  rec.cfg.AutoRemove,
		CreatedAt:   rec.createdAt,
		State:       rec.stats.State,
	}
}

// Exists reports whether id names a live task. Lock contention reads as false.
func (s *Scheduler) Exists(id ID) bool {
	return s.read(id, func(*record) {}) == nil
}

// SchedulerStats returns a copy of the scheduler-wide counters.
func (s *Scheduler) SchedulerStats() (SchedulerStats, error) {
	if err := s.acquireRead(); err != nil {
		return SchedulerStats{}, err
	}
	defer s.lock.release()
	return s.snapshotTotals(time.Now()), nil
}

// List returns the live task ids in slot order.
func (s *Scheduler) List() ([]ID, error) {
	if err := s.acquireRead(); err != nil {
		return nil, err
	}
	defer s.lock.release()
	return s.store.ids(), nil
}

// ActiveCount returns the number of live tasks, or -1 under lock contention.
func (s *Scheduler) ActiveCount() int {
	if err := s.acquireRead(); err != nil {
		return -1
	}
	defer s.lock.release()
	return s.store.active()
}
