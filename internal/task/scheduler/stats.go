package scheduler

import "time"

// totals are the scheduler-wide counters. Guarded by the table lock.
type totals struct {
	created    uint64
	completed  uint64
	failed     uint64
	executions uint64
	execTime   time.Duration
	missed     uint64
}

// recordExecution folds one execution into the task's and the scheduler's
// counters. It reports whether the deadline budget was exceeded.
// Call with the table lock held.
func (s *Scheduler) recordExecution(rec *record, dur time.Duration, err error) (overBudget bool) {
	st := &rec.stats
	st.ExecutionCount++
	st.TotalExecution += dur
	st.AvgExecution = st.TotalExecution / time.Duration(st.ExecutionCount)
	if st.ExecutionCount == 1 || dur < st.MinExecution {
		st.MinExecution = dur
	}
	if dur > st.MaxExecution {
		st.MaxExecution = dur
	}
	if budget := rec.cfg.MaxDuration; budget > 0 && dur > budget {
		st.MissedDeadlines++
		s.totals.missed++
		overBudget = true
	}
	if err != nil {
		st.ErrorCount++
	}
	// Suspend or delete may have moved the state while the body ran.
	if st.State == StateRunning {
		if err != nil {
			st.State = StateError
		} else {
			st.State = StateReady
		}
	}

	s.totals.executions++
	s.totals.execTime += dur
	return overBudget
}

// recordLateWake counts a periodic wake computed after it was already due.
// Call with the table lock held.
func (s *Scheduler) recordLateWake(rec *record) {
	rec.stats.MissedDeadlines++
	s.totals.missed++
}

func resetTaskStats(st *TaskStats) {
	*st = TaskStats{
		State:         st.State,
		LastExecution: st.LastExecution,
		NextExecution: st.NextExecution,
	}
}

func (s *Scheduler) snapshotTotals(now time.Time) SchedulerStats {
	out := SchedulerStats{
		TotalCreated:       s.totals.created,
		Active:             s.store.active(),
		Completed:          s.totals.completed,
		Failed:             s.totals.failed,
		TotalExecutions:    s.totals.executions,
		TotalExecutionTime: s.totals.execTime,
		MissedDeadlines:    s.totals.missed,
		StartedAt:          s.startedAt,
		Uptime:             now.Sub(s.startedAt),
	}
	if out.TotalExecutions > 0 {
		out.AvgExecutionTime = out.TotalExecutionTime / time.Duration(out.TotalExecutions)
	}
	return out
}
