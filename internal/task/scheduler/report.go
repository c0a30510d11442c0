package scheduler

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// TaskRow pairs a task's configuration view with its counters.
type TaskRow struct {
	Info  TaskInfo
	Stats TaskStats
}

// Report is a consistent view of the whole table taken under one lock hold.
type Report struct {
	Version string
	Taken   time.Time
	Totals  SchedulerStats
	Tasks   []TaskRow
}

// Snapshot captures every live task and the scheduler totals.
func (s *Scheduler) Snapshot() (Report, error) {
	if err := s.acquireRead(); err != nil {
		return Report{}, err
	}
	defer s.lock.release()
	now := time.Now()
	rep := Report{
		Version: version,
		Taken:   now,
		Totals:  s.snapshotTotals(now),
		Tasks:   make([]TaskRow, 0, s.store.active()),
	}
	s.store.each(func(r *record) {
		rep.Tasks = append(rep.Tasks, TaskRow{Info: infoOf(r), Stats: r.stats})
	})
	return rep, nil
}

// ExportReport renders the current table as human-readable text.
func (s *Scheduler) ExportReport() (string, error) {
	var b strings.Builder
	if err := s.WriteReport(&b); err != nil {
		return "", err
	}
	return b.String(), nil
}

// WriteReport writes the ExportReport text to w.
func (s *Scheduler) WriteReport(w io.Writer) error {
	rep, err := s.Snapshot()
	if err != nil {
		return err
	}
	return rep.Write(w)
}

func (r Report) Write(w io.Writer) error {
	t := r.Totals
	if _, err := fmt.Fprintf(w,
		"scheduler v%s  uptime=%s  active=%d  created=%d  completed=%d  failed=%d\n"+
			"executions=%d  total=%s  avg=%s  missed_deadlines=%d\n",
		r.Version, t.Uptime.Truncate(time.Second), t.Active, t.TotalCreated, t.Completed, t.Failed,
		t.TotalExecutions, t.TotalExecutionTime, t.AvgExecutionTime, t.MissedDeadlines,
	); err != nil {
		return err
	}
	if len(r.Tasks) == 0 {
		_, err := io.WriteString(w, "no tasks\n")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPOLICY\tPRIO\tSTATE\tRUNS\tAVG\tMIN\tMAX\tMISSED\tERRORS")
	for _, row := range r.Tasks {
		st := row.Stats
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%d\t%s\t%s\t%s\t%d\t%d\n",
			row.Info.ID, row.Info.Name, row.Info.Policy, row.Info.Priority, st.State,
			st.ExecutionCount, st.AvgExecution, st.MinExecution, st.MaxExecution,
			st.MissedDeadlines, st.ErrorCount,
		)
	}
	return tw.Flush()
}
