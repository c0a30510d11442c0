package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultRetention is the number of snapshots kept when Config.Retention is 0.
const DefaultRetention = 1000

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines files next to Path
//   - "sqlite": SQLite database file (pure Go driver)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retention   int           // snapshots kept; 0 means DefaultRetention
}

func (c Config) retention() int {
	if c.Retention <= 0 {
		return DefaultRetention
	}
	return c.Retention
}

// Snapshot is one persisted monitor report.
// Keep it compact and schema-stable.
type Snapshot struct {
	Session string    `json:"session"`
	At      time.Time `json:"at"`
	Version string    `json:"version,omitempty"`

	UptimeMS        int64  `json:"uptime_ms"`
	Active          int    `json:"active"`
	Created         uint64 `json:"created"`
	Completed       uint64 `json:"completed"`
	Failed          uint64 `json:"failed"`
	Executions      uint64 `json:"executions"`
	MissedDeadlines uint64 `json:"missed_deadlines"`
	AvgExecUS       int64  `json:"avg_exec_us"`

	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	PeakHeap   uint64 `json:"peak_heap"`
	NumGC      uint32 `json:"num_gc"`

	Tasks []TaskRow `json:"tasks,omitempty"`
}

// TaskRow is the per-task part of a Snapshot.
type TaskRow struct {
	ID       uint32 `json:"id"`
	Name     string `json:"name"`
	Policy   string `json:"policy"`
	Priority int    `json:"priority"`
	State    string `json:"state"`
	Runs     uint64 `json:"runs"`
	Errors   uint64 `json:"errors"`
	Missed   uint64 `json:"missed"`
	AvgUS    int64  `json:"avg_us"`
	MaxUS    int64  `json:"max_us"`
}

// TaskEvent records a notable task outcome (failure, missed deadline, completion).
type TaskEvent struct {
	Session    string    `json:"session"`
	At         time.Time `json:"at"`
	Type       string    `json:"type"`
	TaskID     uint32    `json:"task_id"`
	TaskName   string    `json:"task_name"`
	DurationUS int64     `json:"duration_us"`
	Error      string    `json:"error,omitempty"`
}
