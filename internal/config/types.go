package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// Durations are Go duration strings ("10ms", "1s", "1m"). Empty or zero values
// take the component defaults.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Monitor   MonitorConfig   `json:"monitor"`
	Watchdog  WatchdogConfig  `json:"watchdog"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`

	// Storage is optional. Nil (or driver "none") disables persistence.
	Storage *StorageConfig `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Recent  LoggingRecent `json:"recent"`
}

// LoggingRecent keeps the newest log lines in memory for the debug server
// (/logs.json). min_level defaults to "warn", size to 200.
type LoggingRecent struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	Size       int    `json:"size,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the task scheduler.
//
// Defaults (when fields are omitted/zero):
//   - capacity: 32 (restart required to change)
//   - lock_timeout: "1s"
//   - read_timeout: "100ms"
//   - poll_interval: "10ms"
//   - max_concurrent: 0 (unbounded)
//   - deadline_warn_per_sec: 1
type SchedulerConfig struct {
	Capacity           int     `json:"capacity,omitempty"`
	LockTimeout        string  `json:"lock_timeout,omitempty"`
	ReadTimeout        string  `json:"read_timeout,omitempty"`
	PollInterval       string  `json:"poll_interval,omitempty"`
	MaxConcurrent      int     `json:"max_concurrent,omitempty"`
	DeadlineWarnPerSec float64 `json:"deadline_warn_per_sec,omitempty"`
}

// MonitorConfig controls the runtime sampler and the report schedule.
//
// report_schedule accepts a cron spec ("*/5 * * * *", "@hourly", "@every 1m"),
// a Go duration ("90s") or HH:MM ("01:30" = every 90 minutes).
type MonitorConfig struct {
	Enabled        bool   `json:"enabled"`
	SampleEvery    string `json:"sample_every,omitempty"`
	ReportSchedule string `json:"report_schedule,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	History        int    `json:"history,omitempty"`
	// PersistSnapshots writes each report to storage when storage is enabled.
	PersistSnapshots *bool `json:"persist_snapshots,omitempty"`
	// Retention is the number of snapshots kept by the sqlite driver (0 = 1000).
	Retention int `json:"retention,omitempty"`
}

// WatchdogConfig controls systemd notifications. The watchdog ping only runs
// when the unit sets WatchdogSec.
type WatchdogConfig struct {
	Enabled bool `json:"enabled"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./padbridge.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PprofConfig controls the optional debug HTTP server (pprof plus task
// report endpoints).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// PersistEnabled reports whether monitor snapshots should be written (default true).
func (m MonitorConfig) PersistEnabled() bool {
	return m.PersistSnapshots == nil || *m.PersistSnapshots
}
