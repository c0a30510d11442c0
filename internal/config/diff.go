package config

import (
	"strings"

	logx "padbridge/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.recent_enabled", newCfg.Logging.Recent.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.capacity", newCfg.Scheduler.Capacity),
			logx.Int("scheduler.max_concurrent", newCfg.Scheduler.MaxConcurrent),
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
		)
	}

	if !monitorEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.Bool("monitor.enabled", newCfg.Monitor.Enabled),
			logx.String("monitor.sample_every", strings.TrimSpace(newCfg.Monitor.SampleEvery)),
			logx.String("monitor.report_schedule", strings.TrimSpace(newCfg.Monitor.ReportSchedule)),
			logx.String("monitor.timezone", strings.TrimSpace(newCfg.Monitor.Timezone)),
		)
	}

	if oldCfg.Watchdog != newCfg.Watchdog {
		changed = append(changed, "watchdog")
		attrs = append(attrs, logx.Bool("watchdog.enabled", newCfg.Watchdog.Enabled))
	}

	// Pprof (never log token)
	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.String("pprof.prefix", strings.TrimSpace(newCfg.Pprof.Prefix)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	if StorageChanged(oldCfg, newCfg) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs,
				logx.String("storage.driver", newCfg.Storage.Driver),
				logx.String("storage.path", newCfg.Storage.Path),
			)
		}
	}

	return changed, attrs
}

// StorageChanged reports whether the storage section differs. Storage is
// opened once at startup, so a change needs a restart.
func StorageChanged(oldCfg, newCfg *Config) bool {
	var a, b StorageConfig
	if oldCfg != nil && oldCfg.Storage != nil {
		a = *oldCfg.Storage
	}
	if newCfg != nil && newCfg.Storage != nil {
		b = *newCfg.Storage
	}
	return a != b
}

// CapacityChanged reports a scheduler capacity change, which also needs a restart.
func CapacityChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	return oldCfg.Scheduler.Capacity != newCfg.Scheduler.Capacity
}

func monitorEqual(a, b MonitorConfig) bool {
	if a.PersistEnabled() != b.PersistEnabled() {
		return false
	}
	a.PersistSnapshots, b.PersistSnapshots = nil, nil
	return a == b
}
