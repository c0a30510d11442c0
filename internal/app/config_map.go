package app

import (
	"fmt"
	"strings"
	"time"

	"padbridge/internal/config"
	"padbridge/internal/monitor"
	"padbridge/internal/observability/debugsrv"
	"padbridge/internal/storage"
	"padbridge/internal/task/scheduler"
	logx "padbridge/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Recent: logx.RecentConfig{
			Enabled:    cfg.Logging.Recent.Enabled,
			MinLevel:   cfg.Logging.Recent.MinLevel,
			Size:       cfg.Logging.Recent.Size,
			RatePerSec: cfg.Logging.Recent.RatePerSec,
		},
	}
}

func mapSchedulerOptions(cfg *config.Config) (scheduler.Options, error) {
	sc := cfg.Scheduler
	lockTimeout, err := config.ParseDurationField("scheduler.lock_timeout", sc.LockTimeout)
	if err != nil {
		return scheduler.Options{}, err
	}
	readTimeout, err := config.ParseDurationField("scheduler.read_timeout", sc.ReadTimeout)
	if err != nil {
		return scheduler.Options{}, err
	}
	poll, err := config.ParseDurationField("scheduler.poll_interval", sc.PollInterval)
	if err != nil {
		return scheduler.Options{}, err
	}
	return scheduler.Options{
		Capacity:           sc.Capacity,
		LockTimeout:        lockTimeout,
		ReadTimeout:        readTimeout,
		PollInterval:       poll,
		MaxConcurrent:      sc.MaxConcurrent,
		DeadlineWarnPerSec: sc.DeadlineWarnPerSec,
	}, nil
}

func mapMonitorConfig(cfg *config.Config) (monitor.Config, error) {
	mc := cfg.Monitor
	every, err := config.ParseDurationField("monitor.sample_every", mc.SampleEvery)
	if err != nil {
		return monitor.Config{}, err
	}
	if s := strings.TrimSpace(mc.ReportSchedule); s != "" {
		if _, err := monitor.ParseSchedule(s); err != nil {
			return monitor.Config{}, fmt.Errorf("monitor.report_schedule: %w", err)
		}
	}
	return monitor.Config{
		Enabled:        mc.Enabled,
		SampleEvery:    every,
		ReportSchedule: mc.ReportSchedule,
		Timezone:       mc.Timezone,
		History:        mc.History,
		Persist:        mc.PersistEnabled(),
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, Retention: cfg.Monitor.Retention}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, Retention: cfg.Monitor.Retention}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	pc := cfg.Pprof
	rt, err := config.ParseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 10*time.Second)
	if err != nil {
		return debugsrv.Config{}, err
	}
	// 0 leaves writes unbounded so CPU profiles and traces can stream.
	wt, err := config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout)
	if err != nil {
		return debugsrv.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 60*time.Second)
	if err != nil {
		return debugsrv.Config{}, err
	}
	return debugsrv.Config{
		Enabled:              pc.Enabled,
		Addr:                 strings.TrimSpace(pc.Addr),
		Prefix:               pc.Prefix,
		Token:                strings.TrimSpace(pc.Token),
		AllowInsecure:        pc.AllowInsecure,
		ReadTimeout:          rt,
		WriteTimeout:         wt,
		IdleTimeout:          it,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
		MemProfileRate:       pc.MemProfileRate,
	}, nil
}

// validate is installed as the config manager's hook: a reload that any
// component would reject never gets committed.
func validate(cfg *config.Config) error {
	if _, err := mapSchedulerOptions(cfg); err != nil {
		return err
	}
	if _, err := mapMonitorConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, err := mapDebugConfig(cfg)
	return err
}
