package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks field ranges and duration syntax. Schedule expressions and
// listener addresses are checked by the components that own them.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(checkLevel("logging.level", cfg.Logging.Level))
	if r := cfg.Logging.Recent; r.Enabled {
		add(checkLevel("logging.recent.min_level", r.MinLevel))
		if r.Size < 0 {
			add(fmt.Errorf("logging.recent.size: must be >= 0"))
		}
		if r.RatePerSec < 0 {
			add(fmt.Errorf("logging.recent.rate_per_sec: must be >= 0"))
		}
	}

	s := cfg.Scheduler
	if s.Capacity < 0 {
		add(fmt.Errorf("scheduler.capacity: must be >= 0"))
	}
	if s.MaxConcurrent < 0 {
		add(fmt.Errorf("scheduler.max_concurrent: must be >= 0"))
	}
	if s.DeadlineWarnPerSec < 0 {
		add(fmt.Errorf("scheduler.deadline_warn_per_sec: must be >= 0"))
	}
	_, err := ParseDurationField("scheduler.lock_timeout", s.LockTimeout)
	add(err)
	_, err = ParseDurationField("scheduler.read_timeout", s.ReadTimeout)
	add(err)
	_, err = ParseDurationField("scheduler.poll_interval", s.PollInterval)
	add(err)

	m := cfg.Monitor
	_, err = ParseDurationField("monitor.sample_every", m.SampleEvery)
	add(err)
	if m.History < 0 {
		add(fmt.Errorf("monitor.history: must be >= 0"))
	}
	if m.Retention < 0 {
		add(fmt.Errorf("monitor.retention: must be >= 0"))
	}
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("monitor.timezone: %w", err))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		_, err = ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
	}

	p := cfg.Pprof
	_, err = ParseDurationField("pprof.read_timeout", p.ReadTimeout)
	add(err)
	_, err = ParseDurationField("pprof.write_timeout", p.WriteTimeout)
	add(err)
	_, err = ParseDurationField("pprof.idle_timeout", p.IdleTimeout)
	add(err)

	return errors.Join(errs...)
}

func checkLevel(path, level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("%s: unknown level %q", path, level)
}
