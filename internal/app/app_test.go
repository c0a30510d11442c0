package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"padbridge/internal/config"
)

type notifyRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *notifyRecorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *notifyRecorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

// stubSystemd swaps the notify hooks; tests using it must not run in parallel.
func stubSystemd(t *testing.T, watchdog time.Duration) *notifyRecorder {
	t.Helper()
	rec := &notifyRecorder{}
	prevNotify, prevWatchdog := sdNotify, sdWatchdog
	sdNotify = rec.notify
	sdWatchdog = func() (time.Duration, error) { return watchdog, nil }
	t.Cleanup(func() { sdNotify, sdWatchdog = prevNotify, prevWatchdog })
	return rec
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		storage *config.StorageConfig
		enabled bool
		driver  string
		wantErr bool
	}{
		{name: "nil", storage: nil},
		{name: "none", storage: &config.StorageConfig{Driver: "none"}},
		{name: "file", storage: &config.StorageConfig{Driver: "file", Path: "/tmp/x"}, enabled: true, driver: "file"},
		{name: "sqlite3 alias", storage: &config.StorageConfig{Driver: "SQLite3", Path: "/tmp/x.db"}, enabled: true, driver: "sqlite"},
		{name: "missing path", storage: &config.StorageConfig{Driver: "file"}, wantErr: true},
		{name: "unknown driver", storage: &config.StorageConfig{Driver: "bolt", Path: "/tmp/x"}, wantErr: true},
		{name: "bad busy timeout", storage: &config.StorageConfig{Driver: "sqlite", Path: "/tmp/x", BusyTimeout: "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{Storage: tt.storage, Monitor: config.MonitorConfig{Retention: 7}}
			sc, enabled, err := mapStorageConfig(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if enabled != tt.enabled || sc.Driver != tt.driver {
				t.Fatalf("got enabled=%v driver=%q, want %v %q", enabled, sc.Driver, tt.enabled, tt.driver)
			}
			if enabled && sc.Retention != 7 {
				t.Fatalf("retention = %d, want 7", sc.Retention)
			}
			if tt.driver == "sqlite" && sc.BusyTimeout != time.Second {
				t.Fatalf("busy timeout = %s, want 1s default", sc.BusyTimeout)
			}
		})
	}
}

func TestMapDebugConfigDefaults(t *testing.T) {
	t.Parallel()
	dc, err := mapDebugConfig(&config.Config{Pprof: config.PprofConfig{Enabled: true, Token: "  tok  "}})
	if err != nil {
		t.Fatalf("mapDebugConfig: %v", err)
	}
	if dc.ReadTimeout != 10*time.Second || dc.WriteTimeout != 0 || dc.IdleTimeout != time.Minute {
		t.Fatalf("timeouts = %s/%s/%s", dc.ReadTimeout, dc.WriteTimeout, dc.IdleTimeout)
	}
	if dc.Token != "tok" {
		t.Fatalf("token = %q", dc.Token)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	ok := &config.Config{Scheduler: config.SchedulerConfig{LockTimeout: "1s"}}
	if err := validate(ok); err != nil {
		t.Fatalf("validate: %v", err)
	}
	bad := []*config.Config{
		{Scheduler: config.SchedulerConfig{PollInterval: "fast"}},
		{Monitor: config.MonitorConfig{ReportSchedule: "every tuesday"}},
		{Pprof: config.PprofConfig{IdleTimeout: "-"}},
	}
	for i, cfg := range bad {
		if err := validate(cfg); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestAppLifecycle(t *testing.T) {
	rec := stubSystemd(t, 200*time.Millisecond)
	dir := t.TempDir()
	path := writeConfig(t, `
logging:
  level: error
scheduler:
  capacity: 8
monitor:
  enabled: true
  sample_every: 50ms
  report_schedule: "@every 1h"
watchdog:
  enabled: true
storage:
  driver: file
  path: `+filepath.Join(dir, "padbridge")+`
`)

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.count(daemon.SdNotifyReady) != 1 {
		t.Fatalf("READY not sent: %v", rec.states)
	}

	ids, err := a.Scheduler().List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	names := map[string]bool{}
	for _, id := range ids {
		info, err := a.Scheduler().Info(id)
		if err != nil {
			t.Fatalf("Info(%d): %v", id, err)
		}
		names[info.Name] = true
	}
	if !names[watchdogTaskName] || !names["system.monitor"] {
		t.Fatalf("registered tasks = %v", names)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rec.count(daemon.SdNotifyWatchdog) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watchdog ping never sent")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rec.count(daemon.SdNotifyStopping) != 1 {
		t.Fatalf("STOPPING not sent: %v", rec.states)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if a.Scheduler().ActiveCount() != 0 {
		t.Fatalf("active tasks after stop = %d", a.Scheduler().ActiveCount())
	}
}

func TestAppWatchdogSkippedOutsideSystemd(t *testing.T) {
	rec := stubSystemd(t, 0)
	path := writeConfig(t, "logging:\n  level: error\nwatchdog:\n  enabled: true\n")

	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })

	ids, _ := a.Scheduler().List()
	if len(ids) != 0 {
		t.Fatalf("expected no tasks, got %d", len(ids))
	}
	if rec.count(daemon.SdNotifyReady) != 1 {
		t.Fatalf("states = %v", rec.states)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "monitor:\n  enabled: true\n  report_schedule: \"bogus\"\n")
	if _, err := NewApp(path); err == nil || !strings.Contains(err.Error(), "report_schedule") {
		t.Fatalf("NewApp err = %v", err)
	}
}
