package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  capacity: 16
  lock_timeout: 500ms
  poll_interval: 10ms
  max_concurrent: 4
monitor:
  enabled: true
  sample_every: 1s
  report_schedule: "@every 1m"
  history: 60
storage:
  driver: sqlite
  path: ./padbridge.db
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Scheduler.Capacity != 16 || cfg.Scheduler.MaxConcurrent != 4 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if !cfg.Monitor.Enabled || cfg.Monitor.History != 60 {
		t.Fatalf("monitor = %+v", cfg.Monitor)
	}
	if !cfg.Monitor.PersistEnabled() {
		t.Fatal("persist_snapshots should default to true")
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "unknown yaml field", path: "c.yaml", body: "scheduler:\n  capacty: 4\n"},
		{name: "unknown json field", path: "c.json", body: `{"bogus": true}`},
		{name: "trailing json", path: "c.json", body: `{} {}`},
		{name: "broken yaml", path: "c.yml", body: "scheduler: [\n"},
		{name: "wrong type", path: "c.json", body: `{"scheduler": {"capacity": "many"}}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatalf("Decode(%q) succeeded, want error", tt.body)
			}
		})
	}
}

func TestDecodeEmptyYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yaml", nil)
	if err != nil {
		t.Fatalf("Decode(empty): %v", err)
	}
	if cfg.Storage != nil {
		t.Fatalf("storage = %+v, want nil", cfg.Storage)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
		{name: "capacity", mutate: func(c *Config) { c.Scheduler.Capacity = -1 }, wantErr: "scheduler.capacity"},
		{name: "duration", mutate: func(c *Config) { c.Scheduler.PollInterval = "soon" }, wantErr: "scheduler.poll_interval"},
		{name: "negative duration", mutate: func(c *Config) { c.Scheduler.LockTimeout = "-1s" }, wantErr: "scheduler.lock_timeout"},
		{name: "timezone", mutate: func(c *Config) { c.Monitor.Timezone = "Mars/Olympus" }, wantErr: "monitor.timezone"},
		{name: "driver", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} }, wantErr: "storage.driver"},
		{name: "sqlite3 alias", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "sqlite3", Path: "x.db"} }},
		{name: "recent level", mutate: func(c *Config) { c.Logging.Recent = LoggingRecent{Enabled: true, MinLevel: "shout"} }, wantErr: "logging.recent.min_level"},
		{name: "recent size", mutate: func(c *Config) { c.Logging.Recent = LoggingRecent{Enabled: true, Size: -1} }, wantErr: "logging.recent.size"},
		{name: "recent disabled ignored", mutate: func(c *Config) { c.Logging.Recent = LoggingRecent{MinLevel: "shout"} }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", time.Second)
	if err != nil || d != time.Second {
		t.Fatalf("empty = %v, %v; want 1s", d, err)
	}
	d, err = ParseDurationOrDefault("x", " 250ms ", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("250ms = %v, %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "40", time.Second)
	if err != nil || d != 40*time.Millisecond {
		t.Fatalf("bare 40 = %v, %v; want 40ms", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "abc", time.Second); err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if _, err := ParseDurationField("x", "-5"); err == nil {
		t.Fatal("expected error for negative milliseconds")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Pprof: PprofConfig{Token: "secret"}}
	newCfg := &Config{
		Scheduler: SchedulerConfig{MaxConcurrent: 2},
		Pprof:     PprofConfig{Token: "other-secret"},
		Storage:   &StorageConfig{Driver: "file", Path: "./data"},
	}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"scheduler", "pprof", "storage"}
	if strings.Join(sections, ",") != strings.Join(want, ",") {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
	if !StorageChanged(oldCfg, newCfg) {
		t.Fatal("StorageChanged = false")
	}
	if CapacityChanged(oldCfg, newCfg) {
		t.Fatal("CapacityChanged = true")
	}

	if s, _ := SummarizeConfigChange(newCfg, newCfg); len(s) != 0 {
		t.Fatalf("identical configs reported %v", s)
	}
}

func TestManagerLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, sampleYAML)

	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}

	writeFile(t, path, "logging:\n  level: shouting\n")
	if _, err := m.Load(); err == nil {
		t.Fatal("Load accepted an invalid level")
	}
	if m.Get() != cfg {
		t.Fatal("failed Load replaced the committed config")
	}
}

func TestManagerPublishKeepsLatest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.yaml")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatal("slow subscriber did not receive the latest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel open after Unsubscribe")
	}
}

func TestManagerWatchPublishesReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, sampleYAML)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	rejected := make(chan struct{}, 4)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Scheduler.Capacity == 99 {
			rejected <- struct{}{}
			return context.Canceled
		}
		return nil
	})
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, path, strings.Replace(sampleYAML, "max_concurrent: 4", "max_concurrent: 2", 1))

	select {
	case cfg := <-ch:
		if cfg.Scheduler.MaxConcurrent != 2 {
			t.Fatalf("max_concurrent = %d, want 2", cfg.Scheduler.MaxConcurrent)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload not published")
	}

	writeFile(t, path, strings.Replace(sampleYAML, "capacity: 16", "capacity: 99", 1))
	select {
	case <-rejected:
	case <-time.After(5 * time.Second):
		t.Fatal("validator not consulted")
	}
	if m.Get().Scheduler.Capacity != 16 {
		t.Fatalf("rejected config was committed")
	}
}
