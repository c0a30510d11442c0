package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "padbridge/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("unknown driver err = %v", err)
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func snap(i int) Snapshot {
	return Snapshot{
		Session:    "s-1",
		At:         time.Unix(1700000000+int64(i), 0).UTC(),
		Executions: uint64(i),
		Tasks:      []TaskRow{{ID: 1, Name: "input.poll", Policy: "periodic", State: "ready", Runs: uint64(i)}},
	}
}

func TestDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			cfg := Config{Driver: driver, Path: filepath.Join(t.TempDir(), "padbridge.db"), Retention: 3}

			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			for i := 1; i <= 5; i++ {
				if err := st.AppendSnapshot(ctx, snap(i)); err != nil {
					t.Fatalf("AppendSnapshot #%d: %v", i, err)
				}
			}
			if err := st.AppendEvent(ctx, TaskEvent{Session: "s-1", Type: "task.failed", TaskID: 1, TaskName: "input.poll", Error: "boom"}); err != nil {
				t.Fatalf("AppendEvent: %v", err)
			}

			got, err := st.RecentSnapshots(ctx, 2)
			if err != nil {
				t.Fatalf("RecentSnapshots: %v", err)
			}
			if len(got) != 2 || got[0].Executions != 5 || got[1].Executions != 4 {
				t.Fatalf("RecentSnapshots = %+v, want executions 5,4", got)
			}
			if len(got[0].Tasks) != 1 || got[0].Tasks[0].Name != "input.poll" {
				t.Fatalf("task rows not round-tripped: %+v", got[0].Tasks)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			// Reopen: the newest snapshots survive.
			st, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			got, err = st.RecentSnapshots(ctx, 1)
			if err != nil {
				t.Fatalf("RecentSnapshots after reopen: %v", err)
			}
			if len(got) != 1 || got[0].Executions != 5 {
				t.Fatalf("after reopen = %+v, want executions 5", got)
			}
		})
	}
}

func TestFileStoreCompactsToRetention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "pb"), Retention: 2}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	for i := 1; i <= 9; i++ {
		if err := st.AppendSnapshot(ctx, snap(i)); err != nil {
			t.Fatalf("AppendSnapshot: %v", err)
		}
	}
	fs := st.(*fileStore)
	fs.mu.Lock()
	lines, recent := fs.lines, len(fs.recent)
	fs.mu.Unlock()
	if recent != 2 {
		t.Fatalf("in-memory window = %d, want 2", recent)
	}
	if lines >= 4 {
		t.Fatalf("snapshot file has %d lines, want compaction below 4", lines)
	}

	all, _ := st.RecentSnapshots(ctx, 0)
	if len(all) != 2 || all[0].Executions != 9 {
		t.Fatalf("RecentSnapshots(0) = %+v", all)
	}
}
