package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))

	log.Trace("dropped")
	log.Info("task created",
		Uint32("id", 7),
		Int("prio", 5),
		Bool("ok", true),
		Duration("period", 10*time.Millisecond),
		Err(errors.New("boom")),
	)

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	got := lines[0]
	if got["message"] != "task created" || got["comp"] != "scheduler" || got["err"] != "boom" {
		t.Fatalf("line = %v", got)
	}
	if got["id"].(float64) != 7 || got["ok"] != true {
		t.Fatalf("line = %v", got)
	}
	if c, _ := got["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestEnabledAndZero(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	zero.Error("discarded")

	log := NewWriter(&bytes.Buffer{}, "warn")
	if log.Enabled(LevelInfo) || !log.Enabled(LevelError) {
		t.Fatal("Enabled does not follow the configured level")
	}
	if Nop().IsZero() {
		t.Fatal("Nop is an explicit logger, not the zero value")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{" Debug ", zerolog.DebugLevel},
		{"WARNING", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := ParseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
				t.Fatalf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestServiceApplyFileAndLevel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	child := log.With(String("comp", "monitor"))

	child.Debug("hidden")
	child.Info("visible")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	child.Debug("now visible")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := decodeLines(t, bytes.NewBuffer(data))
	if len(lines) != 2 || lines[0]["message"] != "visible" || lines[1]["message"] != "now visible" {
		t.Fatalf("lines = %v", lines)
	}
	if lines[1]["comp"] != "monitor" {
		t.Fatalf("derived logger lost its fields: %v", lines[1])
	}
	if svc.Config().Level != "debug" {
		t.Fatalf("Config().Level = %q", svc.Config().Level)
	}
}

func TestRecentSinkKeepsNewestAboveMinLevel(t *testing.T) {
	t.Parallel()
	r := newRecentSink(RecentConfig{Enabled: true, MinLevel: "warn", Size: 2})
	log := Logger{base: newRoot(r, zerolog.DebugLevel), hasBase: true}

	log.Info("skipped")
	log.Warn("one")
	log.Error("two")
	log.Warn("three")

	lines, dropped := r.last(0)
	if dropped != 0 || len(lines) != 2 {
		t.Fatalf("lines=%d dropped=%d", len(lines), dropped)
	}
	if !strings.Contains(string(lines[0]), `"two"`) || !strings.Contains(string(lines[1]), `"three"`) {
		t.Fatalf("lines = %s / %s", lines[0], lines[1])
	}

	// Growing keeps what is there; shrinking keeps the newest.
	r.configure(RecentConfig{MinLevel: "warn", Size: 4})
	if got, _ := r.last(0); len(got) != 2 {
		t.Fatalf("after grow: %d lines", len(got))
	}
	r.configure(RecentConfig{MinLevel: "warn", Size: 1})
	got, _ := r.last(0)
	if len(got) != 1 || !strings.Contains(string(got[0]), `"three"`) {
		t.Fatalf("after shrink: %s", got)
	}
}

func TestRecentSinkRateLimit(t *testing.T) {
	t.Parallel()
	r := newRecentSink(RecentConfig{Enabled: true, MinLevel: "debug", Size: 10, RatePerSec: 1})
	log := Logger{base: newRoot(r, zerolog.DebugLevel), hasBase: true}
	for i := 0; i < 5; i++ {
		log.Warn("burst")
	}
	lines, dropped := r.last(0)
	if len(lines) != 1 || dropped != 4 {
		t.Fatalf("lines=%d dropped=%d, want 1/4", len(lines), dropped)
	}
}

func TestServiceRecentDisabled(t *testing.T) {
	t.Parallel()
	svc, log := New(Config{Level: "error"})
	log.Error("x")
	if lines, _ := svc.Recent(0); lines != nil {
		t.Fatalf("Recent should be nil when disabled, got %d lines", len(lines))
	}
}
