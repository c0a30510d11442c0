package logx

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const defaultRecentSize = 200

// RecentConfig keeps the last log lines at or above MinLevel in memory, for
// the debug server. RatePerSec caps how many lines per second are kept
// (0 = unlimited); the rest are counted as dropped.
type RecentConfig struct {
	Enabled    bool
	MinLevel   string
	Size       int
	RatePerSec int
}

// recentSink is a zerolog.LevelWriter backed by a ring of JSON lines.
type recentSink struct {
	mu      sync.Mutex
	min     zerolog.Level
	limiter *rate.Limiter
	ring    []json.RawMessage
	next    int
	n       int
	dropped uint64
}

func newRecentSink(cfg RecentConfig) *recentSink {
	r := &recentSink{}
	r.configure(cfg)
	return r
}

// configure applies cfg; a size change keeps the newest lines that still fit.
func (r *recentSink) configure(cfg RecentConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.min = ParseLevel(cfg.MinLevel, zerolog.WarnLevel)
	if cfg.RatePerSec > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		r.limiter = nil
	}
	size := cfg.Size
	if size <= 0 {
		size = defaultRecentSize
	}
	if size == len(r.ring) {
		return
	}
	keep := r.lastLocked(size)
	r.ring = make([]json.RawMessage, size)
	copy(r.ring, keep)
	r.n = len(keep)
	r.next = r.n % size
}

func (r *recentSink) Write(p []byte) (int, error) {
	return r.WriteLevel(zerolog.NoLevel, p)
}

func (r *recentSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if level < r.min || len(r.ring) == 0 {
		return len(p), nil
	}
	if r.limiter != nil && !r.limiter.Allow() {
		r.dropped++
		return len(p), nil
	}
	// zerolog reuses p after Write returns.
	line := append(json.RawMessage(nil), bytes.TrimRight(p, "\n")...)
	r.ring[r.next] = line
	r.next = (r.next + 1) % len(r.ring)
	if r.n < len(r.ring) {
		r.n++
	}
	return len(p), nil
}

// lastLocked returns up to limit lines, oldest first.
func (r *recentSink) lastLocked(limit int) []json.RawMessage {
	n := r.n
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]json.RawMessage, 0, n)
	for i := n; i > 0; i-- {
		idx := (r.next - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}

func (r *recentSink) last(limit int) ([]json.RawMessage, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastLocked(limit), r.dropped
}
