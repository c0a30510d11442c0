package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"
)

const defaultHistory = 60

// Sample is one reading of process resources.
type Sample struct {
	At         time.Time     `json:"at"`
	Uptime     time.Duration `json:"uptime"`
	Goroutines int           `json:"goroutines"`
	HeapAlloc  uint64        `json:"heap_alloc"`
	HeapSys    uint64        `json:"heap_sys"`
	HeapIdle   uint64        `json:"heap_idle"`
	// PeakHeap is the highest HeapAlloc seen since the sampler started.
	PeakHeap   uint64        `json:"peak_heap"`
	HeapUsage  float64       `json:"heap_usage"` // percent of HeapSys in use
	NumGC      uint32        `json:"num_gc"`
	PauseTotal time.Duration `json:"gc_pause_total"`
	Tasks      int           `json:"tasks"`
}

// Sampler records Samples into a bounded ring. Its Sample method is the body
// of the "system.monitor" periodic task.
type Sampler struct {
	started time.Time
	tasks   func() int
	read    func(*runtime.MemStats)

	mu   sync.Mutex
	ring []Sample
	next int
	n    int
	peak uint64
}

// NewSampler returns a sampler keeping history readings. tasks reports the
// live task count; it may be nil.
func NewSampler(history int, tasks func() int) *Sampler {
	if history <= 0 {
		history = defaultHistory
	}
	return &Sampler{
		started: time.Now(),
		tasks:   tasks,
		read:    runtime.ReadMemStats,
		ring:    make([]Sample, history),
	}
}

// Sample takes one reading.
func (s *Sampler) Sample(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var ms runtime.MemStats
	s.read(&ms)

	now := time.Now()
	smp := Sample{
		At:         now,
		Uptime:     now.Sub(s.started),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
		HeapIdle:   ms.HeapIdle,
		NumGC:      ms.NumGC,
		PauseTotal: time.Duration(ms.PauseTotalNs),
	}
	if ms.HeapSys > 0 {
		smp.HeapUsage = float64(ms.HeapAlloc) * 100 / float64(ms.HeapSys)
	}
	if s.tasks != nil {
		// ActiveCount reports -1 under lock contention.
		if n := s.tasks(); n >= 0 {
			smp.Tasks = n
		}
	}

	s.mu.Lock()
	if smp.HeapAlloc > s.peak {
		s.peak = smp.HeapAlloc
	}
	smp.PeakHeap = s.peak
	s.ring[s.next] = smp
	s.next = (s.next + 1) % len(s.ring)
	if s.n < len(s.ring) {
		s.n++
	}
	s.mu.Unlock()
	return nil
}

// Latest returns the newest sample.
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n == 0 {
		return Sample{}, false
	}
	i := (s.next - 1 + len(s.ring)) % len(s.ring)
	return s.ring[i], true
}

// History returns the retained samples, oldest first.
func (s *Sampler) History() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, 0, s.n)
	start := (s.next - s.n + len(s.ring)) % len(s.ring)
	for i := 0; i < s.n; i++ {
		out = append(out, s.ring[(start+i)%len(s.ring)])
	}
	return out
}

// Resize changes the ring length, keeping the newest samples.
func (s *Sampler) Resize(history int) {
	if history <= 0 {
		history = defaultHistory
	}
	keep := s.History()
	s.mu.Lock()
	defer s.mu.Unlock()
	if history == len(s.ring) {
		return
	}
	if len(keep) > history {
		keep = keep[len(keep)-history:]
	}
	s.ring = make([]Sample, history)
	copy(s.ring, keep)
	s.n = len(keep)
	s.next = s.n % history
}

// Reset drops all samples and the heap peak.
func (s *Sampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.ring {
		s.ring[i] = Sample{}
	}
	s.next, s.n, s.peak = 0, 0, 0
}
