package scheduler

import (
	"container/heap"
	"context"
	"sync"
)

// gate bounds concurrent task executions. Under contention the waiter with the
// highest priority is admitted first, FIFO within one priority. A limit of 0
// admits everyone immediately.
type gate struct {
	mu      sync.Mutex
	limit   int
	inUse   int
	seq     uint64
	waiters waitHeap
}

type waiter struct {
	prio    Priority
	seq     uint64
	ready   chan struct{}
	index   int
	granted bool
}

func newGate(limit int) *gate {
	if limit < 0 {
		limit = 0
	}
	return &gate{limit: limit}
}

// acquire blocks until admitted or ctx is done. The returned release must be
// called exactly once after a nil error.
func (g *gate) acquire(ctx context.Context, prio Priority) (func(), error) {
	g.mu.Lock()
	if g.limit == 0 || (g.inUse < g.limit && len(g.waiters) == 0) {
		g.inUse++
		g.mu.Unlock()
		return g.releaseFunc(), nil
	}
	g.seq++
	w := &waiter{prio: prio, seq: g.seq, ready: make(chan struct{})}
	heap.Push(&g.waiters, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return g.releaseFunc(), nil
	case <-ctx.Done():
		g.mu.Lock()
		if w.granted {
			// Admitted concurrently with cancellation: hand the slot back.
			g.mu.Unlock()
			g.release()
			return nil, ctx.Err()
		}
		heap.Remove(&g.waiters, w.index)
		g.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (g *gate) releaseFunc() func() {
	var once sync.Once
	return func() { once.Do(g.release) }
}

func (g *gate) release() {
	g.mu.Lock()
	if g.inUse > 0 {
		g.inUse--
	}
	g.admitLocked()
	g.mu.Unlock()
}

func (g *gate) setLimit(n int) {
	if n < 0 {
		n = 0
	}
	g.mu.Lock()
	g.limit = n
	g.admitLocked()
	g.mu.Unlock()
}

func (g *gate) admitLocked() {
	for len(g.waiters) > 0 && (g.limit == 0 || g.inUse < g.limit) {
		w := heap.Pop(&g.waiters).(*waiter)
		w.granted = true
		g.inUse++
		close(w.ready)
	}
}

// waiting reports the number of blocked executions.
func (g *gate) waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

type waitHeap []*waiter

func (h waitHeap) Len() int { return len(h) }
func (h waitHeap) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio > h[j].prio
	}
	return h[i].seq < h[j].seq
}
func (h waitHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waitHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
