package scheduler

import (
	"fmt"
	"sync/atomic"
	"time"
)

// record is one task table entry. All fields are guarded by the table lock,
// except unit which is immutable once bound.
type record struct {
	id   ID
	slot int
	cfg  TaskConfig

	stats     TaskStats
	unit      unit
	createdAt time.Time
	lastWake  time.Time

	// removed: no longer reachable by id (deleted or auto-removed).
	// exited: the unit will never run the body again.
	// The slot is released once both hold.
	removed  bool
	exited   bool
	released bool

	// Mirrors of cfg.Priority and cfg.Period for the unit, which reads them
	// without the table lock. Written under the lock together with cfg.
	prio   atomic.Int64
	period atomic.Int64
}

func (r *record) priority() Priority { return Priority(r.prio.Load()) }

func (r *record) currentPeriod() time.Duration { return time.Duration(r.period.Load()) }

func (r *record) setPriority(p Priority) {
	r.cfg.Priority = p
	r.prio.Store(int64(p))
}

func (r *record) setPeriod(d time.Duration) {
	r.cfg.Period = d
	r.period.Store(int64(d))
}

// store is a fixed-capacity slot arena with an id to slot index.
// Callers must hold the table lock.
type store struct {
	slots  []*record
	index  map[ID]int
	nextID ID
}

func newStore(capacity int) *store {
	return &store{
		slots:  make([]*record, capacity),
		index:  make(map[ID]int, capacity),
		nextID: 1,
	}
}

func (s *store) capacity() int { return len(s.slots) }

// active is the number of tasks reachable by id.
func (s *store) active() int { return len(s.index) }

// allocate reserves the first free slot.
func (s *store) allocate() (int, error) {
	for i, r := range s.slots {
		if r == nil {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: capacity=%d", ErrCapacityExceeded, len(s.slots))
}

// issueID returns the next identity, skipping InvalidID and ids still live.
// Only call after allocate succeeded, so a free identity always exists.
func (s *store) issueID() ID {
	for {
		id := s.nextID
		s.nextID++
		if s.nextID == InvalidID {
			s.nextID = 1
		}
		if id == InvalidID {
			continue
		}
		if _, live := s.index[id]; live {
			continue
		}
		return id
	}
}

func (s *store) bind(slot int, rec *record) {
	rec.slot = slot
	s.slots[slot] = rec
	s.index[rec.id] = slot
}

func (s *store) find(id ID) (*record, error) {
	if id == InvalidID {
		return nil, notFound(id)
	}
	slot, ok := s.index[id]
	if !ok {
		return nil, notFound(id)
	}
	return s.slots[slot], nil
}

// unindex makes rec unreachable by id. The slot stays reserved.
func (s *store) unindex(rec *record) {
	if rec.removed {
		return
	}
	rec.removed = true
	if slot, ok := s.index[rec.id]; ok && slot == rec.slot {
		delete(s.index, rec.id)
	}
}

// release frees rec's slot once it is both removed and exited.
func (s *store) release(rec *record) bool {
	if rec.released || !rec.removed || !rec.exited {
		return false
	}
	rec.released = true
	if s.slots[rec.slot] == rec {
		s.slots[rec.slot] = nil
	}
	return true
}

// drop undoes a bind during a failed create.
func (s *store) drop(rec *record) {
	s.unindex(rec)
	rec.exited = true
	s.release(rec)
}

// ids lists reachable identities in slot order.
func (s *store) ids() []ID {
	out := make([]ID, 0, len(s.index))
	for _, r := range s.slots {
		if r != nil && !r.removed {
			out = append(out, r.id)
		}
	}
	return out
}

func (s *store) each(fn func(r *record)) {
	for _, r := range s.slots {
		if r != nil && !r.removed {
			fn(r)
		}
	}
}
