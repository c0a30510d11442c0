package scheduler

import "time"

// tableLock is a mutex with a bounded acquisition wait.
type tableLock struct {
	ch chan struct{}
}

func newTableLock() *tableLock {
	return &tableLock{ch: make(chan struct{}, 1)}
}

func (l *tableLock) acquire(timeout time.Duration) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	default:
	}
	if timeout <= 0 {
		return ErrLockTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-t.C:
		return ErrLockTimeout
	}
}

func (l *tableLock) release() {
	select {
	case <-l.ch:
	default:
		panic("scheduler: release of unlocked table lock")
	}
}
