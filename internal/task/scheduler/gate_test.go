package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitWaiters(t *testing.T, g *gate, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for g.waiting() != n {
		if time.Now().After(deadline) {
			t.Fatalf("waiting = %d, want %d", g.waiting(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGateUnlimitedAdmitsEveryone(t *testing.T) {
	t.Parallel()
	g := newGate(0)
	for i := 0; i < 10; i++ {
		if _, err := g.acquire(context.Background(), PriorityLow); err != nil {
			t.Fatalf("acquire #%d: %v", i, err)
		}
	}
}

func TestGateAdmitsHighestPriorityFirst(t *testing.T) {
	t.Parallel()
	g := newGate(1)
	hold, err := g.acquire(context.Background(), PriorityNormal)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	order := make(chan Priority, 3)
	enqueue := func(p Priority) {
		go func() {
			rel, err := g.acquire(context.Background(), p)
			if err != nil {
				return
			}
			order <- p
			rel()
		}()
	}
	enqueue(PriorityLow)
	waitWaiters(t, g, 1)
	enqueue(PriorityBackground)
	waitWaiters(t, g, 2)
	enqueue(PriorityCritical)
	waitWaiters(t, g, 3)

	hold()
	want := []Priority{PriorityCritical, PriorityLow, PriorityBackground}
	for i, w := range want {
		select {
		case got := <-order:
			if got != w {
				t.Fatalf("admission #%d = %d, want %d", i, got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("admission #%d timed out", i)
		}
	}
}

func TestGateCancelledWaiterLeavesQueue(t *testing.T) {
	t.Parallel()
	g := newGate(1)
	hold, _ := g.acquire(context.Background(), PriorityNormal)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := g.acquire(ctx, PriorityHigh)
		errc <- err
	}()
	waitWaiters(t, g, 1)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("acquire err = %v, want context.Canceled", err)
	}
	if g.waiting() != 0 {
		t.Fatalf("cancelled waiter still queued")
	}
	hold()
	rel, err := g.acquire(context.Background(), PriorityLow)
	if err != nil {
		t.Fatalf("acquire after cancel: %v", err)
	}
	rel()
}

func TestGateRaisingLimitAdmitsWaiters(t *testing.T) {
	t.Parallel()
	g := newGate(1)
	_, _ = g.acquire(context.Background(), PriorityNormal)
	done := make(chan struct{})
	go func() {
		if _, err := g.acquire(context.Background(), PriorityNormal); err == nil {
			close(done)
		}
	}()
	waitWaiters(t, g, 1)
	g.setLimit(0)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after limit removal")
	}
}
