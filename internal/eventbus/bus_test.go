package eventbus

import (
	"testing"
	"time"
)

func TestPrefixFilter(t *testing.T) {
	t.Parallel()
	b := New()
	tasks, unsubTasks := b.Subscribe(4, "task.")
	defer unsubTasks()
	all, unsubAll := b.Subscribe(4, "")
	defer unsubAll()

	b.Publish(Event{Type: "task.completed", Data: 1})
	b.Publish(Event{Type: "config.reloaded"})

	if e := <-tasks; e.Type != "task.completed" || e.Time.IsZero() {
		t.Fatalf("task event = %+v", e)
	}
	select {
	case e := <-tasks:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
	if len(all) != 2 {
		t.Fatalf("all subscriber got %d events, want 2", len(all))
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1, "")
	defer unsub()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: "x"})
	}
	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped = %d, want 2", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1, "")
	unsub()
	unsub()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "x"})
}
