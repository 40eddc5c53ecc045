package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsTasks(t *testing.T) {
	b := New(2, 16)
	b.Start(context.Background())

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		b.Submit(Task{Name: "count", Run: func(context.Context) error {
			ran.Add(1)
			return nil
		}})
	}
	b.Submit(Task{Name: "fails", Run: func(context.Context) error { return errors.New("boom") }})
	b.Submit(Task{Name: "panics", Run: func(context.Context) error { panic("boom") }})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := ran.Load(); got != 10 {
		t.Errorf("ran = %d, want 10", got)
	}
	if b.Submit(Task{Name: "late", Run: func(context.Context) error { return nil }}) {
		t.Errorf("Submit after Stop should return false")
	}
}

func TestSubmitDropsWhenFull(t *testing.T) {
	b := New(1, 1) // not started: nothing drains the queue
	noop := Task{Name: "noop", Run: func(context.Context) error { return nil }}
	if !b.Submit(noop) {
		t.Fatalf("first Submit should fit")
	}
	if b.Submit(noop) {
		t.Errorf("second Submit should be dropped")
	}
}

func TestBroadcastIsolatesPanics(t *testing.T) {
	b := New(1, 1)
	var got []string
	b.Subscribe("bad", func(Event) { panic("boom") })
	b.Subscribe("good", func(e Event) { got = append(got, e.Name) })

	b.Broadcast(Event{Name: "instance.connection"})
	if len(got) != 1 || got[0] != "instance.connection" {
		t.Fatalf("good handler got %v", got)
	}

	b.Unsubscribe("good")
	b.Broadcast(Event{Name: "again"})
	if len(got) != 1 {
		t.Errorf("unsubscribed handler still called")
	}
}
