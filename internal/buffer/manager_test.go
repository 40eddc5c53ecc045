package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]BufferedMessage
	done    chan struct{}
}

func newRecorder() *flushRecorder {
	return &flushRecorder{done: make(chan struct{}, 16)}
}

func (r *flushRecorder) flush(_ context.Context, msgs []BufferedMessage) error {
	r.mu.Lock()
	r.batches = append(r.batches, msgs)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *flushRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for flush")
	}
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func msg(id, text string) BufferedMessage {
	return BufferedMessage{MessageID: id, InstanceID: "shop", Sender: "5511", Text: text, ReceivedAt: time.Now()}
}

func TestSingleFlushPreservesOrder(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, Options{Window: 80 * time.Millisecond, MaxBatch: 50, ResetOnMessage: true}, nil)
	rec := newRecorder()

	const n = 7
	for i := 0; i < n; i++ {
		if !m.AddMessage(context.Background(), msg(fmt.Sprintf("M%d", i), fmt.Sprintf("part %d", i)), rec.flush) {
			t.Fatalf("message %d rejected", i)
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec.wait(t)
	time.Sleep(150 * time.Millisecond)

	if got := rec.count(); got != 1 {
		t.Fatalf("flushes = %d, want 1", got)
	}
	batch := rec.batches[0]
	if len(batch) != n {
		t.Fatalf("batch size = %d, want %d", len(batch), n)
	}
	for i, bm := range batch {
		if want := fmt.Sprintf("M%d", i); bm.MessageID != want {
			t.Errorf("batch[%d] = %s, want %s", i, bm.MessageID, want)
		}
	}
	if keys, _ := store.Keys(context.Background()); len(keys) != 0 {
		t.Errorf("buffer left behind: %v", keys)
	}
}

func TestMaxBatchFlushesImmediately(t *testing.T) {
	m := NewManager(NewMemoryStore(), Options{Window: time.Hour, MaxBatch: 3}, nil)
	rec := newRecorder()
	for i := 0; i < 3; i++ {
		m.AddMessage(context.Background(), msg(fmt.Sprintf("M%d", i), "x"), rec.flush)
	}
	rec.wait(t)
	if m.Pending() != 0 {
		t.Errorf("timer still armed after max-size flush")
	}
	if len(rec.batches[0]) != 3 {
		t.Errorf("batch size = %d, want 3", len(rec.batches[0]))
	}
}

func TestFailingCallbackStillRemovesBuffer(t *testing.T) {
	for name, cb := range map[string]FlushFunc{
		"error": func(context.Context, []BufferedMessage) error { return errors.New("downstream down") },
		"panic": func(context.Context, []BufferedMessage) error { panic("boom") },
	} {
		t.Run(name, func(t *testing.T) {
			store := NewMemoryStore()
			m := NewManager(store, Options{Window: 20 * time.Millisecond}, nil)
			var calls atomic.Int32
			wrapped := func(ctx context.Context, msgs []BufferedMessage) error {
				calls.Add(1)
				return cb(ctx, msgs)
			}
			m.AddMessage(context.Background(), msg("M1", "hi"), wrapped)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			time.Sleep(100 * time.Millisecond)
			if err := m.Stop(ctx); err != nil {
				t.Fatalf("Stop: %v", err)
			}
			if calls.Load() != 1 {
				t.Errorf("callback calls = %d, want 1", calls.Load())
			}
			if keys, _ := store.Keys(context.Background()); len(keys) != 0 {
				t.Errorf("buffer stuck after failing callback: %v", keys)
			}
		})
	}
}

func TestDuplicateMessageIDRejected(t *testing.T) {
	m := NewManager(NewMemoryStore(), Options{Window: time.Hour}, nil)
	noop := func(context.Context, []BufferedMessage) error { return nil }
	if !m.AddMessage(context.Background(), msg("M1", "a"), noop) {
		t.Fatalf("first add rejected")
	}
	if m.AddMessage(context.Background(), msg("M1", "a"), noop) {
		t.Errorf("duplicate id accepted")
	}
}

func TestStoppedManagerRejects(t *testing.T) {
	m := NewManager(NewMemoryStore(), Options{}, nil)
	_ = m.Stop(context.Background())
	if m.AddMessage(context.Background(), msg("M1", "a"), nil) {
		t.Errorf("stopped manager accepted a message")
	}
}

func TestFlushAllBuffers(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store, Options{Window: time.Hour}, nil)
	ctx := context.Background()
	for _, sender := range []string{"a", "b"} {
		bm := msg("M-"+sender, "")
		bm.Sender = sender
		bm.MediaKind = "image"
		m.AddMessage(ctx, bm, nil)
	}

	var got []string
	n, err := m.FlushAllBuffers(ctx, func(_ context.Context, msgs []BufferedMessage) error {
		for _, bm := range msgs {
			got = append(got, bm.Text)
		}
		return nil
	})
	if err != nil || n != 2 {
		t.Fatalf("FlushAllBuffers = %d, %v; want 2, nil", n, err)
	}
	for _, text := range got {
		if text != "[image]" {
			t.Errorf("placeholder = %q, want [image]", text)
		}
	}
	if m.Pending() != 0 {
		t.Errorf("timers left armed: %d", m.Pending())
	}
}

func TestSweepAdoptsOrphans(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	_ = store.Put(ctx, &Buffer{Key: Key("shop", "orphan"), Messages: []BufferedMessage{msg("O1", "left over")}, Deadline: past})
	_ = store.Put(ctx, &Buffer{Key: Key("shop", "later"), Messages: []BufferedMessage{msg("L1", "pending")}, Deadline: time.Now().Add(time.Hour)})

	rec := newRecorder()
	m := NewManager(store, Options{Window: time.Hour}, rec.flush)
	n, err := m.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v; want 1, nil", n, err)
	}
	rec.wait(t)
	if rec.batches[0][0].MessageID != "O1" {
		t.Errorf("swept wrong buffer: %+v", rec.batches[0])
	}
	if m.Pending() != 1 {
		t.Errorf("pending buffer not adopted, Pending = %d", m.Pending())
	}
}

func TestCombineTextAndKeys(t *testing.T) {
	got := CombineText([]BufferedMessage{{Text: "hi"}, {Text: "  "}, {Text: "there"}})
	if got != "hi\nthere" {
		t.Errorf("CombineText = %q", got)
	}
	inst, sender := SplitKey(Key("shop:br", "5511"))
	if inst != "shop:br" || sender != "5511" {
		t.Errorf("SplitKey = %q, %q", inst, sender)
	}
}

func TestPlaceholder(t *testing.T) {
	tests := []struct{ kind, mime, want string }{
		{"audio", "", "[audio]"},
		{"", "image/webp", "[sticker]"},
		{"", "video/mp4", "[video]"},
		{"", "application/pdf", "[document]"},
		{"", "", DefaultPlaceholder},
	}
	for _, tt := range tests {
		if got := Placeholder(tt.kind, tt.mime, ""); got != tt.want {
			t.Errorf("Placeholder(%q, %q) = %q, want %q", tt.kind, tt.mime, got, tt.want)
		}
	}
}

// lockFailStore fails WithLock while down is set.
type lockFailStore struct {
	*MemoryStore
	down atomic.Bool
}

func (s *lockFailStore) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if s.down.Load() {
		return errors.New("store unavailable")
	}
	return s.MemoryStore.WithLock(ctx, key, fn)
}

func TestAddReportsFailures(t *testing.T) {
	ctx := context.Background()
	noop := func(context.Context, []BufferedMessage) error { return nil }

	t.Run("store failure", func(t *testing.T) {
		st := &lockFailStore{MemoryStore: NewMemoryStore()}
		st.down.Store(true)
		m := NewManager(st, Options{Window: time.Hour}, nil)
		ok, err := m.Add(ctx, msg("M1", "a"), noop)
		if ok || err == nil {
			t.Fatalf("Add = %v, %v; want false with error", ok, err)
		}
		st.down.Store(false)
		if ok, err := m.Add(ctx, msg("M1", "a"), noop); !ok || err != nil {
			t.Fatalf("Add after recovery = %v, %v", ok, err)
		}
	})

	t.Run("duplicate is not an error", func(t *testing.T) {
		m := NewManager(NewMemoryStore(), Options{Window: time.Hour}, nil)
		m.Add(ctx, msg("M1", "a"), noop)
		if ok, err := m.Add(ctx, msg("M1", "a"), noop); ok || err != nil {
			t.Fatalf("duplicate Add = %v, %v; want false, nil", ok, err)
		}
	})

	t.Run("stopped", func(t *testing.T) {
		m := NewManager(NewMemoryStore(), Options{}, nil)
		_ = m.Stop(ctx)
		if _, err := m.Add(ctx, msg("M1", "a"), noop); !errors.Is(err, ErrStopped) {
			t.Fatalf("err = %v, want ErrStopped", err)
		}
	})
}

func TestDrainTakesPendingWithoutCallback(t *testing.T) {
	ctx := context.Background()
	rec := newRecorder()
	m := NewManager(NewMemoryStore(), Options{Window: 50 * time.Millisecond}, nil)
	m.AddMessage(ctx, msg("M1", "first"), rec.flush)
	m.AddMessage(ctx, msg("M2", "second"), rec.flush)

	got, err := m.Drain(ctx, "shop", "5511")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 2 || got[0].Text != "first" || got[1].Text != "second" {
		t.Fatalf("drained = %+v", got)
	}
	if m.Pending() != 0 {
		t.Errorf("timer still armed after drain")
	}

	time.Sleep(150 * time.Millisecond)
	if rec.count() != 0 {
		t.Errorf("drained buffer was flushed again")
	}
	if again, _ := m.Drain(ctx, "shop", "5511"); again != nil {
		t.Errorf("second drain returned %+v", again)
	}
}
