package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, "test:"), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	if b, err := s.Get(ctx, "shop:5511"); err != nil || b != nil {
		t.Fatalf("Get on empty = %v, %v", b, err)
	}
	b := &Buffer{Key: "shop:5511", Messages: []BufferedMessage{msg("M1", "hi")}, Deadline: time.Now().Add(time.Second), MaxSize: 10}
	if err := s.Put(ctx, b); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "shop:5511")
	if err != nil || got == nil || len(got.Messages) != 1 || got.Messages[0].Text != "hi" {
		t.Fatalf("Get = %+v, %v", got, err)
	}
	keys, _ := s.Keys(ctx)
	if len(keys) != 1 || keys[0] != "shop:5511" {
		t.Errorf("Keys = %v", keys)
	}
	if err := s.Delete(ctx, "shop:5511"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if keys, _ := s.Keys(ctx); len(keys) != 0 {
		t.Errorf("Keys after delete = %v", keys)
	}
}

func TestRedisStoreKeysDropsExpired(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	_ = s.Put(ctx, &Buffer{Key: "shop:1", Deadline: time.Now()})
	mr.FastForward(bufferGrace + time.Minute)
	if keys, _ := s.Keys(ctx); len(keys) != 0 {
		t.Errorf("expired buffer still listed: %v", keys)
	}
}

func TestRedisStoreLockExcludes(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithLock(ctx, "shop:5511", func(context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
}

func TestRedisStoreLockHonorsContext(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Set("test:lock:shop:5511", "someone-else")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err := s.WithLock(ctx, "shop:5511", func(context.Context) error { return nil })
	if err == nil {
		t.Fatalf("WithLock succeeded while lock held elsewhere")
	}
}

func TestManagerOverRedis(t *testing.T) {
	s, _ := newRedisStore(t)
	m := NewManager(s, Options{Window: 50 * time.Millisecond, MaxBatch: 10}, nil)
	rec := newRecorder()
	for _, id := range []string{"M1", "M2", "M3"} {
		m.AddMessage(context.Background(), msg(id, id), rec.flush)
	}
	rec.wait(t)
	time.Sleep(100 * time.Millisecond)
	if rec.count() != 1 || len(rec.batches[0]) != 3 {
		t.Fatalf("flushes = %d, want exactly one batch of 3", rec.count())
	}
	if keys, _ := s.Keys(context.Background()); len(keys) != 0 {
		t.Errorf("redis buffer left behind: %v", keys)
	}
}
