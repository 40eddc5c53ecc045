package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Bus is the in-process side-task queue and event broadcaster.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler

	tasks       chan Task
	workers     int
	taskTimeout time.Duration
	wg          sync.WaitGroup
	stopOnce    sync.Once
	cancel      context.CancelFunc
}

// New creates a bus with the given worker count and queue capacity.
func New(workers, queueSize int) *Bus {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		handlers:    make(map[string]EventHandler),
		tasks:       make(chan Task, queueSize),
		workers:     workers,
		taskTimeout: 30 * time.Second,
	}
}

// Start launches the worker pool. Workers exit when Stop is called.
func (b *Bus) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker(ctx)
	}
}

// Stop closes the queue, lets workers drain it, and waits up to ctx's deadline.
func (b *Bus) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.tasks) })
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if b.cancel != nil {
			b.cancel()
		}
		return nil
	case <-ctx.Done():
		if b.cancel != nil {
			b.cancel()
		}
		return fmt.Errorf("bus: stop: %w", ctx.Err())
	}
}

// Submit enqueues a task without blocking. Returns false when the queue is full or closed.
func (b *Bus) Submit(task Task) (ok bool) {
	defer func() {
		// Submitting after Stop panics on the closed channel.
		if recover() != nil {
			slog.Warn("bus.task.dropped", "task", task.Name, "reason", "stopped")
			ok = false
		}
	}()
	select {
	case b.tasks <- task:
		return true
	default:
		slog.Warn("bus.task.dropped", "task", task.Name, "reason", "queue full")
		return false
	}
}

func (b *Bus) worker(ctx context.Context) {
	defer b.wg.Done()
	for task := range b.tasks {
		b.run(ctx, task)
	}
}

func (b *Bus) run(parent context.Context, task Task) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), b.taskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus.task.panic", "task", task.Name, "panic", r)
		}
	}()
	if err := task.Run(ctx); err != nil {
		slog.Warn("bus.task.failed", "task", task.Name, "error", err)
	}
}

// Subscribe registers a handler under id, replacing any previous one.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers the event synchronously to every subscriber.
// A panicking handler is logged and does not affect the others.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("bus.event.handler_panic", "event", event.Name, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
