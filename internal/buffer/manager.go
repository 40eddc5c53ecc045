package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Options tune the debounce policy.
type Options struct {
	Window           time.Duration // debounce window (default 4s)
	MaxBatch         int           // flush immediately at this many messages (default 10)
	ResetOnMessage   bool          // each new message pushes the deadline out by Window
	MediaPlaceholder string        // text for content-free messages of unknown type
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = 4 * time.Second
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 10
	}
	if o.MediaPlaceholder == "" {
		o.MediaPlaceholder = DefaultPlaceholder
	}
	return o
}

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// Manager owns the per-key debounce timers and hands each buffer to its
// flush callback exactly once. Buffer contents live in the Store; timers and
// callbacks are local to this process, and Sweep adopts buffers whose
// owning process went away.
type Manager struct {
	store    Store
	opts     Options
	fallback FlushFunc

	mu       sync.Mutex
	timers   map[string]timerEntry
	handlers map[string]FlushFunc
	gen      uint64
	stopped  bool

	baseCtx context.Context
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewManager creates a manager. fallback handles buffers whose registering
// callback is unknown to this process (swept or adopted buffers); it may be nil.
func NewManager(store Store, opts Options, fallback FlushFunc) *Manager {
	return &Manager{
		store:    store,
		opts:     opts.withDefaults(),
		fallback: fallback,
		timers:   make(map[string]timerEntry),
		handlers: make(map[string]FlushFunc),
		baseCtx:  context.Background(),
		now:      time.Now,
	}
}

// ErrStopped is returned by Add once Stop has been called.
var ErrStopped = errors.New("buffer: manager stopped")

// AddMessage queues msg under its (instance, sender) key. It returns false
// when the manager is stopped, the store fails, or the same message id is
// already waiting in the buffer. Use Add to tell those cases apart.
func (m *Manager) AddMessage(ctx context.Context, msg BufferedMessage, onFlush FlushFunc) bool {
	ok, _ := m.Add(ctx, msg, onFlush)
	return ok
}

// Add is AddMessage with the failure reported: a duplicate message id yields
// (false, nil), a stopped manager or store failure yields (false, err).
func (m *Manager) Add(ctx context.Context, msg BufferedMessage, onFlush FlushFunc) (bool, error) {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return false, ErrStopped
	}

	key := Key(msg.InstanceID, msg.Sender)
	var (
		accepted bool
		full     []BufferedMessage
		deadline time.Time
	)
	err := m.store.WithLock(ctx, key, func(ctx context.Context) error {
		b, err := m.store.Get(ctx, key)
		if err != nil {
			return err
		}
		now := m.now()
		if b == nil {
			b = &Buffer{Key: key, MaxSize: m.opts.MaxBatch, CreatedAt: now, Deadline: now.Add(m.opts.Window)}
		} else {
			for _, existing := range b.Messages {
				if msg.MessageID != "" && existing.MessageID == msg.MessageID {
					return nil
				}
			}
			if m.opts.ResetOnMessage {
				b.Deadline = now.Add(m.opts.Window)
			}
		}
		b.Messages = append(b.Messages, msg)
		accepted = true

		if b.MaxSize > 0 && len(b.Messages) >= b.MaxSize {
			full = b.Messages
			return m.store.Delete(ctx, key)
		}
		deadline = b.Deadline
		return m.store.Put(ctx, b)
	})
	if err != nil {
		slog.Error("buffer.add_failed", "key", key, "error", err)
		return false, fmt.Errorf("buffer: add %s: %w", key, err)
	}
	if !accepted {
		slog.Debug("buffer.duplicate_message", "key", key, "message_id", msg.MessageID)
		return false, nil
	}

	if full != nil {
		m.mu.Lock()
		if e, ok := m.timers[key]; ok {
			e.timer.Stop()
			delete(m.timers, key)
		}
		h := m.takeHandlerLocked(key, onFlush)
		m.mu.Unlock()
		slog.Debug("buffer.flush", "key", key, "messages", len(full), "trigger", "max_size")
		m.dispatch(key, full, h)
		return true, nil
	}

	m.mu.Lock()
	if onFlush != nil {
		m.handlers[key] = onFlush
	}
	m.scheduleLocked(key, deadline)
	m.mu.Unlock()
	return true, nil
}

// scheduleLocked (re)arms the key's timer for deadline. Caller holds m.mu.
func (m *Manager) scheduleLocked(key string, deadline time.Time) {
	if e, ok := m.timers[key]; ok {
		e.timer.Stop()
	}
	if m.stopped {
		delete(m.timers, key)
		return
	}
	m.gen++
	gen := m.gen
	d := deadline.Sub(m.now())
	if d < 0 {
		d = 0
	}
	m.timers[key] = timerEntry{gen: gen, timer: time.AfterFunc(d, func() { m.flushDue(key, gen) })}
}

// takeHandlerLocked returns the callback for key, preferring preferred, and forgets it.
func (m *Manager) takeHandlerLocked(key string, preferred FlushFunc) FlushFunc {
	h := m.handlers[key]
	delete(m.handlers, key)
	if preferred != nil {
		return preferred
	}
	if h != nil {
		return h
	}
	return m.fallback
}

// flushDue runs when a timer fires. The buffer is re-read under the key lock:
// it may already be gone (flushed elsewhere) or its deadline may have moved.
func (m *Manager) flushDue(key string, gen uint64) {
	ctx, cancel := context.WithTimeout(m.baseCtx, 10*time.Second)
	defer cancel()

	var (
		msgs       []BufferedMessage
		reschedule time.Time
	)
	err := m.store.WithLock(ctx, key, func(ctx context.Context) error {
		b, err := m.store.Get(ctx, key)
		if err != nil || b == nil {
			return err
		}
		if m.now().Before(b.Deadline) {
			reschedule = b.Deadline
			return nil
		}
		msgs = b.Messages
		return m.store.Delete(ctx, key)
	})

	m.mu.Lock()
	current, mine := m.timers[key]
	mine = mine && current.gen == gen
	if err != nil {
		if mine {
			delete(m.timers, key)
		}
		m.mu.Unlock()
		slog.Error("buffer.flush_failed", "key", key, "error", err)
		return
	}
	if !reschedule.IsZero() {
		if mine {
			m.scheduleLocked(key, reschedule)
		}
		m.mu.Unlock()
		return
	}
	var h FlushFunc
	if mine {
		delete(m.timers, key)
		h = m.takeHandlerLocked(key, nil)
	} else {
		// A newer buffer for the key already registered; share its callback.
		h = m.handlers[key]
		if h == nil {
			h = m.fallback
		}
	}
	m.mu.Unlock()

	if msgs == nil {
		return
	}
	slog.Debug("buffer.flush", "key", key, "messages", len(msgs), "trigger", "deadline")
	m.dispatch(key, msgs, h)
}

// dispatch runs the callback on its own goroutine. Errors and panics are
// logged; the buffer is already gone from the store either way.
func (m *Manager) dispatch(key string, msgs []BufferedMessage, h FlushFunc) {
	if h == nil {
		slog.Warn("buffer.no_handler", "key", key, "messages", len(msgs))
		return
	}
	fillPlaceholders(msgs, m.opts.MediaPlaceholder)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := invoke(m.baseCtx, h, msgs); err != nil {
			slog.Error("buffer.callback_failed", "key", key, "messages", len(msgs), "error", err)
		}
	}()
}

func invoke(ctx context.Context, h FlushFunc, msgs []BufferedMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flush callback panic: %v", r)
		}
	}()
	return h(ctx, msgs)
}

// FlushAllBuffers removes every outstanding buffer and runs onFlush (or the
// key's registered callback when onFlush is nil) synchronously for each.
// Returns how many buffers were flushed and the joined callback errors.
func (m *Manager) FlushAllBuffers(ctx context.Context, onFlush FlushFunc) (int, error) {
	keys, err := m.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("buffer: list keys: %w", err)
	}

	var errs []error
	flushed := 0
	for _, key := range keys {
		msgs, err := m.take(ctx, key, time.Time{})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		m.mu.Lock()
		if e, ok := m.timers[key]; ok {
			e.timer.Stop()
			delete(m.timers, key)
		}
		h := m.takeHandlerLocked(key, onFlush)
		m.mu.Unlock()
		if msgs == nil {
			continue
		}
		flushed++
		if h == nil {
			slog.Warn("buffer.no_handler", "key", key, "messages", len(msgs))
			continue
		}
		fillPlaceholders(msgs, m.opts.MediaPlaceholder)
		if err := invoke(ctx, h, msgs); err != nil {
			slog.Error("buffer.callback_failed", "key", key, "messages", len(msgs), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return flushed, errors.Join(errs...)
}

// Drain removes the pending buffer for (instanceID, sender), if any, and
// returns its messages without running a callback. The key's timer is
// disarmed, so the messages are handed to the caller exactly once.
func (m *Manager) Drain(ctx context.Context, instanceID, sender string) ([]BufferedMessage, error) {
	key := Key(instanceID, sender)
	msgs, err := m.take(ctx, key, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("buffer: drain %s: %w", key, err)
	}
	m.mu.Lock()
	if e, ok := m.timers[key]; ok {
		e.timer.Stop()
		delete(m.timers, key)
	}
	if msgs != nil {
		delete(m.handlers, key)
	}
	m.mu.Unlock()
	if msgs != nil {
		fillPlaceholders(msgs, m.opts.MediaPlaceholder)
		slog.Debug("buffer.drain", "key", key, "messages", len(msgs))
	}
	return msgs, nil
}

// take deletes and returns the buffer for key. When dueBefore is non-zero the
// buffer is only taken if its deadline is not after dueBefore.
func (m *Manager) take(ctx context.Context, key string, dueBefore time.Time) ([]BufferedMessage, error) {
	var msgs []BufferedMessage
	err := m.store.WithLock(ctx, key, func(ctx context.Context) error {
		b, err := m.store.Get(ctx, key)
		if err != nil || b == nil {
			return err
		}
		if !dueBefore.IsZero() && b.Deadline.After(dueBefore) {
			return nil
		}
		msgs = b.Messages
		return m.store.Delete(ctx, key)
	})
	return msgs, err
}

// Sweep flushes buffers whose deadline passed without a local timer firing
// (left by a restarted or crashed process) and arms timers for pending
// buffers this process does not track yet. Returns how many were flushed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("buffer: list keys: %w", err)
	}
	flushed := 0
	for _, key := range keys {
		m.mu.Lock()
		_, tracked := m.timers[key]
		m.mu.Unlock()
		if tracked {
			continue
		}

		msgs, err := m.take(ctx, key, m.now())
		if err != nil {
			slog.Warn("buffer.sweep_failed", "key", key, "error", err)
			continue
		}
		if msgs != nil {
			m.mu.Lock()
			h := m.takeHandlerLocked(key, nil)
			m.mu.Unlock()
			slog.Info("buffer.sweep_flush", "key", key, "messages", len(msgs))
			m.dispatch(key, msgs, h)
			flushed++
			continue
		}

		b, err := m.store.Get(ctx, key)
		if err != nil || b == nil {
			continue
		}
		m.mu.Lock()
		if _, tracked := m.timers[key]; !tracked {
			m.scheduleLocked(key, b.Deadline)
		}
		m.mu.Unlock()
	}
	return flushed, nil
}

// Pending returns the number of buffers currently tracked by local timers.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Stop rejects new messages, disarms timers, and waits for running
// callbacks until ctx is done. Buffers still in the store are left for
// FlushAllBuffers or another process's Sweep.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	for key, e := range m.timers {
		e.timer.Stop()
		delete(m.timers, key)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("buffer: stop: %w", ctx.Err())
	}
}
