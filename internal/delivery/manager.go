// Package delivery sends replies to end users: chunking oversized text,
// strictly ordered sequential sends with an inter-chunk delay, and
// per-instance pacing.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/replydesk/internal/tracing"
)

// Address identifies where a reply goes.
type Address struct {
	InstanceID string
	Number     string // recipient, JID suffix stripped
	BaseURL    string // outbound gateway; empty uses the sender's default
	APIKey     string // per-instance gateway key; empty uses the sender's default
}

// TextSender delivers one text message.
type TextSender interface {
	SendText(ctx context.Context, to Address, text string) error
}

// Options tune delivery. Zero values take defaults.
type Options struct {
	MaxChunk   int           // default 4000
	ChunkDelay time.Duration // default 500ms
	SendRPS    float64       // per-instance sends per second (default 5, <0 disables pacing)
}

// Manager sends replies through a TextSender.
type Manager struct {
	sender TextSender
	opts   Options
	queue  *Queue

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewManager(sender TextSender, opts Options) *Manager {
	if opts.MaxChunk <= 0 {
		opts.MaxChunk = DefaultMaxChunk
	}
	if opts.ChunkDelay <= 0 {
		opts.ChunkDelay = 500 * time.Millisecond
	}
	if opts.SendRPS == 0 {
		opts.SendRPS = 5
	}
	return &Manager{
		sender:   sender,
		opts:     opts,
		queue:    NewQueue(opts.ChunkDelay),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Send delivers text to the address, chunked when longer than the maximum.
// A failed chunk is logged and delivery moves on to the next one; chunks are
// never retried. The returned error joins the failed chunks and is meant for
// the caller's log only: the successful chunks are already delivered.
func (m *Manager) Send(ctx context.Context, text string, to Address) (err error) {
	chunks := Split(text, m.opts.MaxChunk)
	if len(chunks) == 0 {
		return nil
	}
	ctx, span := tracing.Start(ctx, "delivery.send",
		attribute.String("instance", to.InstanceID),
		attribute.Int("chunks", len(chunks)),
	)
	defer func() { tracing.End(span, err) }()

	limiter := m.limiter(to.InstanceID)
	errs, runErr := m.queue.Run(ctx, len(chunks), func(ctx context.Context, i int) error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := m.sender.SendText(ctx, to, chunks[i]); err != nil {
			slog.Warn("delivery.chunk_failed", "instance", to.InstanceID, "to", to.Number,
				"chunk", i+1, "of", len(chunks), "error", err)
			return err
		}
		return nil
	})

	var failed []error
	for i, e := range errs {
		if e != nil {
			failed = append(failed, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), e))
		}
	}
	if runErr != nil {
		failed = append(failed, fmt.Errorf("delivery interrupted: %w", runErr))
	}
	slog.Debug("delivery.sent", "instance", to.InstanceID, "to", to.Number, "chunks", len(chunks), "failed", len(failed))
	return errors.Join(failed...)
}

func (m *Manager) limiter(instanceID string) *rate.Limiter {
	if m.opts.SendRPS < 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[instanceID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(m.opts.SendRPS), 1)
		m.limiters[instanceID] = l
	}
	return l
}
