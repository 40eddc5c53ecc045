package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/buffer"
	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// IdleExpirer moves idle sessions to expired.
type IdleExpirer interface {
	ExpireIdle(ctx context.Context) (int64, error)
}

// ExpireSessions returns the idle-session expiry job.
func ExpireSessions(c IdleExpirer) Job {
	return Job{Name: "sessions.expire", Run: func(ctx context.Context) error {
		n, err := c.ExpireIdle(ctx)
		if n > 0 {
			slog.Info("maintenance.sessions_expired", "count", n)
		}
		return err
	}}
}

// SweepBuffers returns the job that flushes buffers left behind by a
// stopped process.
func SweepBuffers(m *buffer.Manager) Job {
	return Job{Name: "buffers.sweep", Run: func(ctx context.Context) error {
		n, err := m.Sweep(ctx)
		if n > 0 {
			slog.Info("maintenance.buffers_swept", "count", n)
		}
		return err
	}}
}

// PruneWebhookLogs drops debug logs older than retention.
func PruneWebhookLogs(logs store.WebhookLogStore, retention time.Duration) Job {
	return Job{Name: "webhook_logs.prune", Run: func(ctx context.Context) error {
		n, err := logs.Prune(ctx, time.Now().Add(-retention))
		if n > 0 {
			slog.Info("maintenance.webhook_logs_pruned", "count", n)
		}
		return err
	}}
}

// PruneBatches drops batch claims older than retention. A gateway never
// redelivers that late, so old claims only cost space.
func PruneBatches(batches store.BatchStore, retention time.Duration) Job {
	return Job{Name: "batches.prune", Run: func(ctx context.Context) error {
		n, err := batches.Prune(ctx, time.Now().Add(-retention))
		if n > 0 {
			slog.Debug("maintenance.batches_pruned", "count", n)
		}
		return err
	}}
}
