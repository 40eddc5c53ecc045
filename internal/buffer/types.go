// Package buffer coalesces bursts of messages from one sender into a single
// batch before they are processed.
package buffer

import (
	"context"
	"strings"
	"time"
)

// BufferedMessage is one inbound message waiting in a buffer.
type BufferedMessage struct {
	MessageID  string    `json:"message_id"`
	InstanceID string    `json:"instance_id"`
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	MediaKind  string    `json:"media_kind,omitempty"`
	MimeType   string    `json:"mime_type,omitempty"`
	ServerURL  string    `json:"server_url,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Buffer holds the ordered messages of one (instance, sender) key.
type Buffer struct {
	Key       string            `json:"key"`
	Messages  []BufferedMessage `json:"messages"`
	Deadline  time.Time         `json:"deadline"`
	MaxSize   int               `json:"max_size"`
	CreatedAt time.Time         `json:"created_at"`
}

// FlushFunc receives a flushed batch. The slice is owned by the callee.
type FlushFunc func(ctx context.Context, msgs []BufferedMessage) error

// Store holds buffers where every process handling webhooks can reach them.
// Mutations of one key happen inside WithLock.
type Store interface {
	// Get returns the buffer for key, or nil when there is none.
	Get(ctx context.Context, key string) (*Buffer, error)
	Put(ctx context.Context, b *Buffer) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys that currently hold a buffer.
	Keys(ctx context.Context) ([]string, error)
	// WithLock runs fn while holding the exclusive lock for key.
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Key builds the buffer key for a pair.
func Key(instanceID, sender string) string {
	return instanceID + ":" + sender
}

// SplitKey reverses Key. The sender never contains ':' once normalized.
func SplitKey(key string) (instanceID, sender string) {
	i := strings.LastIndexByte(key, ':')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// CombineText joins batch texts with newlines in arrival order.
func CombineText(msgs []BufferedMessage) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if t := strings.TrimSpace(m.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}
