// Package channels provides the lifecycle layer for inbound event sources
// that run alongside the webhook endpoint (gateway websocket feeds).
package channels

import "context"

// Channel is a long-running inbound event source.
type Channel interface {
	// Name returns the channel identifier (e.g. "evolution:shop").
	Name() string

	// Start begins listening. It must not block after setup.
	Start(ctx context.Context) error

	// Stop shuts the channel down.
	Stop(ctx context.Context) error

	// IsRunning reports whether the channel is connected and reading.
	IsRunning() bool
}

// Truncate shortens s to at most n runes for log previews.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
