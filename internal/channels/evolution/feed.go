package evolution

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/replydesk/internal/webhook"
)

// EventHandler receives every normalized event read from the feed.
type EventHandler func(ctx context.Context, ev webhook.Event)

// Feed subscribes to the gateway's websocket event stream for one instance
// (or the global stream when instance is empty) and feeds frames through the
// same normalizer as the webhook endpoint. It reconnects with backoff.
type Feed struct {
	url      string
	instance string
	apiKey   string
	handler  EventHandler

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewFeed creates a feed. The instance name is appended to wsURL as a path
// segment when set.
func NewFeed(wsURL, instance, apiKey string, handler EventHandler) (*Feed, error) {
	if wsURL == "" {
		return nil, fmt.Errorf("evolution: websocket url is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("evolution: event handler is required")
	}
	u := strings.TrimRight(wsURL, "/")
	if instance != "" {
		u += "/" + instance
	}
	return &Feed{url: u, instance: instance, apiKey: apiKey, handler: handler}, nil
}

func (f *Feed) Name() string {
	if f.instance == "" {
		return "evolution"
	}
	return "evolution:" + f.instance
}

// IsRunning reports whether the feed is currently connected.
func (f *Feed) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running && f.connected
}

// Start connects and begins listening. A failed first dial is not an error:
// the listen loop keeps retrying.
func (f *Feed) Start(ctx context.Context) error {
	slog.Info("evolution.feed_start", "url", f.url)
	f.mu.Lock()
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})
	f.running = true
	f.mu.Unlock()

	if err := f.connect(); err != nil {
		slog.Warn("evolution.feed_connect_failed", "url", f.url, "error", err)
	}
	go f.listenLoop()
	return nil
}

// Stop closes the connection and waits for the listen loop to exit.
func (f *Feed) Stop(ctx context.Context) error {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}
	f.connected = false
	f.running = false
	done := f.done
	f.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Feed) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	header := http.Header{}
	if f.apiKey != "" {
		header.Set("apikey", f.apiKey)
	}
	conn, _, err := dialer.DialContext(f.ctx, f.url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.url, err)
	}

	f.mu.Lock()
	f.conn = conn
	f.connected = true
	f.mu.Unlock()
	slog.Info("evolution.feed_connected", "url", f.url)
	return nil
}

// listenLoop reads frames with automatic reconnection.
func (f *Feed) listenLoop() {
	defer close(f.done)
	backoff := time.Second

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()

		if conn == nil {
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := f.connect(); err != nil {
				slog.Warn("evolution.feed_reconnect_failed", "url", f.url, "backoff", backoff, "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			slog.Warn("evolution.feed_read_error", "url", f.url, "error", err)
			f.mu.Lock()
			if f.conn == conn {
				_ = f.conn.Close()
				f.conn = nil
			}
			f.connected = false
			f.mu.Unlock()
			continue
		}

		ev, err := webhook.ParseForInstance(frame, f.instance)
		if err != nil {
			slog.Warn("evolution.feed_bad_frame", "url", f.url, "bytes", len(frame), "error", err)
			continue
		}
		f.handler(f.ctx, ev)
	}
}
