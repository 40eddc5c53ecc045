package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrQuotaExceeded is matched (errors.Is) by any HTTPError with status 429.
var ErrQuotaExceeded = errors.New("providers: quota exceeded")

// HTTPError is a non-2xx response from an upstream service.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrQuotaExceeded && e.Status == http.StatusTooManyRequests
}

// RetryConfig bounds RetryDo.
type RetryConfig struct {
	Attempts int           // total attempts including the first
	MinDelay time.Duration // first backoff
	MaxDelay time.Duration // backoff cap
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, MinDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second}
}

// NoRetry runs the call once.
func NoRetry() RetryConfig { return RetryConfig{Attempts: 1} }

// RetryDo calls fn until it succeeds, returns a non-transient error, or the
// attempts run out. Backoff doubles from MinDelay with up to 50% jitter and
// honors Retry-After when the upstream sent one.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	var (
		zero    T
		lastErr error
	)
	delay := cfg.MinDelay
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == cfg.Attempts || !IsRetryable(err) {
			break
		}

		wait := delay + time.Duration(rand.Int63n(int64(delay/2)+1))
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > wait {
			wait = httpErr.RetryAfter
		}
		if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}
		slog.Warn("provider.retry", "attempt", attempt, "backoff", wait, "error", err)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
	return zero, lastErr
}

// IsRetryable reports whether err is a transient failure: 5xx responses and
// network errors. 4xx responses (429 included) are final.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// ParseRetryAfter reads a Retry-After header given in seconds. Dates and
// garbage yield zero.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
