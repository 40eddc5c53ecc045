package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func fastRetry(n int) RetryConfig {
	return RetryConfig{Attempts: n, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryDo(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{"success first try", []error{nil}, 1, false},
		{"5xx then success", []error{&HTTPError{Status: 503}, nil}, 2, false},
		{"4xx is final", []error{&HTTPError{Status: 400}, nil}, 1, true},
		{"429 is final", []error{&HTTPError{Status: 429}, nil}, 1, true},
		{"exhausted", []error{&HTTPError{Status: 500}, &HTTPError{Status: 502}, &HTTPError{Status: 504}}, 3, true},
		{"plain error is final", []error{errors.New("decode"), nil}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			_, err := RetryDo(context.Background(), fastRetry(3), func() (int, error) {
				e := tt.errs[calls]
				calls++
				return calls, e
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{Attempts: 5, MinDelay: time.Hour}
	calls := 0
	go func() { time.Sleep(10 * time.Millisecond); cancel() }()
	_, err := RetryDo(ctx, cfg, func() (int, error) {
		calls++
		return 0, &HTTPError{Status: 500}
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Errorf("err = %v calls = %d", err, calls)
	}
}

func TestQuotaExceededMatching(t *testing.T) {
	err := fmt.Errorf("generate: %w", &HTTPError{Status: http.StatusTooManyRequests})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Error("429 should match ErrQuotaExceeded")
	}
	if errors.Is(&HTTPError{Status: 500}, ErrQuotaExceeded) {
		t.Error("500 should not match ErrQuotaExceeded")
	}
}

func TestParseRetryAfter(t *testing.T) {
	for in, want := range map[string]time.Duration{"": 0, "3": 3 * time.Second, "-1": 0, "Wed, 21 Oct 2015 07:28:00 GMT": 0} {
		if got := ParseRetryAfter(in); got != want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", in, got, want)
		}
	}
}
