package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/replydesk/internal/channels"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	httpapi "github.com/nextlevelbuilder/replydesk/internal/http"
	"github.com/nextlevelbuilder/replydesk/internal/pipeline"
)

type stubChannel struct{ running bool }

func (c *stubChannel) Name() string { return "evolution:shop" }
func (c *stubChannel) Start(context.Context) error { c.running = true; return nil }
func (c *stubChannel) Stop(context.Context) error { c.running = false; return nil }
func (c *stubChannel) IsRunning() bool { return c.running }

type okProcessor struct{ calls int }

func (p *okProcessor) HandleWebhook(context.Context, []byte, string) (pipeline.Result, error) {
	p.calls++
	return pipeline.Result{}, nil
}

func TestHealth(t *testing.T) {
	chans := channels.NewManager()
	chans.RegisterChannel(&stubChannel{running: true})
	s := NewServer(config.Default(), chans)
	s.AddCheck("redis", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	s.BuildRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || !resp.Channels["evolution:shop"] || resp.Checks["redis"] != "ok" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHealthDegraded(t *testing.T) {
	s := NewServer(config.Default(), nil)
	s.AddCheck("postgres", func(context.Context) error { return errors.New("connection refused") })

	rec := httptest.NewRecorder()
	s.BuildRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestWebhookRateLimitWired(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.RateLimitRPM = 1
	s := NewServer(cfg, nil)
	s.rateLimiter = NewRateLimiter(1, 1)
	proc := &okProcessor{}
	s.SetWebhookHandler(httpapi.NewWebhookHandler(proc, 0))
	h := s.BuildRouter()

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook/shop", strings.NewReader(`{}`)))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 429]", codes)
	}
	if proc.calls != 1 {
		t.Errorf("processor calls = %d, want 1", proc.calls)
	}
}
