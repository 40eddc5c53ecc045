package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nextlevelbuilder/replydesk/internal/pipeline"
	"github.com/nextlevelbuilder/replydesk/internal/providers"
	"github.com/nextlevelbuilder/replydesk/internal/store"
	"github.com/nextlevelbuilder/replydesk/internal/webhook"
)

type fakeProcessor struct {
	err      error
	body     string
	instance string
}

func (f *fakeProcessor) HandleWebhook(_ context.Context, body []byte, inst string) (pipeline.Result, error) {
	f.body, f.instance = string(body), inst
	return pipeline.Result{Instance: inst}, f.err
}

func newRouter(proc WebhookProcessor, esc EscalationService, token string, allow func(string) bool) http.Handler {
	r := chi.NewRouter()
	r.Use(CORS(nil))
	wh := NewWebhookHandler(proc, 0)
	if allow != nil {
		wh.SetRateLimiter(allow)
	}
	wh.RegisterRoutes(r)
	if esc != nil {
		NewEscalationsHandler(esc, token).RegisterRoutes(r)
	}
	return r
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestWebhookStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantOK     bool
	}{
		{"success", nil, http.StatusOK, true},
		{"malformed", fmt.Errorf("parse: %w", webhook.ErrMalformed), http.StatusBadRequest, false},
		{"quota", fmt.Errorf("generate: %w", &providers.HTTPError{Status: 429}), http.StatusTooManyRequests, false},
		{"unexpected", fmt.Errorf("db down"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &fakeProcessor{err: tt.err}
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"event":"x"}`))
			newRouter(proc, nil, "", nil).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			out := decode(t, rec)
			if out["success"] != tt.wantOK {
				t.Errorf("success = %v, want %v", out["success"], tt.wantOK)
			}
			if !tt.wantOK && out["error"] == "" {
				t.Error("error message missing")
			}
		})
	}
}

func TestWebhookPathInstance(t *testing.T) {
	proc := &fakeProcessor{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/shop", strings.NewReader(`{"event":"messages.upsert"}`))
	newRouter(proc, nil, "", nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if proc.instance != "shop" || proc.body != `{"event":"messages.upsert"}` {
		t.Errorf("processor got instance=%q body=%q", proc.instance, proc.body)
	}
}

func TestWebhookPreflight(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/webhook", nil)
	req.Header.Set("Origin", "https://admin.example")
	newRouter(&fakeProcessor{}, nil, "", nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow origin = %q", got)
	}
}

func TestWebhookRateLimited(t *testing.T) {
	proc := &fakeProcessor{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/shop", strings.NewReader(`{}`))
	newRouter(proc, nil, "", func(string) bool { return false }).ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if proc.body != "" {
		t.Error("rate-limited request reached the processor")
	}
}

type fakeEscalations struct {
	recs     []store.EscalationRecord
	resolved []string
	err      error
}

func (f *fakeEscalations) List(_ context.Context, inst string, _ bool, _ int) ([]store.EscalationRecord, error) {
	var out []store.EscalationRecord
	for _, r := range f.recs {
		if inst == "" || r.InstanceID == inst {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeEscalations) Resolve(_ context.Context, inst, sender, by string) (*store.EscalationRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.resolved = append(f.resolved, inst+":"+sender+":"+by)
	now := time.Now()
	return &store.EscalationRecord{InstanceID: inst, Sender: sender, ResolvedBy: by, ResolvedAt: &now}, nil
}

func TestEscalationsAPI(t *testing.T) {
	esc := &fakeEscalations{recs: []store.EscalationRecord{
		{InstanceID: "shop", Sender: "5511999"},
		{InstanceID: "other", Sender: "5511888"},
	}}
	h := newRouter(&fakeProcessor{}, esc, "s3cret", nil)

	t.Run("list requires token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/escalations", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("list filters by instance", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/escalations?instance_id=shop", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		out := decode(t, rec)
		if list, _ := out["escalations"].([]any); len(list) != 1 {
			t.Errorf("escalations = %v", out["escalations"])
		}
	})

	t.Run("resolve", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/escalations/resolve",
			strings.NewReader(`{"instance_id":"shop","sender":"5511999","resolved_by":"ana"}`))
		req.Header.Set("Authorization", "Bearer s3cret")
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		if len(esc.resolved) != 1 || esc.resolved[0] != "shop:5511999:ana" {
			t.Errorf("resolved = %v", esc.resolved)
		}
	})

	t.Run("resolve missing fields", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/escalations/resolve", strings.NewReader(`{"instance_id":"shop"}`))
		req.Header.Set("Authorization", "Bearer s3cret")
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("resolve nothing escalated", func(t *testing.T) {
		esc.err = fmt.Errorf("escalation: resolve: %w", store.ErrNotFound)
		defer func() { esc.err = nil }()
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/escalations/resolve",
			strings.NewReader(`{"instance_id":"shop","sender":"000"}`))
		req.Header.Set("Authorization", "Bearer s3cret")
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}
