package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nextlevelbuilder/replydesk/internal/pipeline"
	"github.com/nextlevelbuilder/replydesk/internal/providers"
	"github.com/nextlevelbuilder/replydesk/internal/webhook"
)

// WebhookProcessor handles one raw webhook body.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, body []byte, pathInstance string) (pipeline.Result, error)
}

// webhookResponse is the body of every webhook reply.
type webhookResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// WebhookHandler accepts gateway webhooks.
type WebhookHandler struct {
	proc    WebhookProcessor
	allow   func(key string) bool
	maxBody int64
}

// NewWebhookHandler creates the handler. maxBody <= 0 means 1MB.
func NewWebhookHandler(proc WebhookProcessor, maxBody int64) *WebhookHandler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &WebhookHandler{proc: proc, maxBody: maxBody}
}

// SetRateLimiter installs a per-instance admission check.
func (h *WebhookHandler) SetRateLimiter(allow func(key string) bool) { h.allow = allow }

// RegisterRoutes registers the webhook routes.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhook", h.handle)
	r.Post("/webhook/{instance}", h.handle)
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request) {
	instance := chi.URLParam(r, "instance")

	if h.allow != nil {
		key := instance
		if key == "" {
			key = r.RemoteAddr
		}
		if !h.allow(key) {
			slog.Warn("webhook.rate_limited", "key", key)
			writeJSON(w, http.StatusTooManyRequests, webhookResponse{Error: "rate limit exceeded"})
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		slog.Warn("webhook.rejected", "instance", instance, "reason", "body", "error", err)
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "unreadable body"})
		return
	}

	res, err := h.proc.HandleWebhook(r.Context(), body, instance)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			slog.Error("webhook.failed", "instance", res.Instance, "event", res.Event, "error", err)
		} else {
			slog.Warn("webhook.rejected", "instance", res.Instance, "event", res.Event, "status", status, "error", err)
		}
		writeJSON(w, status, webhookResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{Success: true})
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, webhook.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, providers.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
