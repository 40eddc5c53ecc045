package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// EscalationService is the operator surface of the escalation engine.
type EscalationService interface {
	List(ctx context.Context, instanceID string, includeResolved bool, limit int) ([]store.EscalationRecord, error)
	Resolve(ctx context.Context, instanceID, sender, resolvedBy string) (*store.EscalationRecord, error)
}

// EscalationsHandler lists and resolves escalations.
type EscalationsHandler struct {
	svc   EscalationService
	token string
}

func NewEscalationsHandler(svc EscalationService, token string) *EscalationsHandler {
	return &EscalationsHandler{svc: svc, token: token}
}

// RegisterRoutes registers the escalation routes.
func (h *EscalationsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/v1/escalations", requireToken(h.token, h.handleList))
	r.Post("/v1/escalations/resolve", requireToken(h.token, h.handleResolve))
}

func (h *EscalationsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	all := q.Get("all") == "true"

	recs, err := h.svc.List(r.Context(), q.Get("instance_id"), all, limit)
	if err != nil {
		slog.Error("escalations.list", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "failed to list escalations"})
		return
	}
	if recs == nil {
		recs = []store.EscalationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "escalations": recs})
}

func (h *EscalationsHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		InstanceID string `json:"instance_id"`
		Sender     string `json:"sender"`
		ResolvedBy string `json:"resolved_by"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "invalid JSON"})
		return
	}
	if body.InstanceID == "" || body.Sender == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "error": "instance_id and sender are required"})
		return
	}

	rec, err := h.svc.Resolve(r.Context(), body.InstanceID, body.Sender, body.ResolvedBy)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "no active escalation"})
		return
	case err != nil:
		slog.Error("escalations.resolve", "instance", body.InstanceID, "sender", body.Sender, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": "failed to resolve escalation"})
		return
	}
	slog.Info("escalations.resolved", "instance", body.InstanceID, "sender", body.Sender, "by", rec.ResolvedBy)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "escalation": rec})
}
