package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nextlevelbuilder/replydesk/internal/channels"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	httpapi "github.com/nextlevelbuilder/replydesk/internal/http"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

// CheckFunc probes a dependency for /health.
type CheckFunc func(ctx context.Context) error

// Server is the HTTP front door: webhook intake, health, and the operator API.
type Server struct {
	cfg      *config.Config
	channels *channels.Manager

	webhookHandler     *httpapi.WebhookHandler
	escalationsHandler *httpapi.EscalationsHandler

	rateLimiter *RateLimiter

	mu     sync.RWMutex
	checks map[string]CheckFunc

	router     chi.Router
	httpServer *http.Server
}

// NewServer creates a gateway server. channels may be nil.
func NewServer(cfg *config.Config, chans *channels.Manager) *Server {
	// rate_limit_rpm <= 0 disables per-instance webhook limiting.
	return &Server{
		cfg:         cfg,
		channels:    chans,
		rateLimiter: NewRateLimiter(cfg.Gateway.RateLimitRPM, 20),
		checks:      make(map[string]CheckFunc),
	}
}

// RateLimiter returns the server's webhook rate limiter.
func (s *Server) RateLimiter() *RateLimiter { return s.rateLimiter }

// SetWebhookHandler sets the webhook intake handler.
func (s *Server) SetWebhookHandler(h *httpapi.WebhookHandler) { s.webhookHandler = h }

// SetEscalationsHandler sets the operator escalation API handler.
func (s *Server) SetEscalationsHandler(h *httpapi.EscalationsHandler) { s.escalationsHandler = h }

// AddCheck registers a dependency probe reported by /health.
func (s *Server) AddCheck(name string, fn CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = fn
}

// BuildRouter creates and caches the router with all routes registered.
func (s *Server) BuildRouter() http.Handler {
	if s.router != nil {
		return s.router
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(httpapi.CORS(s.cfg.Gateway.AllowedOrigins))

	r.Get("/health", s.handleHealth)

	if s.webhookHandler != nil {
		if s.rateLimiter.Enabled() {
			s.webhookHandler.SetRateLimiter(s.rateLimiter.Allow)
		}
		s.webhookHandler.RegisterRoutes(r)
	}
	if s.escalationsHandler != nil {
		s.escalationsHandler.RegisterRoutes(r)
	}

	s.router = r
	return r
}

// Start listens until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	handler := s.BuildRouter()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status   string            `json:"status"`
	Protocol int               `json:"protocol"`
	Channels map[string]bool   `json:"channels,omitempty"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// handleHealth reports "ok", or "degraded" with 503 when a dependency probe fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Protocol: protocol.ProtocolVersion}
	if s.channels != nil {
		resp.Channels = s.channels.Status()
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	status := http.StatusOK
	if len(names) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp.Checks = make(map[string]string, len(names))
		for _, name := range names {
			s.mu.RLock()
			fn := s.checks[name]
			s.mu.RUnlock()
			if err := fn(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	writeJSON(w, status, resp)
}
