// Package api serves the document upload, status and admin HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"document-pipeline/internal/audit"
	"document-pipeline/internal/blob"
	"document-pipeline/internal/config"
	"document-pipeline/internal/queue"
	"document-pipeline/internal/recovery"
	"document-pipeline/internal/store"
	"document-pipeline/internal/telemetry"
)

const apiPrefix = "/api/v1"

// Limiter admits or rejects a request for key. *ratelimit.TokenBucket satisfies it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Deps are the collaborators the server needs. Limiter and Audit are optional.
type Deps struct {
	Store   *store.Store
	Queue   *queue.RedisQueue
	Blobs   blob.Store
	Limiter Limiter
	Monitor *recovery.Monitor
	Audit   audit.Recorder
	Logger  zerolog.Logger
}

// Server wires HTTP handlers for the document API.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.RedisQueue
	blobs   blob.Store
	limiter Limiter
	monitor *recovery.Monitor
	audit   audit.Recorder
	logger  zerolog.Logger
	now     func() time.Time
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	rec := deps.Audit
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Server{
		cfg:     cfg,
		store:   deps.Store,
		queue:   deps.Queue,
		blobs:   deps.Blobs,
		limiter: deps.Limiter,
		monitor: deps.Monitor,
		audit:   rec,
		logger:  deps.Logger,
		now:     time.Now,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route(apiPrefix, func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Post("/documents/upload", s.handleUpload)
		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/documents/{id}/status", s.handleStatus)
		r.Get("/documents/{id}/result", s.handleResult)
		r.Get("/documents/{id}/schema", s.handleSchema)
		r.Get("/documents/{id}/audit", s.handleAudit)

		r.Post("/webhooks", s.handleRegisterWebhook)
		r.Get("/webhooks", s.handleListWebhooks)
		r.Get("/webhooks/{id}", s.handleGetWebhook)
		r.Put("/webhooks/{id}", s.handleUpdateWebhook)
		r.Delete("/webhooks/{id}", s.handleDeleteWebhook)

		r.Get("/admin/stuck", s.handleStuck)
		r.Post("/admin/documents/{id}/requeue", s.handleRequeue)
		r.Get("/admin/dlq", s.handleDLQ)

		r.Get("/stats", s.handleStats)
	})
	return telemetry.HTTPHandler(r, "document-api")
}

// requireAPIKey enforces X-API-Key when API_KEY_REQUIRED is set.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.APIKeyRequired {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		for _, allowed := range s.cfg.APIKeys {
			if key != "" && key == allowed {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "invalid API key")
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/metrics") {
			return
		}
		s.logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	checks := map[string]string{"store": "ok"}
	if err := s.store.Ping(r.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
		checks["store"] = err.Error()
	}
	writeJSON(w, code, map[string]any{
		"status":      status,
		"timestamp":   s.now().UTC(),
		"environment": s.cfg.Env,
		"checks":      checks,
		"stages":      stageNames(),
	})
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

// allow consumes a rate-limit token; it writes the rejection itself.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, limiter string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), limiter+":"+tenantFromRequest(r))
	if err != nil {
		s.logger.Error().Err(err).Str("limiter", limiter).Msg("rate limiter unavailable")
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.WithLabelValues(limiter).Inc()
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
