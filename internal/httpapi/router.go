package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/packetserver-io/packetserver/internal/bbs"
	"github.com/packetserver-io/packetserver/internal/events"
)

// RunnerPool is the slice of the orchestrator the façade consults for
// the accepts_jobs field and the status endpoint.
type RunnerPool interface {
	Up(ctx context.Context) bool
	InProcess() int
}

// RouterConfig holds everything needed to build the façade router. It
// is filled in main after the domain components come up and handed to
// NewRouter as one struct.
type RouterConfig struct {
	Service *bbs.Service
	Auth    *Authenticator
	Tokens  *TokenManager
	Hub     *events.Hub
	Pool    RunnerPool // nil when the job subsystem is not running
	Logger  *zap.Logger
	Version string
}

// NewRouter builds the fully configured chi router. Everything except
// /health and /metrics sits under /api/v1 behind authentication.
func NewRouter(cfg RouterConfig) http.Handler {
	h := &handlers{
		svc:     cfg.Service,
		tokens:  cfg.Tokens,
		hub:     cfg.Hub,
		pool:    cfg.Pool,
		logger:  cfg.Logger.Named("httpapi"),
		version: cfg.Version,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cfg.Auth.Authenticate)

		r.Post("/auth/token", h.IssueToken)

		r.Get("/profile", h.GetProfile)

		r.Get("/messages", h.ListMessages)
		r.Get("/messages/{uuid}", h.GetMessage)
		r.Post("/messages", h.SendMessage)

		r.Get("/bulletins", h.ListBulletins)
		r.Post("/bulletins", h.PostBulletin)
		r.Get("/bulletins/{id}", h.GetBulletin)
		r.Delete("/bulletins/{id}", h.DeleteBulletin)

		r.Get("/objects", h.ListObjects)
		r.Post("/objects", h.PostObject)
		r.Get("/objects/{uuid}", h.GetObject)
		r.Put("/objects/{uuid}", h.UpdateObject)
		r.Delete("/objects/{uuid}", h.DeleteObject)

		r.Get("/jobs", h.ListJobs)
		r.Post("/jobs", h.SubmitJob)
		r.Get("/jobs/{id}", h.GetJob)
		r.Get("/jobs/{id}/artifact", h.DownloadArtifact)

		r.Get("/status", h.GetStatus)

		r.Get("/events", h.Events)
	})

	return r
}

// handlers carries the shared handler dependencies.
type handlers struct {
	svc     *bbs.Service
	tokens  *TokenManager
	hub     *events.Hub
	pool    RunnerPool
	logger  *zap.Logger
	version string
}

// RequestLogger logs each request with method, path, status and size.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// Health is the unauthenticated liveness probe.
func (h *handlers) Health(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{"status": "ok", "version": h.version})
}

// IssueToken exchanges valid Basic credentials for a bearer token. The
// Authenticate middleware has already verified the caller.
func (h *handlers) IssueToken(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromCtx(r.Context())
	token, expires, err := h.tokens.Generate(id.Username)
	if err != nil {
		h.logger.Error("token generation failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"token": token, "expires_at": expires})
}

// Events upgrades to a websocket subscribed to the caller's topics.
func (h *handlers) Events(w http.ResponseWriter, r *http.Request) {
	id := IdentityFromCtx(r.Context())
	client, err := events.NewClient(h.hub, w, r, events.UserTopics(id.Username), h.logger)
	if err != nil {
		// Upgrade already wrote its own error response.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
