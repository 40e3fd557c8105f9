package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"plantchat/internal/domain"
	"plantchat/internal/metrics"
	"plantchat/internal/security"
	"plantchat/internal/service"
)

// Deps are the collaborators the HTTP surface is built on.
type Deps struct {
	Tokens        *security.TokenService
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Reads         *service.ReadTracker
	Pushes        *service.PushService
	Metrics       *metrics.Metrics
	// WS serves /ws; nil disables the endpoint.
	WS     http.Handler
	Logger *slog.Logger

	CORSOrigins       []string
	UploadDir         string
	VAPIDPublicKey    string
	SendRatePerSecond float64
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	r := chi.NewRouter()

	// Middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", d.Metrics.Handler())
	if d.UploadDir != "" {
		r.Mount("/uploads", UploadRoutes(d.UploadDir))
	}

	h := &handlers{deps: d, logger: logger}
	limiter := newUserLimiter(d.SendRatePerSecond)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(AuthMiddleware(d.Tokens))

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.listConversations)
			r.Post("/", h.createConversation)
			r.Get("/{conversationID}", h.getConversation)
			r.Get("/{conversationID}/messages", h.listMessages)
			r.Post("/{conversationID}/read", h.markConversationRead)
			r.Get("/{conversationID}/unread", h.unreadCount)
		})

		r.With(limiter.Middleware).Post("/messages", h.sendMessage)

		r.Route("/push", func(r chi.Router) {
			r.Get("/vapid-public-key", h.vapidPublicKey)
			r.Post("/subscriptions", h.registerPushSubscription)
			r.Delete("/subscriptions", h.unregisterPushSubscription)
		})
	})

	// WebSocket endpoint
	if d.WS != nil {
		r.Handle("/ws", d.WS)
	}

	return r
}

type handlers struct {
	deps   Deps
	logger *slog.Logger
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// errorStatus maps the error taxonomy onto HTTP statuses.
func errorStatus(err error) int {
	var (
		verr *domain.ValidationError
		uerr *domain.UploadError
	)
	switch {
	case errors.As(err, &verr), errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.As(err, &uerr):
		return http.StatusBadGateway
	case domain.IsFetchError(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
