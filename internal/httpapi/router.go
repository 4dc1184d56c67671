// ABOUTME: Chi router wiring for the relay HTTP API
// ABOUTME: Middleware stack, CORS, metrics endpoint, and route registration

package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deskrelay/deskrelay/internal/config"
	"github.com/deskrelay/deskrelay/internal/fanout"
	"github.com/deskrelay/deskrelay/internal/relay"
)

const maxRequestBody = 64 * 1024 // webhook bodies and submissions are small

// Handler serves the relay's HTTP surface: message submission, provider
// webhooks, and the observer WebSocket.
type Handler struct {
	service        *relay.Service
	registry       *fanout.Registry
	defaultChannel string
	logger         *slog.Logger
}

// NewHandler creates the HTTP handler set. Pass nil logger for default.
func NewHandler(service *relay.Service, registry *fanout.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:  service,
		registry: registry,
		logger:   logger.With("component", "httpapi"),
	}
}

// SetDefaultChannel sets the workspace channel used when a submission does
// not name one.
func (h *Handler) SetDefaultChannel(channel string) {
	h.defaultChannel = channel
}

// NewRouter creates and configures the HTTP router.
func NewRouter(h *Handler, cfg *config.Config, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware first so it captures all requests
	r.Use(requestMetrics)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(maxBodySize(maxRequestBody))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           300,
	}))

	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, promhttp.Handler())
	}

	r.Get("/health", h.Health)
	r.Post("/send-message", h.SendMessage)
	r.Post("/slack/events", h.SlackEvents)
	r.Get("/ws/responses/{user_id}", h.ObserveResponses)

	return r
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
