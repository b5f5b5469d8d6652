package handler

import (
	"net/http"
	"time"

	hderrors "github.com/devrev/hyperdrive/internal/errors"
	"github.com/devrev/hyperdrive/internal/health"
	"github.com/devrev/hyperdrive/internal/metrics"
	"github.com/devrev/hyperdrive/internal/middleware"
	"github.com/devrev/hyperdrive/internal/result"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// RouterOptions configures the HTTP surface around the handlers
type RouterOptions struct {
	// RateLimiter is applied to every request when non-nil
	RateLimiter *middleware.RateLimiter
	// RequestTimeout bounds each request; zero disables it
	RequestTimeout time.Duration
	// Metrics records per-route request metrics when non-nil
	Metrics *metrics.Metrics
	// MetricsHandler is mounted at MetricsPath when non-nil
	MetricsHandler http.Handler
	MetricsPath    string
}

// NewRouter sets up all HTTP routes
func NewRouter(h *Handlers, hc *health.HealthCheck, opts RouterOptions, logger *zap.Logger) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := mux.NewRouter()

	chain := []func(http.Handler) http.Handler{
		middleware.Recovery(logger),
		middleware.RequestID,
		middleware.Logging(logger),
	}
	if opts.RateLimiter != nil {
		chain = append(chain, opts.RateLimiter.Limit)
	}
	if opts.RequestTimeout > 0 {
		chain = append(chain, middleware.Timeout(opts.RequestTimeout))
	}
	router.Use(mux.MiddlewareFunc(middleware.Chain(chain...)))
	if opts.Metrics != nil {
		router.Use(middleware.Metrics(opts.Metrics))
	}

	// Health and metrics
	if hc != nil {
		router.HandleFunc("/health/live", hc.LivenessHandler).Methods(http.MethodGet)
		router.HandleFunc("/health/ready", hc.ReadinessHandler).Methods(http.MethodGet)
	}
	if opts.MetricsHandler != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, opts.MetricsHandler).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/v1").Subrouter()

	// Holons
	v1.HandleFunc("/holons", h.SaveHolon).Methods(http.MethodPut)
	v1.HandleFunc("/holons/search", h.SearchHolons).Methods(http.MethodPost)
	v1.HandleFunc("/holons/search/all", h.SearchAllHolons).Methods(http.MethodPost)
	v1.HandleFunc("/holons/{id}", h.LoadHolon).Methods(http.MethodGet)
	v1.HandleFunc("/holons/{id}", h.DeleteHolon).Methods(http.MethodDelete)
	v1.HandleFunc("/holons/{id}/replication", h.ReplicationStatus).Methods(http.MethodGet)
	v1.HandleFunc("/holons/{id}/copy", h.CopyHolon).Methods(http.MethodPost)

	// Avatars
	v1.HandleFunc("/avatars", h.SaveAvatar).Methods(http.MethodPut)
	v1.HandleFunc("/avatars", h.FindAvatar).Methods(http.MethodGet)
	v1.HandleFunc("/avatars/{id}", h.LoadAvatar).Methods(http.MethodGet)
	v1.HandleFunc("/avatars/{id}", h.DeleteAvatar).Methods(http.MethodDelete)

	// Admin
	admin := v1.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/providers", h.ListProviders).Methods(http.MethodGet)
	admin.HandleFunc("/plan", h.FailoverPlan).Methods(http.MethodGet)
	admin.HandleFunc("/providers/{id}/activate", h.ActivateProvider).Methods(http.MethodPost)
	admin.HandleFunc("/providers/{id}/deactivate", h.DeactivateProvider).Methods(http.MethodPost)
	admin.HandleFunc("/primary/{id}", h.SetPrimary).Methods(http.MethodPut)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := hderrors.NotFound("route " + r.URL.Path)
		writeEnvelope(w, result.Failure[any](err.Error(), err))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})

	return router
}
