// Package api assembles the HTTP surface of the prescription assistant.
package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxassist/internal/api/handlers"
	"github.com/drfirst/go-rxassist/internal/api/middleware"
	"github.com/drfirst/go-rxassist/internal/domain/prescription"
	"github.com/drfirst/go-rxassist/internal/export"
	"github.com/drfirst/go-rxassist/internal/observability/metrics"
)

// ServiceName is reported by /health and used as the tracer name
const ServiceName = "rx-api"

// Deps are the components the router serves
type Deps struct {
	Service      *prescription.Service
	Store        prescription.RecordStore
	Renderer     *export.Renderer
	Assistant    handlers.Asker
	Reloader     handlers.ModelReloader
	AdminAPIKeys map[string]string
	Metrics      *metrics.Metrics
	// MetricsHandler serves /metrics; nil uses the default registry.
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// NewRouter builds the full route tree.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metricsHandler := d.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = metrics.Handler()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(ServiceName))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":%q,"model_version":%q}`, ServiceName, d.Service.Info().Version)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := d.Store.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metricsHandler)

	prescriptionHandler := handlers.NewPrescriptionHandler(d.Service, d.Store, d.Renderer, d.Metrics, logger)
	modelHandler := handlers.NewModelHandler(d.Service)
	adminHandler := handlers.NewAdminHandler(d.Store, d.Reloader, logger)

	r.Route("/api/v1", func(r chi.Router) {
		modelHandler.Register(r)
		r.Mount("/prescriptions", prescriptionHandler.Routes())
		if d.Assistant != nil {
			r.Mount("/assistant", handlers.NewAssistantHandler(d.Assistant, d.Metrics, logger).Routes())
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminAuth(d.AdminAPIKeys))
			r.Mount("/admin", adminHandler.Routes())
		})
	})

	return r
}
