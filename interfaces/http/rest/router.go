// Package rest exposes instances over HTTP.
package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"echocog/interfaces/http/rest/handlers"
	"echocog/interfaces/http/rest/middleware"
	"echocog/pkg/errors"
	"echocog/pkg/observability"
)

// Options tunes the router
type Options struct {
	EnableCORS     bool
	AllowedOrigins []string
	Debug          bool
}

// Router creates and configures the HTTP router
type Router struct {
	pool         handlers.InstancePool
	history      handlers.History
	collector    *observability.Collector
	logger       *zap.Logger
	errorHandler *errors.ErrorHandler
	opts         Options
}

// NewRouter creates a new router. history and collector may be nil.
func NewRouter(
	pool handlers.InstancePool,
	history handlers.History,
	collector *observability.Collector,
	logger *zap.Logger,
	opts Options,
) *Router {
	return &Router{
		pool:         pool,
		history:      history,
		collector:    collector,
		logger:       logger,
		errorHandler: errors.NewErrorHandler(logger, opts.Debug),
		opts:         opts,
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(rt.errorHandler.Middleware)
	router.Use(middleware.Logger(rt.logger))
	if rt.collector != nil {
		router.Use(middleware.Metrics(rt.collector))
	}

	if rt.opts.EnableCORS {
		origins := rt.opts.AllowedOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	router.Get("/health", rt.healthCheck)
	if rt.collector != nil {
		router.Handle("/metrics", rt.collector.Handler())
	}

	instanceHandler := handlers.NewInstanceHandler(rt.pool, rt.history, rt.logger, rt.errorHandler)
	memoryHandler := handlers.NewMemoryHandler(rt.pool, rt.logger, rt.errorHandler)

	router.Route("/api/v1/instances", func(r chi.Router) {
		r.Post("/", instanceHandler.OpenInstance)
		r.Get("/", instanceHandler.ListInstances)

		r.Route("/{instanceID}", func(r chi.Router) {
			r.Delete("/", instanceHandler.CloseInstance)

			// the status stream stays open, so it is outside the timeout group
			r.Get("/sync/status", instanceHandler.SyncStatus)

			r.Group(func(r chi.Router) {
				r.Use(chimiddleware.Timeout(30 * time.Second))

				r.Get("/metrics/system", instanceHandler.SystemMetrics)

				r.Route("/memories", func(r chi.Router) {
					r.Post("/", memoryHandler.CreateMemory)
					r.Get("/", memoryHandler.SearchMemories)
					r.Get("/{memoryID}", memoryHandler.GetMemory)
					r.Delete("/{memoryID}", memoryHandler.DeleteMemory)
					r.Post("/{memoryID}/connections", memoryHandler.ConnectMemories)
					r.Post("/{memoryID}/energy", memoryHandler.UpdateEnergy)
					r.Post("/{memoryID}/resonance", memoryHandler.UpdateResonance)
				})
			})
		})
	})

	return router
}

func (rt *Router) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}
