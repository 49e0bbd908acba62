// Package api exposes the query and automation management surface over
// HTTP.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/savegress/gridsense/internal/anomaly"
	"github.com/savegress/gridsense/internal/automation"
	"github.com/savegress/gridsense/internal/buffer"
	"github.com/savegress/gridsense/internal/forecast"
	"github.com/savegress/gridsense/internal/realtime"
	"github.com/savegress/gridsense/internal/repository"
	"github.com/savegress/gridsense/internal/timeseries"
)

// Server is the HTTP API server.
type Server struct {
	router     chi.Router
	store      *timeseries.Store
	buffer     *buffer.StreamBuffer
	detector   *anomaly.Detector
	forecaster *forecast.Forecaster
	engine     *automation.Engine
	scheduler  *automation.Scheduler
	rules      repository.RuleStore
	events     repository.EventStore
	hub        *realtime.Hub
	upgrader   websocket.Upgrader
	registry   *prometheus.Registry
	health     map[string]func() bool
	logger     *zap.Logger
}

// Deps bundles the server's collaborators.
type Deps struct {
	Store      *timeseries.Store
	Buffer     *buffer.StreamBuffer
	Detector   *anomaly.Detector
	Forecaster *forecast.Forecaster
	Engine     *automation.Engine
	Scheduler  *automation.Scheduler
	Rules      repository.RuleStore
	Events     repository.EventStore
	Hub        *realtime.Hub
	Registry   *prometheus.Registry
	// Health holds named component probes reported by /health.
	Health map[string]func() bool
	Logger *zap.Logger
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		store:      deps.Store,
		buffer:     deps.Buffer,
		detector:   deps.Detector,
		forecaster: deps.Forecaster,
		engine:     deps.Engine,
		scheduler:  deps.Scheduler,
		rules:      deps.Rules,
		events:     deps.Events,
		hub:        deps.Hub,
		registry:   deps.Registry,
		health:     deps.Health,
		logger:     deps.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Actor"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Get("/health", s.healthCheck)
	if s.registry != nil {
		s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	s.router.Get("/ws", s.serveWS)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/metrics", s.getMetrics)
		r.Get("/loadprofiles", s.getLoadProfiles)
		r.Get("/powerquality", s.getPowerQuality)
		r.Get("/peakdemand", s.getPeakDemand)
		r.Get("/cost", s.getCostAnalysis)
		r.Get("/patterns", s.getPatterns)
		r.Get("/forecast", s.getForecast)
		r.Get("/anomalies", s.getAnomalies)
		r.Get("/recommendations", s.getRecommendations)

		r.Route("/buffer/{deviceId}", func(r chi.Router) {
			r.Get("/aggregate", s.getBufferAggregate)
			r.Get("/peaks", s.getBufferPeaks)
		})

		r.Route("/automation", func(r chi.Router) {
			r.Route("/rules", func(r chi.Router) {
				r.Get("/", s.listRules)
				r.Post("/", s.createRule)
				r.Get("/{id}", s.getRule)
				r.Patch("/{id}", s.updateRule)
				r.Delete("/{id}", s.deleteRule)
				r.Post("/{id}/toggle", s.toggleRule)
				r.Get("/{id}/events", s.listRuleEvents)
			})
			r.Route("/schedules", func(r chi.Router) {
				r.Get("/", s.listSchedules)
				r.Post("/", s.createSchedule)
				r.Put("/", s.bulkUpdateSchedules)
				r.Delete("/{id}", s.deleteSchedule)
			})
		})
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}
