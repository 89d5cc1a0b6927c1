package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gorilla/mux"

	"github.com/l-papantoniou/api-gateway/internal/auth"
	"github.com/l-papantoniou/api-gateway/internal/ratelimit"
	"github.com/l-papantoniou/api-gateway/pkg/config"
	"github.com/l-papantoniou/api-gateway/pkg/logger"
)

// Route is a protected route with its backend and admission control settings
type Route struct {
	Name         string
	Prefix       string
	Backend      *url.URL
	Strategy     ratelimit.Strategy
	Bucket       *ratelimit.BucketConfig
	AuthRequired bool
}

// Service implements the API Gateway
type Service struct {
	router    *mux.Router
	server    *http.Server
	pipeline  *Pipeline
	engine    *ratelimit.Engine
	routes    []*Route
	logger    *logger.Logger
	metrics   *Metrics
	startTime time.Time
}

// NewService creates a new API Gateway service
func NewService(cfg *config.Config, validator *auth.Validator, engine *ratelimit.Engine, log *logger.Logger) (*Service, error) {
	routes, err := buildRoutes(cfg.Routes, engine)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()

	s := &Service{
		router:    mux.NewRouter(),
		engine:    engine,
		routes:    routes,
		logger:    log,
		metrics:   metrics,
		startTime: time.Now(),
	}

	s.pipeline = NewPipeline(validator, engine,
		cfg.JWT.HeaderName, cfg.JWT.Scheme,
		cfg.RateLimit.Enabled, cfg.RateLimit.FailOpen,
		log, metrics)

	s.setupRoutes(cfg)
	s.setupMiddleware()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	return s, nil
}

// buildRoutes converts validated route configuration into runtime routes.
// Bucket configurations come from the engine cache, so routes with identical
// parameters share one configuration value.
func buildRoutes(routeConfigs []config.RouteConfig, engine *ratelimit.Engine) ([]*Route, error) {
	routes := make([]*Route, 0, len(routeConfigs))

	for _, rc := range routeConfigs {
		backend, err := url.Parse(rc.Backend)
		if err != nil {
			return nil, fmt.Errorf("invalid backend URL for route %s: %w", rc.Name, err)
		}

		strategy, err := ratelimit.ParseStrategy(rc.Strategy)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.Name, err)
		}

		bucket, err := engine.Config(rc.Capacity, rc.RefillAmount, rc.Period())
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rc.Name, err)
		}

		routes = append(routes, &Route{
			Name:         rc.Name,
			Prefix:       rc.Prefix,
			Backend:      backend,
			Strategy:     strategy,
			Bucket:       bucket,
			AuthRequired: rc.AuthRequired,
		})
	}

	return routes, nil
}

// setupRoutes sets up the routing
func (s *Service) setupRoutes(cfg *config.Config) {
	s.router.HandleFunc(cfg.Monitoring.HealthPath, s.handleHealth).Methods("GET")
	s.router.HandleFunc("/fallback/{service}", s.handleFallback).Methods("GET")
	s.router.HandleFunc("/admin/routes", s.handleListRoutes).Methods("GET")

	if cfg.Monitoring.Enabled {
		s.router.Handle(cfg.Monitoring.MetricsPath, s.metrics.Handler()).Methods("GET")
	}

	for _, route := range s.routes {
		s.router.PathPrefix(route.Prefix).Handler(s.routeHandler(route))
	}
}

// setupMiddleware sets up middleware
func (s *Service) setupMiddleware() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.securityHeadersMiddleware)
	s.router.Use(s.loggingMiddleware)
}

// routeHandler runs the admission pipeline and forwards allowed requests to
// the route backend
func (s *Service) routeHandler(route *Route) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(route.Backend)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.WithComponent("proxy").WithError(err).
			WithField("route", route.Name).Error("Backend request failed")
		writeErrorResponse(w, http.StatusServiceUnavailable,
			fmt.Sprintf("%s service is temporarily unavailable", route.Name))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outcome := s.pipeline.Process(r, route)

		if outcome.HasDecision {
			setRateLimitHeaders(w, outcome.Decision)
		}

		if outcome.Err != nil {
			if outcome.Status == http.StatusTooManyRequests {
				setRetryAfterHeader(w, outcome.Decision)
			}
			writeErrorResponse(w, outcome.Status, outcome.Err.Message)
			return
		}

		// Identity headers for the backend. Inbound values are dropped so
		// callers cannot spoof them.
		r.Header.Del("X-User-Id")
		r.Header.Del("X-User-Role")
		r.Header.Del("X-User-Email")
		r.Header.Del("X-Authenticated")

		if outcome.Identity != nil {
			r.Header.Set("X-User-Id", outcome.Identity.Subject)
			if outcome.Identity.Role != "" {
				r.Header.Set("X-User-Role", outcome.Identity.Role)
			}
			if outcome.Identity.Email != "" {
				r.Header.Set("X-User-Email", outcome.Identity.Email)
			}
			r.Header.Set("X-Authenticated", "true")
		}

		proxy.ServeHTTP(w, r)
	})
}

// Routes returns the configured routes
func (s *Service) Routes() []*Route {
	return s.routes
}

// HealthCheck verifies connectivity to the bucket store
func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.engine.Ping(ctx); err != nil {
		return fmt.Errorf("bucket store is unreachable: %w", err)
	}
	return nil
}

// Start starts the API Gateway server
func (s *Service) Start(addr string) error {
	if addr != "" {
		s.server.Addr = addr
	}

	s.logger.WithComponent("gateway").WithField("addr", s.server.Addr).
		Info("Starting API Gateway")
	return s.server.ListenAndServe()
}

// Stop stops the API Gateway server
func (s *Service) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.logger.WithComponent("gateway").Info("Stopping API Gateway")
	return s.server.Shutdown(ctx)
}
