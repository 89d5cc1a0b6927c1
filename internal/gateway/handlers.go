package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// healthResponse is the body of the health endpoint
type healthResponse struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// routeInfo describes one configured route for introspection
type routeInfo struct {
	Name         string `json:"name"`
	Prefix       string `json:"prefix"`
	Backend      string `json:"backend"`
	Strategy     string `json:"strategy"`
	Capacity     int64  `json:"capacity"`
	RefillAmount int64  `json:"refill_amount"`
	RefillPeriod string `json:"refill_period"`
	AuthRequired bool   `json:"auth_required"`
}

// handleHealth handles health check requests
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.HealthCheck(ctx); err != nil {
		s.logger.WithComponent("health").WithError(err).Warn("Health check failed")
		writeErrorResponse(w, http.StatusServiceUnavailable, "service unhealthy: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(healthResponse{
		Status:    "healthy",
		Uptime:    time.Since(s.startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleFallback serves a static response for backends that are unavailable
func (s *Service) handleFallback(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	s.logger.WithComponent("fallback").WithField("service", service).
		Warn("Service fallback triggered")

	writeErrorResponse(w, http.StatusServiceUnavailable,
		fmt.Sprintf("%s service is temporarily unavailable. Please try again later.", service))
}

// handleListRoutes lists the configured routes and their admission settings
func (s *Service) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes := make([]routeInfo, 0, len(s.routes))
	for _, route := range s.routes {
		routes = append(routes, routeInfo{
			Name:         route.Name,
			Prefix:       route.Prefix,
			Backend:      route.Backend.String(),
			Strategy:     string(route.Strategy),
			Capacity:     route.Bucket.Capacity,
			RefillAmount: route.Bucket.RefillAmount,
			RefillPeriod: route.Bucket.RefillPeriod.String(),
			AuthRequired: route.AuthRequired,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"routes": routes,
		"count":  len(routes),
	})
}
