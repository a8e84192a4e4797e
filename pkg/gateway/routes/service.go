package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/robopost/platform/pkg/common/config"
	"github.com/robopost/platform/pkg/common/logger"
	"github.com/robopost/platform/pkg/gateway/middleware"
	"github.com/robopost/platform/pkg/observability/metrics"
)

// ReadinessCheck reports whether one dependency is reachable.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// NewServiceRouter builds the router every pipeline service shares: request
// logging, recovery, CORS, the API rate limit, the body limit and the
// /health, /ready and /metrics endpoints.
func NewServiceRouter(cfg *config.Config, checks ...ReadinessCheck) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	router.Use(middleware.CORS)
	router.Use(middleware.RateLimit(cfg.APIRateLimitRPS, cfg.APIRateLimitBurst))
	if cfg.MaxRequestBody > 0 {
		router.Use(middleware.BodyLimit(cfg.MaxRequestBody))
	}

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		failing := map[string]string{}
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				failing[c.Name] = err.Error()
			}
		}
		if len(failing) > 0 {
			logger.Log.WithField("failing", failing).Warn("readiness check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "not_ready", "failing": failing})
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}).Methods(http.MethodGet)

	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return router
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Log.WithError(err).Error("failed to write json response")
	}
}
