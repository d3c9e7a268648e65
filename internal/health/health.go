// Package health exposes the liveness/readiness endpoints the HTTP mux
// mounts alongside /metrics: a single Checker aggregates the time-series
// store's reachability and the TCP acceptor's state. The control-plane API
// is not checked.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// DependencyChecker reports whether one outbound dependency is currently
// reachable. Implemented by the storage time-series writers (IsHealthy);
// the TCP acceptor is reported through the separate acceptorUp func.
type DependencyChecker interface {
	IsHealthy(ctx context.Context) bool
}

// Checker aggregates the health of the time-series store and the
// device-facing acceptor into the three standard endpoints.
type Checker struct {
	timeseries DependencyChecker
	acceptorUp func() bool
	logger     zerolog.Logger
}

// NewChecker builds a Checker. acceptorUp reports whether the TCP acceptor
// is currently bound and accepting connections.
func NewChecker(timeseries DependencyChecker, acceptorUp func() bool, logger zerolog.Logger) *Checker {
	return &Checker{
		timeseries: timeseries,
		acceptorUp: acceptorUp,
		logger:     logger.With().Str("component", "health-checker").Logger(),
	}
}

// Response is the body returned by HealthHandler.
type Response struct {
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Components map[string]string `json:"components"`
}

// HealthHandler reports the aggregate health of every dependency.
func (c *Checker) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tsStatus := "healthy"
	if !c.timeseries.IsHealthy(ctx) {
		tsStatus = "unhealthy"
	}

	acceptorStatus := "healthy"
	if !c.acceptorUp() {
		acceptorStatus = "unhealthy"
	}

	overall := "healthy"
	if tsStatus != "healthy" || acceptorStatus != "healthy" {
		overall = "degraded"
	}

	resp := Response{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Components: map[string]string{
			"timescaledb":   tsStatus,
			"tcp_acceptor":  acceptorStatus,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if overall != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

// LiveHandler reports 200 as long as the process is running at all.
func (c *Checker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "alive",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadyHandler reports 200 only once every dependency is reachable.
func (c *Checker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	tsReady := c.timeseries.IsHealthy(ctx)
	acceptorReady := c.acceptorUp()
	ready := tsReady && acceptorReady

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"status":       "not_ready",
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
			"timescaledb":  tsReady,
			"tcp_acceptor": acceptorReady,
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "ready",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
