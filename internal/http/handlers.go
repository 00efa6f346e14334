package http

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/lifecycle"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/service"
	"github.com/kjstillabower/weather-lookup-service/internal/traffic"
	"github.com/kjstillabower/weather-lookup-service/internal/validation"
)

//go:embed docs.txt
var apiDocs []byte

// maxLocationLength matches the width of the location column.
const maxLocationLength = 255

// WeatherLookup is satisfied by *service.LookupService.
type WeatherLookup interface {
	Lookup(ctx context.Context, location string) (models.WeatherSummary, error)
}

// HealthConfig holds lifecycle thresholds and dependency probes for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	// DatabasePing checks the record store; a failure reports degraded.
	DatabasePing func(ctx context.Context) error
	// CachePing, when set, is called to check cache reachability. Used when backend is memcached.
	CachePing func() error
	Version   string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	lookup           WeatherLookup
	healthConfig     *HealthConfig
	logger           *zap.Logger
	docsURL          string
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. docsURL is the target of the root redirect.
func NewHandler(lookup WeatherLookup, healthConfig *HealthConfig, logger *zap.Logger, docsURL string) *Handler {
	if docsURL == "" {
		docsURL = "/docs"
	}
	return &Handler{
		lookup:       lookup,
		healthConfig: healthConfig,
		logger:       logger,
		docsURL:      docsURL,
	}
}

// GetWeather handles GET /weather/{location}.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	location, err := validation.ValidateLocation(mux.Vars(r)["location"], 1, maxLocationLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return
	}

	summary, err := h.lookup.Lookup(r.Context(), location)
	if err != nil {
		status := writeServiceError(w, r, err)
		if status >= http.StatusInternalServerError {
			traffic.Record(traffic.Failure)
		} else {
			traffic.Record(traffic.Success)
		}
		return
	}
	traffic.Record(traffic.Success)
	writeJSON(w, http.StatusOK, summary)
}

// Redirect handles GET / by sending the caller to the API documentation.
func (h *Handler) Redirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.docsURL, http.StatusMovedPermanently)
}

// Docs handles GET /docs.
func (h *Handler) Docs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(apiDocs)
}

type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	result := h.computeHealthStatus(r.Context(), checks)

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	if h.healthConfig != nil && h.healthConfig.CachePing != nil {
		if h.healthConfig.CachePing() == nil {
			checks["cache"] = "healthy"
		} else {
			checks["cache"] = "unhealthy"
		}
	}

	version := "dev"
	if h.healthConfig != nil && h.healthConfig.Version != "" {
		version = h.healthConfig.Version
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "weather-lookup-service",
		"version":   version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > database unreachable > overloaded > degraded > healthy.
// checks is filled with per-dependency results.
func (h *Handler) computeHealthStatus(ctx context.Context, checks map[string]string) healthResult {
	switch lifecycle.Current() {
	case lifecycle.ShuttingDown:
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	case lifecycle.Starting:
		return healthResult{"starting", http.StatusServiceUnavailable, "warming"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}

	if h.healthConfig.DatabasePing != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := h.healthConfig.DatabasePing(pingCtx)
		cancel()
		if err != nil {
			checks["database"] = "unhealthy"
			return healthResult{"degraded", http.StatusServiceUnavailable, "database_unreachable"}
		}
		checks["database"] = "healthy"
	}

	if h.healthConfig.RateLimitRPS > 0 && h.healthConfig.OverloadWindow > 0 {
		threshold := float64(h.healthConfig.RateLimitRPS) * h.healthConfig.OverloadWindow.Seconds() * float64(h.healthConfig.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(h.healthConfig.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}

	if h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		failures, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 && float64(failures)*100/float64(total) >= float64(h.healthConfig.DegradedErrorPct) {
			checks["lookups"] = "unhealthy"
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	checks["lookups"] = "healthy"
	return healthResult{"healthy", http.StatusOK, ""}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error":{"code","message","requestId"}} with the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps a lookup error onto the HTTP error taxonomy and
// returns the status written. The cause is logged, never echoed. An expired
// request context wins over the error class; a provider call that timed out
// on its own deadline is still an upstream failure.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) int {
	var status int
	var code, message string
	switch {
	case r.Context().Err() != nil:
		status, code, message = http.StatusGatewayTimeout, "TIMEOUT", "Request timed out"
	case errors.Is(err, service.ErrDuplicateKey):
		status, code, message = http.StatusConflict, "CONFLICT", "Location was stored by a concurrent request; retry"
	case errors.Is(err, service.ErrUpstreamUnavailable):
		status, code, message = http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data"
	case errors.Is(err, service.ErrPersistence):
		status, code, message = http.StatusInternalServerError, "PERSISTENCE_ERROR", "Unable to read or store weather data"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status, code, message = http.StatusGatewayTimeout, "TIMEOUT", "Request timed out"
	default:
		status, code, message = http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error"
	}

	writeError(w, r, status, code, message)
	observability.LoggerFromContext(r.Context()).Debug("lookup error",
		zap.String("code", code),
		zap.Error(err),
	)
	return status
}
