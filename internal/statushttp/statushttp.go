// Package statushttp implements the runtime's minimal HTTP surface:
// /healthz, /status (a JSON snapshot), and /metrics (Prometheus). It
// follows internal/api/router.go's mux.Router-plus-JSON-handler shape,
// collapsed from that package's full authenticated/versioned API surface
// down to the three read-only endpoints this runtime exposes.
package statushttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusProvider reports a point-in-time snapshot of runtime state for
// the /status endpoint. Keys/values are whatever the runtime chooses to
// expose (module counts, versions, active swaps, and similar).
type StatusProvider interface {
	StatusSnapshot(ctx context.Context) map[string]interface{}
}

// Config configures the status server.
type Config struct {
	Provider   StatusProvider
	Registerer prometheus.Gatherer
	Logger     *slog.Logger
}

// NewRouter builds the mux.Router serving /healthz, /status and /metrics.
func NewRouter(cfg Config) *mux.Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultGatherer
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", healthzHandler).Methods(http.MethodGet)
	router.HandleFunc("/status", statusHandler(cfg)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(cfg.Registerer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func statusHandler(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := map[string]interface{}{}
		if cfg.Provider != nil {
			snapshot = cfg.Provider.StatusSnapshot(r.Context())
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(snapshot); err != nil {
			cfg.Logger.Error("failed to encode status response", "error", err)
		}
	}
}
