package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/tsgate/pkg/data"
	"github.com/nicktill/tsgate/pkg/httpx"
	"github.com/nicktill/tsgate/pkg/metrics"
	"github.com/nicktill/tsgate/pkg/registry"
	"github.com/nicktill/tsgate/pkg/server/monitor"
)

// Version is reported by /health
var Version = "1.0.0"

var startTime = time.Now()

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Uptime  string                 `json:"uptime"`
	Backend monitor.BackendStatus  `json:"backend"`
	Storage *monitor.StorageStatus `json:"storage,omitempty"`
}

// handleHealth returns service health status. storageMonitor may be nil.
func handleHealth(backendMonitor *monitor.BackendMonitor, storageMonitor *monitor.StorageMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overallStatus := "healthy"
		statusCode := http.StatusOK

		if !backendMonitor.IsHealthy() {
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}

		response := HealthResponse{
			Status:  overallStatus,
			Version: Version,
			Uptime:  time.Since(startTime).String(),
			Backend: backendMonitor.Status(),
		}
		if storageMonitor != nil {
			status := storageMonitor.Status()
			response.Storage = &status
		}

		httpx.RespondJSON(w, statusCode, response)
	}
}

// SetupRoutes configures all HTTP routes for the gateway.
func SetupRoutes(
	router *mux.Router,
	dataHandler *data.Handler,
	registryHandler *registry.Handler,
	backendMonitor *monitor.BackendMonitor,
	storageMonitor *monitor.StorageMonitor,
	port string,
) {
	router.Use(metrics.Middleware)
	// CORS middleware for API access
	router.Use(corsMiddleware(port))

	api := router.PathPrefix("/api").Subrouter()

	// Time-series data
	api.HandleFunc("/data/query", dataHandler.HandleQuery).Methods("POST")
	api.HandleFunc("/data/import", dataHandler.HandleImport).Methods("POST")
	api.HandleFunc("/data/export", dataHandler.HandleExport).Methods("POST")
	api.HandleFunc("/data/export/ws", dataHandler.HandleExportWS).Methods("GET")

	// Storage node registry
	api.HandleFunc("/datasource/register", registryHandler.HandleRegister).Methods("POST")
	api.HandleFunc("/datasource/remove", registryHandler.HandleRemove).Methods("POST")
	api.HandleFunc("/datasource/list", registryHandler.HandleList).Methods("GET")
	api.HandleFunc("/datasource/tree", registryHandler.HandleTree).Methods("GET")

	router.HandleFunc("/health", handleHealth(backendMonitor, storageMonitor)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondError(w, http.StatusNotFound, "no route for "+r.Method+" "+r.URL.Path)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondError(w, http.StatusMethodNotAllowed, r.Method+" is not supported on "+r.URL.Path)
	})
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			// Only set CORS headers for allowed origins
			if allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
