package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/stakeordie/emp-job-queue-sub011/internal/adapter/httpserver"
	"github.com/stakeordie/emp-job-queue-sub011/internal/adapter/observability"
	"github.com/stakeordie/emp-job-queue-sub011/internal/adapter/ws"
	"github.com/stakeordie/emp-job-queue-sub011/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler: the JSON API, the SSE
// progress stream, and the three WebSocket namespaces. Streaming routes
// stay outside the timeout middleware, which buffers writes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, hub *ws.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// JSON API under a request deadline; mutating routes rate limited.
	r.Group(func(api chi.Router) {
		api.Use(httpserver.TimeoutMiddleware(30 * time.Second))

		api.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/api/jobs", srv.SubmitJobHandler())
			wr.Post("/api/cleanup", srv.CleanupHandler())
		})

		api.Get("/api/jobs", srv.ListJobsHandler())
		api.Get("/api/jobs/{id}", srv.GetJobHandler())

		api.Get("/health", srv.HealthHandler())
		api.Get("/readyz", srv.ReadyzHandler())
		api.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			promhttp.Handler().ServeHTTP(w, r)
		})
	})

	// Streaming surfaces: SSE and WebSocket.
	r.Get("/api/jobs/{id}/progress", srv.ProgressStreamHandler())
	r.Get("/ws/monitor/{monitorID}", func(w http.ResponseWriter, r *http.Request) {
		hub.ServeMonitor(w, r, chi.URLParam(r, "monitorID"))
	})
	r.Get("/ws/client/{clientID}", func(w http.ResponseWriter, r *http.Request) {
		hub.ServeClient(w, r, chi.URLParam(r, "clientID"))
	})
	legacy := func(w http.ResponseWriter, r *http.Request) { hub.ServeLegacy(w, r) }
	r.Get("/ws", legacy)
	r.Get("/ws/", legacy)

	return httpserver.SecurityHeaders(r)
}
