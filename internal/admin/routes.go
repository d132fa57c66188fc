// Package admin exposes the scheduler's job operations and introspection
// rows over HTTP.
package admin

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/ChuLiYu/cdc-scheduler/internal/metrics"
)

// TokenHeader carries the admin token when one is configured.
const TokenHeader = "X-CDC-Token"

// NewRouter builds the admin API. Metrics from g are served on /metrics
// without authentication; every other route requires token when it is set.
func NewRouter(s Scheduler, g prometheus.Gatherer, token string) http.Handler {
	h := &Handlers{sched: s}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if g != nil {
		r.Handle("/metrics", metrics.Handler(g))
	}

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(token))

		r.Get("/status", h.handleStatus)
		r.Get("/workers", h.handleWorkers)
		r.Post("/snapshot", h.handleSnapshot)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.handleListJobs)
			r.Post("/", h.handleCreateJob)

			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", h.withJobID(h.handleGetJob))
				r.Delete("/", h.withJobID(h.handleDropJob))
				r.Get("/tasks", h.withJobID(h.handleJobTasks))
				r.Post("/pause", h.withJobID(h.handlePause))
				r.Post("/resume", h.withJobID(h.handleResume))
				r.Post("/stop", h.withJobID(h.handleStop))
			})
		})
	})

	log.Info().Bool("auth", token != "").Msg("Admin endpoints enabled")
	return r
}

// authMiddleware accepts the token in TokenHeader or as a bearer token.
func authMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get(TokenHeader)
			if provided == "" {
				authHeader := r.Header.Get("Authorization")
				if authHeader == "" {
					writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
					return
				}
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) != 2 || parts[0] != "Bearer" {
					writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
					return
				}
				provided = parts[1]
			}

			if provided != token {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
