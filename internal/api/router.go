package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alecgard/centime/internal/auth"
	"github.com/alecgard/centime/internal/credit"
	"github.com/alecgard/centime/internal/job"
	"github.com/alecgard/centime/internal/llm"
	"github.com/alecgard/centime/internal/metrics"
	"github.com/alecgard/centime/internal/modelgroup"
	"github.com/alecgard/centime/internal/ratelimit"
	"github.com/alecgard/centime/internal/team"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Pinger reports database liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	TeamStore      *team.Store
	JobManager     *job.Manager
	JobStore       *job.Store
	Ledger         *credit.Ledger
	GroupStore     *modelgroup.Store
	Resolver       *modelgroup.Resolver
	Proxy          *llm.Proxy
	Auth           *auth.Service
	Limiter        *ratelimit.Limiter
	GroupLimits    *ratelimit.GroupRateLimiter
	GroupRateStore *ratelimit.GroupRateLimitStore
	Metrics        *metrics.Metrics
	DB             Pinger
	AdminKey       string
	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(slogRequestLogger)

	// Handlers.
	teams := newTeamsHandler(deps.TeamStore, deps.Ledger)
	credits := newCreditsHandler(deps.Ledger)
	jobs := newJobsHandler(deps.JobManager, deps.JobStore)
	groups := newModelGroupsHandler(deps.GroupStore, deps.Resolver, deps.GroupRateStore)
	completions := newCompletionsHandler(deps.Proxy, deps.JobManager, deps.GroupLimits, deps.Metrics)
	usage := newUsageHandler(deps.JobStore)

	// Health check.
	r.Get("/health", healthHandler(deps.DB))

	// Operational metrics summary.
	if deps.Metrics != nil {
		r.Get("/metrics", deps.Metrics.Handler())
	}

	// Well-known manifest.
	r.Get("/.well-known/centime.json", WellKnownHandler)

	// Admin routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(auth.AdminAuthMiddleware(deps.AdminKey))
		ar.Use(httpMetricsMiddleware(deps.Metrics, "admin"))

		// Team management.
		ar.Post("/teams", teams.CreateTeam)
		ar.Get("/teams", teams.ListTeams)
		ar.Get("/teams/{id}", teams.GetTeam)
		ar.Put("/teams/{id}", teams.UpdateTeam)
		ar.Delete("/teams/{id}", teams.DeleteTeam)

		// Credit ledger management.
		ar.Get("/teams/{id}/credits", credits.GetTeamBalance)
		ar.Post("/teams/{id}/credits/allocate", credits.AllocateCredits)
		ar.Post("/teams/{id}/credits/refund", credits.RefundCredits)
		ar.Post("/teams/{id}/credits/adjust", credits.AdjustCredits)
		ar.Put("/teams/{id}/credits/policy", credits.SetCreditPolicy)
		ar.Get("/teams/{id}/credits/transactions", credits.ListTeamTransactions)

		// Model group management.
		ar.Post("/modelgroups", groups.CreateGroup)
		ar.Get("/modelgroups", groups.ListGroups)
		ar.Get("/modelgroups/{name}", groups.GetGroup)
		ar.Put("/modelgroups/{name}/entries", groups.UpsertEntry)
		ar.Patch("/modelgroups/{name}/entries/{model}", groups.SetEntryActive)
		ar.Delete("/modelgroups/{name}", groups.DeleteGroup)

		// Group rate limit overrides.
		ar.Get("/modelgroups/{name}/rate-limits", groups.ListGroupRateLimits)
		ar.Put("/modelgroups/{name}/rate-limits", groups.SetGroupRateLimit)
		ar.Delete("/modelgroups/{name}/rate-limits/{teamID}", groups.DeleteGroupRateLimit)

		// Admin job and usage queries.
		ar.Get("/jobs", jobs.ListJobsAdmin)
		ar.Get("/usage", usage.GetUsageAdmin)
		ar.Get("/usage/calls", usage.ListCallsAdmin)
	})

	// Team-authed routes (require team API key + rate limiting).
	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(auth.TeamAuthMiddleware(deps.Auth))
		ar.Use(rateLimitMiddleware(deps))
		ar.Use(httpMetricsMiddleware(deps.Metrics, "api"))

		ar.Get("/teams/me", teams.GetSelfTeam)

		// Job lifecycle.
		ar.Post("/jobs", jobs.CreateJob)
		ar.Get("/jobs", jobs.ListJobs)
		ar.Get("/jobs/{id}", jobs.GetJob)
		ar.Post("/jobs/{id}/calls", jobs.RecordCall)
		ar.Post("/jobs/{id}/complete", jobs.CompleteJob)
		ar.Get("/jobs/{id}/aggregates", jobs.GetAggregates)

		// Completions through the call proxy.
		ar.Post("/jobs/{id}/completions", completions.Complete)

		// Model group resolution preview.
		ar.Get("/modelgroups/{name}/resolve", groups.ResolveGroup)

		// Credits and usage.
		ar.Get("/credits", credits.GetOwnBalance)
		ar.Get("/credits/transactions", credits.ListOwnTransactions)
		ar.Get("/usage", usage.GetUsage)
		ar.Get("/usage/calls", usage.ListCalls)
	})

	return r
}

// rateLimitMiddleware wires the per-team request limiter, counting rejections
// when metrics are configured.
func rateLimitMiddleware(deps RouterDeps) func(http.Handler) http.Handler {
	if deps.Metrics == nil {
		return ratelimit.Middleware(deps.Limiter)
	}
	return ratelimit.Middleware(deps.Limiter, func() {
		deps.Metrics.IncRateLimitRejection("team", "request")
	})
}

// healthHandler reports service and database liveness.
func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbStatus := "not_configured"
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status":   "degraded",
					"database": "unreachable",
				})
				return
			}
			dbStatus = "connected"
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ok",
			"database": dbStatus,
		})
	}
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", RequestIDFromContext(r.Context()),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
		)
	})
}
