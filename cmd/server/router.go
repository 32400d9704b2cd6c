package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/archivist/internal/api"
	apiMiddleware "github.com/phrazzld/archivist/internal/api/middleware"
	"github.com/phrazzld/archivist/internal/service/auth"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRouter registers every route. Operators manage jobs; workers may
// only report results and heartbeats.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware(app.logger))

	jobHandler := api.NewJobHandler(app.jobService)
	workerHandler := api.NewWorkerHandler(app.reactions, app.reporter)
	authMiddleware := apiMiddleware.NewAuthMiddleware(app.jwtService)

	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Group(func(r chi.Router) {
			r.Use(apiMiddleware.RequireRole(auth.RoleOperator))

			r.Post("/jobs", jobHandler.SubmitJob)
			r.Get("/jobs", jobHandler.ListJobs)
			r.Get("/jobs/{id}", jobHandler.GetJob)
			r.Post("/jobs/{id}/cancel", jobHandler.CancelJob)
			r.Post("/jobs/{id}/restart", jobHandler.RestartJob)
			r.Get("/jobs/{id}/tasks", jobHandler.ListTasks)

			r.Get("/tasks/{id}", jobHandler.GetTask)
			r.Post("/tasks/{id}/retry", jobHandler.RetryTask)
			r.Post("/tasks/{id}/skip", jobHandler.SkipTask)

			r.Get("/orphans", jobHandler.ListOrphans)
		})

		r.Group(func(r chi.Router) {
			r.Use(apiMiddleware.RequireRole(auth.RoleWorker, auth.RoleOperator))

			r.Post("/tasks/{id}/reaction", workerHandler.Reaction)
			r.Post("/workers/heartbeat", workerHandler.Heartbeat)
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(app.metricsRegistry, promhttp.HandlerOpts{}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
