package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veranemoloko/drop-runner/internal/validation"
)

// NewRouter creates the control API router: task and proxy routes, outcome
// history, health check and the Prometheus metrics endpoint.
func NewRouter(taskService TaskServiceI, v *validation.Validator, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	taskHandler := NewTaskHandler(taskService, v, logger)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", taskHandler.CreateTask)
		r.Get("/", taskHandler.ListTasks)
		r.Post("/start", taskHandler.StartTasks)
		r.Post("/stop", taskHandler.StopTasks)

		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", taskHandler.GetTask)
			r.Delete("/", taskHandler.DeleteTask)
			r.Post("/start", taskHandler.StartTask)
			r.Post("/stop", taskHandler.StopTask)
			r.Get("/events", taskHandler.Events)
			r.Get("/running", taskHandler.Running)
		})
	})

	r.Route("/proxies", func(r chi.Router) {
		r.Get("/", taskHandler.Proxies)
		r.Post("/", taskHandler.RegisterProxies)
		r.Delete("/{proxyID}", taskHandler.DeregisterProxy)
	})

	r.Get("/outcomes", taskHandler.Outcomes)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
