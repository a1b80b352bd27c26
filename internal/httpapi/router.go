package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/clipsum/clipsum/internal/httpapi/middleware"
	"github.com/clipsum/clipsum/internal/httpapi/response"
)

const maxRequestBodyBytes = 1 << 20 // 1 MiB

// Router assembles the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.MaxBodyBytes(maxRequestBodyBytes))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		response.OK(w, map[string]string{"status": "ok"})
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", s.handleGetTask)
			r.Post("/retry", s.handleRetryTask)
			r.Post("/views", s.handleRecordView)
		})
	})

	r.Post("/processing-jobs", s.handleCreateProcessingJob)

	r.Route("/processing-lock", func(r chi.Router) {
		r.Get("/", s.handleGetProcessingLock)
		r.Delete("/", s.handleDeleteProcessingLock)
	})

	r.Get("/recent-views", s.handleRecentViews)

	return r
}
