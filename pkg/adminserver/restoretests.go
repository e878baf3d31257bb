package adminserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/supporttools/GoDRGuard/pkg/restoretest"
)

func (s *Server) restoreTestRoutes(r chi.Router) {
	r.Route("/api/restore-tests", func(r chi.Router) {
		r.Use(s.require(func() bool { return s.svc.RestoreTests != nil }, "restoration testing service"))

		r.Get("/", s.restoreTestsHandler)
		r.Post("/", s.queueRestoreTestHandler)
		r.Get("/{id}", s.restoreTestHandler)
		r.Post("/{id}/cancel", s.cancelRestoreTestHandler)
	})
}

func (s *Server) restoreTestsHandler(w http.ResponseWriter, r *http.Request) {
	runs := s.svc.RestoreTests.List()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"tests": runs, "count": len(runs)})
}

// queueRestoreTestHandler queues a test and returns its id for polling
func (s *Server) queueRestoreTestHandler(w http.ResponseWriter, r *http.Request) {
	var req restoretest.Request
	if !s.decode(w, r, &req) {
		return
	}
	run, err := s.svc.RestoreTests.Queue(req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, run)
}

func (s *Server) restoreTestHandler(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.RestoreTests.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, run)
}

func (s *Server) cancelRestoreTestHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.RestoreTests.Cancel(id); err != nil {
		s.respondError(w, err)
		return
	}
	run, _ := s.svc.RestoreTests.Get(id)
	s.respondJSON(w, http.StatusOK, run)
}
