package adminserver

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/replication"
)

func (s *Server) replicationRoutes(r chi.Router) {
	r.Route("/api/replication", func(r chi.Router) {
		r.Use(s.require(func() bool { return s.svc.Replication != nil }, "replication service"))

		r.Get("/health", s.replicationHealthHandler)
		r.Post("/replicate", s.replicateHandler)

		r.Get("/jobs", s.replicationJobsHandler)
		r.Get("/jobs/{id}", s.replicationJobHandler)
		r.Post("/jobs/{id}/{action}", s.replicationJobActionHandler)

		r.Get("/status/{backupID}", s.replicationStatusHandler)

		r.Get("/rules", s.replicationRulesHandler)
		r.Put("/rules", s.putReplicationRuleHandler)
		r.Delete("/rules/{id}", s.deleteReplicationRuleHandler)
		r.Post("/rules/{id}/trigger", s.triggerReplicationRuleHandler)
	})
}

// require answers 503 for every route of a disabled service
func (s *Server) require(enabled func() bool, what string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled() {
				s.unavailable(w, what)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) replicationHealthHandler(w http.ResponseWriter, r *http.Request) {
	report := s.svc.Replication.Health()
	if r.URL.Query().Get("refresh") == "true" {
		report = s.svc.Replication.CheckHealth(r.Context())
	}
	s.respondJSON(w, http.StatusOK, report)
}

type replicateRequest struct {
	BackupID string `json:"backupId" validate:"required"`
	Region   string `json:"region" validate:"required"`
	Priority int    `json:"priority" validate:"gte=0"`
}

func (s *Server) replicateHandler(w http.ResponseWriter, r *http.Request) {
	var req replicateRequest
	if !s.decode(w, r, &req) {
		return
	}
	job, err := s.svc.Replication.ReplicateNow(r.Context(), req.BackupID, req.Region, req.Priority)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, job)
}

func (s *Server) replicationJobsHandler(w http.ResponseWriter, r *http.Request) {
	jobs := s.svc.Replication.Jobs(replication.JobState(r.URL.Query().Get("state")))
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":       jobs,
		"count":      len(jobs),
		"queueDepth": s.svc.Replication.QueueDepth(),
	})
}

func (s *Server) replicationJobHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.svc.Replication.Job(id)
	if !ok {
		s.respondError(w, fmt.Errorf("replication job %s: %w", id, drerrors.ErrNotFound))
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) replicationJobActionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var err error
	switch chi.URLParam(r, "action") {
	case "cancel":
		err = s.svc.Replication.Cancel(id)
	case "pause":
		err = s.svc.Replication.Pause(id)
	case "resume":
		err = s.svc.Replication.Resume(id)
	default:
		http.Error(w, "Unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	job, _ := s.svc.Replication.Job(id)
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) replicationStatusHandler(w http.ResponseWriter, r *http.Request) {
	backupID := chi.URLParam(r, "backupID")
	if region := r.URL.Query().Get("region"); region != "" {
		st, ok := s.svc.Replication.Status(region, backupID)
		if !ok {
			s.respondError(w, fmt.Errorf("no replication status for %s in %s: %w", backupID, region, drerrors.ErrNotFound))
			return
		}
		s.respondJSON(w, http.StatusOK, st)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"statuses": s.svc.Replication.Statuses(backupID)})
}

func (s *Server) replicationRulesHandler(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"rules": s.svc.Replication.Rules()})
}

func (s *Server) putReplicationRuleHandler(w http.ResponseWriter, r *http.Request) {
	var rule replication.Rule
	if !s.decode(w, r, &rule) {
		return
	}
	if err := s.svc.Replication.PutRule(rule); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteReplicationRuleHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Replication.DeleteRule(chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) triggerReplicationRuleHandler(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.Replication.TriggerRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}
