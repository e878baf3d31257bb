package adminserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/supporttools/GoDRGuard/pkg/dr"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
)

func (s *Server) drRoutes(r chi.Router) {
	r.Route("/api/dr", func(r chi.Router) {
		r.Use(s.require(func() bool { return s.svc.DR != nil }, "DR orchestrator"))

		r.Get("/sites", s.sitesHandler)
		r.Post("/sites/check", s.checkSitesHandler)
		r.Post("/sites/{id}/maintenance", s.maintenanceHandler)

		r.Get("/plans", s.plansHandler)
		r.Put("/plans", s.putPlanHandler)

		r.Post("/failover", s.failoverHandler)
		r.Post("/drill", s.drillHandler)

		r.Get("/events", s.failoverEventsHandler)
		r.Get("/events/active", s.activeFailoverHandler)
		r.Get("/events/{id}", s.failoverEventHandler)
		r.Post("/events/{id}/approve", s.failoverDecisionHandler(true))
		r.Post("/events/{id}/reject", s.failoverDecisionHandler(false))
		r.Post("/events/{id}/rollback", s.rollbackFailoverHandler)
	})
}

func (s *Server) sitesHandler(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"sites": s.svc.DR.Sites()})
}

func (s *Server) checkSitesHandler(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"sites": s.svc.DR.CheckHealth(r.Context())})
}

func (s *Server) maintenanceHandler(w http.ResponseWriter, r *http.Request) {
	on, err := strconv.ParseBool(r.URL.Query().Get("on"))
	if err != nil {
		http.Error(w, "Missing or invalid parameter: on", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.svc.DR.SetMaintenance(id, on); err != nil {
		s.respondError(w, err)
		return
	}
	site, _ := s.svc.DR.Site(id)
	s.respondJSON(w, http.StatusOK, site)
}

func (s *Server) plansHandler(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"plans": s.svc.DR.Plans()})
}

func (s *Server) putPlanHandler(w http.ResponseWriter, r *http.Request) {
	var p dr.RecoveryPlan
	if !s.decode(w, r, &p) {
		return
	}
	if err := s.svc.DR.PutPlan(p); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

type failoverRequest struct {
	Reason string `json:"reason" validate:"required"`
	Target string `json:"target"`
	PlanID string `json:"planId"`
	Force  bool   `json:"force"`
	Actor  string `json:"actor" validate:"required"`
}

// failoverHandler starts a manual failover; poll the returned event
func (s *Server) failoverHandler(w http.ResponseWriter, r *http.Request) {
	var req failoverRequest
	if !s.decode(w, r, &req) {
		return
	}
	ev, err := s.svc.DR.Failover(r.Context(), dr.Request{
		Trigger: dr.TriggerManual,
		Reason:  req.Reason,
		Target:  req.Target,
		PlanID:  req.PlanID,
		Force:   req.Force,
		Actor:   req.Actor,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, ev)
}

func (s *Server) drillHandler(w http.ResponseWriter, r *http.Request) {
	ev, err := s.svc.DR.TriggerDrill(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, ev)
}

func (s *Server) failoverEventsHandler(w http.ResponseWriter, r *http.Request) {
	evs := s.svc.DR.Events()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"events": evs, "count": len(evs)})
}

func (s *Server) activeFailoverHandler(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.svc.DR.Active()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.respondJSON(w, http.StatusOK, ev)
}

func (s *Server) failoverEventHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, ok := s.svc.DR.Event(id)
	if !ok {
		s.respondError(w, fmt.Errorf("failover %s: %w", id, drerrors.ErrNotFound))
		return
	}
	s.respondJSON(w, http.StatusOK, ev)
}

func (s *Server) failoverDecisionHandler(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if !s.decode(w, r, &req) {
			return
		}
		id := chi.URLParam(r, "id")
		var err error
		if approve {
			err = s.svc.DR.Approve(id, req.Approver, req.Reason)
		} else {
			err = s.svc.DR.Reject(id, req.Approver, req.Reason)
		}
		if err != nil {
			s.respondError(w, err)
			return
		}
		ev, _ := s.svc.DR.Event(id)
		s.respondJSON(w, http.StatusAccepted, ev)
	}
}

type rollbackRequest struct {
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason"`
}

func (s *Server) rollbackFailoverHandler(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	ev, err := s.svc.DR.Rollback(chi.URLParam(r, "id"), req.Actor, req.Reason)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, ev)
}
