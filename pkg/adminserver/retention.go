package adminserver

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/retention"
)

func (s *Server) retentionRoutes(r chi.Router) {
	r.Route("/api/retention", func(r chi.Router) {
		r.Use(s.require(func() bool { return s.svc.Retention != nil }, "retention manager"))

		r.Post("/run", s.runRetentionHandler)

		r.Get("/policies", s.policiesHandler)
		r.Put("/policies", s.putPolicyHandler)
		r.Delete("/policies/{id}", s.deletePolicyHandler)
		r.Get("/policies/{id}/preview", s.previewPolicyHandler)
		r.Post("/policies/{id}/execute", s.executePolicyHandler)

		r.Get("/executions", s.executionsHandler)
		r.Get("/executions/{id}", s.executionHandler)

		r.Get("/holds", s.holdsHandler)
		r.Post("/holds", s.setHoldHandler)
		r.Post("/holds/{backupID}/release", s.releaseHoldHandler)

		r.Get("/approvals", s.approvalsHandler)
		r.Post("/approvals/{id}/approve", s.decideApprovalHandler(true))
		r.Post("/approvals/{id}/deny", s.decideApprovalHandler(false))

		r.Get("/audit", s.auditHandler)
		r.Get("/audit/verify", s.verifyAuditHandler)

		r.Get("/archives", s.archivesHandler)
		r.Post("/archives/{id}/retrieve", s.requestRetrievalHandler)
		r.Post("/archives/{id}/complete", s.completeRetrievalHandler)
	})
}

// runRetentionHandler triggers an asynchronous cleanup of every unscheduled
// policy
func (s *Server) runRetentionHandler(w http.ResponseWriter, r *http.Request) {
	if s.svc.Scheduler == nil {
		s.unavailable(w, "scheduler")
		return
	}
	if !triggerRetention(s) {
		http.Error(w, "A retention run is already in progress", http.StatusConflict)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"message": "Retention cleanup initiated",
	})
}

func (s *Server) policiesHandler(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"policies": s.svc.Retention.Policies()})
}

func (s *Server) putPolicyHandler(w http.ResponseWriter, r *http.Request) {
	var p retention.Policy
	if !s.decode(w, r, &p) {
		return
	}
	if err := s.svc.Retention.PutPolicy(p); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

func (s *Server) deletePolicyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Retention.DeletePolicy(chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) previewPolicyHandler(w http.ResponseWriter, r *http.Request) {
	ev, err := s.svc.Retention.Preview(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, ev)
}

// executePolicyHandler runs a policy synchronously. dryRun=true reports what
// would happen without changing anything.
func (s *Server) executePolicyHandler(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if v := r.URL.Query().Get("dryRun"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "Invalid dryRun", http.StatusBadRequest)
			return
		}
		dryRun = b
	}
	exec, err := s.svc.Retention.ExecutePolicy(r.Context(), chi.URLParam(r, "id"), dryRun)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, exec)
}

func (s *Server) executionsHandler(w http.ResponseWriter, r *http.Request) {
	execs := s.svc.Retention.Executions(r.URL.Query().Get("policy"))
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"executions": execs, "count": len(execs)})
}

func (s *Server) executionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, ok := s.svc.Retention.Execution(id)
	if !ok {
		s.respondError(w, fmt.Errorf("retention execution %s: %w", id, drerrors.ErrNotFound))
		return
	}
	s.respondJSON(w, http.StatusOK, exec)
}

func (s *Server) holdsHandler(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"holds": s.svc.Retention.Holds()})
}

type holdRequest struct {
	BackupID string `json:"backupId" validate:"required"`
	Actor    string `json:"actor" validate:"required"`
	Reason   string `json:"reason" validate:"required"`
}

func (s *Server) setHoldHandler(w http.ResponseWriter, r *http.Request) {
	var req holdRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.Retention.SetLegalHold(req.BackupID, req.Actor, req.Reason); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, req)
}

type decisionRequest struct {
	Approver string `json:"approver" validate:"required"`
	Reason   string `json:"reason"`
}

func (s *Server) releaseHoldHandler(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.svc.Retention.RemoveLegalHold(chi.URLParam(r, "backupID"), req.Approver, req.Reason); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) approvalsHandler(w http.ResponseWriter, r *http.Request) {
	approvals := s.svc.Retention.Approvals(retention.ApprovalState(r.URL.Query().Get("state")))
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"approvals": approvals, "count": len(approvals)})
}

func (s *Server) decideApprovalHandler(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if !s.decode(w, r, &req) {
			return
		}
		id := chi.URLParam(r, "id")
		var (
			a   retention.Approval
			err error
		)
		if approve {
			a, err = s.svc.Retention.Approve(id, req.Approver, req.Reason)
		} else {
			a, err = s.svc.Retention.Deny(id, req.Approver, req.Reason)
		}
		if err != nil {
			s.respondError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, a)
	}
}

func (s *Server) auditHandler(w http.ResponseWriter, r *http.Request) {
	entries := s.svc.Retention.AuditLog(r.URL.Query().Get("backup"))
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (s *Server) verifyAuditHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Retention.VerifyAuditChain()
	if err != nil {
		s.respondJSON(w, http.StatusConflict, map[string]interface{}{"valid": false, "checked": n, "error": err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"valid": true, "checked": n})
}

func (s *Server) archivesHandler(w http.ResponseWriter, r *http.Request) {
	archives, err := s.svc.Retention.Archives()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"archives": archives, "count": len(archives)})
}

type retrievalRequest struct {
	Class catalog.RetrievalClass `json:"class" validate:"omitempty,oneof=expedited standard bulk"`
	Actor string                 `json:"actor" validate:"required"`
}

func (s *Server) requestRetrievalHandler(w http.ResponseWriter, r *http.Request) {
	var req retrievalRequest
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.svc.Retention.RequestRetrieval(chi.URLParam(r, "id"), req.Class, req.Actor)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, a)
}

func (s *Server) completeRetrievalHandler(w http.ResponseWriter, r *http.Request) {
	var req retrievalRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.svc.Retention.CompleteRetrieval(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}
