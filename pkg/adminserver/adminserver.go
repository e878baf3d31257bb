// Package adminserver provides the HTTP API for administering GoDRGuard.
package adminserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/backup"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/dr"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/replication"
	"github.com/supporttools/GoDRGuard/pkg/restoretest"
	"github.com/supporttools/GoDRGuard/pkg/retention"
	"github.com/supporttools/GoDRGuard/pkg/scheduler"
	"github.com/supporttools/GoDRGuard/pkg/verification"
	"github.com/supporttools/GoDRGuard/pkg/version"
)

var (
	taskLock      sync.Mutex
	isTaskRunning bool

	validate = validator.New()
)

// Services are the components the API exposes. Routes of a nil service
// answer 503.
type Services struct {
	Catalog      catalog.Store
	Backups      *backup.Engine
	Verifier     *verification.Service
	Replication  *replication.Service
	Retention    *retention.Manager
	RestoreTests *restoretest.Service
	DR           *dr.Orchestrator
	Scheduler    *scheduler.Scheduler
}

// Server represents the admin HTTP server
type Server struct {
	httpServer *http.Server
	cfg        *config.AppConfig
	svc        Services
	logger     *logrus.Entry

	// ctx outlives requests for work started asynchronously
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new admin server instance
func NewServer(cfg *config.AppConfig, svc Services, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		svc:    svc,
		logger: logger.WithField("component", "adminserver"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the admin HTTP server
func (s *Server) Start() *http.Server {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%s", s.cfg.Metrics.Port),
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		s.logger.Infof("Admin server running on port %s", s.cfg.Metrics.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatalf("HTTP server failed: %v", err)
		}
	}()

	return s.httpServer
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router builds the route tree
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequestMiddleware)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.healthCheckHandler)
	r.Get("/api/stats", s.statsHandler)

	r.Route("/api/backups", func(r chi.Router) {
		r.Get("/", s.listBackupsHandler)
		r.Post("/", s.runBackupHandler)
		r.Get("/jobs", s.backupJobsHandler)
		r.Get("/jobs/{id}", s.backupJobHandler)
		r.Post("/keys/rotate", s.rotateKeyHandler)
		r.Get("/{id}", s.getBackupHandler)
		r.Post("/{id}/restore", s.restoreBackupHandler)
		r.Post("/{id}/verify", s.verifyBackupHandler)
		r.Get("/{id}/verification", s.verificationResultHandler)
	})

	r.Get("/api/schedules", s.schedulesHandler)
	r.Post("/api/schedules/reload", s.reloadSchedulesHandler)

	s.replicationRoutes(r)
	s.retentionRoutes(r)
	s.restoreTestRoutes(r)
	s.drRoutes(r)
	return r
}

// healthCheckHandler returns a simple health status
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.svc.Backups != nil {
		if err := s.svc.Backups.Operational(r.Context()); err != nil {
			status = "degraded: " + err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	s.respondJSON(w, code, map[string]string{
		"status":  status,
		"version": version.Version,
		"time":    time.Now().Format(time.RFC3339),
	})
}

// statsHandler returns statistics about the catalog
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if s.svc.Catalog == nil {
		s.unavailable(w, "catalog")
		return
	}
	stats, err := catalog.GetStats(s.svc.Catalog)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

// listBackupsHandler returns backups with optional filtering
func (s *Server) listBackupsHandler(w http.ResponseWriter, r *http.Request) {
	if s.svc.Backups == nil {
		s.unavailable(w, "backup engine")
		return
	}
	q := r.URL.Query()
	f := catalog.Filter{
		Kind:     catalog.Kind(q.Get("kind")),
		Status:   catalog.Status(q.Get("status")),
		Database: q.Get("database"),
		Region:   q.Get("region"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "Invalid since, expected RFC3339", http.StatusBadRequest)
			return
		}
		f.Since = t
	}
	backups, err := s.svc.Backups.ListBackups(f)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"backups": backups,
		"count":   len(backups),
	})
}

type backupRequest struct {
	Kind catalog.Kind      `json:"kind" validate:"required,oneof=full incremental differential"`
	Tags map[string]string `json:"tags"`
}

// runBackupHandler starts a manual backup and returns its id
func (s *Server) runBackupHandler(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.svc.Backups == nil {
		s.unavailable(w, "backup engine")
		return
	}
	if req.Tags == nil {
		req.Tags = map[string]string{}
	}
	req.Tags["trigger"] = "api"
	id, done, err := s.svc.Backups.Start(s.ctx, req.Kind, req.Tags)
	if err != nil {
		s.respondError(w, err)
		return
	}
	go func() {
		if err := <-done; err != nil {
			s.logger.Errorf("Manual %s backup %s failed: %v", req.Kind, id, err)
		}
	}()
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"id":      id,
		"message": fmt.Sprintf("Backup of kind %s initiated", req.Kind),
	})
}

func (s *Server) getBackupHandler(w http.ResponseWriter, r *http.Request) {
	if s.svc.Backups == nil {
		s.unavailable(w, "backup engine")
		return
	}
	rec, err := s.svc.Backups.GetBackup(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) backupJobsHandler(w http.ResponseWriter, r *http.Request) {
	if s.svc.Backups == nil {
		s.unavailable(w, "backup engine")
		return
	}
	jobs := s.svc.Backups.Jobs()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) backupJobHandler(w http.ResponseWriter, r *http.Request) {
	if s.svc.Backups == nil {
		s.unavailable(w, "backup engine")
		return
	}
	job, err := s.svc.Backups.Job(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, job)
}

func (s *Server) rotateKeyHandler(w http.ResponseWriter, r *http.Request) {
	if s.svc.Backups == nil {
		s.unavailable(w, "backup engine")
		return
	}
	info, err := s.svc.Backups.RotateKey()
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, info)
}

type restoreRequest struct {
	Host           string `json:"host" validate:"required"`
	Port           int    `json:"port" validate:"required,gt=0"`
	Username       string `json:"username" validate:"required"`
	Password       string `json:"password"`
	Database       string `json:"database" validate:"required"`
	ValidateOnly   bool   `json:"validateOnly"`
	VerifyChecksum bool   `json:"verifyChecksum"`
}

// restoreBackupHandler restores synchronously and returns the result
func (s *Server) restoreBackupHandler(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if !s.decode(w, r, &req) {
		return
	}
	if s.svc.Backups == nil {
		s.unavailable(w, "backup engine")
		return
	}
	target := common.Target{Host: req.Host, Port: req.Port, Username: req.Username, Password: req.Password, Database: req.Database}
	res, err := s.svc.Backups.RestoreBackup(r.Context(), chi.URLParam(r, "id"), target, backup.RestoreOptions{
		ValidateOnly:   req.ValidateOnly,
		VerifyChecksum: req.VerifyChecksum,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) verifyBackupHandler(w http.ResponseWriter, r *http.Request) {
	if s.svc.Verifier == nil {
		s.unavailable(w, "verification service")
		return
	}
	res, err := s.svc.Verifier.Verify(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) verificationResultHandler(w http.ResponseWriter, r *http.Request) {
	if s.svc.Verifier == nil {
		s.unavailable(w, "verification service")
		return
	}
	res, err := s.svc.Verifier.LastResult(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) schedulesHandler(w http.ResponseWriter, r *http.Request) {
	if s.svc.Scheduler == nil {
		s.unavailable(w, "scheduler")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"schedules": s.svc.Scheduler.Entries()})
}

func (s *Server) reloadSchedulesHandler(w http.ResponseWriter, r *http.Request) {
	if s.svc.Scheduler == nil {
		s.unavailable(w, "scheduler")
		return
	}
	if err := s.svc.Scheduler.ReloadSchedules(); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"schedules": s.svc.Scheduler.Entries()})
}

// logRequestMiddleware logs HTTP requests
func (s *Server) logRequestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
			"request":  middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

// decode reads a JSON body into v and validates it, writing a 400 on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(v); err != nil {
		http.Error(w, "Invalid request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) respondJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Errorf("Error encoding response: %v", err)
	}
}

// statusFor maps an error class onto an HTTP status
func statusFor(err error) int {
	if errors.Is(err, drerrors.ErrNotFound) {
		return http.StatusNotFound
	}
	switch drerrors.ClassOf(err) {
	case drerrors.ClassConfiguration:
		return http.StatusBadRequest
	case drerrors.ClassPolicy:
		return http.StatusConflict
	case drerrors.ClassIntegrity:
		return http.StatusUnprocessableEntity
	case drerrors.ClassEnvironment:
		return http.StatusServiceUnavailable
	case drerrors.ClassTransient:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Errorf("Request failed: %v", err)
	}
	s.respondJSON(w, code, map[string]string{
		"error": err.Error(),
		"class": string(drerrors.ClassOf(err)),
		"stage": drerrors.StageOf(err),
	})
}

func (s *Server) unavailable(w http.ResponseWriter, what string) {
	s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"error": what + " is not enabled"})
}

// triggerRetention ensures only one manual retention run at a time
func triggerRetention(s *Server) bool {
	taskLock.Lock()
	defer taskLock.Unlock()

	if isTaskRunning {
		return false
	}
	isTaskRunning = true

	go func() {
		defer func() {
			taskLock.Lock()
			isTaskRunning = false
			taskLock.Unlock()
		}()

		s.logger.Info("Running manual retention cleanup")
		s.svc.Scheduler.RunRetentionOnce(s.ctx)
	}()

	return true
}
