// Package http serves health, metrics and the run API.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voiceprobe/pkg/config"
	"voiceprobe/pkg/engine"
	"voiceprobe/pkg/errors"
	"voiceprobe/pkg/metrics"
	"voiceprobe/pkg/version"
)

const maxJobBytes = 1 << 20

// JobRunner executes a job to completion.
type JobRunner interface {
	Run(ctx context.Context, job *engine.Job) *engine.RunResult
}

// Server is the HTTP front end for health checks, metrics and runs.
type Server struct {
	config     config.HTTPConfig
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	startTime  time.Time

	runner   JobRunner
	registry *RunRegistry
	checks   map[string]HealthCheck
	checksMu sync.RWMutex

	runCtx    context.Context
	cancelRun context.CancelFunc
	inflight  sync.WaitGroup
}

// NewServer builds the server. registry must be the one the runner reports
// to; runner may be nil when the API is disabled.
func NewServer(logger *logrus.Logger, cfg config.HTTPConfig, runner JobRunner, registry *RunRegistry) *Server {
	if registry == nil {
		registry = NewRunRegistry(cfg.MaxConcurrentRuns)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
		runner:    runner,
		registry:  registry,
		checks:    make(map[string]HealthCheck),
		runCtx:    runCtx,
		cancelRun: cancel,
	}

	s.mux.HandleFunc("GET /health", s.HealthHandler)
	s.mux.HandleFunc("GET /health/live", s.LivenessHandler)
	s.mux.HandleFunc("GET /health/ready", s.ReadinessHandler)

	if cfg.EnableMetrics {
		metrics.RegisterHandler(s.mux)
		logger.Info("Prometheus metrics endpoint enabled at /metrics")
	} else {
		logger.Info("Metrics endpoints disabled")
	}

	if cfg.EnableAPI && runner != nil {
		limiter := NewClientLimiter(cfg.SubmitRate, cfg.SubmitBurst)
		s.mux.HandleFunc("POST /api/runs", limiter.Middleware(logger, s.handleSubmitRun))
		s.mux.HandleFunc("GET /api/runs", s.handleListRuns)
		s.mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
		logger.Info("Run API enabled at /api/runs")
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the root handler with request logging and the Server
// header applied.
func (s *Server) Handler() http.Handler {
	return RequestLogging(s.logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", version.ServerHeader())
		s.mux.ServeHTTP(w, r)
	}))
}

// Registry exposes the run registry.
func (s *Server) Registry() *RunRegistry {
	return s.registry
}

// Start serves in a goroutine and verifies the port is reachable.
func (s *Server) Start() error {
	tlsConfig, err := s.config.TLS.Build(s.logger)
	if err != nil {
		return errors.Wrap(err, "failed to configure TLS")
	}
	s.httpServer.TLSConfig = tlsConfig
	s.logger.WithFields(logrus.Fields{"port": s.config.Port, "tls": tlsConfig != nil}).Info("Starting HTTP server")

	go func() {
		if tlsConfig != nil {
			// certificates come from TLSConfig
			if err := s.httpServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				s.logger.WithError(err).Error("HTTP TLS server failed")
			}
			return
		}
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()

	go func() {
		time.Sleep(500 * time.Millisecond)
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", s.config.Port), 2*time.Second)
		if err != nil {
			s.logger.WithError(err).Error("Could not connect to HTTP server")
			return
		}
		conn.Close()
		s.logger.Info("HTTP server is running correctly")
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight runs until ctx
// expires, then cancels them.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.WithField("active_runs", s.registry.Active()).Warn("Cancelling in-flight runs")
		s.cancelRun()
		<-done
	}
	s.cancelRun()
	return err
}

type submitResponse struct {
	RunID     string `json:"run_id"`
	State     string `json:"state"`
	StatusURL string `json:"status_url"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxJobBytes+1))
	if err != nil {
		s.ErrorResponse(w, errors.NewInvalidInput("failed to read request body"))
		return
	}
	if len(data) > maxJobBytes {
		s.ErrorResponse(w, errors.NewInvalidInput("job exceeds 1MiB"))
		return
	}

	job, err := engine.DecodeJob(data, formatOf(r.Header.Get("Content-Type")))
	if err != nil {
		s.ErrorResponse(w, err)
		return
	}
	job.Normalize()
	if err := job.Validate(); err != nil {
		s.ErrorResponse(w, err)
		return
	}
	if err := s.registry.Start(job); err != nil {
		s.ErrorResponse(w, err)
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		res := s.runner.Run(s.runCtx, job)
		// the runner normally reports through the registry; this covers
		// runners wired without it
		s.registry.Finish(job.RunID, res)
	}()

	s.logger.WithFields(logrus.Fields{"run_id": job.RunID, "total_tests": job.Total()}).Info("Run accepted")
	writeJSON(w, http.StatusAccepted, submitResponse{
		RunID:     job.RunID,
		State:     RunRunning,
		StatusURL: "/api/runs/" + job.RunID,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := s.registry.Get(id)
	if !ok {
		s.ErrorResponse(w, errors.NewNotFound("run not found", map[string]interface{}{"run_id": id}))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	runs := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// ErrorResponse sends a standardized error response
func (s *Server) ErrorResponse(w http.ResponseWriter, err error) {
	errors.WriteError(w, err)
	s.logger.WithError(err).Warn("HTTP error response sent")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// formatOf maps a Content-Type to a job format; unknown types are sniffed.
func formatOf(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch {
	case strings.HasSuffix(mt, "json"):
		return "json"
	case strings.HasSuffix(mt, "yaml"), strings.HasSuffix(mt, "yml"):
		return "yaml"
	}
	return ""
}
