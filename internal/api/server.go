package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/stepd/internal/events"
	"github.com/mattjoyce/stepd/internal/protocol"
)

// StepRunner runs steps to completion and exposes the ones still in flight.
type StepRunner interface {
	LaunchTasks(ctx context.Context, req *protocol.LaunchTasksRequest) *protocol.StepReport
	SpawnTask(ctx context.Context, req *protocol.SpawnTaskRequest) *protocol.StepReport
	LaunchBatchJob(ctx context.Context, req *protocol.BatchJobLaunchRequest) *protocol.StepReport
	Live(id string) (protocol.StepReport, bool)
	LiveSteps() []protocol.StepReport
}

// StepLog looks up finished steps.
type StepLog interface {
	Get(ctx context.Context, id string) (*protocol.StepReport, error)
	Recent(ctx context.Context, jobID uint32, limit int) ([]*protocol.StepReport, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Token is the bearer token required on /v1 and /events. Empty disables auth.
	Token    string
	NodeName string
}

// Server is the HTTP intake. Accepted steps run on their own goroutines under
// a context the server cancels on shutdown.
type Server struct {
	config    Config
	runner    StepRunner
	steps     StepLog
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	stepCtx     context.Context
	cancelSteps context.CancelFunc

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

// New creates a new API server instance. steps and hub may be nil.
func New(config Config, runner StepRunner, steps StepLog, hub *events.Hub, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:      config,
		runner:      runner,
		steps:       steps,
		hub:         hub,
		logger:      logger,
		startedAt:   time.Now(),
		stepCtx:     ctx,
		cancelSteps: cancel,
	}
}

// Start serves until ctx is canceled, then stops intake and drains in-flight
// steps before returning.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		s.Drain()
		if err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		s.Drain()
		return fmt.Errorf("server error: %w", err)
	}
}

// Drain refuses new steps, cancels running ones and waits for them to report.
func (s *Server) Drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	s.cancelSteps()
	s.inflight.Wait()
}

// Handler returns the routed handler without listening.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Route("/v1/steps", func(r chi.Router) {
			r.Post("/launch", s.handleLaunch)
			r.Post("/spawn", s.handleSpawn)
			r.Post("/batch", s.handleBatch)
			r.Get("/", s.handleListSteps)
			r.Get("/{id}", s.handleGetStep)
		})
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
