package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/stepd/internal/dispatch"
	"github.com/mattjoyce/stepd/internal/protocol"
	"github.com/mattjoyce/stepd/internal/steplog"
)

const defaultListLimit = 50

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		Node:          s.config.NodeName,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		LiveSteps:     len(s.runner.LiveSteps()),
	})
}

// handleLaunch handles POST /v1/steps/launch.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeLaunchTasks(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.accept(w, "launch", req.JobID, func(ctx context.Context) *protocol.StepReport {
		return s.runner.LaunchTasks(ctx, req)
	})
}

// handleSpawn handles POST /v1/steps/spawn.
func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeSpawnTask(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.accept(w, "spawn", req.JobID, func(ctx context.Context) *protocol.StepReport {
		return s.runner.SpawnTask(ctx, req)
	})
}

// handleBatch handles POST /v1/steps/batch.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeBatchJob(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.accept(w, "batch", req.JobID, func(ctx context.Context) *protocol.StepReport {
		return s.runner.LaunchBatchJob(ctx, req)
	})
}

// accept hands a decoded request to the runner on its own goroutine and
// answers with the step's instance id.
func (s *Server) accept(w http.ResponseWriter, kind string, jobID uint32, run func(context.Context) *protocol.StepReport) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		s.writeError(w, http.StatusServiceUnavailable, "daemon is shutting down")
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	id := dispatch.NewInstanceID()
	ctx := dispatch.WithInstanceID(s.stepCtx, id)
	go func() {
		defer s.inflight.Done()
		rep := run(ctx)
		s.logger.Debug("step finished", "id", id, "state", rep.State, "failure_kind", rep.FailureKind)
	}()

	respondJSON(w, http.StatusAccepted, AcceptedResponse{
		ID:     id,
		Kind:   kind,
		JobID:  jobID,
		Status: "accepted",
	})
}

// handleGetStep handles GET /v1/steps/{id}: the live view first, then the log.
func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if rep, ok := s.runner.Live(id); ok {
		respondJSON(w, http.StatusOK, StepResponse{Live: true, Step: rep})
		return
	}
	if s.steps == nil {
		s.writeError(w, http.StatusNotFound, "step not found")
		return
	}
	rep, err := s.steps.Get(r.Context(), id)
	if errors.Is(err, steplog.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "step not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read step", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read step")
		return
	}
	respondJSON(w, http.StatusOK, StepResponse{Step: *rep})
}

// handleListSteps handles GET /v1/steps?job=<id>&limit=<n>.
func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	var jobID uint32
	if v := r.URL.Query().Get("job"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "job must be a positive integer")
			return
		}
		jobID = uint32(n)
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	resp := StepsResponse{Live: []protocol.StepReport{}, Recent: []*protocol.StepReport{}}
	for _, rep := range s.runner.LiveSteps() {
		if jobID == 0 || rep.JobID == jobID {
			resp.Live = append(resp.Live, rep)
		}
	}
	if s.steps != nil {
		recent, err := s.steps.Recent(r.Context(), jobID, limit)
		if err != nil {
			s.logger.Error("failed to list steps", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to list steps")
			return
		}
		resp.Recent = append(resp.Recent, recent...)
	}
	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
