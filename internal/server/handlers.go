package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"modforge/internal/buildtypes"
	"modforge/internal/orchestrator"
)

// Error codes returned in the body alongside the HTTP status.
const (
	codeInvalidModuleID = "INVALID_MODULE_ID"
	codeUnknownProfile  = "POLICY_PROFILE_UNKNOWN"
	codeQueueFull       = "QUEUE_FULL"
	codeShuttingDown    = "SHUTTING_DOWN"
	codeNotFound        = "NOT_FOUND"
	codeBadRequest      = "BAD_REQUEST"
	codeUnauthorized    = "UNAUTHORIZED"
	codeInternal        = "INTERNAL"
)

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status string `json:"status"`
}

// VersionResponse is the /version body.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// SubmitJobRequest is the POST /v1/jobs body.
type SubmitJobRequest struct {
	ModuleID          string `json:"module_id"`
	Intent            string `json:"intent"`
	Profile           string `json:"profile,omitempty"`
	IdempotencyKey    string `json:"idempotency_key,omitempty"`
	MaxRepairAttempts int    `json:"max_repair_attempts,omitempty"`
}

// SubmitJobResponse acknowledges a submission.
type SubmitJobResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Existing bool   `json:"existing,omitempty"`
}

// JobResponse is the job status view.
type JobResponse struct {
	JobID        string `json:"job_id"`
	Module       string `json:"module"`
	Stage        string `json:"stage,omitempty"`
	Status       string `json:"status"`
	StatusNote   string `json:"status_note,omitempty"`
	Attempts     int    `json:"attempts"`
	BundleDigest string `json:"bundle_digest,omitempty"`
}

// AttemptResponse summarizes one recorded attempt.
type AttemptResponse struct {
	Attempt      int                          `json:"attempt"`
	BundleDigest string                       `json:"bundle_digest"`
	Fingerprint  string                       `json:"fingerprint"`
	Report       *buildtypes.ValidationReport `json:"report,omitempty"`
	CreatedAt    time.Time                    `json:"created_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Version: s.version, Service: "modforge"})
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"profiles": s.profiles.Names()})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	res, err := s.orch.Submit(orchestrator.SubmitRequest{
		ModuleID:          req.ModuleID,
		Intent:            req.Intent,
		ProfileName:       req.Profile,
		IdempotencyKey:    req.IdempotencyKey,
		MaxRepairAttempts: req.MaxRepairAttempts,
	})
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrInvalidModuleID):
			writeError(w, http.StatusBadRequest, codeInvalidModuleID, err.Error())
		case errors.Is(err, orchestrator.ErrUnknownProfile):
			writeError(w, http.StatusBadRequest, codeUnknownProfile, err.Error())
		case errors.Is(err, orchestrator.ErrQueueFull):
			writeError(w, http.StatusTooManyRequests, codeQueueFull, err.Error())
		case errors.Is(err, orchestrator.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, codeShuttingDown, err.Error())
		default:
			s.logger.Error("submit failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, codeInternal, "submission failed")
		}
		return
	}

	status := http.StatusAccepted
	if res.Existing {
		status = http.StatusOK
	}
	s.logger.Info("job submitted",
		zap.String("job_id", res.JobID),
		zap.String("module", req.ModuleID),
		zap.Bool("existing", res.Existing))
	writeJSON(w, status, SubmitJobResponse{JobID: res.JobID, Status: string(res.Status), Existing: res.Existing})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.orch.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{
		JobID:        view.JobID,
		Module:       view.Module,
		Stage:        string(view.Stage),
		Status:       string(view.Status),
		StatusNote:   view.StatusNote,
		Attempts:     view.Attempts,
		BundleDigest: view.BundleDigest,
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.orch.Status(id); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, "job not found")
		return
	}
	s.orch.Cancel(id)
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
}

func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	attempts, err := s.store.ListAttempts(id)
	if err != nil {
		s.logger.Error("list attempts failed", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "attempt lookup failed")
		return
	}
	out := make([]AttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, AttemptResponse{
			Attempt:      a.Attempt,
			BundleDigest: a.BundleDigest,
			Fingerprint:  a.Fingerprint,
			Report:       a.Report,
			CreatedAt:    a.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]AttemptResponse{"attempts": out})
}

func (s *Server) handleGetAttestation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, found, err := s.store.GetAttestation(id)
	if err != nil {
		s.logger.Error("attestation lookup failed", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "attestation lookup failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, codeNotFound, "no attestation for job")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(record)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
