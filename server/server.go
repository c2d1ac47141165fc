package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/streamkit/transcode-coordinator/internal/jobs"
	"github.com/streamkit/transcode-coordinator/internal/live"
	"github.com/streamkit/transcode-coordinator/internal/runners"
)

// Server exposes the runner-facing and admin HTTP API.
type Server struct {
	logger     *slog.Logger
	registry   *runners.Registry
	dispatcher *jobs.Dispatcher
	builder    *jobs.Builder
	jobStore   jobs.Store
	segments   *live.SegmentStore
}

func NewServer(logger *slog.Logger, registry *runners.Registry, dispatcher *jobs.Dispatcher, builder *jobs.Builder, jobStore jobs.Store, segments *live.SegmentStore) *Server {
	return &Server{
		logger:     logger,
		registry:   registry,
		dispatcher: dispatcher,
		builder:    builder,
		jobStore:   jobStore,
		segments:   segments,
	}
}

// Routes assembles the request mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Runner endpoints. Authenticated by runner token in the body.
	mux.HandleFunc("POST /api/v1/runners/register", s.handleRegister)
	mux.HandleFunc("POST /api/v1/runners/unregister", s.handleUnregister)
	mux.HandleFunc("POST /api/v1/runners/jobs/request", s.handleRequestJob)
	mux.HandleFunc("POST /api/v1/runners/jobs/{jobUUID}/update", s.handleUpdateJob)
	mux.HandleFunc("POST /api/v1/runners/jobs/{jobUUID}/success", s.handleJobSuccess)
	mux.HandleFunc("POST /api/v1/runners/jobs/{jobUUID}/error", s.handleJobError)
	mux.HandleFunc("POST /api/v1/runners/jobs/{jobUUID}/abort", s.handleJobAbort)

	// Admin endpoints. Authentication happens upstream at the reverse
	// proxy, like the rest of the instance API.
	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("POST /api/v1/jobs/vod", s.handleCreateVODJobs)
	mux.HandleFunc("POST /api/v1/jobs/live", s.handleCreateLiveJob)
	mux.HandleFunc("POST /api/v1/jobs/studio", s.handleCreateStudioJob)
	mux.HandleFunc("POST /api/v1/jobs/{jobUUID}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /api/v1/runners/registration-tokens", s.handleCreateRegistrationToken)
	mux.HandleFunc("DELETE /api/v1/runners/registration-tokens/{token}", s.handleRevokeRegistrationToken)

	// Public playback endpoint.
	mux.HandleFunc("GET /static/streaming-playlists/hls/{videoUUID}/segments-sha256.json", s.handleSegmentManifest)

	return mux
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// jobView is the runner- and admin-visible job representation. The
// private payload never leaves the coordinator.
type jobView struct {
	UUID      uuid.UUID       `json:"uuid"`
	Type      jobs.Type       `json:"type"`
	State     jobs.State      `json:"state"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority"`
	Failures  int             `json:"failures"`
	Progress  *int            `json:"progress,omitempty"`
	Error     *string         `json:"error,omitempty"`
	JobToken  string          `json:"jobToken,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	StartedAt *time.Time      `json:"startedAt,omitempty"`
}

func newJobView(job *jobs.Job, includeToken bool) jobView {
	view := jobView{
		UUID:      job.UUID,
		Type:      job.Type,
		State:     job.State,
		Payload:   job.Payload,
		Priority:  job.Priority,
		Failures:  job.Failures,
		Progress:  job.Progress,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		StartedAt: job.StartedAt,
	}
	if includeToken && job.ClaimToken != nil {
		view.JobToken = *job.ClaimToken
	}
	return view
}

// runnerFromRequest authenticates the runner by its shared secret and
// refreshes its liveness.
func (s *Server) runnerFromRequest(w http.ResponseWriter, r *http.Request, runnerToken string) *runners.Runner {
	if runnerToken == "" {
		writeError(w, http.StatusUnauthorized, "MISSING_RUNNER_TOKEN", "Runner token is required")
		return nil
	}
	runner, err := s.registry.GetByToken(r.Context(), runnerToken)
	if errors.Is(err, runners.ErrRunnerNotFound) {
		writeError(w, http.StatusUnauthorized, "UNKNOWN_RUNNER", "Unknown runner token")
		return nil
	} else if err != nil {
		s.internalError(w, "failed to authenticate runner", err)
		return nil
	}
	s.registry.Touch(runner, remoteIP(r))
	return runner
}

func (s *Server) internalError(w http.ResponseWriter, message string, err error) {
	s.logger.Error(message, "err", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Request body is invalid JSON")
		return false
	}
	return true
}

func jobUUIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobUUID, err := uuid.Parse(r.PathValue("jobUUID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JOB_UUID", "Job UUID is invalid")
		return uuid.Nil, false
	}
	return jobUUID, true
}

type registerRequest struct {
	RegistrationToken string `json:"registrationToken"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
}

type registerResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	RunnerToken string `json:"runnerToken"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Runner name is required")
		return
	}

	runner, err := s.registry.Register(r.Context(), req.RegistrationToken, req.Name, req.Description, remoteIP(r))
	if errors.Is(err, runners.ErrInvalidRegistrationToken) {
		writeError(w, http.StatusForbidden, "INVALID_REGISTRATION_TOKEN", "Registration token is unknown or revoked")
		return
	} else if err != nil {
		s.internalError(w, "failed to register runner", err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		ID:          runner.ID,
		Name:        runner.Name,
		RunnerToken: runner.Token,
	})
}

type unregisterRequest struct {
	RunnerToken string `json:"runnerToken"`
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req unregisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	runner := s.runnerFromRequest(w, r, req.RunnerToken)
	if runner == nil {
		return
	}
	if err := s.registry.Unregister(r.Context(), runner); err != nil {
		s.internalError(w, "failed to unregister runner", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type requestJobRequest struct {
	RunnerToken string      `json:"runnerToken"`
	JobTypes    []jobs.Type `json:"jobTypes,omitempty"`
}

func (s *Server) handleRequestJob(w http.ResponseWriter, r *http.Request) {
	var req requestJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	runner := s.runnerFromRequest(w, r, req.RunnerToken)
	if runner == nil {
		return
	}

	job, err := s.dispatcher.Claim(r.Context(), runner.ID, req.JobTypes)
	if errors.Is(err, jobs.ErrNoJobAvailable) {
		writeError(w, http.StatusNotFound, "NO_JOB_AVAILABLE", "No pending job matches the requested types")
		return
	} else if err != nil {
		s.internalError(w, "failed to claim job", err)
		return
	}

	writeJSON(w, http.StatusOK, newJobView(job, true))
}

type updateJobRequest struct {
	RunnerToken string          `json:"runnerToken"`
	JobToken    string          `json:"jobToken"`
	Progress    *int            `json:"progress,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	jobUUID, ok := jobUUIDFromPath(w, r)
	if !ok {
		return
	}
	var req updateJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if s.runnerFromRequest(w, r, req.RunnerToken) == nil {
		return
	}
	if req.Progress != nil && (*req.Progress < 0 || *req.Progress > 100) {
		writeError(w, http.StatusBadRequest, "INVALID_PROGRESS", "Progress must be between 0 and 100")
		return
	}

	err := s.dispatcher.ReportProgress(r.Context(), jobUUID, req.JobToken, req.Progress, req.Payload)
	if !s.writeJobMutationError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type successJobRequest struct {
	RunnerToken string          `json:"runnerToken"`
	JobToken    string          `json:"jobToken"`
	Payload     json.RawMessage `json:"payload"`
}

func (s *Server) handleJobSuccess(w http.ResponseWriter, r *http.Request) {
	jobUUID, ok := jobUUIDFromPath(w, r)
	if !ok {
		return
	}
	var req successJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if s.runnerFromRequest(w, r, req.RunnerToken) == nil {
		return
	}

	err := s.dispatcher.ReportSuccess(r.Context(), jobUUID, req.JobToken, req.Payload)
	if !s.writeJobMutationError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorJobRequest struct {
	RunnerToken string `json:"runnerToken"`
	JobToken    string `json:"jobToken"`
	Message     string `json:"message"`
}

func (s *Server) handleJobError(w http.ResponseWriter, r *http.Request) {
	jobUUID, ok := jobUUIDFromPath(w, r)
	if !ok {
		return
	}
	var req errorJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if s.runnerFromRequest(w, r, req.RunnerToken) == nil {
		return
	}

	err := s.dispatcher.ReportFailure(r.Context(), jobUUID, req.JobToken, req.Message)
	if !s.writeJobMutationError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type abortJobRequest struct {
	RunnerToken string `json:"runnerToken"`
	JobToken    string `json:"jobToken"`
	Reason      string `json:"reason"`
}

func (s *Server) handleJobAbort(w http.ResponseWriter, r *http.Request) {
	jobUUID, ok := jobUUIDFromPath(w, r)
	if !ok {
		return
	}
	var req abortJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if s.runnerFromRequest(w, r, req.RunnerToken) == nil {
		return
	}

	err := s.dispatcher.Abandon(r.Context(), jobUUID, req.JobToken, req.Reason)
	if !s.writeJobMutationError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeJobMutationError maps dispatcher errors onto HTTP responses.
// Returns true when the call succeeded.
func (s *Server) writeJobMutationError(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, jobs.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found")
	case errors.Is(err, jobs.ErrInvalidClaimToken):
		writeError(w, http.StatusForbidden, "INVALID_JOB_TOKEN", "The caller does not own this job")
	case errors.Is(err, jobs.ErrJobNotProcessing):
		writeError(w, http.StatusConflict, "JOB_NOT_PROCESSING", "Job is not in processing state")
	case errors.Is(err, jobs.ErrInvalidSuccessPayload):
		writeError(w, http.StatusBadRequest, "INVALID_SUCCESS_PAYLOAD", err.Error())
	case errors.Is(err, jobs.ErrJobTerminal):
		writeError(w, http.StatusConflict, "JOB_TERMINAL", "Job already reached a terminal state")
	case errors.Is(err, jobs.ErrJobNotCancellable):
		writeError(w, http.StatusConflict, "JOB_NOT_CANCELLABLE", "Job cannot be cancelled in its current state")
	default:
		s.internalError(w, "job mutation failed", err)
	}
	return false
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobUUID, ok := jobUUIDFromPath(w, r)
	if !ok {
		return
	}
	err := s.dispatcher.Cancel(r.Context(), jobUUID)
	if !s.writeJobMutationError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts := jobs.ListOptions{Limit: 100}
	query := r.URL.Query()
	if state := query.Get("state"); state != "" {
		opts.States = []jobs.State{jobs.State(state)}
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil && limit > 0 {
		opts.Limit = limit
	}
	if offset, err := strconv.Atoi(query.Get("offset")); err == nil && offset > 0 {
		opts.Offset = offset
	}

	list, err := s.jobStore.List(r.Context(), opts)
	if err != nil {
		s.internalError(w, "failed to list jobs", err)
		return
	}

	views := make([]jobView, 0, len(list))
	for _, job := range list {
		views = append(views, newJobView(job, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total": len(views),
		"data":  views,
	})
}

type createVODJobsRequest struct {
	VideoUUID       uuid.UUID `json:"videoUUID"`
	IsNewVideo      bool      `json:"isNewVideo"`
	InputFileURL    string    `json:"inputFileUrl"`
	Resolutions     []int     `json:"resolutions"`
	FPS             int       `json:"fps,omitempty"`
	HLS             bool      `json:"hls"`
	Transcribe      bool      `json:"transcribe"`
	Language        string    `json:"language,omitempty"`
	DeleteInputFile string    `json:"deleteInputFile,omitempty"`
	Priority        int       `json:"priority"`
}

func (s *Server) handleCreateVODJobs(w http.ResponseWriter, r *http.Request) {
	var req createVODJobsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	created, err := s.builder.BuildVODJobs(r.Context(), jobs.VODBuildOptions{
		VideoUUID:       req.VideoUUID,
		IsNewVideo:      req.IsNewVideo,
		InputFileURL:    req.InputFileURL,
		Resolutions:     req.Resolutions,
		FPS:             req.FPS,
		HLS:             req.HLS,
		Transcribe:      req.Transcribe,
		Language:        req.Language,
		DeleteInputFile: req.DeleteInputFile,
		Priority:        req.Priority,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	s.writeCreatedJobs(w, created)
}

type createLiveJobRequest struct {
	VideoUUID uuid.UUID                          `json:"videoUUID"`
	Payload   jobs.LiveRTMPHLSTranscodingPayload `json:"payload"`
	Priority  int                                `json:"priority"`
}

func (s *Server) handleCreateLiveJob(w http.ResponseWriter, r *http.Request) {
	var req createLiveJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.builder.BuildLiveJob(r.Context(), req.VideoUUID, req.Payload, req.Priority)
	if err != nil {
		s.internalError(w, "failed to create live job", err)
		return
	}
	s.writeCreatedJobs(w, []*jobs.Job{job})
}

type createStudioJobRequest struct {
	VideoUUID    uuid.UUID         `json:"videoUUID"`
	InputFileURL string            `json:"inputFileUrl"`
	Tasks        []jobs.StudioTask `json:"tasks"`
	Priority     int               `json:"priority"`
}

func (s *Server) handleCreateStudioJob(w http.ResponseWriter, r *http.Request) {
	var req createStudioJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.builder.BuildStudioJob(r.Context(), req.VideoUUID, req.InputFileURL, req.Tasks, req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	s.writeCreatedJobs(w, []*jobs.Job{job})
}

func (s *Server) writeCreatedJobs(w http.ResponseWriter, created []*jobs.Job) {
	views := make([]jobView, 0, len(created))
	for _, job := range created {
		views = append(views, newJobView(job, false))
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": views})
}

func (s *Server) handleCreateRegistrationToken(w http.ResponseWriter, r *http.Request) {
	rt, err := s.registry.CreateRegistrationToken(r.Context())
	if err != nil {
		s.internalError(w, "failed to create registration token", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    rt.ID,
		"token": rt.Token,
	})
}

func (s *Server) handleRevokeRegistrationToken(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.RevokeRegistrationToken(r.Context(), r.PathValue("token")); err != nil {
		s.internalError(w, "failed to revoke registration token", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSegmentManifest(w http.ResponseWriter, r *http.Request) {
	manifest := s.segments.Manifest(r.PathValue("videoUUID"))
	if manifest == nil {
		writeError(w, http.StatusNotFound, "UNKNOWN_LIVE_SESSION", "No live session for this video")
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}
