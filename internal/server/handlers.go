package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kdelacruz/transcribepipe/internal/blob"
	"github.com/kdelacruz/transcribepipe/internal/jobid"
	"github.com/kdelacruz/transcribepipe/internal/jobstore"
	"github.com/kdelacruz/transcribepipe/internal/upload"
	"github.com/kdelacruz/transcribepipe/internal/webhook"
)

// OwnerHeader carries the caller's owner ID. Authentication/identity
// is an explicit out-of-scope collaborator (spec.md §1 Non-goals); an
// upstream gateway is assumed to have authenticated the caller and
// forwarded their owner ID in this header.
const OwnerHeader = "X-Owner-ID"

// Handlers contains the HTTP handlers for the Job API.
type Handlers struct {
	uploads   *upload.Manager
	jobs      jobstore.Repository
	blobs     blob.Store
	webhooks  webhook.Registry
	validator *validator.Validate
	logger    *slog.Logger

	presignedTTL time.Duration
	sessionTTL   time.Duration
}

// NewHandlers builds a Handlers instance wired to the Job API's ports.
func NewHandlers(uploads *upload.Manager, jobs jobstore.Repository, blobs blob.Store, webhooks webhook.Registry, presignedTTL, sessionTTL time.Duration, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		uploads:      uploads,
		jobs:         jobs,
		blobs:        blobs,
		webhooks:     webhooks,
		validator:    validator.New(),
		logger:       logger,
		presignedTTL: presignedTTL,
		sessionTTL:   sessionTTL,
	}
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateSession handles POST /uploads/sessions.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	language := req.Language
	if language == "" {
		language = jobstore.AutoLanguage
	}

	session, err := h.uploads.CreateSession(r.Context(), ownerID, req.Filename, req.TotalSize, req.MimeType, language, req.EnableDiarization, h.sessionTTL)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, CreateSessionResponse{
		UploadID:  session.UploadID,
		ChunkSize: session.ChunkSize,
		ExpiresAt: session.ExpiresAt,
	})
}

// PutChunk handles PUT /uploads/{upload_id}/chunks/{index}.
func (h *Handlers) PutChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("upload_id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunk index must be an integer", "INVALID_INDEX")
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read chunk body", "INVALID_BODY")
		return
	}

	if err := h.uploads.PutChunk(r.Context(), uploadID, index, data); err != nil {
		h.writeUploadError(w, err)
		return
	}

	session, err := h.jobs.GetSession(r.Context(), uploadID)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}

	var received []int
	for i := 0; i < session.TotalChunks(); i++ {
		if session.ReceivedChunks[i] {
			received = append(received, i)
		}
	}
	writeJSON(w, http.StatusOK, PutChunkResponse{ReceivedIndices: received, TotalChunks: session.TotalChunks()})
}

// Finalize handles POST /uploads/{upload_id}/finalize.
func (h *Handlers) Finalize(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("upload_id")

	var req FinalizeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
			return
		}
	}

	jobID, err := h.uploads.Finalize(r.Context(), uploadID, req.ContentHash)
	if err != nil {
		h.writeUploadError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, FinalizeResponse{JobID: jobID})
}

// GetJob handles GET /jobs/{job_id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

// ListJobs handles GET /jobs?owner=...&state=...&limit=....
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter is required", "MISSING_OWNER")
		return
	}

	filters := jobstore.JobFilters{Limit: 50}
	if s := r.URL.Query().Get("state"); s != "" {
		filters.State = jobstore.State(s)
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			filters.Limit = n
		}
	}

	jobs, err := h.jobs.ListUserJobs(r.Context(), owner, filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs", "LIST_FAILED")
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelJob handles POST /jobs/{job_id}/cancel.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if err := h.jobs.RequestCancel(r.Context(), jobID); err != nil {
		h.writeJobError(w, err)
		return
	}
	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// ListAssets handles GET /jobs/{job_id}/assets.
func (h *Handlers) ListAssets(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")

	assets, err := h.jobs.ListAssets(r.Context(), jobID)
	if err != nil {
		h.writeJobError(w, err)
		return
	}

	resp := ListAssetsResponse{Assets: make([]AssetResponse, 0, len(assets))}
	for _, a := range assets {
		url, err := h.blobs.PresignedGet(r.Context(), a.StorageKey, h.presignedTTL)
		if err != nil {
			h.logger.Warn("failed to presign asset", slog.String("asset_id", a.AssetID), slog.String("error", err.Error()))
			continue
		}
		resp.Assets = append(resp.Assets, AssetResponse{
			Kind:        string(a.Kind),
			ByteSize:    a.ByteSize,
			MimeType:    a.MimeType,
			DownloadURL: url,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateWebhook handles POST /webhooks.
func (h *Handlers) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}

	var req CreateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	secret := req.Secret
	if secret == "" {
		secret = jobid.NewWebhook() // opaque random value doubles as a generated secret
	}

	reg := webhook.Registration{
		WebhookID: jobid.NewWebhook(),
		OwnerID:   ownerID,
		URL:       req.URL,
		Secret:    secret,
		CreatedAt: time.Now(),
	}
	if err := h.webhooks.Create(r.Context(), reg); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to register webhook", "WEBHOOK_CREATE_FAILED")
		return
	}

	writeJSON(w, http.StatusCreated, CreateWebhookResponse{WebhookID: reg.WebhookID, URL: reg.URL, Secret: reg.Secret})
}

// DeleteWebhook handles DELETE /webhooks/{webhook_id}.
func (h *Handlers) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.requireOwner(w, r)
	if !ok {
		return
	}
	webhookID := r.PathValue("webhook_id")

	if err := h.webhooks.Delete(r.Context(), ownerID, webhookID); err != nil {
		if errors.Is(err, webhook.ErrNotFound) {
			writeError(w, http.StatusNotFound, "webhook not found", "WEBHOOK_NOT_FOUND")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete webhook", "WEBHOOK_DELETE_FAILED")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(OwnerHeader)
	if owner == "" {
		writeError(w, http.StatusUnauthorized, OwnerHeader+" header is required", "MISSING_OWNER")
		return "", false
	}
	return owner, true
}

func toJobResponse(job *jobstore.Job) JobResponse {
	resp := JobResponse{
		JobID:             job.JobID,
		OwnerID:           job.OwnerID,
		State:             string(job.State),
		CurrentStage:      string(job.CurrentStage),
		Progress:          job.Progress,
		Language:          job.Language,
		DetectedLanguage:  job.DetectedLanguage,
		EnableDiarization: job.EnableDiarization,
		TotalDurationSec:  job.TotalDurationSec,
		RetryCount:        job.RetryCount,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
	}
	if job.Error != nil {
		resp.Error = &JobErrorResponse{
			Code:        job.Error.Code,
			Message:     job.Error.Message,
			FailedStage: string(job.FailedStage),
			RetryCount:  job.RetryCount,
		}
	}
	if !job.CompletedAt.IsZero() {
		t := job.CompletedAt
		resp.CompletedAt = &t
	}
	return resp
}

// writeUploadError maps internal/upload and jobstore session errors to
// their HTTP status/code pairs.
func (h *Handlers) writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobstore.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "upload session not found", "SESSION_NOT_FOUND")
	case errors.Is(err, jobstore.ErrSessionNotOpen):
		writeError(w, http.StatusConflict, "upload session is not open", "SESSION_NOT_OPEN")
	case errors.Is(err, jobstore.ErrSessionIncomplete):
		writeError(w, http.StatusConflict, "upload session is missing chunks", "INCOMPLETE")
	case errors.Is(err, jobstore.ErrChunkConflict):
		writeError(w, http.StatusConflict, "chunk already received with different content", "CHUNK_CONFLICT")
	case errors.Is(err, jobstore.ErrChunkIndexOutOfRange):
		writeError(w, http.StatusBadRequest, "chunk index out of range", "INVALID_INDEX")
	case errors.Is(err, upload.ErrTooLarge):
		writeError(w, http.StatusBadRequest, "total_size exceeds the configured ceiling", "TOO_LARGE")
	case errors.Is(err, upload.ErrUnsupportedType):
		writeError(w, http.StatusBadRequest, "mime_type is not a supported audio type", "UNSUPPORTED_TYPE")
	case errors.Is(err, upload.ErrWrongChunkLength):
		writeError(w, http.StatusBadRequest, "chunk byte length does not match the expected length", "WRONG_CHUNK_LENGTH")
	case errors.Is(err, upload.ErrHashMismatch):
		writeError(w, http.StatusConflict, "assembled content hash does not match content_hash", "HASH_MISMATCH")
	default:
		h.logger.Error("upload request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "upload request failed", "UPLOAD_FAILED")
	}
}

func (h *Handlers) writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobstore.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
	default:
		h.logger.Error("job request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "job request failed", "JOB_REQUEST_FAILED")
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
