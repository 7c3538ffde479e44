// Package server provides the HTTP Job API (C10): handlers,
// middleware, routes, and DTOs separated from domain types, for
// upload sessions, jobs, assets, and webhook registrations.
package server

import "time"

// CreateSessionRequest is the body of POST /uploads/sessions.
type CreateSessionRequest struct {
	Filename          string `json:"filename" validate:"required"`
	TotalSize         int64  `json:"total_size" validate:"required,min=1"`
	MimeType          string `json:"mime_type" validate:"required"`
	Language          string `json:"language"`
	EnableDiarization bool   `json:"enable_diarization"`
}

// CreateSessionResponse is the response to POST /uploads/sessions.
type CreateSessionResponse struct {
	UploadID  string    `json:"upload_id"`
	ChunkSize int64     `json:"chunk_size"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PutChunkResponse summarizes which chunk indices have been received
// so far, letting a disconnected client resume without re-sending
// chunks the server already has.
type PutChunkResponse struct {
	ReceivedIndices []int `json:"received_indices"`
	TotalChunks     int   `json:"total_chunks"`
}

// FinalizeRequest is the optional body of POST /uploads/{id}/finalize.
type FinalizeRequest struct {
	ContentHash string `json:"content_hash,omitempty"`
}

// FinalizeResponse is the response to POST /uploads/{id}/finalize.
type FinalizeResponse struct {
	JobID string `json:"job_id"`
}

// JobResponse is the full job state returned by GET /jobs/{id} and
// embedded in list responses.
type JobResponse struct {
	JobID              string             `json:"job_id"`
	OwnerID            string             `json:"owner_id"`
	State              string             `json:"state"`
	CurrentStage       string             `json:"current_stage"`
	Progress           float64            `json:"progress"`
	Language           string             `json:"language"`
	DetectedLanguage   string             `json:"detected_language,omitempty"`
	EnableDiarization  bool               `json:"enable_diarization"`
	TotalDurationSec   float64            `json:"total_duration_sec,omitempty"`
	RetryCount         int                `json:"retry_count"`
	Error              *JobErrorResponse  `json:"error,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
}

// JobErrorResponse is the user-visible failure shape (spec.md §8):
// code, message, failed_stage, retry_count.
type JobErrorResponse struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	FailedStage string `json:"failed_stage"`
	RetryCount  int    `json:"retry_count"`
}

// ListJobsResponse is the response to GET /jobs.
type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// AssetResponse is one entry of GET /jobs/{id}/assets.
type AssetResponse struct {
	Kind        string `json:"kind"`
	ByteSize    int64  `json:"byte_size"`
	MimeType    string `json:"mime_type"`
	DownloadURL string `json:"download_url"`
}

// ListAssetsResponse is the response to GET /jobs/{id}/assets.
type ListAssetsResponse struct {
	Assets []AssetResponse `json:"assets"`
}

// CreateWebhookRequest is the body of POST /webhooks.
type CreateWebhookRequest struct {
	URL    string `json:"url" validate:"required,url"`
	Secret string `json:"secret,omitempty"`
}

// CreateWebhookResponse is the response to POST /webhooks. Secret is
// only ever returned at creation time — the registry never exposes it
// again afterward.
type CreateWebhookResponse struct {
	WebhookID string `json:"webhook_id"`
	URL       string `json:"url"`
	Secret    string `json:"secret"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}
