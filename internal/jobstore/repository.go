package jobstore

import (
	"context"
	"encoding/json"
	"errors"
)

// Sentinel errors returned by Repository implementations. Callers use
// errors.Is against these, never string matching.
var (
	ErrJobNotFound        = errors.New("jobstore: job not found")
	ErrSessionNotFound     = errors.New("jobstore: upload session not found")
	ErrStageConflict       = errors.New("jobstore: stage CAS failed, job is not at the expected stage")
	ErrSessionNotOpen      = errors.New("jobstore: upload session is not OPEN")
	ErrSessionIncomplete   = errors.New("jobstore: upload session is missing chunks")
	ErrChunkConflict       = errors.New("jobstore: chunk already received with different content")
	ErrChunkIndexOutOfRange = errors.New("jobstore: chunk index out of range")
	ErrAssetsAlreadyExist  = errors.New("jobstore: assets already recorded for this job")
	ErrUnavailable         = errors.New("jobstore: store temporarily unavailable")
)

// JobFilters narrows ListUserJobs.
type JobFilters struct {
	State State // zero value means "any state"
	Limit int
}

// Repository is the Job Store port: the durable index of jobs, upload
// sessions, and assets, with the atomic operations the pipeline
// depends on (§4.2). Every mutation must be atomic. When the backing
// store fails, implementations return its error wrapped (none of them
// maps an outage to ErrUnavailable), and the caller must not assume
// the mutation applied.
type Repository interface {
	// Jobs

	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobsByState(ctx context.Context, state State, limit int) ([]*Job, error)
	ListUserJobs(ctx context.Context, ownerID string, filters JobFilters) ([]*Job, error)

	// UpdateStage performs the CAS: it fails with ErrStageConflict if
	// the job's observed current_stage is not `from`.
	UpdateStage(ctx context.Context, jobID string, from, to Stage, initialProgress float64) error
	UpdateStageProgress(ctx context.Context, jobID string, stage Stage, progress float64) error
	RefreshLease(ctx context.Context, jobID, workerID string, leaseSeconds int) error

	SetCheckpoint(ctx context.Context, jobID string, stage Stage, payload json.RawMessage) error
	GetCheckpoint(ctx context.Context, jobID string, stage Stage) (json.RawMessage, error)

	SetStoragePath(ctx context.Context, jobID, name, blobKey string) error
	SetTotalDuration(ctx context.Context, jobID string, seconds float64) error
	SetDetectedLanguage(ctx context.Context, jobID, language string) error

	RecordStageDuration(ctx context.Context, jobID string, stage Stage, seconds float64) error
	SetError(ctx context.Context, jobID, code, message string, failedStage Stage) error
	IncrementRetry(ctx context.Context, jobID string) (int, error)

	CompleteJob(ctx context.Context, jobID string) error
	FailJob(ctx context.Context, jobID, code, message string, failedStage Stage) error
	RequestCancel(ctx context.Context, jobID string) error
	FinalizeCancel(ctx context.Context, jobID string) error

	// AcquireRunnable returns up to limit jobs whose state is CREATED
	// or RUNNING and whose lease has expired, stamping a fresh lease
	// of leaseSeconds atomically as it returns them.
	AcquireRunnable(ctx context.Context, limit int, workerID string, leaseSeconds int) ([]*Job, error)

	// Upload sessions

	CreateSession(ctx context.Context, session *UploadSession) error
	GetSession(ctx context.Context, uploadID string) (*UploadSession, error)

	// PutChunk idempotently records a received chunk. If index was
	// already received with a different hash, it returns
	// ErrChunkConflict and leaves the session unchanged.
	PutChunk(ctx context.Context, uploadID string, index int, hash string) error

	CompleteSession(ctx context.Context, uploadID, storageKey string) error
	AbortSession(ctx context.Context, uploadID string) error
	ExpireSession(ctx context.Context, uploadID string) error

	// Assets

	// CreateAssets records kinds atomically: either all are recorded
	// or none are (on partial failure, already-recorded assets for
	// this call are rolled back).
	CreateAssets(ctx context.Context, jobID string, assets []Asset) error
	ListAssets(ctx context.Context, jobID string) ([]Asset, error)
	DeleteAssets(ctx context.Context, jobID string) error
}
