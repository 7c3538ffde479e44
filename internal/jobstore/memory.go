package jobstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository backed by maps
// guarded by a single mutex, suitable for development and tests. It
// is not durable across process restarts.
type MemoryRepository struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	sessions map[string]*UploadSession
	assets   map[string][]Asset // jobID -> assets
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:     make(map[string]*Job),
		sessions: make(map[string]*UploadSession),
		assets:   make(map[string][]Asset),
	}
}

// --- Jobs ---

func (r *MemoryRepository) CreateJob(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.JobID] = job.Clone()
	return nil
}

func (r *MemoryRepository) GetJob(_ context.Context, jobID string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

func (r *MemoryRepository) ListJobsByState(_ context.Context, state State, limit int) ([]*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Job
	for _, j := range r.jobs {
		if j.State == state {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListUserJobs(_ context.Context, ownerID string, filters JobFilters) ([]*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Job
	for _, j := range r.jobs {
		if j.OwnerID != ownerID {
			continue
		}
		if filters.State != "" && j.State != filters.State {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) UpdateStage(_ context.Context, jobID string, from, to Stage, initialProgress float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.CurrentStage != from {
		return ErrStageConflict
	}
	j.CurrentStage = to
	j.Progress = initialProgress
	j.UpdatedAt = time.Now()
	if to != StageCreated && j.State == StateCreated {
		j.State = StateRunning
	}
	return nil
}

func (r *MemoryRepository) UpdateStageProgress(_ context.Context, jobID string, stage Stage, progress float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.CurrentStage != stage {
		// Stale heartbeat from a stage we've already advanced past.
		return nil
	}
	j.Progress = progress
	j.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) RefreshLease(_ context.Context, jobID, workerID string, leaseSeconds int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.LeaseOwnerID = workerID
	j.LeaseExpiresAt = time.Now().Add(time.Duration(leaseSeconds) * time.Second)
	return nil
}

func (r *MemoryRepository) SetCheckpoint(_ context.Context, jobID string, stage Stage, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	cp := make(json.RawMessage, len(payload))
	copy(cp, payload)
	j.Checkpoints[stage] = cp
	j.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) GetCheckpoint(_ context.Context, jobID string, stage Stage) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	payload, ok := j.Checkpoints[stage]
	if !ok {
		return nil, nil
	}
	cp := make(json.RawMessage, len(payload))
	copy(cp, payload)
	return cp, nil
}

func (r *MemoryRepository) SetStoragePath(_ context.Context, jobID, name, blobKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.StoragePaths[name] = blobKey
	j.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) SetTotalDuration(_ context.Context, jobID string, seconds float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.TotalDurationSec = seconds
	j.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) SetDetectedLanguage(_ context.Context, jobID, language string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.DetectedLanguage = language
	j.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) RecordStageDuration(_ context.Context, jobID string, stage Stage, seconds float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.StageDurationsSec[stage] = seconds
	j.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) SetError(_ context.Context, jobID, code, message string, failedStage Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.Error = &ErrorInfo{Code: code, Message: message}
	j.FailedStage = failedStage
	j.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) IncrementRetry(_ context.Context, jobID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return 0, ErrJobNotFound
	}
	j.RetryCount++
	j.UpdatedAt = time.Now()
	return j.RetryCount, nil
}

func (r *MemoryRepository) CompleteJob(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	now := time.Now()
	j.State = StateComplete
	j.CurrentStage = StageComplete
	j.Progress = 1.0
	j.UpdatedAt = now
	j.CompletedAt = now
	return nil
}

func (r *MemoryRepository) FailJob(_ context.Context, jobID, code, message string, failedStage Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	now := time.Now()
	j.State = StateFailed
	j.Error = &ErrorInfo{Code: code, Message: message}
	j.FailedStage = failedStage
	j.UpdatedAt = now
	j.CompletedAt = now
	return nil
}

func (r *MemoryRepository) RequestCancel(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	j.CancelRequested = true
	j.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) FinalizeCancel(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	now := time.Now()
	j.State = StateCancelled
	j.UpdatedAt = now
	j.CompletedAt = now
	return nil
}

func (r *MemoryRepository) AcquireRunnable(_ context.Context, limit int, workerID string, leaseSeconds int) ([]*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var candidates []*Job
	for _, j := range r.jobs {
		if j.State != StateCreated && j.State != StateRunning {
			continue
		}
		if j.LeaseExpiresAt.After(now) {
			continue
		}
		candidates = append(candidates, j)
	}
	sort.Slice(candidates, func(i, k int) bool { return candidates[i].UpdatedAt.Before(candidates[k].UpdatedAt) })

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	lease := now.Add(time.Duration(leaseSeconds) * time.Second)
	out := make([]*Job, 0, len(candidates))
	for _, j := range candidates {
		j.LeaseOwnerID = workerID
		j.LeaseExpiresAt = lease
		if j.State == StateCreated {
			j.State = StateRunning
		}
		out = append(out, j.Clone())
	}
	return out, nil
}

// --- Upload sessions ---

func (r *MemoryRepository) CreateSession(_ context.Context, session *UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.UploadID] = session.Clone()
	return nil
}

func (r *MemoryRepository) GetSession(_ context.Context, uploadID string) (*UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[uploadID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (r *MemoryRepository) PutChunk(_ context.Context, uploadID string, index int, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[uploadID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.State != SessionOpen {
		return ErrSessionNotOpen
	}
	if index < 0 || index >= s.TotalChunks() {
		return ErrChunkIndexOutOfRange
	}
	if existing, received := s.ChunkHashes[index]; received && existing != hash {
		return ErrChunkConflict
	}
	s.ReceivedChunks[index] = true
	s.ChunkHashes[index] = hash
	return nil
}

func (r *MemoryRepository) CompleteSession(_ context.Context, uploadID, storageKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[uploadID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.State != SessionOpen {
		return ErrSessionNotOpen
	}
	if !s.IsComplete() {
		return ErrSessionIncomplete
	}
	s.State = SessionComplete
	s.StorageKey = storageKey
	return nil
}

func (r *MemoryRepository) AbortSession(_ context.Context, uploadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[uploadID]
	if !ok {
		return ErrSessionNotFound
	}
	s.State = SessionAborted
	return nil
}

func (r *MemoryRepository) ExpireSession(_ context.Context, uploadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[uploadID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.State == SessionComplete {
		return nil
	}
	s.State = SessionExpired
	return nil
}

// --- Assets ---

func (r *MemoryRepository) CreateAssets(_ context.Context, jobID string, assets []Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.assets[jobID]; len(existing) > 0 {
		return ErrAssetsAlreadyExist
	}
	cp := make([]Asset, len(assets))
	copy(cp, assets)
	r.assets[jobID] = cp
	return nil
}

func (r *MemoryRepository) ListAssets(_ context.Context, jobID string) ([]Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.assets[jobID]
	cp := make([]Asset, len(existing))
	copy(cp, existing)
	return cp, nil
}

func (r *MemoryRepository) DeleteAssets(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assets, jobID)
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
