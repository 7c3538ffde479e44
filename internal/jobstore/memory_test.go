package jobstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob() *Job {
	return NewJob("job-1", "owner-1", "upload-1", 1024, AutoLanguage, false, 3)
}

func TestMemoryRepository_CreateAndGetJob(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := newTestJob()

	require.NoError(t, repo.CreateJob(ctx, job))

	got, err := repo.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)
	assert.Equal(t, StageCreated, got.CurrentStage)
	assert.Equal(t, StateCreated, got.State)
}

func TestMemoryRepository_GetJob_NotFound(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestMemoryRepository_GetJob_ReturnsClone(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := newTestJob()
	require.NoError(t, repo.CreateJob(ctx, job))

	got, err := repo.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	got.Progress = 0.99
	got.StoragePaths["x"] = "y"

	original, err := repo.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, original.Progress)
	assert.NotContains(t, original.StoragePaths, "x")
}

func TestMemoryRepository_UpdateStage_CAS(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := newTestJob()
	require.NoError(t, repo.CreateJob(ctx, job))

	require.NoError(t, repo.UpdateStage(ctx, job.JobID, StageCreated, StageValidating, 0))

	got, err := repo.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StageValidating, got.CurrentStage)
	assert.Equal(t, StateRunning, got.State)
}

func TestMemoryRepository_UpdateStage_ConflictWhenStolen(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := newTestJob()
	require.NoError(t, repo.CreateJob(ctx, job))

	require.NoError(t, repo.UpdateStage(ctx, job.JobID, StageCreated, StageValidating, 0))

	// A second worker believes the job is still at CREATED; its CAS must fail.
	err := repo.UpdateStage(ctx, job.JobID, StageCreated, StageValidating, 0)
	assert.ErrorIs(t, err, ErrStageConflict)
}

func TestMemoryRepository_UpdateStageProgress_IgnoresStaleStage(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := newTestJob()
	require.NoError(t, repo.CreateJob(ctx, job))
	require.NoError(t, repo.UpdateStage(ctx, job.JobID, StageCreated, StageValidating, 0))
	require.NoError(t, repo.UpdateStage(ctx, job.JobID, StageValidating, StageTranscoding, 0))

	// Heartbeat referencing the stage we've already moved past is a no-op.
	err := repo.UpdateStageProgress(ctx, job.JobID, StageValidating, 0.5)
	require.NoError(t, err)

	got, err := repo.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Progress)
}

func TestMemoryRepository_CheckpointRoundTrip(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := newTestJob()
	require.NoError(t, repo.CreateJob(ctx, job))

	payload := json.RawMessage(`{"segments":[1,2,3]}`)
	require.NoError(t, repo.SetCheckpoint(ctx, job.JobID, StageSegmenting, payload))

	got, err := repo.GetCheckpoint(ctx, job.JobID, StageSegmenting)
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(got))

	missing, err := repo.GetCheckpoint(ctx, job.JobID, StageTranscribing)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryRepository_IncrementRetry(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := newTestJob()
	require.NoError(t, repo.CreateJob(ctx, job))

	n, err := repo.IncrementRetry(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = repo.IncrementRetry(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryRepository_CompleteJob(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := newTestJob()
	require.NoError(t, repo.CreateJob(ctx, job))

	require.NoError(t, repo.CompleteJob(ctx, job.JobID))

	got, err := repo.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, got.State)
	assert.Equal(t, StageComplete, got.CurrentStage)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestMemoryRepository_FailJob(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := newTestJob()
	require.NoError(t, repo.CreateJob(ctx, job))

	require.NoError(t, repo.FailJob(ctx, job.JobID, "TRANSCODE_FAILED", "ffmpeg exited 1", StageTranscoding))

	got, err := repo.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, "TRANSCODE_FAILED", got.Error.Code)
	assert.Equal(t, StageTranscoding, got.FailedStage)
}

func TestMemoryRepository_CancelLifecycle(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := newTestJob()
	require.NoError(t, repo.CreateJob(ctx, job))

	require.NoError(t, repo.RequestCancel(ctx, job.JobID))
	got, err := repo.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.NotEqual(t, StateCancelled, got.State) // cooperative, not immediate

	require.NoError(t, repo.FinalizeCancel(ctx, job.JobID))
	got, err = repo.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
}

func TestMemoryRepository_AcquireRunnable_RespectsLease(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := newTestJob()
	require.NoError(t, repo.CreateJob(ctx, job))

	jobs, err := repo.AcquireRunnable(ctx, 10, "worker-a", 300)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, StateRunning, jobs[0].State)

	// Lease is fresh; a second worker must not also acquire it.
	jobs, err = repo.AcquireRunnable(ctx, 10, "worker-b", 300)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestMemoryRepository_AcquireRunnable_ReclaimsExpiredLease(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := newTestJob()
	require.NoError(t, repo.CreateJob(ctx, job))

	_, err := repo.AcquireRunnable(ctx, 10, "worker-a", 0)
	require.NoError(t, err)

	// A zero-second lease is already expired by the time we poll again.
	time.Sleep(time.Millisecond)
	jobs, err := repo.AcquireRunnable(ctx, 10, "worker-b", 300)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "worker-b", jobs[0].LeaseOwnerID)
}

func TestMemoryRepository_ListJobsByState(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	j1 := NewJob("job-1", "owner-1", "upload-1", 10, AutoLanguage, false, 3)
	j2 := NewJob("job-2", "owner-1", "upload-2", 10, AutoLanguage, false, 3)
	require.NoError(t, repo.CreateJob(ctx, j1))
	require.NoError(t, repo.CreateJob(ctx, j2))
	require.NoError(t, repo.CompleteJob(ctx, j2.JobID))

	created, err := repo.ListJobsByState(ctx, StateCreated, 10)
	require.NoError(t, err)
	assert.Len(t, created, 1)

	completed, err := repo.ListJobsByState(ctx, StateComplete, 10)
	require.NoError(t, err)
	assert.Len(t, completed, 1)
}

func TestMemoryRepository_UploadSession_ChunkLifecycle(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	session := NewUploadSession("upload-1", "owner-1", "audio.wav", 20, "audio/wav", 8, 24*time.Hour)
	require.NoError(t, repo.CreateSession(ctx, session))

	require.NoError(t, repo.PutChunk(ctx, "upload-1", 0, "hash0"))
	require.NoError(t, repo.PutChunk(ctx, "upload-1", 1, "hash1"))

	got, err := repo.GetSession(ctx, "upload-1")
	require.NoError(t, err)
	assert.False(t, got.IsComplete()) // 3 chunks expected: ceil(20/8)=3

	require.NoError(t, repo.PutChunk(ctx, "upload-1", 2, "hash2"))
	got, err = repo.GetSession(ctx, "upload-1")
	require.NoError(t, err)
	assert.True(t, got.IsComplete())

	require.NoError(t, repo.CompleteSession(ctx, "upload-1", "blob-key-1"))
	got, err = repo.GetSession(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, SessionComplete, got.State)
	assert.Equal(t, "blob-key-1", got.StorageKey)
}

func TestMemoryRepository_PutChunk_IdempotentRePut(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	session := NewUploadSession("upload-1", "owner-1", "audio.wav", 20, "audio/wav", 8, 24*time.Hour)
	require.NoError(t, repo.CreateSession(ctx, session))

	require.NoError(t, repo.PutChunk(ctx, "upload-1", 1, "samehash"))
	// Re-PUT with identical bytes (same hash) succeeds.
	require.NoError(t, repo.PutChunk(ctx, "upload-1", 1, "samehash"))
}

func TestMemoryRepository_PutChunk_Conflict(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	session := NewUploadSession("upload-1", "owner-1", "audio.wav", 20, "audio/wav", 8, 24*time.Hour)
	require.NoError(t, repo.CreateSession(ctx, session))

	require.NoError(t, repo.PutChunk(ctx, "upload-1", 1, "hash-a"))
	err := repo.PutChunk(ctx, "upload-1", 1, "hash-b")
	assert.ErrorIs(t, err, ErrChunkConflict)

	got, err := repo.GetSession(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-a", got.ChunkHashes[1]) // unchanged
}

func TestMemoryRepository_CompleteSession_Incomplete(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	session := NewUploadSession("upload-1", "owner-1", "audio.wav", 20, "audio/wav", 8, 24*time.Hour)
	require.NoError(t, repo.CreateSession(ctx, session))
	require.NoError(t, repo.PutChunk(ctx, "upload-1", 0, "hash0"))

	err := repo.CompleteSession(ctx, "upload-1", "blob-key")
	assert.ErrorIs(t, err, ErrSessionIncomplete)
}

func TestMemoryRepository_Assets_AtomicCreateAndRollback(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	assets := []Asset{
		NewAsset("asset-1", "job-1", AssetTXT, "k1", 10),
		NewAsset("asset-2", "job-1", AssetJSON, "k2", 20),
		NewAsset("asset-3", "job-1", AssetSRT, "k3", 30),
		NewAsset("asset-4", "job-1", AssetVTT, "k4", 40),
	}
	require.NoError(t, repo.CreateAssets(ctx, "job-1", assets))

	got, err := repo.ListAssets(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, got, 4)

	err = repo.CreateAssets(ctx, "job-1", assets)
	assert.ErrorIs(t, err, ErrAssetsAlreadyExist)

	require.NoError(t, repo.DeleteAssets(ctx, "job-1"))
	got, err = repo.ListAssets(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryRepository_ConcurrentAccess(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	done := make(chan bool)

	go func() {
		for i := 0; i < 100; i++ {
			j := NewJob(jobIDFor(i), "owner", "upload", 10, AutoLanguage, false, 3)
			_ = repo.CreateJob(ctx, j)
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 100; i++ {
			_, _ = repo.ListJobsByState(ctx, StateCreated, 0)
		}
		done <- true
	}()

	<-done
	<-done
}

func jobIDFor(i int) string {
	return "job-concurrent-" + string(rune('a'+i%26)) + string(rune('0'+i%10))
}
