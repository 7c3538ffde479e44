package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/kdelacruz/transcribepipe/internal/blob"
	"github.com/kdelacruz/transcribepipe/internal/jobstore"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, jobstore.Repository, blob.Store) {
	t.Helper()
	repo := jobstore.NewMemoryRepository()
	store, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	mgr := New(repo, store, store, 5*1024*1024*1024, 8*1024*1024)
	return mgr, repo, store
}

func TestManager_CreateSession_TooLarge(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.CreateSession(context.Background(), "owner-1", "f.mp3", 6*1024*1024*1024, "audio/mpeg", "AUTO", false, time.Hour)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestManager_CreateSession_UnsupportedType(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	_, err := mgr.CreateSession(context.Background(), "owner-1", "f.txt", 100, "text/plain", "AUTO", false, time.Hour)
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func TestManager_CreateSession_Success(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	session, err := mgr.CreateSession(context.Background(), "owner-1", "f.mp3", 1000, "audio/mpeg", "en", true, time.Hour)
	require.NoError(t, err)
	require.Equal(t, jobstore.SessionOpen, session.State)
	require.Equal(t, int64(8*1024*1024), session.ChunkSize)
	require.Equal(t, "en", session.Language)
	require.True(t, session.EnableDiarization)
}

func TestManager_FullLifecycle_HappyPath(t *testing.T) {
	mgr, repo, _ := newTestManager(t)
	ctx := context.Background()

	chunkSize := 8 * 1024 * 1024
	totalSize := int64(chunkSize*2 + 100)

	chunkStore, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	assembledStore, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	mgr = New(repo, chunkStore, assembledStore, 5*1024*1024*1024, int64(chunkSize))

	session, err := mgr.CreateSession(ctx, "owner-1", "f.mp3", totalSize, "audio/mpeg", "en", false, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 3, session.TotalChunks())

	chunk0 := bytes.Repeat([]byte{0xAA}, chunkSize)
	chunk1 := bytes.Repeat([]byte{0xBB}, chunkSize)
	chunk2 := bytes.Repeat([]byte{0xCC}, 100)

	require.NoError(t, mgr.PutChunk(ctx, session.UploadID, 0, chunk0))
	require.NoError(t, mgr.PutChunk(ctx, session.UploadID, 1, chunk1))
	require.NoError(t, mgr.PutChunk(ctx, session.UploadID, 2, chunk2))

	full := append(append(append([]byte{}, chunk0...), chunk1...), chunk2...)
	sum := sha256.Sum256(full)
	contentHash := hex.EncodeToString(sum[:])

	jobID, err := mgr.Finalize(ctx, session.UploadID, contentHash)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := repo.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, "en", job.Language)
	require.Equal(t, totalSize, job.TotalSize)
	require.Equal(t, jobstore.StageCreated, job.CurrentStage)

	gotSession, err := repo.GetSession(ctx, session.UploadID)
	require.NoError(t, err)
	require.Equal(t, jobstore.SessionComplete, gotSession.State)
}

func TestManager_Finalize_HashMismatch(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	session, err := mgr.CreateSession(ctx, "owner-1", "f.mp3", 10, "audio/mpeg", "AUTO", false, time.Hour)
	require.NoError(t, err)

	// chunk_size is large relative to total_size, so there's exactly one chunk.
	data := []byte("0123456789")
	require.NoError(t, mgr.PutChunk(ctx, session.UploadID, 0, data))

	_, err = mgr.Finalize(ctx, session.UploadID, "deadbeef")
	require.ErrorIs(t, err, ErrHashMismatch)

	gotSession, err := mgr.sessions.GetSession(ctx, session.UploadID)
	require.NoError(t, err)
	require.Equal(t, jobstore.SessionOpen, gotSession.State)
}

func TestManager_Finalize_Incomplete(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	session, err := mgr.CreateSession(ctx, "owner-1", "f.mp3", int64(8*1024*1024*2), "audio/mpeg", "AUTO", false, time.Hour)
	require.NoError(t, err)

	require.NoError(t, mgr.PutChunk(ctx, session.UploadID, 0, bytes.Repeat([]byte{1}, 8*1024*1024)))

	_, err = mgr.Finalize(ctx, session.UploadID, "")
	require.ErrorIs(t, err, jobstore.ErrSessionIncomplete)
}

func TestManager_PutChunk_WrongLength(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	session, err := mgr.CreateSession(ctx, "owner-1", "f.mp3", 1000, "audio/mpeg", "AUTO", false, time.Hour)
	require.NoError(t, err)

	err = mgr.PutChunk(ctx, session.UploadID, 0, []byte("too short"))
	require.ErrorIs(t, err, ErrWrongChunkLength)
}

func TestManager_PutChunk_IdempotentRePut(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	session, err := mgr.CreateSession(ctx, "owner-1", "f.mp3", 10, "audio/mpeg", "AUTO", false, time.Hour)
	require.NoError(t, err)

	data := []byte("0123456789")
	require.NoError(t, mgr.PutChunk(ctx, session.UploadID, 0, data))
	require.NoError(t, mgr.PutChunk(ctx, session.UploadID, 0, data))
}

func TestManager_PutChunk_Conflict(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	ctx := context.Background()

	session, err := mgr.CreateSession(ctx, "owner-1", "f.mp3", 10, "audio/mpeg", "AUTO", false, time.Hour)
	require.NoError(t, err)

	require.NoError(t, mgr.PutChunk(ctx, session.UploadID, 0, []byte("0123456789")))
	err = mgr.PutChunk(ctx, session.UploadID, 0, []byte("9876543210"))
	require.ErrorIs(t, err, jobstore.ErrChunkConflict)
}

func TestManager_Abort_ReleasesChunks(t *testing.T) {
	mgr, _, store := newTestManager(t)
	ctx := context.Background()

	session, err := mgr.CreateSession(ctx, "owner-1", "f.mp3", 10, "audio/mpeg", "AUTO", false, time.Hour)
	require.NoError(t, err)
	require.NoError(t, mgr.PutChunk(ctx, session.UploadID, 0, []byte("0123456789")))

	require.NoError(t, mgr.Abort(ctx, session.UploadID))

	gotSession, err := mgr.sessions.GetSession(ctx, session.UploadID)
	require.NoError(t, err)
	require.Equal(t, jobstore.SessionAborted, gotSession.State)

	_, err = store.OpenRead(ctx, chunkKey(session.UploadID, 0))
	require.ErrorIs(t, err, blob.ErrNotFound)
}
