// Package upload implements the Upload Session Manager: accepting a
// large file as fixed-size ordered chunks, surviving client
// disconnects, and assembling a single verified blob that becomes a
// new Job.
package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kdelacruz/transcribepipe/internal/blob"
	"github.com/kdelacruz/transcribepipe/internal/jobid"
	"github.com/kdelacruz/transcribepipe/internal/jobstore"
)

// Sentinel errors surfaced to the Job API layer.
var (
	ErrTooLarge         = errors.New("upload: total_size exceeds the configured ceiling")
	ErrUnsupportedType  = errors.New("upload: mime type is not audio")
	ErrWrongChunkLength = errors.New("upload: chunk byte length does not match the expected length")
	ErrHashMismatch     = errors.New("upload: assembled content hash does not match the client-supplied hash")
)

// Manager is the Upload Session Manager (C3).
type Manager struct {
	sessions   jobstore.Repository
	chunks     blob.Store
	assembled  blob.Store
	maxBytes   int64
	chunkSize  int64
	maxRetries int
}

// Option customizes a Manager at construction.
type Option func(*Manager)

// WithMaxRetries overrides the default max_retries stamped onto Jobs
// created at finalize.
func WithMaxRetries(n int) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// New builds a Manager. chunks and assembled may be the same Store;
// they are separated so a deployment can keep chunk scratch space on
// cheaper/short-lived storage than the final assembled blob.
func New(sessions jobstore.Repository, chunks, assembled blob.Store, maxBytes, chunkSize int64, opts ...Option) *Manager {
	m := &Manager{
		sessions:   sessions,
		chunks:     chunks,
		assembled:  assembled,
		maxBytes:   maxBytes,
		chunkSize:  chunkSize,
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func chunkKey(uploadID string, index int) string {
	return fmt.Sprintf("uploads/%s/chunks/%04d", uploadID, index)
}

func assembledKey(uploadID string) string {
	return fmt.Sprintf("uploads/%s/assembled", uploadID)
}

var audioMimePrefixes = []string{"audio/", "video/webm", "application/ogg"}

func isAudioMime(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	for _, p := range audioMimePrefixes {
		if strings.HasPrefix(mimeType, p) {
			return true
		}
	}
	return false
}

// CreateSession validates filename/total_size/mime_type and opens a
// new OPEN Upload Session with the server's fixed chunk_size.
func (m *Manager) CreateSession(ctx context.Context, ownerID, filename string, totalSize int64, mimeType, language string, enableDiarization bool, ttl time.Duration) (*jobstore.UploadSession, error) {
	if totalSize > m.maxBytes {
		return nil, ErrTooLarge
	}
	if !isAudioMime(mimeType) {
		return nil, ErrUnsupportedType
	}

	session := jobstore.NewUploadSession(jobid.NewUploadSession(), ownerID, filename, totalSize, mimeType, m.chunkSize, ttl).
		WithTranscriptionOptions(language, enableDiarization)

	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("upload: create session: %w", err)
	}
	return session, nil
}

// PutChunk accepts one ordered chunk's bytes. It hashes the chunk,
// records the hash with the Job Store for idempotent-reput detection,
// and only then persists the bytes — so a rejected (conflicting) chunk
// never overwrites the one already accepted at that index.
func (m *Manager) PutChunk(ctx context.Context, uploadID string, index int, data []byte) error {
	session, err := m.sessions.GetSession(ctx, uploadID)
	if err != nil {
		return err
	}
	if session.State != jobstore.SessionOpen {
		return jobstore.ErrSessionNotOpen
	}
	if index < 0 || index >= session.TotalChunks() {
		return jobstore.ErrChunkIndexOutOfRange
	}
	if want := session.ExpectedChunkSize(index); int64(len(data)) != want {
		return ErrWrongChunkLength
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if err := m.sessions.PutChunk(ctx, uploadID, index, hash); err != nil {
		return err
	}

	if _, err := m.chunks.PutStream(ctx, chunkKey(uploadID, index), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("upload: write chunk %d: %w", index, err)
	}
	return nil
}

// Finalize streams every chunk in index order into the assembled blob
// store, computes its content hash, optionally checks it against a
// client-supplied hash, and creates a new Job referencing it.
func (m *Manager) Finalize(ctx context.Context, uploadID, clientHash string) (string, error) {
	session, err := m.sessions.GetSession(ctx, uploadID)
	if err != nil {
		return "", err
	}
	if session.State != jobstore.SessionOpen {
		return "", jobstore.ErrSessionNotOpen
	}
	if !session.IsComplete() {
		return "", jobstore.ErrSessionIncomplete
	}

	key := assembledKey(uploadID)
	hasher := sha256.New()

	pr, pw := io.Pipe()
	go m.streamChunks(ctx, session, pw)

	info, err := m.assembled.PutStream(ctx, key, io.TeeReader(pr, hasher))
	if err != nil {
		return "", fmt.Errorf("upload: assemble blob: %w", err)
	}

	contentHash := hex.EncodeToString(hasher.Sum(nil))
	if clientHash != "" && !strings.EqualFold(clientHash, contentHash) {
		_ = m.assembled.Delete(ctx, key)
		return "", ErrHashMismatch
	}

	if err := m.sessions.CompleteSession(ctx, uploadID, key); err != nil {
		return "", fmt.Errorf("upload: complete session: %w", err)
	}

	jobID := jobid.NewJob()
	job := jobstore.NewJob(jobID, session.OwnerID, uploadID, info.SizeBytes, session.Language, session.EnableDiarization, m.maxRetries)
	job.StoragePaths["original"] = key

	if err := m.sessions.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("upload: create job: %w", err)
	}

	m.cleanupChunks(ctx, uploadID, session.TotalChunks())

	return jobID, nil
}

// streamChunks copies every chunk, in order, into pw. It always
// closes pw, with an error if any chunk read failed, so the reading
// side of the pipe observes the failure instead of hanging.
func (m *Manager) streamChunks(ctx context.Context, session *jobstore.UploadSession, pw *io.PipeWriter) {
	for i := 0; i < session.TotalChunks(); i++ {
		if err := ctx.Err(); err != nil {
			pw.CloseWithError(err)
			return
		}
		rc, err := m.chunks.OpenRead(ctx, chunkKey(session.UploadID, i))
		if err != nil {
			pw.CloseWithError(fmt.Errorf("upload: read chunk %d: %w", i, err))
			return
		}
		_, err = io.Copy(pw, rc)
		rc.Close()
		if err != nil {
			pw.CloseWithError(fmt.Errorf("upload: copy chunk %d: %w", i, err))
			return
		}
	}
	pw.Close()
}

func (m *Manager) cleanupChunks(ctx context.Context, uploadID string, total int) {
	for i := 0; i < total; i++ {
		_ = m.chunks.Delete(ctx, chunkKey(uploadID, i))
	}
}

// Abort transitions an OPEN session to ABORTED and releases its
// chunk storage.
func (m *Manager) Abort(ctx context.Context, uploadID string) error {
	session, err := m.sessions.GetSession(ctx, uploadID)
	if err != nil {
		return err
	}
	if err := m.sessions.AbortSession(ctx, uploadID); err != nil {
		return err
	}
	m.cleanupChunks(ctx, uploadID, session.TotalChunks())
	return nil
}

// Expire transitions a stale OPEN session to EXPIRED and releases its
// chunk storage. It is a no-op for sessions already COMPLETE.
func (m *Manager) Expire(ctx context.Context, uploadID string) error {
	session, err := m.sessions.GetSession(ctx, uploadID)
	if err != nil {
		return err
	}
	if err := m.sessions.ExpireSession(ctx, uploadID); err != nil {
		return err
	}
	if session.State != jobstore.SessionComplete {
		m.cleanupChunks(ctx, uploadID, session.TotalChunks())
	}
	return nil
}
