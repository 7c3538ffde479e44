package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // Postgres driver, registered via database/sql
)

// PostgresRepository is the durable Job Store backend: every job-row
// mutation in §4.2 maps to a single SQL statement so the CAS on
// current_stage (the statement's WHERE clause) is itself the atomicity
// guarantee — no application-level locking is needed. PutChunk and
// CreateAssets run inside transactions instead (see PutChunk).
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository opens a connection pool against dsn and
// verifies connectivity.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("jobstore: ping postgres: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

// NewPostgresRepositoryFromDB wraps an already-opened *sql.DB,
// primarily so tests can inject a sqlmock connection.
func NewPostgresRepositoryFromDB(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Close releases the underlying connection pool.
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

type jobRow struct {
	storagePaths      []byte
	checkpoints       []byte
	stageDurationsSec []byte
	errorCode         sql.NullString
	errorMessage      sql.NullString
	failedStage       sql.NullString
	leaseOwnerID      sql.NullString
	leaseExpiresAt    sql.NullTime
	completedAt       sql.NullTime
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	j := &Job{}
	row := jobRow{}
	err := scan(
		&j.JobID, &j.OwnerID, &j.UploadID, &j.TotalSize, &j.TotalDurationSec,
		&j.Language, &j.DetectedLanguage, &j.EnableDiarization,
		&j.CurrentStage, &j.State, &j.Progress, &j.RetryCount, &j.MaxRetries,
		&row.storagePaths, &row.checkpoints, &row.stageDurationsSec,
		&row.errorCode, &row.errorMessage, &row.failedStage,
		&j.CancelRequested, &row.leaseOwnerID, &row.leaseExpiresAt,
		&j.CreatedAt, &j.UpdatedAt, &row.completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(nonEmpty(row.storagePaths, "{}"), &j.StoragePaths); err != nil {
		return nil, fmt.Errorf("jobstore: decode storage_paths: %w", err)
	}
	if j.StoragePaths == nil {
		j.StoragePaths = make(map[string]string)
	}

	var checkpoints map[string]json.RawMessage
	if err := json.Unmarshal(nonEmpty(row.checkpoints, "{}"), &checkpoints); err != nil {
		return nil, fmt.Errorf("jobstore: decode checkpoints: %w", err)
	}
	j.Checkpoints = make(map[Stage]json.RawMessage, len(checkpoints))
	for k, v := range checkpoints {
		j.Checkpoints[Stage(k)] = v
	}

	var durations map[string]float64
	if err := json.Unmarshal(nonEmpty(row.stageDurationsSec, "{}"), &durations); err != nil {
		return nil, fmt.Errorf("jobstore: decode stage_durations: %w", err)
	}
	j.StageDurationsSec = make(map[Stage]float64, len(durations))
	for k, v := range durations {
		j.StageDurationsSec[Stage(k)] = v
	}

	if row.errorCode.Valid {
		j.Error = &ErrorInfo{Code: row.errorCode.String, Message: row.errorMessage.String}
	}
	if row.failedStage.Valid {
		j.FailedStage = Stage(row.failedStage.String)
	}
	if row.leaseOwnerID.Valid {
		j.LeaseOwnerID = row.leaseOwnerID.String
	}
	if row.leaseExpiresAt.Valid {
		j.LeaseExpiresAt = row.leaseExpiresAt.Time
	}
	if row.completedAt.Valid {
		j.CompletedAt = row.completedAt.Time
	}

	return j, nil
}

func nonEmpty(b []byte, fallback string) []byte {
	if len(b) == 0 {
		return []byte(fallback)
	}
	return b
}

const jobColumns = `job_id, owner_id, upload_id, total_size, total_duration_sec,
	language, detected_language, enable_diarization,
	current_stage, state, progress, retry_count, max_retries,
	storage_paths, checkpoints, stage_durations_sec,
	error_code, error_message, failed_stage,
	cancel_requested, lease_owner_id, lease_expires_at,
	created_at, updated_at, completed_at`

func (r *PostgresRepository) CreateJob(ctx context.Context, job *Job) error {
	storagePaths, _ := json.Marshal(job.StoragePaths)
	checkpoints, _ := json.Marshal(job.Checkpoints)
	durations, _ := json.Marshal(job.StageDurationsSec)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		job.JobID, job.OwnerID, job.UploadID, job.TotalSize, job.TotalDurationSec,
		job.Language, job.DetectedLanguage, job.EnableDiarization,
		job.CurrentStage, job.State, job.Progress, job.RetryCount, job.MaxRetries,
		storagePaths, checkpoints, durations,
		nil, nil, nil,
		job.CancelRequested, nil, nil,
		job.CreatedAt, job.UpdatedAt, nil,
	)
	if err != nil {
		return fmt.Errorf("jobstore: create job: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get job: %w", err)
	}
	return j, nil
}

func (r *PostgresRepository) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore: query jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("jobstore: scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListJobsByState(ctx context.Context, state State, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 1000
	}
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state = $1 ORDER BY created_at ASC LIMIT $2`, state, limit)
}

func (r *PostgresRepository) ListUserJobs(ctx context.Context, ownerID string, filters JobFilters) ([]*Job, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 1000
	}
	if filters.State != "" {
		return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE owner_id = $1 AND state = $2 ORDER BY created_at ASC LIMIT $3`,
			ownerID, filters.State, limit)
	}
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE owner_id = $1 ORDER BY created_at ASC LIMIT $2`, ownerID, limit)
}

func (r *PostgresRepository) UpdateStage(ctx context.Context, jobID string, from, to Stage, initialProgress float64) error {
	state := StateRunning
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET current_stage = $1, progress = $2, updated_at = now(),
			state = CASE WHEN state = 'CREATED' THEN $3 ELSE state END
		WHERE job_id = $4 AND current_stage = $5`,
		to, initialProgress, state, jobID, from,
	)
	if err != nil {
		return fmt.Errorf("jobstore: update stage: %w", err)
	}
	return checkCASResult(res)
}

func checkCASResult(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobstore: rows affected: %w", err)
	}
	if n == 0 {
		return ErrStageConflict
	}
	return nil
}

func (r *PostgresRepository) UpdateStageProgress(ctx context.Context, jobID string, stage Stage, progress float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET progress = $1, updated_at = now()
		WHERE job_id = $2 AND current_stage = $3`,
		progress, jobID, stage,
	)
	if err != nil {
		return fmt.Errorf("jobstore: update stage progress: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RefreshLease(ctx context.Context, jobID, workerID string, leaseSeconds int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET lease_owner_id = $1, lease_expires_at = now() + ($2 || ' seconds')::interval
		WHERE job_id = $3`,
		workerID, leaseSeconds, jobID,
	)
	if err != nil {
		return fmt.Errorf("jobstore: refresh lease: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetCheckpoint(ctx context.Context, jobID string, stage Stage, payload json.RawMessage) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET checkpoints = jsonb_set(coalesce(checkpoints, '{}'::jsonb), $1, $2::jsonb, true), updated_at = now()
		WHERE job_id = $3`,
		fmt.Sprintf("{%s}", stage), string(payload), jobID,
	)
	if err != nil {
		return fmt.Errorf("jobstore: set checkpoint: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetCheckpoint(ctx context.Context, jobID string, stage Stage) (json.RawMessage, error) {
	var raw sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT checkpoints -> $1 FROM jobs WHERE job_id = $2`, string(stage), jobID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get checkpoint: %w", err)
	}
	if !raw.Valid {
		return nil, nil
	}
	return json.RawMessage(raw.String), nil
}

func (r *PostgresRepository) SetStoragePath(ctx context.Context, jobID, name, blobKey string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET storage_paths = jsonb_set(coalesce(storage_paths, '{}'::jsonb), $1, to_jsonb($2::text), true), updated_at = now()
		WHERE job_id = $3`,
		fmt.Sprintf("{%s}", name), blobKey, jobID,
	)
	if err != nil {
		return fmt.Errorf("jobstore: set storage path: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetTotalDuration(ctx context.Context, jobID string, seconds float64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE jobs SET total_duration_sec = $1, updated_at = now() WHERE job_id = $2`, seconds, jobID)
	if err != nil {
		return fmt.Errorf("jobstore: set total duration: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetDetectedLanguage(ctx context.Context, jobID, language string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE jobs SET detected_language = $1, updated_at = now() WHERE job_id = $2`, language, jobID)
	if err != nil {
		return fmt.Errorf("jobstore: set detected language: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RecordStageDuration(ctx context.Context, jobID string, stage Stage, seconds float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET stage_durations_sec = jsonb_set(coalesce(stage_durations_sec, '{}'::jsonb), $1, to_jsonb($2::float8), true), updated_at = now()
		WHERE job_id = $3`,
		fmt.Sprintf("{%s}", stage), seconds, jobID,
	)
	if err != nil {
		return fmt.Errorf("jobstore: record stage duration: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SetError(ctx context.Context, jobID, code, message string, failedStage Stage) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET error_code = $1, error_message = $2, failed_stage = $3, updated_at = now()
		WHERE job_id = $4`,
		code, message, failedStage, jobID,
	)
	if err != nil {
		return fmt.Errorf("jobstore: set error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) IncrementRetry(ctx context.Context, jobID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		UPDATE jobs SET retry_count = retry_count + 1, updated_at = now()
		WHERE job_id = $1
		RETURNING retry_count`, jobID,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrJobNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("jobstore: increment retry: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) CompleteJob(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET state = $1, current_stage = $2, progress = 1.0, updated_at = now(), completed_at = now()
		WHERE job_id = $3`,
		StateComplete, StageComplete, jobID,
	)
	if err != nil {
		return fmt.Errorf("jobstore: complete job: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FailJob(ctx context.Context, jobID, code, message string, failedStage Stage) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET state = $1, error_code = $2, error_message = $3, failed_stage = $4,
			updated_at = now(), completed_at = now()
		WHERE job_id = $5`,
		StateFailed, code, message, failedStage, jobID,
	)
	if err != nil {
		return fmt.Errorf("jobstore: fail job: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RequestCancel(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE jobs SET cancel_requested = true, updated_at = now() WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("jobstore: request cancel: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FinalizeCancel(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET state = $1, updated_at = now(), completed_at = now() WHERE job_id = $2`,
		StateCancelled, jobID,
	)
	if err != nil {
		return fmt.Errorf("jobstore: finalize cancel: %w", err)
	}
	return nil
}

func (r *PostgresRepository) AcquireRunnable(ctx context.Context, limit int, workerID string, leaseSeconds int) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE jobs SET
			lease_owner_id = $1,
			lease_expires_at = now() + ($2 || ' seconds')::interval,
			state = CASE WHEN state = 'CREATED' THEN 'RUNNING' ELSE state END,
			updated_at = now()
		WHERE job_id IN (
			SELECT job_id FROM jobs
			WHERE state IN ('CREATED', 'RUNNING') AND (lease_expires_at IS NULL OR lease_expires_at <= now())
			ORDER BY updated_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		workerID, leaseSeconds, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("jobstore: acquire runnable: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("jobstore: scan acquired job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- Upload sessions ---

const sessionColumns = `upload_id, owner_id, filename, total_size, mime_type, chunk_size,
	received_chunks, chunk_hashes, storage_key, state, language, enable_diarization, created_at, expires_at`

func scanSession(scan func(dest ...any) error) (*UploadSession, error) {
	s := &UploadSession{}
	var received, hashes []byte
	var storageKey sql.NullString
	err := scan(
		&s.UploadID, &s.OwnerID, &s.Filename, &s.TotalSize, &s.MimeType, &s.ChunkSize,
		&received, &hashes, &storageKey, &s.State, &s.Language, &s.EnableDiarization, &s.CreatedAt, &s.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	var receivedList []int
	if err := json.Unmarshal(nonEmpty(received, "[]"), &receivedList); err != nil {
		return nil, fmt.Errorf("jobstore: decode received_chunks: %w", err)
	}
	s.ReceivedChunks = make(map[int]bool, len(receivedList))
	for _, idx := range receivedList {
		s.ReceivedChunks[idx] = true
	}

	var hashMap map[string]string
	if err := json.Unmarshal(nonEmpty(hashes, "{}"), &hashMap); err != nil {
		return nil, fmt.Errorf("jobstore: decode chunk_hashes: %w", err)
	}
	s.ChunkHashes = make(map[int]string, len(hashMap))
	for k, v := range hashMap {
		var idx int
		if _, err := fmt.Sscanf(k, "%d", &idx); err == nil {
			s.ChunkHashes[idx] = v
		}
	}

	if storageKey.Valid {
		s.StorageKey = storageKey.String
	}
	return s, nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, session *UploadSession) error {
	receivedList := make([]int, 0, len(session.ReceivedChunks))
	for idx := range session.ReceivedChunks {
		receivedList = append(receivedList, idx)
	}
	received, _ := json.Marshal(receivedList)

	hashMap := make(map[string]string, len(session.ChunkHashes))
	for idx, h := range session.ChunkHashes {
		hashMap[fmt.Sprintf("%d", idx)] = h
	}
	hashes, _ := json.Marshal(hashMap)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO upload_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		session.UploadID, session.OwnerID, session.Filename, session.TotalSize, session.MimeType, session.ChunkSize,
		received, hashes, nil, session.State, session.Language, session.EnableDiarization, session.CreatedAt, session.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("jobstore: create session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetSession(ctx context.Context, uploadID string) (*UploadSession, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE upload_id = $1`, uploadID)
	s, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get session: %w", err)
	}
	return s, nil
}

// PutChunk is implemented as read-modify-write inside a transaction:
// Postgres has no single-statement "insert into JSON set unless
// conflicting key" primitive, so the transaction's row lock is the
// atomicity boundary instead of a WHERE-clause CAS.
func (r *PostgresRepository) PutChunk(ctx context.Context, uploadID string, index int, hash string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE upload_id = $1 FOR UPDATE`, uploadID)
	s, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("jobstore: put chunk: read session: %w", err)
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

	receivedList := make([]int, 0, len(s.ReceivedChunks))
	for idx := range s.ReceivedChunks {
		receivedList = append(receivedList, idx)
	}
	received, _ := json.Marshal(receivedList)

	hashMap := make(map[string]string, len(s.ChunkHashes))
	for idx, h := range s.ChunkHashes {
		hashMap[fmt.Sprintf("%d", idx)] = h
	}
	hashes, _ := json.Marshal(hashMap)

	_, err = tx.ExecContext(ctx, `UPDATE upload_sessions SET received_chunks = $1, chunk_hashes = $2 WHERE upload_id = $3`,
		received, hashes, uploadID)
	if err != nil {
		return fmt.Errorf("jobstore: put chunk: write session: %w", err)
	}

	return tx.Commit()
}

// CompleteSession transitions an upload session to SessionComplete.
// IsComplete() needs the full received-chunks set to evaluate, so a
// plain read establishes that precondition, but the state transition
// itself is a WHERE-clause CAS (state = $4) exactly like UpdateStage,
// so two concurrent finalizes can't both win: only the first UPDATE
// sees state = OPEN and affects a row, the second gets RowsAffected
// == 0 and reports the conflict instead of silently double-completing.
func (r *PostgresRepository) CompleteSession(ctx context.Context, uploadID, storageKey string) error {
	session, err := r.GetSession(ctx, uploadID)
	if err != nil {
		return err
	}
	if session.State != SessionOpen {
		return ErrSessionNotOpen
	}
	if !session.IsComplete() {
		return ErrSessionIncomplete
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE upload_sessions SET state = $1, storage_key = $2 WHERE upload_id = $3 AND state = $4`,
		SessionComplete, storageKey, uploadID, SessionOpen,
	)
	if err != nil {
		return fmt.Errorf("jobstore: complete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobstore: rows affected: %w", err)
	}
	if n == 0 {
		return ErrSessionNotOpen
	}
	return nil
}

func (r *PostgresRepository) AbortSession(ctx context.Context, uploadID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE upload_sessions SET state = $1 WHERE upload_id = $2`, SessionAborted, uploadID)
	if err != nil {
		return fmt.Errorf("jobstore: abort session: %w", err)
	}
	return checkFound(res)
}

func (r *PostgresRepository) ExpireSession(ctx context.Context, uploadID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_sessions SET state = $1 WHERE upload_id = $2 AND state != $3`,
		SessionExpired, uploadID, SessionComplete,
	)
	if err != nil {
		return fmt.Errorf("jobstore: expire session: %w", err)
	}
	_ = res
	return nil
}

func checkFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobstore: rows affected: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// --- Assets ---

func (r *PostgresRepository) CreateAssets(ctx context.Context, jobID string, assets []Asset) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobstore: begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM assets WHERE job_id = $1`, jobID).Scan(&existing); err != nil {
		return fmt.Errorf("jobstore: check existing assets: %w", err)
	}
	if existing > 0 {
		return ErrAssetsAlreadyExist
	}

	for _, a := range assets {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO assets (asset_id, job_id, kind, storage_key, byte_size, mime_type, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			a.AssetID, a.JobID, a.Kind, a.StorageKey, a.ByteSize, a.MimeType, a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("jobstore: insert asset %s: %w", a.Kind, err)
		}
	}

	return tx.Commit()
}

func (r *PostgresRepository) ListAssets(ctx context.Context, jobID string) ([]Asset, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT asset_id, job_id, kind, storage_key, byte_size, mime_type, created_at
		FROM assets WHERE job_id = $1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list assets: %w", err)
	}
	defer rows.Close()

	var out []Asset
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.AssetID, &a.JobID, &a.Kind, &a.StorageKey, &a.ByteSize, &a.MimeType, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("jobstore: scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteAssets(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM assets WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("jobstore: delete assets: %w", err)
	}
	return nil
}

var _ Repository = (*PostgresRepository)(nil)
