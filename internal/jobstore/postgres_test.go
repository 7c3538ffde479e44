package jobstore

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepositoryFromDB(db), mock
}

func TestPostgresRepository_UpdateStage_Success(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET current_stage")).
		WithArgs(StageTranscoding, 0.0, StateRunning, "job-1", StageValidating).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStage(context.Background(), "job-1", StageValidating, StageTranscoding, 0.0)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_UpdateStage_Conflict(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET current_stage")).
		WithArgs(StageTranscoding, 0.0, StateRunning, "job-1", StageValidating).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStage(context.Background(), "job-1", StageValidating, StageTranscoding, 0.0)
	require.ErrorIs(t, err, ErrStageConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_GetJob_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_GetJob_Found(t *testing.T) {
	repo, mock := newMockRepo(t)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{
		"job_id", "owner_id", "upload_id", "total_size", "total_duration_sec",
		"language", "detected_language", "enable_diarization",
		"current_stage", "state", "progress", "retry_count", "max_retries",
		"storage_paths", "checkpoints", "stage_durations_sec",
		"error_code", "error_message", "failed_stage",
		"cancel_requested", "lease_owner_id", "lease_expires_at",
		"created_at", "updated_at", "completed_at",
	}
	rows := sqlmock.NewRows(cols).AddRow(
		"job-1", "owner-1", "upload-1", int64(1000), 0.0,
		"AUTO", "", false,
		StageCreated, StateCreated, 0.0, 0, 3,
		[]byte(`{}`), []byte(`{}`), []byte(`{}`),
		nil, nil, nil,
		false, nil, nil,
		now, now, nil,
	)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).WithArgs("job-1").WillReturnRows(rows)

	job, err := repo.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, "job-1", job.JobID)
	require.Equal(t, StageCreated, job.CurrentStage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_IncrementRetry(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE jobs SET retry_count")).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(2))

	count, err := repo.IncrementRetry(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_CompleteJob(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET state")).
		WithArgs(StateComplete, StageComplete, "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CompleteJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_CreateAssets_AlreadyExist(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM assets")).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectRollback()

	err := repo.CreateAssets(context.Background(), "job-1", []Asset{
		NewAsset("asset-1", "job-1", AssetTXT, "key", 10),
	})
	require.ErrorIs(t, err, ErrAssetsAlreadyExist)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_CreateAssets_Success(t *testing.T) {
	repo, mock := newMockRepo(t)

	assets := []Asset{
		NewAsset("asset-1", "job-1", AssetTXT, "key-txt", 10),
		NewAsset("asset-2", "job-1", AssetJSON, "key-json", 20),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM assets")).
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assets")).
		WithArgs(assets[0].AssetID, assets[0].JobID, assets[0].Kind, assets[0].StorageKey, assets[0].ByteSize, assets[0].MimeType, assets[0].CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO assets")).
		WithArgs(assets[1].AssetID, assets[1].JobID, assets[1].Kind, assets[1].StorageKey, assets[1].ByteSize, assets[1].MimeType, assets[1].CreatedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.CreateAssets(context.Background(), "job-1", assets)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_RequestCancel(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET cancel_requested")).
		WithArgs("job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.RequestCancel(context.Background(), "job-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_AbortSession_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE upload_sessions SET state")).
		WithArgs(SessionAborted, "upload-missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.AbortSession(context.Background(), "upload-missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
