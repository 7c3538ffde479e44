package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRepository is the lease/CAS fast-path backend: jobs are stored
// as Redis hashes under job:{id} (map-valued fields JSON-encoded), with
// update_stage implemented as a
// Lua script so the read-compare-write is a single atomic round trip
// instead of a client-side WATCH/MULTI retry loop.
type RedisRepository struct {
	rdb *redis.Client
}

// NewRedisRepository wraps an already-constructed client, primarily so
// tests can point it at a miniredis instance.
func NewRedisRepository(rdb *redis.Client) *RedisRepository {
	return &RedisRepository{rdb: rdb}
}

func jobKey(jobID string) string     { return "job:" + jobID }
func sessionKey(id string) string    { return "session:" + id }
func assetsKey(jobID string) string  { return "assets:" + jobID }
func jobsByState(s State) string     { return "jobs_by_state:" + string(s) }
func jobsIndex() string              { return "jobs_index" }

// updateStageScript atomically loads the job hash, checks
// current_stage == from, and if so sets current_stage/progress/state
// and bumps updated_at. Returns 1 on success, 0 on CAS conflict, -1 if
// the job does not exist.
var updateStageScript = redis.NewScript(`
local key = KEYS[1]
local from = ARGV[1]
local to = ARGV[2]
local progress = ARGV[3]
local now = ARGV[4]

local current = redis.call('HGET', key, 'current_stage')
if not current then
	return -1
end
if current ~= from then
	return 0
end

redis.call('HSET', key, 'current_stage', to, 'progress', progress, 'updated_at', now)
local state = redis.call('HGET', key, 'state')
if state == 'CREATED' then
	redis.call('HSET', key, 'state', 'RUNNING')
end
return 1
`)

func (r *RedisRepository) UpdateStage(ctx context.Context, jobID string, from, to Stage, initialProgress float64) error {
	res, err := updateStageScript.Run(ctx, r.rdb, []string{jobKey(jobID)},
		string(from), string(to), initialProgress, time.Now().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("jobstore: redis update stage: %w", err)
	}
	switch res {
	case -1:
		return ErrJobNotFound
	case 0:
		return ErrStageConflict
	default:
		return nil
	}
}

func (r *RedisRepository) marshalJob(job *Job) (map[string]any, error) {
	storagePaths, err := json.Marshal(job.StoragePaths)
	if err != nil {
		return nil, err
	}
	checkpoints, err := json.Marshal(job.Checkpoints)
	if err != nil {
		return nil, err
	}
	durations, err := json.Marshal(job.StageDurationsSec)
	if err != nil {
		return nil, err
	}
	var errCode, errMsg string
	if job.Error != nil {
		errCode, errMsg = job.Error.Code, job.Error.Message
	}
	return map[string]any{
		"job_id":             job.JobID,
		"owner_id":           job.OwnerID,
		"upload_id":          job.UploadID,
		"total_size":         job.TotalSize,
		"total_duration_sec": job.TotalDurationSec,
		"language":           job.Language,
		"detected_language":  job.DetectedLanguage,
		"enable_diarization": job.EnableDiarization,
		"current_stage":      string(job.CurrentStage),
		"state":              string(job.State),
		"progress":           job.Progress,
		"retry_count":        job.RetryCount,
		"max_retries":        job.MaxRetries,
		"storage_paths":      string(storagePaths),
		"checkpoints":        string(checkpoints),
		"stage_durations_sec": string(durations),
		"error_code":         errCode,
		"error_message":      errMsg,
		"failed_stage":       string(job.FailedStage),
		"cancel_requested":   job.CancelRequested,
		"lease_owner_id":     job.LeaseOwnerID,
		"lease_expires_at":   job.LeaseExpiresAt.Format(time.RFC3339Nano),
		"created_at":         job.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":         job.UpdatedAt.Format(time.RFC3339Nano),
		"completed_at":       job.CompletedAt.Format(time.RFC3339Nano),
	}, nil
}

func parseTimeField(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (r *RedisRepository) unmarshalJob(fields map[string]string) (*Job, error) {
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	j := &Job{
		JobID:             fields["job_id"],
		OwnerID:           fields["owner_id"],
		UploadID:          fields["upload_id"],
		Language:          fields["language"],
		DetectedLanguage:  fields["detected_language"],
		CurrentStage:      Stage(fields["current_stage"]),
		State:             State(fields["state"]),
		FailedStage:       Stage(fields["failed_stage"]),
		LeaseOwnerID:      fields["lease_owner_id"],
	}
	fmt.Sscanf(fields["total_size"], "%d", &j.TotalSize)
	fmt.Sscanf(fields["total_duration_sec"], "%g", &j.TotalDurationSec)
	j.EnableDiarization = fields["enable_diarization"] == "1" || fields["enable_diarization"] == "true"
	fmt.Sscanf(fields["progress"], "%g", &j.Progress)
	fmt.Sscanf(fields["retry_count"], "%d", &j.RetryCount)
	fmt.Sscanf(fields["max_retries"], "%d", &j.MaxRetries)
	j.CancelRequested = fields["cancel_requested"] == "1" || fields["cancel_requested"] == "true"

	if err := json.Unmarshal(nonEmpty([]byte(fields["storage_paths"]), "{}"), &j.StoragePaths); err != nil {
		return nil, fmt.Errorf("jobstore: decode storage_paths: %w", err)
	}
	if j.StoragePaths == nil {
		j.StoragePaths = make(map[string]string)
	}

	var checkpoints map[string]json.RawMessage
	if err := json.Unmarshal(nonEmpty([]byte(fields["checkpoints"]), "{}"), &checkpoints); err != nil {
		return nil, fmt.Errorf("jobstore: decode checkpoints: %w", err)
	}
	j.Checkpoints = make(map[Stage]json.RawMessage, len(checkpoints))
	for k, v := range checkpoints {
		j.Checkpoints[Stage(k)] = v
	}

	var durations map[string]float64
	if err := json.Unmarshal(nonEmpty([]byte(fields["stage_durations_sec"]), "{}"), &durations); err != nil {
		return nil, fmt.Errorf("jobstore: decode stage_durations: %w", err)
	}
	j.StageDurationsSec = make(map[Stage]float64, len(durations))
	for k, v := range durations {
		j.StageDurationsSec[Stage(k)] = v
	}

	if fields["error_code"] != "" {
		j.Error = &ErrorInfo{Code: fields["error_code"], Message: fields["error_message"]}
	}

	j.LeaseExpiresAt = parseTimeField(fields["lease_expires_at"])
	j.CreatedAt = parseTimeField(fields["created_at"])
	j.UpdatedAt = parseTimeField(fields["updated_at"])
	j.CompletedAt = parseTimeField(fields["completed_at"])

	return j, nil
}

func (r *RedisRepository) CreateJob(ctx context.Context, job *Job) error {
	fields, err := r.marshalJob(job)
	if err != nil {
		return fmt.Errorf("jobstore: marshal job: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.JobID), fields)
	pipe.SAdd(ctx, jobsIndex(), job.JobID)
	pipe.SAdd(ctx, jobsByState(job.State), job.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobstore: redis create job: %w", err)
	}
	return nil
}

func (r *RedisRepository) GetJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := r.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore: redis get job: %w", err)
	}
	return r.unmarshalJob(fields)
}

func (r *RedisRepository) ListJobsByState(ctx context.Context, state State, limit int) ([]*Job, error) {
	ids, err := r.rdb.SMembers(ctx, jobsByState(state)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore: redis list by state: %w", err)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := r.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (r *RedisRepository) ListUserJobs(ctx context.Context, ownerID string, filters JobFilters) ([]*Job, error) {
	ids, err := r.rdb.SMembers(ctx, jobsIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore: redis list user jobs: %w", err)
	}
	sort.Strings(ids)
	out := make([]*Job, 0)
	for _, id := range ids {
		j, err := r.GetJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if j.OwnerID != ownerID {
			continue
		}
		if filters.State != "" && j.State != filters.State {
			continue
		}
		out = append(out, j)
		if filters.Limit > 0 && len(out) >= filters.Limit {
			break
		}
	}
	return out, nil
}

func (r *RedisRepository) moveStateIndex(ctx context.Context, jobID string, from, to State) {
	pipe := r.rdb.TxPipeline()
	if from != "" {
		pipe.SRem(ctx, jobsByState(from), jobID)
	}
	pipe.SAdd(ctx, jobsByState(to), jobID)
	pipe.Exec(ctx)
}

func (r *RedisRepository) UpdateStageProgress(ctx context.Context, jobID string, stage Stage, progress float64) error {
	current, err := r.rdb.HGet(ctx, jobKey(jobID), "current_stage").Result()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("jobstore: redis update stage progress: %w", err)
	}
	if current != string(stage) {
		return nil
	}
	return r.rdb.HSet(ctx, jobKey(jobID), "progress", progress, "updated_at", time.Now().Format(time.RFC3339Nano)).Err()
}

func (r *RedisRepository) RefreshLease(ctx context.Context, jobID, workerID string, leaseSeconds int) error {
	expires := time.Now().Add(time.Duration(leaseSeconds) * time.Second)
	return r.rdb.HSet(ctx, jobKey(jobID), "lease_owner_id", workerID, "lease_expires_at", expires.Format(time.RFC3339Nano)).Err()
}

func (r *RedisRepository) SetCheckpoint(ctx context.Context, jobID string, stage Stage, payload json.RawMessage) error {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Checkpoints[stage] = payload
	checkpoints, _ := json.Marshal(job.Checkpoints)
	return r.rdb.HSet(ctx, jobKey(jobID), "checkpoints", string(checkpoints), "updated_at", time.Now().Format(time.RFC3339Nano)).Err()
}

func (r *RedisRepository) GetCheckpoint(ctx context.Context, jobID string, stage Stage) (json.RawMessage, error) {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.Checkpoints[stage], nil
}

func (r *RedisRepository) SetStoragePath(ctx context.Context, jobID, name, blobKey string) error {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.StoragePaths[name] = blobKey
	storagePaths, _ := json.Marshal(job.StoragePaths)
	return r.rdb.HSet(ctx, jobKey(jobID), "storage_paths", string(storagePaths), "updated_at", time.Now().Format(time.RFC3339Nano)).Err()
}

func (r *RedisRepository) SetTotalDuration(ctx context.Context, jobID string, seconds float64) error {
	return r.rdb.HSet(ctx, jobKey(jobID), "total_duration_sec", seconds, "updated_at", time.Now().Format(time.RFC3339Nano)).Err()
}

func (r *RedisRepository) SetDetectedLanguage(ctx context.Context, jobID, language string) error {
	return r.rdb.HSet(ctx, jobKey(jobID), "detected_language", language, "updated_at", time.Now().Format(time.RFC3339Nano)).Err()
}

func (r *RedisRepository) RecordStageDuration(ctx context.Context, jobID string, stage Stage, seconds float64) error {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.StageDurationsSec[stage] = seconds
	durations, _ := json.Marshal(job.StageDurationsSec)
	return r.rdb.HSet(ctx, jobKey(jobID), "stage_durations_sec", string(durations), "updated_at", time.Now().Format(time.RFC3339Nano)).Err()
}

func (r *RedisRepository) SetError(ctx context.Context, jobID, code, message string, failedStage Stage) error {
	return r.rdb.HSet(ctx, jobKey(jobID),
		"error_code", code, "error_message", message, "failed_stage", string(failedStage),
		"updated_at", time.Now().Format(time.RFC3339Nano),
	).Err()
}

func (r *RedisRepository) IncrementRetry(ctx context.Context, jobID string) (int, error) {
	exists, err := r.rdb.Exists(ctx, jobKey(jobID)).Result()
	if err != nil {
		return 0, fmt.Errorf("jobstore: redis increment retry: %w", err)
	}
	if exists == 0 {
		return 0, ErrJobNotFound
	}
	count, err := r.rdb.HIncrBy(ctx, jobKey(jobID), "retry_count", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("jobstore: redis increment retry: %w", err)
	}
	r.rdb.HSet(ctx, jobKey(jobID), "updated_at", time.Now().Format(time.RFC3339Nano))
	return int(count), nil
}

func (r *RedisRepository) CompleteJob(ctx context.Context, jobID string) error {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now()
	if err := r.rdb.HSet(ctx, jobKey(jobID),
		"state", string(StateComplete), "current_stage", string(StageComplete),
		"progress", 1.0, "updated_at", now.Format(time.RFC3339Nano), "completed_at", now.Format(time.RFC3339Nano),
	).Err(); err != nil {
		return fmt.Errorf("jobstore: redis complete job: %w", err)
	}
	r.moveStateIndex(ctx, jobID, job.State, StateComplete)
	return nil
}

func (r *RedisRepository) FailJob(ctx context.Context, jobID, code, message string, failedStage Stage) error {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now()
	if err := r.rdb.HSet(ctx, jobKey(jobID),
		"state", string(StateFailed), "error_code", code, "error_message", message, "failed_stage", string(failedStage),
		"updated_at", now.Format(time.RFC3339Nano), "completed_at", now.Format(time.RFC3339Nano),
	).Err(); err != nil {
		return fmt.Errorf("jobstore: redis fail job: %w", err)
	}
	r.moveStateIndex(ctx, jobID, job.State, StateFailed)
	return nil
}

func (r *RedisRepository) RequestCancel(ctx context.Context, jobID string) error {
	return r.rdb.HSet(ctx, jobKey(jobID), "cancel_requested", true, "updated_at", time.Now().Format(time.RFC3339Nano)).Err()
}

func (r *RedisRepository) FinalizeCancel(ctx context.Context, jobID string) error {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now()
	if err := r.rdb.HSet(ctx, jobKey(jobID),
		"state", string(StateCancelled), "updated_at", now.Format(time.RFC3339Nano), "completed_at", now.Format(time.RFC3339Nano),
	).Err(); err != nil {
		return fmt.Errorf("jobstore: redis finalize cancel: %w", err)
	}
	r.moveStateIndex(ctx, jobID, job.State, StateCancelled)
	return nil
}

// AcquireRunnable is implemented client-side (scan + per-job CAS lease
// stamp via updateStageScript's sibling lease script) since expressing
// "first N whose lease expired, sorted by updated_at" as one Lua
// script would require a secondary sorted-set index this store does
// not maintain; losers of the per-job CAS are simply skipped.
var acquireLeaseScript = redis.NewScript(`
local key = KEYS[1]
local worker = ARGV[1]
local expires = ARGV[2]
local now = ARGV[3]

local state = redis.call('HGET', key, 'state')
if state ~= 'CREATED' and state ~= 'RUNNING' then
	return 0
end
local leaseExpiresAt = redis.call('HGET', key, 'lease_expires_at')
if leaseExpiresAt and leaseExpiresAt ~= '' then
	if leaseExpiresAt > now then
		return 0
	end
end
redis.call('HSET', key, 'lease_owner_id', worker, 'lease_expires_at', expires, 'updated_at', now)
if state == 'CREATED' then
	redis.call('HSET', key, 'state', 'RUNNING')
end
return 1
`)

func (r *RedisRepository) AcquireRunnable(ctx context.Context, limit int, workerID string, leaseSeconds int) ([]*Job, error) {
	candidates, err := r.rdb.SMembers(ctx, jobsIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore: redis acquire runnable: %w", err)
	}
	sort.Strings(candidates)

	now := time.Now()
	expires := now.Add(time.Duration(leaseSeconds) * time.Second)
	var out []*Job
	for _, id := range candidates {
		if limit > 0 && len(out) >= limit {
			break
		}
		res, err := acquireLeaseScript.Run(ctx, r.rdb, []string{jobKey(id)},
			workerID, expires.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		).Int()
		if err != nil {
			return nil, fmt.Errorf("jobstore: redis acquire lease: %w", err)
		}
		if res != 1 {
			continue
		}
		job, err := r.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		r.moveStateIndex(ctx, id, StateCreated, StateRunning)
		out = append(out, job)
	}
	return out, nil
}

// --- Upload sessions ---

func (r *RedisRepository) marshalSession(s *UploadSession) map[string]any {
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

	return map[string]any{
		"upload_id":          s.UploadID,
		"owner_id":           s.OwnerID,
		"filename":           s.Filename,
		"total_size":         s.TotalSize,
		"mime_type":          s.MimeType,
		"chunk_size":         s.ChunkSize,
		"received_chunks":    string(received),
		"chunk_hashes":       string(hashes),
		"storage_key":        s.StorageKey,
		"state":              string(s.State),
		"language":           s.Language,
		"enable_diarization": s.EnableDiarization,
		"created_at":         s.CreatedAt.Format(time.RFC3339Nano),
		"expires_at":         s.ExpiresAt.Format(time.RFC3339Nano),
	}
}

func (r *RedisRepository) unmarshalSession(fields map[string]string) (*UploadSession, error) {
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}
	s := &UploadSession{
		UploadID:          fields["upload_id"],
		OwnerID:           fields["owner_id"],
		Filename:          fields["filename"],
		MimeType:          fields["mime_type"],
		StorageKey:        fields["storage_key"],
		State:             SessionState(fields["state"]),
		Language:          fields["language"],
		EnableDiarization: fields["enable_diarization"] == "1" || fields["enable_diarization"] == "true",
	}
	fmt.Sscanf(fields["total_size"], "%d", &s.TotalSize)
	fmt.Sscanf(fields["chunk_size"], "%d", &s.ChunkSize)

	var receivedList []int
	if err := json.Unmarshal(nonEmpty([]byte(fields["received_chunks"]), "[]"), &receivedList); err != nil {
		return nil, fmt.Errorf("jobstore: decode received_chunks: %w", err)
	}
	s.ReceivedChunks = make(map[int]bool, len(receivedList))
	for _, idx := range receivedList {
		s.ReceivedChunks[idx] = true
	}

	var hashMap map[string]string
	if err := json.Unmarshal(nonEmpty([]byte(fields["chunk_hashes"]), "{}"), &hashMap); err != nil {
		return nil, fmt.Errorf("jobstore: decode chunk_hashes: %w", err)
	}
	s.ChunkHashes = make(map[int]string, len(hashMap))
	for k, v := range hashMap {
		var idx int
		if _, err := fmt.Sscanf(k, "%d", &idx); err == nil {
			s.ChunkHashes[idx] = v
		}
	}

	s.CreatedAt = parseTimeField(fields["created_at"])
	s.ExpiresAt = parseTimeField(fields["expires_at"])
	return s, nil
}

func (r *RedisRepository) CreateSession(ctx context.Context, session *UploadSession) error {
	if err := r.rdb.HSet(ctx, sessionKey(session.UploadID), r.marshalSession(session)).Err(); err != nil {
		return fmt.Errorf("jobstore: redis create session: %w", err)
	}
	ttl := time.Until(session.ExpiresAt) + time.Hour
	r.rdb.Expire(ctx, sessionKey(session.UploadID), ttl)
	return nil
}

func (r *RedisRepository) GetSession(ctx context.Context, uploadID string) (*UploadSession, error) {
	fields, err := r.rdb.HGetAll(ctx, sessionKey(uploadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("jobstore: redis get session: %w", err)
	}
	return r.unmarshalSession(fields)
}

// putChunkScript performs the idempotent chunk-hash check and write as
// a single atomic round trip, matching the Job Store's
// read-compare-write shape for update_stage.
var putChunkScript = redis.NewScript(`
local key = KEYS[1]
local index = ARGV[1]
local hash = ARGV[2]

local state = redis.call('HGET', key, 'state')
if not state then
	return -2
end
if state ~= 'OPEN' then
	return -1
end

local hashesRaw = redis.call('HGET', key, 'chunk_hashes')
local hashes = cjson.decode(hashesRaw)
local existing = hashes[index]
if existing ~= nil and existing ~= hash then
	return 0
end
hashes[index] = hash
redis.call('HSET', key, 'chunk_hashes', cjson.encode(hashes))

local receivedRaw = redis.call('HGET', key, 'received_chunks')
local received = cjson.decode(receivedRaw)
local found = false
for _, v in ipairs(received) do
	if tostring(v) == index then
		found = true
		break
	end
end
if not found then
	table.insert(received, tonumber(index))
	redis.call('HSET', key, 'received_chunks', cjson.encode(received))
end

return 1
`)

func (r *RedisRepository) PutChunk(ctx context.Context, uploadID string, index int, hash string) error {
	session, err := r.GetSession(ctx, uploadID)
	if errors.Is(err, ErrSessionNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if index < 0 || index >= session.TotalChunks() {
		return ErrChunkIndexOutOfRange
	}

	res, err := putChunkScript.Run(ctx, r.rdb, []string{sessionKey(uploadID)}, fmt.Sprintf("%d", index), hash).Int()
	if err != nil {
		return fmt.Errorf("jobstore: redis put chunk: %w", err)
	}
	switch res {
	case -2:
		return ErrSessionNotFound
	case -1:
		return ErrSessionNotOpen
	case 0:
		return ErrChunkConflict
	default:
		return nil
	}
}

// completeSessionScript performs the open-check, completeness-check,
// and state transition as a single atomic round trip, matching
// putChunkScript's shape: two concurrent finalizes can't both
// observe state == OPEN and both win, since the whole check-and-set
// runs inside Redis rather than split across a GET and a later HSET.
var completeSessionScript = redis.NewScript(`
local key = KEYS[1]
local newState = ARGV[1]
local storageKey = ARGV[2]

local state = redis.call('HGET', key, 'state')
if not state then
	return -2
end
if state ~= 'OPEN' then
	return -1
end

local totalSize = tonumber(redis.call('HGET', key, 'total_size'))
local chunkSize = tonumber(redis.call('HGET', key, 'chunk_size'))
local total = math.ceil(totalSize / chunkSize)

local receivedRaw = redis.call('HGET', key, 'received_chunks')
local received = cjson.decode(receivedRaw)
local seen = {}
for _, v in ipairs(received) do
	seen[tonumber(v)] = true
end
for i = 0, total - 1 do
	if not seen[i] then
		return 0
	end
end

redis.call('HSET', key, 'state', newState, 'storage_key', storageKey)
return 1
`)

func (r *RedisRepository) CompleteSession(ctx context.Context, uploadID, storageKey string) error {
	res, err := completeSessionScript.Run(ctx, r.rdb, []string{sessionKey(uploadID)}, string(SessionComplete), storageKey).Int()
	if err != nil {
		return fmt.Errorf("jobstore: redis complete session: %w", err)
	}
	switch res {
	case -2:
		return ErrSessionNotFound
	case -1:
		return ErrSessionNotOpen
	case 0:
		return ErrSessionIncomplete
	default:
		return nil
	}
}

func (r *RedisRepository) AbortSession(ctx context.Context, uploadID string) error {
	exists, err := r.rdb.Exists(ctx, sessionKey(uploadID)).Result()
	if err != nil {
		return fmt.Errorf("jobstore: redis abort session: %w", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}
	return r.rdb.HSet(ctx, sessionKey(uploadID), "state", string(SessionAborted)).Err()
}

func (r *RedisRepository) ExpireSession(ctx context.Context, uploadID string) error {
	session, err := r.GetSession(ctx, uploadID)
	if err != nil {
		return err
	}
	if session.State == SessionComplete {
		return nil
	}
	return r.rdb.HSet(ctx, sessionKey(uploadID), "state", string(SessionExpired)).Err()
}

// --- Assets ---

func (r *RedisRepository) CreateAssets(ctx context.Context, jobID string, assets []Asset) error {
	existing, err := r.rdb.Exists(ctx, assetsKey(jobID)).Result()
	if err != nil {
		return fmt.Errorf("jobstore: redis create assets: %w", err)
	}
	if existing > 0 {
		return ErrAssetsAlreadyExist
	}
	encoded, err := json.Marshal(assets)
	if err != nil {
		return fmt.Errorf("jobstore: marshal assets: %w", err)
	}
	return r.rdb.Set(ctx, assetsKey(jobID), encoded, 0).Err()
}

func (r *RedisRepository) ListAssets(ctx context.Context, jobID string) ([]Asset, error) {
	raw, err := r.rdb.Get(ctx, assetsKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: redis list assets: %w", err)
	}
	var assets []Asset
	if err := json.Unmarshal([]byte(raw), &assets); err != nil {
		return nil, fmt.Errorf("jobstore: decode assets: %w", err)
	}
	return assets, nil
}

func (r *RedisRepository) DeleteAssets(ctx context.Context, jobID string) error {
	return r.rdb.Del(ctx, assetsKey(jobID)).Err()
}

var _ Repository = (*RedisRepository)(nil)
