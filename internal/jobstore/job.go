// Package jobstore provides the durable index of transcription jobs,
// upload sessions, and output assets (the Job Store), including the
// compare-and-swap stage transition that prevents two workers from
// driving the same job forward at once.
package jobstore

import (
	"encoding/json"
	"time"
)

// Stage is a position in the pipeline's fixed stage graph.
type Stage string

const (
	StageCreated            Stage = "CREATED"
	StageValidating         Stage = "VALIDATING"
	StageTranscoding        Stage = "TRANSCODING"
	StageSegmenting         Stage = "SEGMENTING"
	StageDetectingLanguage  Stage = "DETECTING_LANGUAGE"
	StageTranscribing       Stage = "TRANSCRIBING"
	StageMerging            Stage = "MERGING"
	StageDiarizing          Stage = "DIARIZING"
	StageGeneratingOutputs  Stage = "GENERATING_OUTPUTS"
	StageComplete           Stage = "COMPLETE"
)

// stageOrder is the fixed linear graph from §4.8. current_stage only
// ever advances to the next entry or stays put for a same-stage retry.
var stageOrder = []Stage{
	StageCreated,
	StageValidating,
	StageTranscoding,
	StageSegmenting,
	StageDetectingLanguage,
	StageTranscribing,
	StageMerging,
	StageDiarizing,
	StageGeneratingOutputs,
	StageComplete,
}

// NextStage returns the stage that directly follows s in the graph,
// and false if s is already the terminal stage or unrecognized.
func NextStage(s Stage) (Stage, bool) {
	for i, st := range stageOrder {
		if st == s {
			if i+1 < len(stageOrder) {
				return stageOrder[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// CanAdvanceStage reports whether a transition from `from` to `to` is
// legal: either a retry of the same stage, or the single next stage
// in the graph. No skipping, no going backwards.
func CanAdvanceStage(from, to Stage) bool {
	if from == to {
		return true
	}
	next, ok := NextStage(from)
	return ok && next == to
}

// State is the coarse job lifecycle state used for listing/filtering.
// It is orthogonal to Stage: a job in state RUNNING can be at any
// non-terminal stage.
type State string

const (
	StateCreated   State = "CREATED"
	StateRunning   State = "RUNNING"
	StateComplete  State = "COMPLETE"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// IsTerminal reports whether s admits no further mutation except
// audit fields.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// ErrorInfo records why a job failed.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is the Transcription Job aggregate described in §3. Values
// returned by a Repository are snapshots; all mutation goes through
// Repository methods so the store, not the caller, enforces CAS.
type Job struct {
	JobID              string
	OwnerID            string
	UploadID           string
	TotalSize          int64
	TotalDurationSec   float64
	Language           string // requested language, or "AUTO"
	DetectedLanguage   string
	EnableDiarization  bool
	CurrentStage       Stage
	State              State
	Progress           float64 // 0.0-1.0 within current stage
	RetryCount         int
	MaxRetries         int
	StoragePaths       map[string]string // stage-name/kind -> blob key
	Checkpoints        map[Stage]json.RawMessage
	StageDurationsSec  map[Stage]float64
	Error              *ErrorInfo
	FailedStage        Stage
	CancelRequested    bool
	LeaseOwnerID       string
	LeaseExpiresAt     time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        time.Time
}

// AutoLanguage is the sentinel requested-language value meaning
// "detect the language".
const AutoLanguage = "AUTO"

// NewJob builds a new Job in CREATED state/stage, owning uploadID's
// assembled blob.
func NewJob(jobID, ownerID, uploadID string, totalSize int64, language string, enableDiarization bool, maxRetries int) *Job {
	now := time.Now()
	if language == "" {
		language = AutoLanguage
	}
	return &Job{
		JobID:             jobID,
		OwnerID:           ownerID,
		UploadID:          uploadID,
		TotalSize:         totalSize,
		Language:          language,
		EnableDiarization: enableDiarization,
		CurrentStage:      StageCreated,
		State:             StateCreated,
		MaxRetries:        maxRetries,
		StoragePaths:      make(map[string]string),
		Checkpoints:       make(map[Stage]json.RawMessage),
		StageDurationsSec: make(map[Stage]float64),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Clone returns a deep copy safe for the caller to mutate without
// affecting the repository's internal state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j

	cp.StoragePaths = make(map[string]string, len(j.StoragePaths))
	for k, v := range j.StoragePaths {
		cp.StoragePaths[k] = v
	}

	cp.Checkpoints = make(map[Stage]json.RawMessage, len(j.Checkpoints))
	for k, v := range j.Checkpoints {
		raw := make(json.RawMessage, len(v))
		copy(raw, v)
		cp.Checkpoints[k] = raw
	}

	cp.StageDurationsSec = make(map[Stage]float64, len(j.StageDurationsSec))
	for k, v := range j.StageDurationsSec {
		cp.StageDurationsSec[k] = v
	}

	if j.Error != nil {
		errCopy := *j.Error
		cp.Error = &errCopy
	}

	return &cp
}

// LeaseValid reports whether the job's lease has not yet expired as
// of now.
func (j *Job) LeaseValid(now time.Time) bool {
	return j.LeaseExpiresAt.After(now)
}
