package worker

import (
	"encoding/json"
	"fmt"

	"github.com/kdelacruz/transcribepipe/internal/jobstore"
)

// validateCheckpoint is stage VALIDATING's payload.
type validateCheckpoint struct {
	DurationSec      float64 `json:"duration_sec"`
	ContainerFormat  string  `json:"container_format"`
	AudioStreamCount int     `json:"audio_stream_count"`
}

// transcodeCheckpoint is stage TRANSCODING's payload.
type transcodeCheckpoint struct {
	NormalizedKey string `json:"normalized_key"`
}

// segmentDescriptor is one entry of stage SEGMENTING's checkpoint.
// BlobKey is deterministic from (job_id, index), so a retry can reuse
// an already-extracted segment without re-running ffmpeg.
type segmentDescriptor struct {
	Index         int     `json:"index"`
	StartSec      float64 `json:"start_sec"`
	EndSec        float64 `json:"end_sec"`
	OriginalStart float64 `json:"original_start"`
	OriginalEnd   float64 `json:"original_end"`
	BlobKey       string  `json:"blob_key"`
}

type segmentCheckpoint struct {
	Segments []segmentDescriptor `json:"segments"`
}

// detectLanguageCheckpoint is stage DETECTING_LANGUAGE's payload.
type detectLanguageCheckpoint struct {
	DetectedLanguage string `json:"detected_language"`
	FellBackToDefault bool  `json:"fell_back_to_default"`
}

// decodeCheckpoint unmarshals a stage's stored checkpoint out of the
// Job snapshot the Runner already holds, without a separate store
// round trip.
func decodeCheckpoint[T any](job *jobstore.Job, stage jobstore.Stage) (T, error) {
	var v T
	raw, ok := job.Checkpoints[stage]
	if !ok || len(raw) == 0 {
		return v, fmt.Errorf("%w: job %s has no checkpoint for stage %s", ErrInternal, job.JobID, stage)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: decode checkpoint for stage %s: %v", ErrInternal, stage, err)
	}
	return v, nil
}

func encodeCheckpoint(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode checkpoint: %v", ErrInternal, err)
	}
	return raw, nil
}
