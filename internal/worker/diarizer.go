package worker

import (
	"context"

	"github.com/kdelacruz/transcribepipe/internal/transcript"
)

// Diarizer attributes a speaker ID to each fragment. Its contract is
// fixed regardless of implementation: fragments in, index-keyed
// speaker attribution out. A diarizer's failure must never lose the
// already-merged transcript, so the Stage Runner treats diarization
// errors as absorbable (falls back to a single-speaker attribution)
// rather than failing the job.
type Diarizer interface {
	Diarize(ctx context.Context, fragments []transcript.Fragment) (speakerByIndex map[int]string, err error)
}

// NoopDiarizer implements Diarizer for enable_diarization=false (or
// as a fallback when a real diarizer errors): every fragment is
// attributed to a single speaker. It exists so the pipeline's stage
// shape never depends on the feature flag.
type NoopDiarizer struct {
	SpeakerID string
}

// NewNoopDiarizer builds a NoopDiarizer with the conventional default
// speaker ID.
func NewNoopDiarizer() *NoopDiarizer {
	return &NoopDiarizer{SpeakerID: "speaker_0"}
}

// Diarize attributes every fragment to SpeakerID.
func (d *NoopDiarizer) Diarize(_ context.Context, fragments []transcript.Fragment) (map[int]string, error) {
	speaker := d.SpeakerID
	if speaker == "" {
		speaker = "speaker_0"
	}
	attributions := make(map[int]string, len(fragments))
	for _, f := range fragments {
		attributions[f.Index] = speaker
	}
	return attributions, nil
}
