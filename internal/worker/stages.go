package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kdelacruz/transcribepipe/internal/jobstore"
	"github.com/kdelacruz/transcribepipe/internal/recognizer"
	"github.com/kdelacruz/transcribepipe/internal/segment"
	"github.com/kdelacruz/transcribepipe/internal/transcript"
)

// handleCreated is a pass-through: CREATED carries no work of its
// own, it only marks that the job has not yet started. Its "handler"
// exists solely so AcquireRunnable's CREATED-state jobs advance to
// VALIDATING on the next pass.
func (r *Runner) handleCreated(_ context.Context, _ *jobstore.Job) error {
	return nil
}

// handleValidate runs the Media Prober (C4) and enforces the §4.4
// acceptance policy.
func (r *Runner) handleValidate(ctx context.Context, job *jobstore.Job) error {
	originalKey, ok := job.StoragePaths["original"]
	if !ok || originalKey == "" {
		return fmt.Errorf("%w: job %s has no original blob recorded", ErrInternal, job.JobID)
	}

	workDir, cleanup, err := r.jobWorkDir(job.JobID)
	if err != nil {
		return err
	}
	defer cleanup()

	localPath := filepath.Join(workDir, "original")
	if err := downloadToFile(ctx, r.deps.Blobs, originalKey, localPath); err != nil {
		return err
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("%w: stat downloaded original: %v", ErrInternal, err)
	}
	if info.Size() != job.TotalSize {
		return &ValidationError{Code: "SIZE_MISMATCH", Message: fmt.Sprintf(
			"downloaded blob is %d bytes, job recorded total_size %d", info.Size(), job.TotalSize)}
	}

	media, err := r.deps.Prober.Probe(ctx, localPath)
	if err != nil {
		return &ValidationError{Code: "INVALID_DURATION", Message: err.Error()}
	}
	if len(media.AudioStreams) == 0 {
		return &ValidationError{Code: "NO_AUDIO", Message: "no audio stream found in uploaded media"}
	}
	if media.DurationSec <= 0 {
		return &ValidationError{Code: "INVALID_DURATION", Message: "probed duration is not positive"}
	}
	if r.deps.MaxDurationSec > 0 && media.DurationSec > r.deps.MaxDurationSec {
		return &ValidationError{Code: "TOO_LONG", Message: fmt.Sprintf(
			"duration %.3fs exceeds the configured ceiling of %.3fs", media.DurationSec, r.deps.MaxDurationSec)}
	}

	if err := r.deps.Jobs.SetTotalDuration(ctx, job.JobID, media.DurationSec); err != nil {
		return fmt.Errorf("worker: record duration: %w", err)
	}

	raw, err := encodeCheckpoint(validateCheckpoint{
		DurationSec:      media.DurationSec,
		ContainerFormat:  media.ContainerFormat,
		AudioStreamCount: len(media.AudioStreams),
	})
	if err != nil {
		return err
	}
	if err := r.deps.Jobs.SetCheckpoint(ctx, job.JobID, jobstore.StageValidating, raw); err != nil {
		return fmt.Errorf("worker: save validate checkpoint: %w", err)
	}
	return r.deps.Jobs.UpdateStageProgress(ctx, job.JobID, jobstore.StageValidating, 1.0)
}

// handleTranscode runs the Transcoder (C5), normalizing to PCM s16le
// mono 16 kHz.
func (r *Runner) handleTranscode(ctx context.Context, job *jobstore.Job) error {
	originalKey := job.StoragePaths["original"]
	workDir, cleanup, err := r.jobWorkDir(job.JobID)
	if err != nil {
		return err
	}
	defer cleanup()

	srcPath := filepath.Join(workDir, "original")
	if err := downloadToFile(ctx, r.deps.Blobs, originalKey, srcPath); err != nil {
		return err
	}

	dstPath := filepath.Join(workDir, "normalized.wav")
	if err := r.deps.Transcoder.Normalize(ctx, srcPath, dstPath); err != nil {
		return err
	}

	normalizedKey := fmt.Sprintf("jobs/%s/normalized.wav", job.JobID)
	if _, err := uploadFile(ctx, r.deps.Blobs, normalizedKey, dstPath); err != nil {
		return err
	}

	if err := r.deps.Jobs.SetStoragePath(ctx, job.JobID, "normalized", normalizedKey); err != nil {
		return fmt.Errorf("worker: record normalized blob: %w", err)
	}

	raw, err := encodeCheckpoint(transcodeCheckpoint{NormalizedKey: normalizedKey})
	if err != nil {
		return err
	}
	if err := r.deps.Jobs.SetCheckpoint(ctx, job.JobID, jobstore.StageTranscoding, raw); err != nil {
		return fmt.Errorf("worker: save transcode checkpoint: %w", err)
	}
	return r.deps.Jobs.UpdateStageProgress(ctx, job.JobID, jobstore.StageTranscoding, 1.0)
}

// handleSegment runs the Segmenter (C6). The window plan is always
// recomputed from total_duration_sec (never trusted from a stale
// checkpoint); existing per-index segment blobs are reused on retry.
func (r *Runner) handleSegment(ctx context.Context, job *jobstore.Job) error {
	normalizedKey, ok := job.StoragePaths["normalized"]
	if !ok || normalizedKey == "" {
		return fmt.Errorf("%w: job %s has no normalized blob recorded", ErrInternal, job.JobID)
	}

	windows := segment.ComputeWindows(job.TotalDurationSec, r.deps.SegmentDurationSec, r.deps.SegmentOverlapSec)
	if len(windows) == 0 {
		return fmt.Errorf("%w: segmentation produced zero windows for duration %.3fs", ErrInternal, job.TotalDurationSec)
	}

	workDir, cleanup, err := r.jobWorkDir(job.JobID)
	if err != nil {
		return err
	}
	defer cleanup()

	normalizedPath := filepath.Join(workDir, "normalized.wav")
	if err := downloadToFile(ctx, r.deps.Blobs, normalizedKey, normalizedPath); err != nil {
		return err
	}

	descriptors := make([]segmentDescriptor, 0, len(windows))
	for _, w := range windows {
		if cancelled, cerr := r.isCancelled(ctx, job.JobID); cerr == nil && cancelled {
			return ErrCancelled
		}

		blobKey := fmt.Sprintf("jobs/%s/segments/%04d.wav", job.JobID, w.Index)
		if _, statErr := r.deps.Blobs.Stat(ctx, blobKey); statErr == nil {
			descriptors = append(descriptors, descriptorFromWindow(w, blobKey))
			continue
		}

		outPath, err := r.deps.Segmenter.Extract(ctx, normalizedPath, workDir, w)
		if err != nil {
			return err
		}
		if _, err := uploadFile(ctx, r.deps.Blobs, blobKey, outPath); err != nil {
			return err
		}
		descriptors = append(descriptors, descriptorFromWindow(w, blobKey))

		progress := float64(len(descriptors)) / float64(len(windows))
		if err := r.deps.Jobs.UpdateStageProgress(ctx, job.JobID, jobstore.StageSegmenting, progress); err != nil {
			r.deps.Logger.Warn("failed to update segment progress", "error", err.Error())
		}
	}

	raw, err := encodeCheckpoint(segmentCheckpoint{Segments: descriptors})
	if err != nil {
		return err
	}
	return r.deps.Jobs.SetCheckpoint(ctx, job.JobID, jobstore.StageSegmenting, raw)
}

func descriptorFromWindow(w segment.Window, blobKey string) segmentDescriptor {
	return segmentDescriptor{
		Index:         w.Index,
		StartSec:      w.StartSec,
		EndSec:        w.EndSec,
		OriginalStart: w.OriginalStart,
		OriginalEnd:   w.OriginalEnd,
		BlobKey:       blobKey,
	}
}

// handleDetectLanguage implements §4.7's DETECT_LANG policy: an
// explicit requested language short-circuits detection; detection
// failures never fail the job, they fall back to the configured
// default.
func (r *Runner) handleDetectLanguage(ctx context.Context, job *jobstore.Job) error {
	if job.Language != jobstore.AutoLanguage {
		if err := r.deps.Jobs.SetDetectedLanguage(ctx, job.JobID, job.Language); err != nil {
			return fmt.Errorf("worker: record detected language: %w", err)
		}
		return r.saveDetectLanguageCheckpoint(ctx, job.JobID, job.Language, false)
	}

	segments, err := decodeCheckpoint[segmentCheckpoint](job, jobstore.StageSegmenting)
	if err != nil {
		return err
	}
	if len(segments.Segments) == 0 {
		return fmt.Errorf("%w: no segments available for language detection", ErrInternal)
	}

	first := segments.Segments[0]
	result, recErr := r.deps.Recognizer.Recognize(ctx, first.BlobKey, recognizer.AutoLanguage)
	detected := r.deps.RecognizerDefaultLanguage
	fellBack := true
	if recErr == nil && result.Language != "" {
		detected = result.Language
		fellBack = false
	} else if recErr != nil {
		r.deps.Logger.Warn("language detection failed, using default",
			"job_id", job.JobID, "error", recErr.Error(), "default_language", detected)
	}

	if err := r.deps.Jobs.SetDetectedLanguage(ctx, job.JobID, detected); err != nil {
		return fmt.Errorf("worker: record detected language: %w", err)
	}
	return r.saveDetectLanguageCheckpoint(ctx, job.JobID, detected, fellBack)
}

func (r *Runner) saveDetectLanguageCheckpoint(ctx context.Context, jobID, detected string, fellBack bool) error {
	raw, err := encodeCheckpoint(detectLanguageCheckpoint{DetectedLanguage: detected, FellBackToDefault: fellBack})
	if err != nil {
		return err
	}
	return r.deps.Jobs.SetCheckpoint(ctx, jobID, jobstore.StageDetectingLanguage, raw)
}

// handleTranscribe implements §4.7's TRANSCRIBE policy: per-segment
// recognizer calls issued serially, failures isolated into <FAILED>
// fragments, a pacing delay between successful calls.
func (r *Runner) handleTranscribe(ctx context.Context, job *jobstore.Job) error {
	segments, err := decodeCheckpoint[segmentCheckpoint](job, jobstore.StageSegmenting)
	if err != nil {
		return err
	}

	existing := map[int]transcript.Fragment{}
	if raw, ok := job.Checkpoints[jobstore.StageTranscribing]; ok && len(raw) > 0 {
		if tc, derr := decodeCheckpoint[transcribeCheckpointPayload](job, jobstore.StageTranscribing); derr == nil {
			for _, f := range tc.Fragments {
				existing[f.Index] = f
			}
		}
	}

	total := len(segments.Segments)
	fragments := make([]transcript.Fragment, 0, total)
	for i, seg := range segments.Segments {
		if f, ok := existing[seg.Index]; ok {
			fragments = append(fragments, f)
			continue
		}

		if cancelled, cerr := r.isCancelled(ctx, job.JobID); cerr == nil && cancelled {
			return ErrCancelled
		}

		result, recErr := r.deps.Recognizer.Recognize(ctx, seg.BlobKey, job.DetectedLanguage)
		var fragment transcript.Fragment
		if recErr != nil {
			r.deps.Logger.Warn("segment transcription failed, isolating as failed fragment",
				"job_id", job.JobID, "segment_index", seg.Index, "error", recErr.Error())
			fragment = transcript.FailedFragment(seg.Index, seg.OriginalStart, seg.OriginalEnd)
		} else {
			fragment = transcript.Fragment{
				Index:         seg.Index,
				OriginalStart: seg.OriginalStart,
				OriginalEnd:   seg.OriginalEnd,
				Text:          result.Text,
				Language:      result.Language,
				SubSegments:   result.SubSegments,
			}
		}
		fragments = append(fragments, fragment)

		if err := r.saveTranscribeCheckpoint(ctx, job.JobID, fragments); err != nil {
			return err
		}

		progress := 0.10 + 0.80*float64(len(fragments))/float64(total)
		if err := r.deps.Jobs.UpdateStageProgress(ctx, job.JobID, jobstore.StageTranscribing, progress); err != nil {
			r.deps.Logger.Warn("failed to update transcribe progress", "error", err.Error())
		}

		if i < total-1 && recErr == nil && r.deps.RecognizerPacing > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.deps.RecognizerPacing):
			}
		}
	}

	if transcript.AllFailed(fragments) {
		return fmt.Errorf("%w: every segment failed transcription", ErrValidation)
	}
	return nil
}

// transcribeCheckpointPayload mirrors segmentCheckpoint's shape for
// stage TRANSCRIBING: an ordered fragment list, idempotency keyed by
// (job_id, segment_index).
type transcribeCheckpointPayload struct {
	Fragments []transcript.Fragment `json:"fragments"`
}

func (r *Runner) saveTranscribeCheckpoint(ctx context.Context, jobID string, fragments []transcript.Fragment) error {
	raw, err := encodeCheckpoint(transcribeCheckpointPayload{Fragments: fragments})
	if err != nil {
		return err
	}
	return r.deps.Jobs.SetCheckpoint(ctx, jobID, jobstore.StageTranscribing, raw)
}

// handleMerge implements stage MERGING: deterministic, pure,
// idempotent concatenation of transcribed fragments.
func (r *Runner) handleMerge(ctx context.Context, job *jobstore.Job) error {
	transcribed, err := decodeCheckpoint[transcribeCheckpointPayload](job, jobstore.StageTranscribing)
	if err != nil {
		return err
	}

	result := transcript.Merge(transcribed.Fragments)
	raw, err := encodeCheckpoint(result)
	if err != nil {
		return err
	}
	return r.deps.Jobs.SetCheckpoint(ctx, job.JobID, jobstore.StageMerging, raw)
}

// handleDiarize implements stage DIARIZING: when diarization is
// disabled (or a real diarizer errors), every fragment is attributed
// to a single speaker so the merged transcript is never lost.
func (r *Runner) handleDiarize(ctx context.Context, job *jobstore.Job) error {
	transcribed, err := decodeCheckpoint[transcribeCheckpointPayload](job, jobstore.StageTranscribing)
	if err != nil {
		return err
	}

	diarizer := r.deps.Diarizer
	if !job.EnableDiarization {
		diarizer = NewNoopDiarizer()
	}

	attributions, dErr := diarizer.Diarize(ctx, transcribed.Fragments)
	if dErr != nil {
		r.deps.Logger.Warn("diarization failed, falling back to single-speaker attribution",
			"job_id", job.JobID, "error", dErr.Error())
		attributions, _ = NewNoopDiarizer().Diarize(ctx, transcribed.Fragments)
	}

	fragments := make([]transcript.Fragment, len(transcribed.Fragments))
	for i, f := range transcribed.Fragments {
		f.SpeakerID = attributions[f.Index]
		fragments[i] = f
	}

	raw, err := encodeCheckpoint(transcribeCheckpointPayload{Fragments: fragments})
	if err != nil {
		return err
	}
	return r.deps.Jobs.SetCheckpoint(ctx, job.JobID, jobstore.StageDiarizing, raw)
}

// handleGenerateOutputs implements stage GENERATING_OUTPUTS: the
// Output Assembler (C9) emits the four asset kinds and the Runner
// records them atomically.
func (r *Runner) handleGenerateOutputs(ctx context.Context, job *jobstore.Job) error {
	merged, err := decodeCheckpoint[transcript.MergeResult](job, jobstore.StageMerging)
	if err != nil {
		return err
	}
	diarized, err := decodeCheckpoint[transcribeCheckpointPayload](job, jobstore.StageDiarizing)
	if err != nil {
		return err
	}

	assets, err := r.deps.Outputs.Generate(ctx, job, merged, diarized.Fragments)
	if err != nil {
		return err
	}

	if err := r.deps.Jobs.CreateAssets(ctx, job.JobID, assets); err != nil {
		return fmt.Errorf("worker: record generated assets: %w", err)
	}
	return nil
}

// jobWorkDir creates a fresh scratch directory for one handler
// invocation and returns a cleanup func that removes it.
func (r *Runner) jobWorkDir(jobID string) (string, func(), error) {
	dir, err := os.MkdirTemp(r.deps.TempDir, "job-"+jobID+"-")
	if err != nil {
		return "", nil, fmt.Errorf("%w: create scratch dir: %v", ErrInternal, err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}
