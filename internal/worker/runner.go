// Package worker implements the Stage Runner (C8): it drives jobs
// through the fixed stage graph, leasing them from the Job Store,
// dispatching each current_stage to its handler, checkpointing
// progress, heartbeating the lease, and classifying failures per the
// §7 error taxonomy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kdelacruz/transcribepipe/internal/blob"
	"github.com/kdelacruz/transcribepipe/internal/jobstore"
	"github.com/kdelacruz/transcribepipe/internal/prober"
	"github.com/kdelacruz/transcribepipe/internal/recognizer"
	"github.com/kdelacruz/transcribepipe/internal/segment"
	"github.com/kdelacruz/transcribepipe/internal/transcode"
	"github.com/kdelacruz/transcribepipe/internal/transcript"
	"github.com/kdelacruz/transcribepipe/internal/webhook"
)

// ErrCancelled is returned by a handler when it observes the job's
// cancellation flag mid-stage. It is not a failure: the Runner
// finalizes the job into CANCELLED rather than retrying or failing it.
var ErrCancelled = errors.New("worker: job cancellation observed")

// OutputAssembler is the Output Assembler (C9) port stage
// GENERATING_OUTPUTS depends on. Defined here rather than imported so
// internal/output can depend on internal/worker's types without a
// cycle; bootstrap wires the concrete implementation in.
type OutputAssembler interface {
	Generate(ctx context.Context, job *jobstore.Job, mergeResult transcript.MergeResult, fragments []transcript.Fragment) ([]jobstore.Asset, error)
}

// Deps are the Stage Runner's dependencies: every port a stage
// handler might call.
type Deps struct {
	Jobs       jobstore.Repository
	Blobs      blob.Store
	Prober     *prober.Prober
	Transcoder *transcode.Transcoder
	Segmenter  *segment.Segmenter
	Recognizer recognizer.Client
	Diarizer   Diarizer
	Outputs    OutputAssembler
	Webhooks   *webhook.Dispatcher
	Logger     *slog.Logger

	TempDir                   string
	SegmentDurationSec        int
	SegmentOverlapSec         int
	MaxDurationSec            float64
	RecognizerDefaultLanguage string
	RecognizerPacing          time.Duration
	EnableWebhooks            bool
}

// Runner drives up to Concurrency jobs in parallel, one instance per
// worker process (possibly many instances across machines).
type Runner struct {
	deps         Deps
	workerID     string
	concurrency  int
	leaseSeconds int
	heartbeat    time.Duration
	dispatch     map[jobstore.Stage]func(context.Context, *jobstore.Job) error
}

// NewRunner builds a Runner. workerID identifies this process in
// lease ownership; it should be stable for the process's lifetime and
// unique across concurrently running workers.
func NewRunner(deps Deps, workerID string, concurrency, leaseSeconds int, heartbeat time.Duration) *Runner {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Diarizer == nil {
		deps.Diarizer = NewNoopDiarizer()
	}
	r := &Runner{
		deps:         deps,
		workerID:     workerID,
		concurrency:  concurrency,
		leaseSeconds: leaseSeconds,
		heartbeat:    heartbeat,
	}
	r.dispatch = map[jobstore.Stage]func(context.Context, *jobstore.Job) error{
		jobstore.StageCreated:           r.handleCreated,
		jobstore.StageValidating:        r.handleValidate,
		jobstore.StageTranscoding:       r.handleTranscode,
		jobstore.StageSegmenting:        r.handleSegment,
		jobstore.StageDetectingLanguage: r.handleDetectLanguage,
		jobstore.StageTranscribing:      r.handleTranscribe,
		jobstore.StageMerging:           r.handleMerge,
		jobstore.StageDiarizing:         r.handleDiarize,
		jobstore.StageGeneratingOutputs: r.handleGenerateOutputs,
	}
	return r
}

// Run polls for runnable jobs on pollInterval until ctx is cancelled.
// On clean shutdown (ctx cancelled), it stops acquiring new jobs;
// handlers already running are left to finish within their stage
// timeout, after which their leases are simply allowed to expire so
// another worker can resume the job.
func (r *Runner) Run(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.deps.Logger.Error("acquire runnable failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce acquires up to the worker's concurrency limit of runnable
// jobs and drives each one stage forward in parallel, returning once
// every acquired job's handler has completed.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	jobs, err := r.deps.Jobs.AcquireRunnable(ctx, r.concurrency, r.workerID, r.leaseSeconds)
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(j *jobstore.Job) {
			defer wg.Done()
			r.processJob(ctx, j)
		}(job)
	}
	wg.Wait()

	return len(jobs), nil
}

// processJob runs job's current-stage handler to completion (subject
// to a stage-specific hard timeout), then advances, retries, fails,
// or cancels the job depending on the outcome.
func (r *Runner) processJob(ctx context.Context, job *jobstore.Job) {
	logger := r.deps.Logger.With(
		slog.String("job_id", job.JobID),
		slog.String("stage", string(job.CurrentStage)),
	)

	handler, ok := r.dispatch[job.CurrentStage]
	if !ok {
		logger.Error("no handler registered for stage")
		_ = r.deps.Jobs.FailJob(ctx, job.JobID, "INTERNAL_NO_HANDLER",
			fmt.Sprintf("no stage handler for %s", job.CurrentStage), job.CurrentStage)
		return
	}

	stopHeartbeat := r.startHeartbeat(ctx, job.JobID, logger)
	defer stopHeartbeat()

	// The stage context is detached from ctx so a shutdown leaves the
	// running handler its stage timeout instead of cancelling it.
	stageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.stageTimeout(job.CurrentStage, job.TotalDurationSec))
	defer cancel()

	started := time.Now()
	err := handler(stageCtx, job)
	elapsed := time.Since(started).Seconds()

	if err == nil {
		r.onStageSuccess(ctx, job, elapsed, logger)
	} else {
		r.onStageFailure(ctx, job, err, elapsed, logger)
	}
	r.notifyWebhooks(ctx, job.JobID, logger)
}

// notifyWebhooks re-fetches job's latest snapshot and fans it out to
// every registered webhook for its owner, if webhooks are enabled.
// Delivery failures are logged but never affect job processing.
func (r *Runner) notifyWebhooks(ctx context.Context, jobID string, logger *slog.Logger) {
	if !r.deps.EnableWebhooks || r.deps.Webhooks == nil {
		return
	}
	fresh, err := r.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		logger.Warn("webhook notify: failed to re-fetch job", slog.String("error", err.Error()))
		return
	}
	r.deps.Webhooks.Notify(ctx, webhook.EventFromJob(fresh))
}

func (r *Runner) onStageSuccess(ctx context.Context, job *jobstore.Job, elapsedSec float64, logger *slog.Logger) {
	if err := r.deps.Jobs.RecordStageDuration(ctx, job.JobID, job.CurrentStage, elapsedSec); err != nil {
		logger.Warn("failed to record stage duration", slog.String("error", err.Error()))
	}

	if job.CurrentStage == jobstore.StageGeneratingOutputs {
		if err := r.deps.Jobs.CompleteJob(ctx, job.JobID); err != nil {
			logger.Error("failed to complete job", slog.String("error", err.Error()))
		} else {
			logger.Info("job completed")
		}
		return
	}

	next, ok := jobstore.NextStage(job.CurrentStage)
	if !ok {
		logger.Error("stage has no successor", slog.String("stage", string(job.CurrentStage)))
		return
	}
	if err := r.deps.Jobs.UpdateStage(ctx, job.JobID, job.CurrentStage, next, 0); err != nil {
		if errors.Is(err, jobstore.ErrStageConflict) {
			logger.Info("stage already advanced by another worker, dropping")
			return
		}
		logger.Error("failed to advance stage", slog.String("error", err.Error()))
	}
}

func (r *Runner) onStageFailure(ctx context.Context, job *jobstore.Job, err error, elapsedSec float64, logger *slog.Logger) {
	if err := r.deps.Jobs.RecordStageDuration(ctx, job.JobID, job.CurrentStage, elapsedSec); err != nil {
		logger.Warn("failed to record stage duration", slog.String("error", err.Error()))
	}

	if errors.Is(err, ErrCancelled) {
		logger.Info("job cancellation observed, finalizing")
		if ferr := r.deps.Jobs.FinalizeCancel(ctx, job.JobID); ferr != nil {
			logger.Error("failed to finalize cancellation", slog.String("error", ferr.Error()))
		}
		return
	}

	class := Classify(err)
	logger.Warn("stage handler failed", slog.String("error", err.Error()), slog.Int("error_class", int(class)))

	switch class {
	case ClassValidation, ClassPermanentExternal, ClassInternal:
		r.failJob(ctx, job, err, logger)
	case ClassCancellation:
		if ferr := r.deps.Jobs.FinalizeCancel(ctx, job.JobID); ferr != nil {
			logger.Error("failed to finalize cancellation", slog.String("error", ferr.Error()))
		}
	case ClassTransientExternal:
		retryCount, rerr := r.deps.Jobs.IncrementRetry(ctx, job.JobID)
		if rerr != nil {
			logger.Error("failed to increment retry", slog.String("error", rerr.Error()))
			return
		}
		if retryCount >= job.MaxRetries {
			r.failJob(ctx, job, err, logger)
			return
		}
		logger.Info("stage will retry from last checkpoint", slog.Int("retry_count", retryCount))
		if serr := r.deps.Jobs.SetError(ctx, job.JobID, "TRANSIENT_RETRY", err.Error(), job.CurrentStage); serr != nil {
			logger.Warn("failed to record transient error", slog.String("error", serr.Error()))
		}
	}
}

func (r *Runner) failJob(ctx context.Context, job *jobstore.Job, err error, logger *slog.Logger) {
	code := "STAGE_FAILED"
	var verr *ValidationError
	if errors.As(err, &verr) {
		code = verr.Code
	}
	if ferr := r.deps.Jobs.FailJob(ctx, job.JobID, code, err.Error(), job.CurrentStage); ferr != nil {
		logger.Error("failed to mark job failed", slog.String("error", ferr.Error()))
	}
}

// startHeartbeat refreshes job's lease every r.heartbeat until the
// returned stop function is called. It runs against ctx (the
// acquisition loop's context), independent of the per-stage timeout,
// so a long stage still gets its lease renewed up to the point its
// handler actually returns.
func (r *Runner) startHeartbeat(ctx context.Context, jobID string, logger *slog.Logger) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.deps.Jobs.RefreshLease(ctx, jobID, r.workerID, r.leaseSeconds); err != nil {
					logger.Warn("heartbeat lease refresh failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return func() { close(done) }
}

// stageTimeout returns the hard timeout budget for a stage per §5.
// Only VALIDATING, TRANSCODING, and TRANSCRIBING have spec-mandated
// formulas; other stages get a conservative fixed budget since they
// do no proportional-to-duration work.
func (r *Runner) stageTimeout(stage jobstore.Stage, durationSec float64) time.Duration {
	switch stage {
	case jobstore.StageCreated:
		return 30 * time.Second
	case jobstore.StageValidating:
		return 60 * time.Second
	case jobstore.StageTranscoding:
		return time.Duration(2*durationSec) * time.Second
	case jobstore.StageSegmenting:
		return time.Duration(2*durationSec) * time.Second
	case jobstore.StageDetectingLanguage:
		return 90 * time.Second
	case jobstore.StageTranscribing:
		return time.Duration(1.5*durationSec) * time.Second
	case jobstore.StageMerging, jobstore.StageDiarizing:
		return 30 * time.Second
	case jobstore.StageGeneratingOutputs:
		return 60 * time.Second
	default:
		return 60 * time.Second
	}
}

// isCancelled re-fetches the job to observe a cancellation request
// made concurrently by the owner, per §5's "handlers check the flag
// at every checkpoint and between per-segment iterations".
func (r *Runner) isCancelled(ctx context.Context, jobID string) (bool, error) {
	fresh, err := r.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("worker: recheck cancellation: %w", err)
	}
	return fresh.CancelRequested, nil
}
