package worker

import (
	"context"
	"errors"

	"github.com/kdelacruz/transcribepipe/internal/prober"
	"github.com/kdelacruz/transcribepipe/internal/recognizer"
	"github.com/kdelacruz/transcribepipe/internal/transcode"
)

// ErrorClass is the semantic error taxonomy from §7. It is not a
// source-type hierarchy: the classifier maps whatever error a stage
// handler returns onto one of these kinds, and the Runner is the only
// place that decides retry-or-fail from it.
type ErrorClass int

const (
	// ClassValidation: input fails a precondition. Reported to the
	// client; never retried.
	ClassValidation ErrorClass = iota
	// ClassTransientExternal: recognizer 429, transcoder OOM-kill,
	// transient storage error. Retried with backoff.
	ClassTransientExternal
	// ClassPermanentExternal: recognizer permanent error, unsupported
	// media. Stage fails; job only retries if reclassified.
	ClassPermanentExternal
	// ClassInternal: checkpoint corruption, missing precondition from
	// a prior stage. Fails the job immediately; indicates a bug.
	ClassInternal
	// ClassCancellation: not an error; the caller observed a
	// cancellation request.
	ClassCancellation
)

// Retryable reports whether a job-level retry (re-entering the stage
// from its last checkpoint) is the correct response to this class.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransientExternal
}

// Classify maps a stage handler's error onto the §7 taxonomy.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassInternal
	case errors.Is(err, context.Canceled):
		return ClassCancellation
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrInternal):
		return ClassInternal
	case errors.Is(err, recognizer.ErrRateLimited),
		errors.Is(err, recognizer.ErrServerError),
		errors.Is(err, transcode.ErrTranscodeFailed),
		errors.Is(err, prober.ErrFFprobeExecution),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransientExternal
	case errors.Is(err, recognizer.ErrRequestFailed):
		return ClassPermanentExternal
	default:
		// An error this stage handler didn't attribute to a known
		// cause is treated as transient: retrying from the last
		// checkpoint is safe, and exhausting max_job_retries still
		// fails the job if the condition persists.
		return ClassTransientExternal
	}
}

// ErrValidation marks a stage failure caused by input that will never
// become valid on retry (size, duration, MIME, malformed media).
var ErrValidation = errors.New("worker: validation failure")

// ErrInternal marks a stage failure caused by corrupted or missing
// pipeline state rather than external conditions.
var ErrInternal = errors.New("worker: internal failure")

// ValidationError wraps a §4.4 failure code (SIZE_MISMATCH, NO_AUDIO,
// TOO_LONG, INVALID_DURATION, ...) as a ClassValidation error.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
