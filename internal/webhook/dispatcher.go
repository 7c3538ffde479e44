package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kdelacruz/transcribepipe/internal/jobstore"
)

// SignatureHeader carries the HMAC-SHA256 signature of the request
// body, hex-encoded, computed with the registration's secret.
const SignatureHeader = "X-Webhook-Signature"

// Event is the payload delivered on every job state/stage transition
// (spec.md §6).
type Event struct {
	JobID        string         `json:"job_id"`
	OwnerID      string         `json:"owner_id"`
	State        jobstore.State `json:"state"`
	CurrentStage jobstore.Stage `json:"current_stage"`
	Progress     float64        `json:"progress"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// EventFromJob builds the notification payload for job's current
// snapshot.
func EventFromJob(job *jobstore.Job) Event {
	return Event{
		JobID:        job.JobID,
		OwnerID:      job.OwnerID,
		State:        job.State,
		CurrentStage: job.CurrentStage,
		Progress:     job.Progress,
		UpdatedAt:    job.UpdatedAt,
	}
}

// dedupKey identifies one (webhook, job, updated_at) delivery, per
// §6's "de-duplication key is (job_id, updated_at)" extended with the
// registration so one job update fans out to every owner endpoint.
func dedupKey(webhookID, jobID string, updatedAt time.Time) string {
	return webhookID + "|" + jobID + "|" + updatedAt.Format(time.RFC3339Nano)
}

// Dispatcher delivers Events to every registration for an owner,
// at-least-once, retrying 5xx responses with exponential backoff.
// Delivery is best-effort: a registration's failure does not affect
// delivery to any other registration, and never fails the caller's
// stage handler.
type Dispatcher struct {
	registry    Registry
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration

	mu   sync.Mutex
	seen map[string]struct{} // recently-delivered dedup keys
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) { d.maxRetries = n }
}

func WithBaseBackoff(b time.Duration) Option {
	return func(d *Dispatcher) { d.baseBackoff = b }
}

// NewDispatcher builds a Dispatcher backed by registry.
func NewDispatcher(registry Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		maxRetries:  3,
		baseBackoff: 1 * time.Second,
		seen:        make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify delivers event to every registration owned by event.OwnerID.
// Each registration's delivery (and its dedup bookkeeping) is
// independent; one failing does not stop the rest.
func (d *Dispatcher) Notify(ctx context.Context, event Event) {
	regs, err := d.registry.ListForOwner(ctx, event.OwnerID)
	if err != nil || len(regs) == 0 {
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		return
	}

	for _, reg := range regs {
		key := dedupKey(reg.WebhookID, event.JobID, event.UpdatedAt)
		if d.alreadyDelivered(key) {
			continue
		}
		if err := d.deliverWithRetry(ctx, reg, body); err == nil {
			d.markDelivered(key)
		}
	}
}

func (d *Dispatcher) alreadyDelivered(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[key]
	return ok
}

func (d *Dispatcher) markDelivered(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Bound the cache: this is a liveness aid, not a durable ledger —
	// a restarted process may re-deliver, which is fine under
	// at-least-once semantics.
	if len(d.seen) > 10000 {
		d.seen = make(map[string]struct{})
	}
	d.seen[key] = struct{}{}
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, reg Registration, body []byte) error {
	var lastErr error
	backoff := d.baseBackoff

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := d.deliver(ctx, reg, body)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("webhook: max retries exceeded: %w", lastErr)
}

func (d *Dispatcher) deliver(ctx context.Context, reg Registration, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sign(reg.Secret, body))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("webhook: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return &retryableError{err: fmt.Errorf("webhook: server error %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// sign computes the hex-encoded HMAC-SHA256 of body under secret.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the correct HMAC-SHA256 of body
// under secret, using a constant-time comparison. Receivers of
// delivered webhooks use this to authenticate the sender.
func Verify(secret string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(expected, mac.Sum(nil))
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
