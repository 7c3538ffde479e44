// Package recognizer provides a thin HTTP client over an external
// speech-to-text service, used by Stages DETECT_LANGUAGE and
// TRANSCRIBING. The client has no knowledge of jobs; concurrency is
// controlled entirely by its caller, the Stage Runner.
package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// AutoLanguage requests language auto-detection from the recognizer.
const AutoLanguage = "AUTO"

// Static errors for recognizer client operations.
var (
	// ErrAPIKeyNotSet is returned when no API key was configured or
	// found in the environment.
	ErrAPIKeyNotSet = errors.New("recognizer: API key is not set")
	// ErrRateLimited is returned after retries exhaust against a
	// server that kept responding 429.
	ErrRateLimited = errors.New("recognizer: rate limited")
	// ErrServerError is returned after retries exhaust against a
	// server that kept responding 5xx.
	ErrServerError = errors.New("recognizer: server error")
	// ErrRequestFailed marks a non-2xx, non-retryable response
	// (malformed audio, unsupported language, bad request, ...).
	ErrRequestFailed = errors.New("recognizer: request failed")
	// ErrEmptyBlobKey is returned when Recognize is called without a
	// segment to transcribe.
	ErrEmptyBlobKey = errors.New("recognizer: blob key is required")
)

// SubSegment is one recognizer-reported timed span within a larger
// recognize() call, used when the service splits its own response
// into smaller spans than the segment it was given.
type SubSegment struct {
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
	Text     string  `json:"text"`
}

// Result is the outcome of a successful recognize() call.
type Result struct {
	Text        string       `json:"text"`
	Language    string       `json:"language"`
	SubSegments []SubSegment `json:"sub_segments"`
}

// Client recognizes speech in a stored audio blob.
type Client interface {
	// Recognize transcribes the audio at blobKey. language is either
	// a BCP-47 tag or AutoLanguage to request detection.
	Recognize(ctx context.Context, blobKey, language string) (Result, error)
}

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithAPIKey sets the API key used to authenticate against the
// recognizer service.
func WithAPIKey(key string) Option {
	return func(c *HTTPClient) { c.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client, e.g. to tune transport
// pooling or inject a test RoundTripper.
func WithHTTPClient(h *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = h }
}

// WithBaseURL overrides the recognizer service's base URL.
func WithBaseURL(url string) Option {
	return func(c *HTTPClient) { c.baseURL = url }
}

// WithMaxRetries overrides the attempt budget: the total number of
// requests, the first one included. The policy default is 3, matching
// the external transcription contract.
func WithMaxRetries(n int) Option {
	return func(c *HTTPClient) { c.maxRetries = n }
}

// WithBaseBackoff overrides the initial retry backoff. The policy
// default is 5 seconds, doubling on each subsequent attempt.
func WithBaseBackoff(d time.Duration) Option {
	return func(c *HTTPClient) { c.baseBackoff = d }
}

// NewHTTPClient builds a recognizer client. baseURL must point at the
// speech-to-text service's API root. The API key can be supplied via
// WithAPIKey; if omitted, it is read from RECOGNIZER_API_KEY.
func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	c := &HTTPClient{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		maxRetries:  3,
		baseBackoff: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.apiKey == "" {
		c.apiKey = os.Getenv("RECOGNIZER_API_KEY")
	}
	if c.apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	return c, nil
}

type recognizeRequest struct {
	BlobKey  string `json:"blob_key"`
	Language string `json:"language"`
}

type recognizeResponse struct {
	Text        string       `json:"text"`
	Language    string       `json:"language"`
	SubSegments []SubSegment `json:"sub_segments"`
	Error       string       `json:"error,omitempty"`
}

// Recognize transcribes blobKey, retrying on rate limiting and
// transient network errors with exponential backoff (base 5s,
// multiplier 2, up to 3 attempts by default). Malformed-input and
// unsupported-language responses are permanent and are not retried.
func (c *HTTPClient) Recognize(ctx context.Context, blobKey, language string) (Result, error) {
	if blobKey == "" {
		return Result{}, ErrEmptyBlobKey
	}
	if language == "" {
		language = AutoLanguage
	}

	reqBody, err := json.Marshal(recognizeRequest{BlobKey: blobKey, Language: language})
	if err != nil {
		return Result{}, fmt.Errorf("recognizer: marshal request: %w", err)
	}

	url := c.baseURL + "/recognize"

	var resp recognizeResponse
	if err := c.doRequestWithRetry(ctx, url, reqBody, &resp); err != nil {
		return Result{}, err
	}
	if resp.Error != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrRequestFailed, resp.Error)
	}

	return Result{Text: resp.Text, Language: resp.Language, SubSegments: resp.SubSegments}, nil
}

// doRequestWithRetry performs the recognize POST with exponential
// backoff retry. The client sleeps and does not return failure until
// retries exhaust, per the recognizer policy.
func (c *HTTPClient) doRequestWithRetry(ctx context.Context, url string, body []byte, result interface{}) error {
	var lastErr error
	backoff := c.baseBackoff

	for attempt := 0; attempt < max(c.maxRetries, 1); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("recognizer: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := c.doRequest(ctx, url, body, result)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("recognizer: retries exhausted: %w", lastErr)
}

func (c *HTTPClient) doRequest(ctx context.Context, url string, body []byte, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("recognizer: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("recognizer: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err: fmt.Errorf("recognizer: read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			return &retryableError{err: fmt.Errorf("%w %d: %s", ErrServerError, resp.StatusCode, string(respBody))}
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return &retryableError{err: fmt.Errorf("%w: %s", ErrRateLimited, string(respBody))}
		}
		return fmt.Errorf("%w with status %d: %s", ErrRequestFailed, resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("recognizer: unmarshal response: %w", err)
		}
	}

	return nil
}

// retryableError wraps errors the retry loop should keep retrying.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
