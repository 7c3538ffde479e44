// Package jobid generates identifiers for the entities in the
// transcription pipeline: jobs get the pipeline's own timestamp+random
// scheme, while upload sessions, assets, and webhooks reuse uuid since
// they have no need for a human-sortable prefix.
package jobid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewJob creates a new unique job ID.
// Format: job-<unix-timestamp>-<8 hex chars>
// Example: job-1701432000-a1b2c3d4
func NewJob() string {
	timestamp := time.Now().Unix()
	random := make([]byte, 4)
	if _, err := rand.Read(random); err != nil {
		// Fallback to timestamp only if crypto/rand fails.
		return fmt.Sprintf("job-%d", timestamp)
	}
	return fmt.Sprintf("job-%d-%s", timestamp, hex.EncodeToString(random))
}

// NewUploadSession creates a new upload session ID.
func NewUploadSession() string {
	return "upload-" + uuid.NewString()
}

// NewAsset creates a new output asset ID.
func NewAsset() string {
	return "asset-" + uuid.NewString()
}

// NewWebhook creates a new webhook registration ID.
func NewWebhook() string {
	return "webhook-" + uuid.NewString()
}

// NewSegment creates a new segment ID, scoped under its parent job.
func NewSegment(jobID string, index int) string {
	return fmt.Sprintf("%s-seg-%04d", jobID, index)
}
