package worker

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/kdelacruz/transcribepipe/internal/blob"
)

// downloadToFile pulls key out of store into a local file at
// destPath, so subprocess-based components (ffprobe/ffmpeg) that need
// a filesystem path can operate on it.
func downloadToFile(ctx context.Context, store blob.Store, key, destPath string) error {
	rc, err := store.OpenRead(ctx, key)
	if err != nil {
		return fmt.Errorf("worker: open blob %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()

	f, err := os.Create(destPath) // #nosec G304 - destPath is constructed internally from a job-owned temp dir
	if err != nil {
		return fmt.Errorf("worker: create %s: %w", destPath, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("worker: copy blob %s to %s: %w", key, destPath, err)
	}
	return nil
}

// uploadFile writes the local file at srcPath into store under key.
func uploadFile(ctx context.Context, store blob.Store, key, srcPath string) (blob.Info, error) {
	f, err := os.Open(srcPath) // #nosec G304 - srcPath is constructed internally from a job-owned temp dir
	if err != nil {
		return blob.Info{}, fmt.Errorf("worker: open %s: %w", srcPath, err)
	}
	defer func() { _ = f.Close() }()

	info, err := store.PutStream(ctx, key, f)
	if err != nil {
		return blob.Info{}, fmt.Errorf("worker: put blob %s: %w", key, err)
	}
	return info, nil
}
