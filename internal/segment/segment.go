// Package segment cuts the normalized audio into overlapping windows
// that can each be recognized independently (stage SEGMENT).
package segment

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
)

// Window describes one overlapping extraction window. OriginalStart
// and OriginalEnd are the anchor-aligned coordinates used later when
// merging fragments, so overlap regions do not produce duplicate text;
// StartSec/EndSec are the (possibly overlap-extended) bounds actually
// extracted.
type Window struct {
	Index         int
	StartSec      float64
	EndSec        float64
	OriginalStart float64
	OriginalEnd   float64
}

// Duration returns the window's extraction length in seconds.
func (w Window) Duration() float64 {
	return w.EndSec - w.StartSec
}

// ComputeWindows deterministically derives the overlapping-window
// plan for a clip of totalDurationSec, given segmentDurationSec and
// overlapSec. It is a pure function: given the same inputs it always
// returns the same plan, which is what makes the SEGMENT checkpoint
// safe to recompute on retry rather than store verbatim.
func ComputeWindows(totalDurationSec float64, segmentDurationSec, overlapSec int) []Window {
	if totalDurationSec <= 0 || segmentDurationSec <= 0 {
		return nil
	}

	var windows []Window
	for k := 0; ; k++ {
		anchor := float64(k) * float64(segmentDurationSec)
		if anchor >= totalDurationSec {
			break
		}
		start := anchor - float64(overlapSec)
		if start < 0 {
			start = 0
		}
		end := anchor + float64(segmentDurationSec)
		if end > totalDurationSec {
			end = totalDurationSec
		}
		if end-start < 1.0 {
			break
		}
		windows = append(windows, Window{
			Index:         k,
			StartSec:      start,
			EndSec:        end,
			OriginalStart: anchor,
			OriginalEnd:   anchor + float64(segmentDurationSec),
		})
	}
	return windows
}

// Segmenter wraps the ffmpeg CLI to extract one window per call.
type Segmenter struct {
	ffmpegPath string
}

// New builds a Segmenter. If ffmpegPath is empty it defaults to
// "ffmpeg" resolved via PATH.
func New(ffmpegPath string) *Segmenter {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Segmenter{ffmpegPath: ffmpegPath}
}

// ChunkFilename returns the conventional on-disk name for the window
// at index within outDir. The name carries only the index, so windows
// of different jobs are kept apart by giving each job its own outDir.
func ChunkFilename(outDir string, index int) string {
	return filepath.Join(outDir, fmt.Sprintf("segment_%04d.wav", index))
}

// Extract cuts window w out of normalizedPath into ChunkFilename(outDir, w.Index).
func (s *Segmenter) Extract(ctx context.Context, normalizedPath, outDir string, w Window) (string, error) {
	outputPath := ChunkFilename(outDir, w.Index)

	args := []string{
		"-y",
		"-ss", fmt.Sprintf("%.3f", w.StartSec),
		"-t", fmt.Sprintf("%.3f", w.Duration()),
		"-i", normalizedPath,
		"-c", "copy",
		outputPath,
	}

	// #nosec G204 - ffmpegPath is configured by the application, not user input
	cmd := exec.CommandContext(ctx, s.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("segment: ffmpeg cancelled: %w", ctx.Err())
		}
		return "", fmt.Errorf("segment: extract window %d: %w, stderr: %s", w.Index, err, stderr.String())
	}

	return outputPath, nil
}
