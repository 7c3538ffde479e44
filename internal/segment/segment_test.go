package segment

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeWindows_ExactMultiple(t *testing.T) {
	windows := ComputeWindows(180, 60, 1)
	require.Len(t, windows, 3)

	require.Equal(t, Window{Index: 0, StartSec: 0, EndSec: 60, OriginalStart: 0, OriginalEnd: 60}, windows[0])
	require.Equal(t, Window{Index: 1, StartSec: 59, EndSec: 120, OriginalStart: 60, OriginalEnd: 120}, windows[1])
	require.Equal(t, Window{Index: 2, StartSec: 119, EndSec: 180, OriginalStart: 120, OriginalEnd: 180}, windows[2])
}

func TestComputeWindows_TrailingRemainderKept(t *testing.T) {
	// 125s clip, 60s windows: anchors at 0, 60, 120. The k=2 window
	// spans [119, 125), which is 6s >= 1s so it is emitted.
	windows := ComputeWindows(125, 60, 1)
	require.Len(t, windows, 3)
	last := windows[len(windows)-1]
	require.Equal(t, 2, last.Index)
	require.InDelta(t, 119, last.StartSec, 0.001)
	require.InDelta(t, 125, last.EndSec, 0.001)
}

func TestComputeWindows_SubSecondRemainderKeptThroughOverlap(t *testing.T) {
	// 120.3s clip, 60s windows, 1s overlap: the 0.3s past anchor k=2
	// is under 1s on its own, but the overlap extends its window back
	// to 119, so the window is 1.3s long and is kept.
	windows := ComputeWindows(120.3, 60, 1)
	for _, w := range windows {
		require.GreaterOrEqual(t, w.EndSec-w.StartSec, 1.0)
	}
	// anchor for k=2 is 120 >= 120.3? no, 120 < 120.3, so a window is attempted:
	// start=119, end=min(120.3,120.3)=120.3 -> duration 1.3s, kept.
	require.Len(t, windows, 3)
}

func TestComputeWindows_ShorterThanOneWindow(t *testing.T) {
	windows := ComputeWindows(45, 60, 1)
	require.Len(t, windows, 1)
	require.Equal(t, 0.0, windows[0].StartSec)
	require.Equal(t, 45.0, windows[0].EndSec)
}

func TestComputeWindows_ZeroOrNegativeDuration(t *testing.T) {
	require.Nil(t, ComputeWindows(0, 60, 1))
	require.Nil(t, ComputeWindows(-5, 60, 1))
}

func TestComputeWindows_NoOverlap(t *testing.T) {
	windows := ComputeWindows(120, 60, 0)
	require.Len(t, windows, 2)
	require.Equal(t, 0.0, windows[0].StartSec)
	require.Equal(t, 60.0, windows[0].EndSec)
	require.Equal(t, 60.0, windows[1].StartSec)
	require.Equal(t, 120.0, windows[1].EndSec)
}

func TestComputeWindows_Deterministic(t *testing.T) {
	a := ComputeWindows(725.25, 60, 1)
	b := ComputeWindows(725.25, 60, 1)
	require.Equal(t, a, b)
}

func writeFakeFFmpeg(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

func TestSegmenter_Extract_Success(t *testing.T) {
	script := `
shift $(($#-1))
out="$1"
echo "fake-segment" > "$out"
exit 0
`
	path := writeFakeFFmpeg(t, script)
	s := New(path)

	outDir := t.TempDir()
	w := Window{Index: 3, StartSec: 119, EndSec: 180, OriginalStart: 120, OriginalEnd: 180}

	outPath, err := s.Extract(context.Background(), "normalized.wav", outDir, w)
	require.NoError(t, err)
	require.Equal(t, ChunkFilename(outDir, 3), outPath)

	_, err = os.Stat(outPath)
	require.NoError(t, err)
}

func TestSegmenter_Extract_Failure(t *testing.T) {
	script := `
echo "ffmpeg error" 1>&2
exit 1
`
	path := writeFakeFFmpeg(t, script)
	s := New(path)

	_, err := s.Extract(context.Background(), "normalized.wav", t.TempDir(), Window{Index: 0, StartSec: 0, EndSec: 60})
	require.Error(t, err)
}

func TestChunkFilename(t *testing.T) {
	require.Equal(t, filepath.Join("out", "segment_0007.wav"), ChunkFilename("out", 7))
}
