package prober

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeFakeFFprobe writes a tiny shell script that stands in for
// ffprobe: it ignores its arguments and prints a fixed JSON payload,
// so parsing can be tested without a real media file or binary.
func writeFakeFFprobe(t *testing.T, json string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffprobe.sh")
	script := "#!/bin/sh\ncat <<'EOF'\n" + json + "\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

const sampleFFprobeJSON = `{
  "streams": [
    {"index": 0, "codec_type": "audio", "codec_name": "pcm_s16le", "sample_rate": "16000", "channels": 1}
  ],
  "format": {
    "format_name": "wav",
    "duration": "720.500000"
  }
}`

func TestProber_Probe_ParsesAudioStream(t *testing.T) {
	if os.Getenv("GOOS") == "windows" {
		t.Skip("fake ffprobe script requires a POSIX shell")
	}
	path := writeFakeFFprobe(t, sampleFFprobeJSON)
	p := New(path)

	info, err := p.Probe(context.Background(), "irrelevant.wav")
	require.NoError(t, err)
	require.InDelta(t, 720.5, info.DurationSec, 0.001)
	require.Equal(t, "wav", info.ContainerFormat)
	require.Len(t, info.AudioStreams, 1)
	require.Equal(t, "pcm_s16le", info.AudioStreams[0].CodecName)
	require.Equal(t, 16000, info.AudioStreams[0].SampleRate)
	require.Equal(t, 1, info.AudioStreams[0].Channels)
}

func TestProber_Probe_NoAudioStreams(t *testing.T) {
	path := writeFakeFFprobe(t, `{"streams": [{"index":0,"codec_type":"video","codec_name":"h264"}], "format": {"format_name":"mp4","duration":"10.0"}}`)
	p := New(path)

	info, err := p.Probe(context.Background(), "irrelevant.mp4")
	require.NoError(t, err)
	require.Empty(t, info.AudioStreams)
}

func TestProber_Probe_MalformedOutput(t *testing.T) {
	path := writeFakeFFprobe(t, `not json`)
	p := New(path)

	_, err := p.Probe(context.Background(), "irrelevant.wav")
	require.ErrorIs(t, err, ErrFFprobeExecution)
}

func TestProber_Probe_ExecutableNotFound(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "does-not-exist"))
	_, err := p.Probe(context.Background(), "irrelevant.wav")
	require.ErrorIs(t, err, ErrFFprobeExecution)
}

func TestNew_DefaultPath(t *testing.T) {
	p := New("")
	require.Equal(t, "ffprobe", p.ffprobePath)
}
