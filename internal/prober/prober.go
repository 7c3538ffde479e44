// Package prober extracts duration, codec, and stream information from
// a media file via ffprobe (the Media Prober, stage VALIDATE's data
// source).
package prober

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
)

// ErrFFprobeExecution is returned when the ffprobe subprocess fails or
// its output cannot be parsed.
var ErrFFprobeExecution = errors.New("prober: ffprobe execution failed")

// AudioStream describes one decodable audio stream.
type AudioStream struct {
	Index      int
	CodecName  string
	SampleRate int
	Channels   int
}

// MediaInfo is everything the VALIDATE stage needs to know about a
// media blob.
type MediaInfo struct {
	DurationSec     float64
	ContainerFormat string
	AudioStreams    []AudioStream
}

// Prober wraps the ffprobe CLI.
type Prober struct {
	ffprobePath string
}

// New builds a Prober. If ffprobePath is empty it defaults to
// "ffprobe" resolved via PATH.
func New(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{ffprobePath: ffprobePath}
}

type ffprobeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

type ffprobeStream struct {
	Index      int    `json:"index"`
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

// Probe runs ffprobe against a local file path and returns its media
// info. path must already be a local file; staging a blob to disk is
// the caller's responsibility.
func (p *Prober) Probe(ctx context.Context, path string) (MediaInfo, error) {
	// #nosec G204 - ffprobePath is configured by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "error",
		"-show_format",
		"-show_streams",
		"-of", "json",
		path,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return MediaInfo{}, fmt.Errorf("prober: ffprobe cancelled: %w", ctx.Err())
		}
		return MediaInfo{}, fmt.Errorf("%w: %v, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(stdout.Bytes(), &parsed); err != nil {
		return MediaInfo{}, fmt.Errorf("%w: parse json: %v", ErrFFprobeExecution, err)
	}

	duration, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil {
		return MediaInfo{}, fmt.Errorf("%w: parse duration %q: %v", ErrFFprobeExecution, parsed.Format.Duration, err)
	}

	info := MediaInfo{
		DurationSec:     duration,
		ContainerFormat: parsed.Format.FormatName,
	}
	for _, s := range parsed.Streams {
		if s.CodecType != "audio" {
			continue
		}
		sampleRate, _ := strconv.Atoi(s.SampleRate)
		info.AudioStreams = append(info.AudioStreams, AudioStream{
			Index:      s.Index,
			CodecName:  s.CodecName,
			SampleRate: sampleRate,
			Channels:   s.Channels,
		})
	}

	return info, nil
}
