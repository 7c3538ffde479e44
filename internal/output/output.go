// Package output implements the Output Assembler (C9): stage
// GENERATING_OUTPUTS turns a merged transcript and its fragments into
// four blob-stored assets (TXT, JSON, SRT, VTT) and returns their
// Asset records — either all four blobs exist afterward, or none do.
// Recording them on the Job is left to the caller.
package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kdelacruz/transcribepipe/internal/blob"
	"github.com/kdelacruz/transcribepipe/internal/jobid"
	"github.com/kdelacruz/transcribepipe/internal/jobstore"
	"github.com/kdelacruz/transcribepipe/internal/transcript"
)

// Assembler implements worker.OutputAssembler.
type Assembler struct {
	blobs blob.Store
}

// New builds an Assembler writing assets through store.
func New(store blob.Store) *Assembler {
	return &Assembler{blobs: store}
}

// jsonDocument is the JSON asset's shape (§4.9): the plain transcript,
// the diarized transcript (speaker labels inline), the raw fragments,
// and summary metadata. It also round-trips enough information to
// regenerate SRT/VTT byte-for-byte from the fragments alone.
type jsonDocument struct {
	Transcript         string                `json:"transcript"`
	DiarizedTranscript string                `json:"diarized_transcript"`
	Segments           []transcript.Fragment `json:"segments"`
	Metadata           jsonMetadata          `json:"metadata"`
}

type jsonMetadata struct {
	Language    string   `json:"language"`
	DurationSec float64  `json:"duration_sec"`
	WordCount   int      `json:"word_count"`
	Confidence  *float64 `json:"confidence"`
}

// Generate writes the four output assets for job and returns their
// records; it does not store them in the Job Store.
// If any write fails partway through, blobs already written this call
// are deleted before the error is returned, so a retry of the
// GENERATING_OUTPUTS stage never leaves a partial asset set recorded.
func (a *Assembler) Generate(ctx context.Context, job *jobstore.Job, mergeResult transcript.MergeResult, fragments []transcript.Fragment) ([]jobstore.Asset, error) {
	diarized := diarizedTranscript(fragments)

	doc := jsonDocument{
		Transcript:         mergeResult.FinalTranscript,
		DiarizedTranscript: diarized,
		Segments:           fragments,
		Metadata: jsonMetadata{
			Language:    job.DetectedLanguage,
			DurationSec: job.TotalDurationSec,
			WordCount:   mergeResult.WordCount,
			Confidence:  nil, // the recognizer contract carries no confidence score
		},
	}
	jsonBytes, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("output: marshal json asset: %w", err)
	}

	payloads := []struct {
		kind jobstore.AssetKind
		data []byte
	}{
		{jobstore.AssetTXT, []byte(mergeResult.FinalTranscript)},
		{jobstore.AssetJSON, jsonBytes},
		{jobstore.AssetSRT, []byte(renderSRT(fragments))},
		{jobstore.AssetVTT, []byte(renderVTT(fragments))},
	}

	var written []string
	rollback := func() {
		for _, key := range written {
			_ = a.blobs.Delete(ctx, key)
		}
	}

	var assets []jobstore.Asset
	for _, p := range payloads {
		key := assetKey(job.JobID, p.kind)
		info, err := a.blobs.PutStream(ctx, key, bytes.NewReader(p.data))
		if err != nil {
			rollback()
			return nil, fmt.Errorf("output: write %s asset: %w", p.kind, err)
		}
		written = append(written, key)
		assets = append(assets, jobstore.NewAsset(jobid.NewAsset(), job.JobID, p.kind, info.Key, info.SizeBytes))
	}

	return assets, nil
}

func assetKey(jobID string, kind jobstore.AssetKind) string {
	ext := map[jobstore.AssetKind]string{
		jobstore.AssetTXT:  "txt",
		jobstore.AssetJSON: "json",
		jobstore.AssetSRT:  "srt",
		jobstore.AssetVTT:  "vtt",
	}[kind]
	return fmt.Sprintf("jobs/%s/assets/transcript.%s", jobID, ext)
}

// diarizedTranscript renders each non-failed fragment prefixed by its
// speaker label, one paragraph per fragment, so speaker turns stay
// visible even when NoopDiarizer collapses everything to one speaker.
func diarizedTranscript(fragments []transcript.Fragment) string {
	ordered := orderedCopy(fragments)
	var out bytes.Buffer
	first := true
	for _, f := range ordered {
		if f.Failed {
			continue
		}
		text := f.Text
		if text == "" {
			continue
		}
		if !first {
			out.WriteString("\n\n")
		}
		first = false
		speaker := f.SpeakerID
		if speaker == "" {
			speaker = "speaker_0"
		}
		out.WriteString(fmt.Sprintf("[%s] %s", speaker, text))
	}
	return out.String()
}

// renderSRT renders non-failed fragments as SubRip cues, numbered from
// 1, with CRLF line endings per the format.
func renderSRT(fragments []transcript.Fragment) string {
	ordered := orderedCopy(fragments)
	var out bytes.Buffer
	n := 1
	for _, f := range ordered {
		if f.Failed {
			continue
		}
		out.WriteString(fmt.Sprintf("%d\r\n", n))
		out.WriteString(fmt.Sprintf("%s --> %s\r\n", formatSRTTime(f.OriginalStart), formatSRTTime(f.OriginalEnd)))
		out.WriteString(f.Text)
		out.WriteString("\r\n\r\n")
		n++
	}
	return out.String()
}

// renderVTT renders non-failed fragments as WebVTT cues.
func renderVTT(fragments []transcript.Fragment) string {
	ordered := orderedCopy(fragments)
	var out bytes.Buffer
	out.WriteString("WEBVTT\n\n")
	for _, f := range ordered {
		if f.Failed {
			continue
		}
		out.WriteString(fmt.Sprintf("%s --> %s\n", formatVTTTime(f.OriginalStart), formatVTTTime(f.OriginalEnd)))
		out.WriteString(f.Text)
		out.WriteString("\n\n")
	}
	return out.String()
}

func orderedCopy(fragments []transcript.Fragment) []transcript.Fragment {
	ordered := make([]transcript.Fragment, len(fragments))
	copy(ordered, fragments)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })
	return ordered
}

// formatSRTTime renders seconds as HH:MM:SS,mmm.
func formatSRTTime(sec float64) string {
	return formatTimestamp(sec, ",")
}

// formatVTTTime renders seconds as HH:MM:SS.mmm.
func formatVTTTime(sec float64) string {
	return formatTimestamp(sec, ".")
}

func formatTimestamp(sec float64, fracSep string) string {
	if sec < 0 {
		sec = 0
	}
	d := time.Duration(sec * float64(time.Second))
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	ms := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d%s%03d", h, m, s, fracSep, ms)
}
