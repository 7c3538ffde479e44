// Package transcript holds the Transcript Fragment type and the pure
// merge logic that turns an ordered set of fragments into the final
// transcript (stage MERGING). Nothing in this package performs I/O:
// it is exercised identically by the Stage Runner and by the Output
// Assembler when regenerating assets from a stored checkpoint.
package transcript

import (
	"sort"
	"strings"

	"github.com/kdelacruz/transcribepipe/internal/recognizer"
)

// FailedText marks a fragment whose recognizer call failed after
// exhausting retries. Per §4.7/§7, a failed segment does not fail the
// stage; it is absorbed into a placeholder fragment instead.
const FailedText = "<FAILED>"

// Fragment is one segment's recognized text, positioned at the
// segment's original (non-overlapping) coordinates so merging never
// duplicates text drawn from the overlap region.
type Fragment struct {
	Index         int                   `json:"index"`
	OriginalStart float64               `json:"original_start"`
	OriginalEnd   float64               `json:"original_end"`
	Text          string                `json:"text"`
	Language      string                `json:"language,omitempty"`
	SubSegments   []recognizer.SubSegment `json:"sub_segments,omitempty"`
	Failed        bool                  `json:"failed"`
	SpeakerID     string                `json:"speaker_id,omitempty"`
}

// StartSec and EndSec give Fragment the timing-invariant shape tests
// and format writers check against (§8: "F.start_time_sec < F.end_time_sec").
func (f Fragment) StartSec() float64 { return f.OriginalStart }
func (f Fragment) EndSec() float64   { return f.OriginalEnd }

// FailedFragment builds the placeholder recorded when a segment's
// recognizer call could not be completed.
func FailedFragment(index int, originalStart, originalEnd float64) Fragment {
	return Fragment{
		Index:         index,
		OriginalStart: originalStart,
		OriginalEnd:   originalEnd,
		Text:          FailedText,
		Failed:        true,
	}
}

// MergeResult is stage MERGING's checkpoint payload.
type MergeResult struct {
	FinalTranscript string `json:"final_transcript"`
	WordCount       int    `json:"word_count"`
	FailedSegments  []int  `json:"failed_segments"`
}

// Merge is deterministic and pure: given the same fragments it always
// produces byte-identical output, which is what makes stage MERGING
// safe to re-run. Fragments are ordered by Index; non-failed
// fragments are concatenated with a paragraph break between them.
func Merge(fragments []Fragment) MergeResult {
	ordered := make([]Fragment, len(fragments))
	copy(ordered, fragments)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	var paragraphs []string
	var failed []int
	for _, f := range ordered {
		if f.Failed {
			failed = append(failed, f.Index)
			continue
		}
		text := strings.TrimSpace(f.Text)
		if text != "" {
			paragraphs = append(paragraphs, text)
		}
	}

	final := strings.Join(paragraphs, "\n\n")
	return MergeResult{
		FinalTranscript: final,
		WordCount:       countWords(final),
		FailedSegments:  failed,
	}
}

// AllFailed reports whether every fragment failed, the condition
// under which stage MERGING/TRANSCRIBING fails the job outright
// rather than absorbing the failures.
func AllFailed(fragments []Fragment) bool {
	if len(fragments) == 0 {
		return false
	}
	for _, f := range fragments {
		if !f.Failed {
			return false
		}
	}
	return true
}

func countWords(s string) int {
	return len(strings.Fields(s))
}
