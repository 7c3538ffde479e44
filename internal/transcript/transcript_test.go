package transcript

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMerge_OrdersByIndexRegardlessOfInputOrder(t *testing.T) {
	result := Merge([]Fragment{
		{Index: 1, Text: "second"},
		{Index: 0, Text: "first"},
	})
	require.Equal(t, "first\n\nsecond", result.FinalTranscript)
	require.Equal(t, 2, result.WordCount)
	require.Empty(t, result.FailedSegments)
}

func TestMerge_SkipsFailedFragments(t *testing.T) {
	result := Merge([]Fragment{
		{Index: 0, Text: "hello world"},
		FailedFragment(1, 60, 120),
		{Index: 2, Text: "goodbye"},
	})
	require.Equal(t, "hello world\n\ngoodbye", result.FinalTranscript)
	require.Equal(t, []int{1}, result.FailedSegments)
	require.Equal(t, 3, result.WordCount)
}

func TestMerge_IsDeterministic(t *testing.T) {
	fragments := []Fragment{
		{Index: 0, Text: "a"},
		{Index: 1, Text: "b"},
	}
	a := Merge(fragments)
	b := Merge(fragments)
	require.Equal(t, a, b)
}

func TestMerge_Empty(t *testing.T) {
	result := Merge(nil)
	require.Equal(t, "", result.FinalTranscript)
	require.Equal(t, 0, result.WordCount)
}

func TestAllFailed(t *testing.T) {
	require.False(t, AllFailed(nil))
	require.False(t, AllFailed([]Fragment{{Index: 0, Text: "ok"}, FailedFragment(1, 0, 1)}))
	require.True(t, AllFailed([]Fragment{FailedFragment(0, 0, 1), FailedFragment(1, 1, 2)}))
}

func TestFragment_TimingAccessors(t *testing.T) {
	f := Fragment{OriginalStart: 1.5, OriginalEnd: 4.5}
	require.Equal(t, 1.5, f.StartSec())
	require.Equal(t, 4.5, f.EndSec())
	require.Less(t, f.StartSec(), f.EndSec())
}
