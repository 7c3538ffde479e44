package output

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdelacruz/transcribepipe/internal/blob"
	"github.com/kdelacruz/transcribepipe/internal/jobstore"
	"github.com/kdelacruz/transcribepipe/internal/transcript"
)

func sampleFragments() []transcript.Fragment {
	return []transcript.Fragment{
		{Index: 1, OriginalStart: 60, OriginalEnd: 65.5, Text: "second segment", SpeakerID: "speaker_1"},
		{Index: 0, OriginalStart: 0, OriginalEnd: 5.25, Text: "first segment", SpeakerID: "speaker_0"},
		{Index: 2, OriginalStart: 65.5, OriginalEnd: 70, Failed: true, Text: transcript.FailedText},
	}
}

func sampleJob() *jobstore.Job {
	job := jobstore.NewJob("job-1", "owner-1", "upload-1", 1024, "en", true, 3)
	job.DetectedLanguage = "en"
	job.TotalDurationSec = 70
	return job
}

func TestAssembler_Generate_WritesAllFourAssetsAndRecordsThem(t *testing.T) {
	store, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	a := New(store)

	job := sampleJob()
	fragments := sampleFragments()
	merge := transcript.Merge(fragments)

	assets, err := a.Generate(context.Background(), job, merge, fragments)
	require.NoError(t, err)
	require.Len(t, assets, 4)

	kinds := map[jobstore.AssetKind]jobstore.Asset{}
	for _, asset := range assets {
		kinds[asset.Kind] = asset
	}
	for _, k := range jobstore.AllAssetKinds {
		_, ok := kinds[k]
		assert.True(t, ok, "missing asset kind %s", k)
	}

	txtAsset := kinds[jobstore.AssetTXT]
	rc, err := store.OpenRead(context.Background(), txtAsset.StorageKey)
	require.NoError(t, err)
	txtBytes, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "first segment\n\nsecond segment", string(txtBytes))
}

func TestAssembler_Generate_JSONAssetShape(t *testing.T) {
	store, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	a := New(store)

	job := sampleJob()
	fragments := sampleFragments()
	merge := transcript.Merge(fragments)

	assets, err := a.Generate(context.Background(), job, merge, fragments)
	require.NoError(t, err)

	var jsonAsset jobstore.Asset
	for _, asset := range assets {
		if asset.Kind == jobstore.AssetJSON {
			jsonAsset = asset
		}
	}
	require.NotEmpty(t, jsonAsset.StorageKey)

	rc, err := store.OpenRead(context.Background(), jsonAsset.StorageKey)
	require.NoError(t, err)
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	var doc jsonDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "first segment\n\nsecond segment", doc.Transcript)
	assert.Contains(t, doc.DiarizedTranscript, "[speaker_0] first segment")
	assert.Contains(t, doc.DiarizedTranscript, "[speaker_1] second segment")
	assert.Len(t, doc.Segments, 3)
	assert.Equal(t, "en", doc.Metadata.Language)
	assert.Equal(t, 70.0, doc.Metadata.DurationSec)
	assert.Nil(t, doc.Metadata.Confidence)

	// Pretty-printed with two-space indent, per §4.9.
	assert.Contains(t, string(raw), "\n  \"transcript\"")
}

func TestAssembler_Generate_SRTFormatting(t *testing.T) {
	store, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	a := New(store)

	job := sampleJob()
	fragments := sampleFragments()
	merge := transcript.Merge(fragments)

	assets, err := a.Generate(context.Background(), job, merge, fragments)
	require.NoError(t, err)

	var srtAsset jobstore.Asset
	for _, asset := range assets {
		if asset.Kind == jobstore.AssetSRT {
			srtAsset = asset
		}
	}
	rc, err := store.OpenRead(context.Background(), srtAsset.StorageKey)
	require.NoError(t, err)
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	content := string(raw)
	assert.True(t, strings.Contains(content, "1\r\n00:00:00,000 --> 00:00:05,250\r\nfirst segment\r\n\r\n"))
	assert.True(t, strings.Contains(content, "2\r\n00:01:00,000 --> 00:01:05,500\r\nsecond segment\r\n\r\n"))
	// The failed fragment (index 2) must not produce a cue.
	assert.False(t, strings.Contains(content, "3\r\n"))
}

func TestAssembler_Generate_VTTFormatting(t *testing.T) {
	store, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	a := New(store)

	job := sampleJob()
	fragments := sampleFragments()
	merge := transcript.Merge(fragments)

	assets, err := a.Generate(context.Background(), job, merge, fragments)
	require.NoError(t, err)

	var vttAsset jobstore.Asset
	for _, asset := range assets {
		if asset.Kind == jobstore.AssetVTT {
			vttAsset = asset
		}
	}
	rc, err := store.OpenRead(context.Background(), vttAsset.StorageKey)
	require.NoError(t, err)
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	content := string(raw)
	assert.True(t, strings.HasPrefix(content, "WEBVTT\n\n"))
	assert.Contains(t, content, "00:00:00.000 --> 00:00:05.250\nfirst segment\n\n")
	assert.NotContains(t, content, "\r\n")
}

// failingStore wraps a real store but fails the Nth PutStream call,
// so rollback behavior can be exercised deterministically.
type failingStore struct {
	blob.Store
	failOnCall int
	calls      int
}

func (f *failingStore) PutStream(ctx context.Context, key string, data io.Reader) (blob.Info, error) {
	f.calls++
	if f.calls == f.failOnCall {
		return blob.Info{}, errors.New("simulated write failure")
	}
	return f.Store.PutStream(ctx, key, data)
}

func TestAssembler_Generate_RollsBackOnPartialFailure(t *testing.T) {
	inner, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	store := &failingStore{Store: inner, failOnCall: 3} // fails on the SRT write
	a := New(store)

	job := sampleJob()
	fragments := sampleFragments()
	merge := transcript.Merge(fragments)

	assets, err := a.Generate(context.Background(), job, merge, fragments)
	require.Error(t, err)
	require.Nil(t, assets)

	// The TXT and JSON blobs written before the failure must be
	// cleaned up rather than left dangling.
	_, statErr := inner.Stat(context.Background(), assetKey(job.JobID, jobstore.AssetTXT))
	assert.ErrorIs(t, statErr, blob.ErrNotFound)
	_, statErr = inner.Stat(context.Background(), assetKey(job.JobID, jobstore.AssetJSON))
	assert.ErrorIs(t, statErr, blob.ErrNotFound)
}

func TestDiarizedTranscript_OrdersBySegmentIndex(t *testing.T) {
	out := diarizedTranscript(sampleFragments())
	firstIdx := strings.Index(out, "first segment")
	secondIdx := strings.Index(out, "second segment")
	require.NotEqual(t, -1, firstIdx)
	require.NotEqual(t, -1, secondIdx)
	assert.Less(t, firstIdx, secondIdx)
}

func TestFormatTimestamp_HoursMinutesSeconds(t *testing.T) {
	assert.Equal(t, "01:02:03,004", formatSRTTime(3723.004))
	assert.Equal(t, "01:02:03.004", formatVTTTime(3723.004))
	assert.Equal(t, "00:00:00,000", formatSRTTime(-5))
}
