package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kdelacruz/transcribepipe/internal/jobstore"
)

func TestRegistry_CreateListDelete(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, reg.Create(ctx, Registration{WebhookID: "wh-1", OwnerID: "owner-1", URL: "http://example.com/a", Secret: "s1"}))
	require.NoError(t, reg.Create(ctx, Registration{WebhookID: "wh-2", OwnerID: "owner-1", URL: "http://example.com/b", Secret: "s2"}))
	require.NoError(t, reg.Create(ctx, Registration{WebhookID: "wh-3", OwnerID: "owner-2", URL: "http://example.com/c", Secret: "s3"}))

	owner1, err := reg.ListForOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, owner1, 2)

	require.NoError(t, reg.Delete(ctx, "owner-1", "wh-1"))
	owner1, err = reg.ListForOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Len(t, owner1, 1)

	err = reg.Delete(ctx, "owner-1", "wh-3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDispatcher_Notify_SignsAndDelivers(t *testing.T) {
	var received int32
	var gotSignature, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotSignature = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := NewMemoryRegistry()
	require.NoError(t, reg.Create(context.Background(), Registration{
		WebhookID: "wh-1", OwnerID: "owner-1", URL: srv.URL, Secret: "supersecret",
	}))

	d := NewDispatcher(reg, WithBaseBackoff(time.Millisecond))
	job := jobstore.NewJob("job-1", "owner-1", "upload-1", 100, "en", false, 3)
	event := EventFromJob(job)

	d.Notify(context.Background(), event)

	assert.Equal(t, int32(1), atomic.LoadInt32(&received))
	assert.NotEmpty(t, gotSignature)
	assert.True(t, Verify("supersecret", []byte(gotBody), gotSignature))
	assert.False(t, Verify("wrongsecret", []byte(gotBody), gotSignature))
}

func TestDispatcher_Notify_DeduplicatesSameJobUpdate(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := NewMemoryRegistry()
	require.NoError(t, reg.Create(context.Background(), Registration{
		WebhookID: "wh-1", OwnerID: "owner-1", URL: srv.URL, Secret: "s",
	}))

	d := NewDispatcher(reg, WithBaseBackoff(time.Millisecond))
	job := jobstore.NewJob("job-1", "owner-1", "upload-1", 100, "en", false, 3)
	event := EventFromJob(job)

	d.Notify(context.Background(), event)
	d.Notify(context.Background(), event) // same updated_at: deduplicated

	assert.Equal(t, int32(1), atomic.LoadInt32(&received))

	job.UpdatedAt = job.UpdatedAt.Add(time.Second)
	d.Notify(context.Background(), EventFromJob(job)) // new updated_at: delivered again

	assert.Equal(t, int32(2), atomic.LoadInt32(&received))
}

func TestDispatcher_Notify_RetriesOnServerErrorThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := NewMemoryRegistry()
	require.NoError(t, reg.Create(context.Background(), Registration{
		WebhookID: "wh-1", OwnerID: "owner-1", URL: srv.URL, Secret: "s",
	}))

	d := NewDispatcher(reg, WithBaseBackoff(time.Millisecond), WithMaxRetries(5))
	job := jobstore.NewJob("job-1", "owner-1", "upload-1", 100, "en", false, 3)

	d.Notify(context.Background(), EventFromJob(job))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDispatcher_Notify_NoRegistrationsIsNoop(t *testing.T) {
	reg := NewMemoryRegistry()
	d := NewDispatcher(reg)
	job := jobstore.NewJob("job-1", "owner-1", "upload-1", 100, "en", false, 3)
	d.Notify(context.Background(), EventFromJob(job)) // must not panic or block
}

func TestVerify_RejectsMalformedSignature(t *testing.T) {
	assert.False(t, Verify("secret", []byte("body"), "not-hex!!"))
}
