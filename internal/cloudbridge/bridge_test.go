package cloudbridge_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/cloudbridge"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/errs"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/layout"
)

func newBridge(t *testing.T) (*cloudbridge.Bridge, *cloudbridge.FSObjectStore, layout.Layout) {
	t.Helper()
	root := t.TempDir()
	lay := layout.New(root)
	for _, d := range lay.Dirs() {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	store := cloudbridge.NewFSObjectStore(filepath.Join(root, "bucket-root"))
	b := cloudbridge.New(store, cloudbridge.NoopTrigger{}, lay, zerolog.Nop())
	return b, store, lay
}

func TestSubmitUploadsArtifactsAndIsIdempotent(t *testing.T) {
	b, store, _ := newBridge(t)
	ctx := context.Background()

	res1, err := b.Submit(ctx, "jobs", "prefix", "sermon_01", "", map[string]string{"lang": "es"}, map[string]string{"segments": "x"})
	require.NoError(t, err)
	require.NotEmpty(t, res1.CloudJobID)

	// Idempotent resubmission against the same cloud_job_id: reuploading
	// must not error and must not mint a new id.
	res2, err := b.Submit(ctx, "jobs", "prefix", "sermon_01", res1.CloudJobID, map[string]string{"lang": "es"}, map[string]string{"segments": "x"})
	require.NoError(t, err)
	require.Equal(t, res1.CloudJobID, res2.CloudJobID)

	exists, err := store.Exists(ctx, "jobs", "prefix/"+res1.CloudJobID+"/job.json")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestPollNotReadyWhenProgressMissing(t *testing.T) {
	b, _, _ := newBridge(t)
	_, err := b.Poll(context.Background(), "jobs", "prefix", "abc")
	require.ErrorIs(t, err, errs.ErrCloudNotReady)
}

func TestPollReportsStageAndApprovedReadiness(t *testing.T) {
	b, store, _ := newBridge(t)
	ctx := context.Background()

	progress := map[string]any{"stage": "CLOUD_TRANSLATING", "progress": 42, "updated_at": time.Now().Format(time.RFC3339)}
	raw, err := json.Marshal(progress)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "jobs", "prefix/abc/progress.json", raw))

	res, err := b.Poll(ctx, "jobs", "prefix", "abc")
	require.NoError(t, err)
	require.Equal(t, "CLOUD_TRANSLATING", res.CloudStage)
	require.False(t, res.ApprovedReady)

	require.NoError(t, store.Put(ctx, "jobs", "prefix/abc/approved.json", []byte(`{"segments":[]}`)))
	res2, err := b.Poll(ctx, "jobs", "prefix", "abc")
	require.NoError(t, err)
	require.True(t, res2.ApprovedReady)
}

func TestPollSurfacesWorkerError(t *testing.T) {
	b, store, _ := newBridge(t)
	ctx := context.Background()
	raw, _ := json.Marshal(map[string]any{"stage": "CLOUD_TRANSLATING", "error": "boom"})
	require.NoError(t, store.Put(ctx, "jobs", "prefix/abc/progress.json", raw))

	_, err := b.Poll(ctx, "jobs", "prefix", "abc")
	require.ErrorIs(t, err, errs.ErrCloudWorker)
}

func TestFetchApprovedWritesLocalFileAtomically(t *testing.T) {
	b, store, lay := newBridge(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "jobs", "prefix/abc/approved.json", []byte(`{"segments":[1,2,3]}`)))

	require.NoError(t, b.FetchApproved(ctx, "jobs", "prefix", "abc", "sermon_01"))

	data, err := os.ReadFile(lay.ApprovedPath("sermon_01"))
	require.NoError(t, err)
	require.JSONEq(t, `{"segments":[1,2,3]}`, string(data))
}

func TestFetchApprovedNotReadyWhenMissing(t *testing.T) {
	b, _, _ := newBridge(t)
	err := b.FetchApproved(context.Background(), "jobs", "prefix", "abc", "sermon_01")
	require.ErrorIs(t, err, errs.ErrCloudNotReady)
}
