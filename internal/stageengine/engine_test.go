package stageengine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/clock"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/cloudbridge"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/config"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/layout"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/localrunner"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/stageengine"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/store"
	"github.com/haukur1982/subtitleworkflow-orchestrator/pkg/job"
)

func newTestEngine(t *testing.T) (*stageengine.Engine, store.Store, layout.Layout) {
	t.Helper()
	root := t.TempDir()
	lay := layout.New(root)
	for _, d := range lay.Dirs() {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	st, err := store.Open(filepath.Join(root, "jobs.db"), clock.Real{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		StageConcurrency: map[string]int{"default": 4},
		StageRetryBudget: map[string]int{"default": 2},
		CloudPipeline:    true,
		JobsBucket:       "jobs",
		JobsPrefix:       "prefix",
	}
	objStore := cloudbridge.NewFSObjectStore(filepath.Join(root, "bucket-root"))
	bridge := cloudbridge.New(objStore, cloudbridge.NoopTrigger{}, lay, zerolog.Nop())
	runner := localrunner.New(4, 50*time.Millisecond, zerolog.Nop())

	eng := stageengine.New(st, runner, bridge, cfg, lay, clock.Real{}, zerolog.Nop())
	return eng, st, lay
}

// TestReconcileSkipsIngestWhenAudioAlreadyExtracted covers spec §4.5 step 3
// ("filesystem wins for done artifacts") and invariants 2-4 (stage
// timeline enter/exit pairing stays well-formed across a reconcile-driven
// transition, not just a handler-driven one).
func TestReconcileSkipsIngestWhenAudioAlreadyExtracted(t *testing.T) {
	eng, st, lay := newTestEngine(t)
	ctx := context.Background()

	j := &job.Job{FileStem: "sermon_01", Stage: job.StageIngest, Status: "queued"}
	j.Meta.SourcePath = filepath.Join(lay.InboxRoot, "sermon_01.mp4")
	require.NoError(t, st.Create(ctx, j))
	require.NoError(t, os.WriteFile(lay.AudioPath("sermon_01"), []byte("fake wav"), 0o644))

	require.NoError(t, eng.Tick(ctx))
	waitForStage(t, st, "sermon_01", job.StageTranscribing)

	updated, err := st.Get(ctx, "sermon_01")
	require.NoError(t, err)
	require.Len(t, updated.Meta.StageTimeline, 2)
	require.NotNil(t, updated.Meta.StageTimeline[0].ExitedAt)
	require.Equal(t, updated.Meta.StageTimeline[1].EnteredAt, *updated.Meta.StageTimeline[0].ExitedAt)
}

// TestReviewRequiredOperatorLockWinsOverCloudDefault pins the Open
// Question decision (spec §9): operator actions always win when
// review_required is written from two sources. A job whose operator has
// explicitly cleared review (locked) must not have CLOUD_DONE's handler
// re-enable it from review_required_default.
func TestReviewRequiredOperatorLockWinsOverCloudDefault(t *testing.T) {
	root := t.TempDir()
	lay := layout.New(root)
	for _, d := range lay.Dirs() {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	st, err := store.Open(filepath.Join(root, "jobs.db"), clock.Real{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		StageConcurrency:      map[string]int{"default": 4},
		StageRetryBudget:      map[string]int{"default": 2},
		CloudPipeline:         true,
		JobsBucket:            "jobs",
		JobsPrefix:            "prefix",
		ReviewRequiredDefault: true,
	}
	objStore := cloudbridge.NewFSObjectStore(filepath.Join(root, "bucket-root"))
	bridge := cloudbridge.New(objStore, cloudbridge.NoopTrigger{}, lay, zerolog.Nop())
	runner := localrunner.New(4, 50*time.Millisecond, zerolog.Nop())
	eng := stageengine.New(st, runner, bridge, cfg, lay, clock.Real{}, zerolog.Nop())

	ctx := context.Background()

	j := &job.Job{FileStem: "sermon_02", Stage: job.StageCloudDone, Status: "cloud done"}
	j.Meta.CloudJobID = "cloud-1"
	j.Meta.CloudBucket = "jobs"
	j.Meta.CloudPrefix = "prefix"
	j.Meta.ReviewRequiredLockedByOperator = true
	j.Meta.ReviewRequired = false
	require.NoError(t, st.Create(ctx, j))

	require.NoError(t, objStore.Put(ctx, "jobs", "prefix/cloud-1/approved.json", []byte(`{"segments":[]}`)))

	require.NoError(t, eng.Tick(ctx))
	waitForStage(t, st, "sermon_02", job.StageFinalizing)

	updated, err := st.Get(ctx, "sermon_02")
	require.NoError(t, err)
	require.False(t, updated.Meta.ReviewRequired)
}

func waitForStage(t *testing.T, st store.Store, fileStem string, want job.Stage) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		j, err := st.Get(context.Background(), fileStem)
		require.NoError(t, err)
		if j.Stage == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached stage %s", fileStem, want)
}
