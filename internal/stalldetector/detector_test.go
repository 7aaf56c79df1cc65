package stalldetector

import (
	"context"
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

type noopCanceller struct{}

func (noopCanceller) Cancel(string) {}

func newTestDetector(t *testing.T, fake *clock.Fake) (*Detector, store.Store) {
	t.Helper()
	root := t.TempDir()
	lay := layout.New(root)
	st, err := store.Open(filepath.Join(root, "jobs.db"), fake, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	objStore := cloudbridge.NewFSObjectStore(filepath.Join(root, "bucket-root"))
	bridge := cloudbridge.New(objStore, cloudbridge.NoopTrigger{}, lay, zerolog.Nop())

	cfg := &config.Config{
		StallScanInterval: time.Second,
		StallThresholds:   map[string]time.Duration{"CLOUD_TRANSLATING": time.Minute},
		MaxStallCount:     3,
	}
	d := New(st, bridge, noopCanceller{}, cfg, fake, zerolog.Nop())
	return d, st
}

// TestCloudStallEscalatesToDeadAfterMaxAttempts covers scenario C: a cloud
// worker that never writes progress.json stalls past the threshold
// repeatedly, and after the stall counter exceeds MaxStallCount the job
// lands in DEAD.
func TestCloudStallEscalatesToDeadAfterMaxAttempts(t *testing.T) {
	fake := clock.NewFake(time.Now())
	d, st := newTestDetector(t, fake)
	ctx := context.Background()

	j := &job.Job{FileStem: "sermon_03", Stage: job.StageCloudTranslating, Status: "polling"}
	j.Meta.CloudJobID = "cloud-9"
	j.Meta.CloudBucket = "jobs"
	j.Meta.CloudPrefix = "prefix"
	require.NoError(t, st.Create(ctx, j))

	for i := 0; i < 4; i++ {
		fake.Advance(2 * time.Minute)
		d.scan(ctx)
	}

	got, err := st.Get(ctx, "sermon_03")
	require.NoError(t, err)
	require.Equal(t, job.StageDead, got.Stage)
	require.Contains(t, got.Meta.DeadReason, "stalled")
}

// TestCloudStallEscalatesToDeadWhileEngineKeepsPolling is the real
// regression case for scenario C: it runs StageEngine.Tick concurrently
// with Detector.scan against the same Store, the way they actually run in
// production, rather than driving the detector in isolation. A cloud
// worker that never writes progress.json means every engine tick's poll
// returns ErrCloudNotReady; before the fix, StageEngine's handler answered
// every such poll with a Progress outcome, which stamped updated_at on
// every tick and made the stall unreachable. With the fix, a no-change
// poll returns Wait (no store write) and the job still goes DEAD once the
// threshold elapses.
func TestCloudStallEscalatesToDeadWhileEngineKeepsPolling(t *testing.T) {
	fake := clock.NewFake(time.Now())
	root := t.TempDir()
	lay := layout.New(root)
	st, err := store.Open(filepath.Join(root, "jobs.db"), fake, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	objStore := cloudbridge.NewFSObjectStore(filepath.Join(root, "bucket-root"))
	bridge := cloudbridge.New(objStore, cloudbridge.NoopTrigger{}, lay, zerolog.Nop())
	runner := localrunner.New(4, 50*time.Millisecond, zerolog.Nop())

	cfg := &config.Config{
		StageConcurrency:  map[string]int{"default": 4},
		StageRetryBudget:  map[string]int{"default": 2},
		CloudPipeline:     true,
		JobsBucket:        "jobs",
		JobsPrefix:        "prefix",
		StallScanInterval: time.Second,
		StallThresholds:   map[string]time.Duration{"CLOUD_TRANSLATING": time.Minute},
		MaxStallCount:     3,
	}
	eng := stageengine.New(st, runner, bridge, cfg, lay, fake, zerolog.Nop())
	d := New(st, bridge, eng, cfg, fake, zerolog.Nop())

	ctx := context.Background()
	j := &job.Job{FileStem: "sermon_07", Stage: job.StageCloudTranslating, Status: "polling"}
	j.Meta.CloudJobID = "cloud-17"
	j.Meta.CloudBucket = "jobs"
	j.Meta.CloudPrefix = "prefix"
	require.NoError(t, st.Create(ctx, j))

	// No progress.json is ever uploaded to bucket-root, so every poll this
	// loop drives returns ErrCloudNotReady.
	for i := 0; i < 4; i++ {
		require.NoError(t, eng.Tick(ctx))
		// Give the tick's dispatch goroutine a moment to finish before the
		// detector scans the same row.
		time.Sleep(10 * time.Millisecond)
		fake.Advance(2 * time.Minute)
		d.scan(ctx)
	}

	got, err := st.Get(ctx, "sermon_07")
	require.NoError(t, err)
	require.Equal(t, job.StageDead, got.Stage)
	require.Contains(t, got.Meta.DeadReason, "stalled")
}

// TestStallBelowThresholdIsIgnored ensures a job whose idle time is under
// the configured threshold is left untouched.
func TestStallBelowThresholdIsIgnored(t *testing.T) {
	fake := clock.NewFake(time.Now())
	d, st := newTestDetector(t, fake)
	ctx := context.Background()

	j := &job.Job{FileStem: "sermon_04", Stage: job.StageCloudTranslating, Status: "polling"}
	require.NoError(t, st.Create(ctx, j))

	fake.Advance(10 * time.Second)
	d.scan(ctx)

	got, err := st.Get(ctx, "sermon_04")
	require.NoError(t, err)
	require.Equal(t, job.StageCloudTranslating, got.Stage)
	require.Equal(t, 0, got.Meta.StageStallCounts[job.StageCloudTranslating])
}
