package stageengine

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/clock"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/cloudbridge"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/config"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/layout"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/localrunner"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/store"
	"github.com/haukur1982/subtitleworkflow-orchestrator/pkg/job"
)

// TestDispatchSuppressesReDispatchWhileHandlerInFlight covers what a
// per-stage semaphore alone cannot: raising a stage's concurrency cap must
// not let two goroutines run the same job's handler off of two stale
// snapshots from two different Tick calls (invariant 5 depends on this for
// BURNING). Needs package-internal access to stub e.handlers and inspect
// e.inFlight bookkeeping directly, hence the in-package test file.
func TestDispatchSuppressesReDispatchWhileHandlerInFlight(t *testing.T) {
	root := t.TempDir()
	lay := layout.New(root)
	require.NoError(t, os.MkdirAll(lay.InboxRoot, 0o755))
	st, err := store.Open(filepath.Join(root, "jobs.db"), clock.Real{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		StageConcurrency: map[string]int{"default": 4},
		StageRetryBudget: map[string]int{"default": 2},
	}
	objStore := cloudbridge.NewFSObjectStore(filepath.Join(root, "bucket-root"))
	bridge := cloudbridge.New(objStore, cloudbridge.NoopTrigger{}, lay, zerolog.Nop())
	runner := localrunner.New(4, 50*time.Millisecond, zerolog.Nop())
	eng := New(st, runner, bridge, cfg, lay, clock.Real{}, zerolog.Nop())

	var invocations int32
	release := make(chan struct{})
	eng.handlers[job.StageTranscribing] = func(ctx context.Context, eng *Engine, j *job.Job) Outcome {
		atomic.AddInt32(&invocations, 1)
		<-release
		return Wait()
	}

	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &job.Job{FileStem: "sermon_09", Stage: job.StageTranscribing, Status: "running"}))
	j, err := st.Get(ctx, "sermon_09")
	require.NoError(t, err)

	eng.dispatch(ctx, j)
	// Give the first handler goroutine time to start and register itself
	// in-flight before the second dispatch races it, the way a second
	// Tick's list-and-dispatch pass would a second later in production.
	time.Sleep(20 * time.Millisecond)
	eng.dispatch(ctx, j)

	close(release)
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, int32(1), atomic.LoadInt32(&invocations), "a job must never have two handler invocations running at once")
}
