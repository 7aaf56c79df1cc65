package inbox_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/clock"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/inbox"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/store"
	"github.com/haukur1982/subtitleworkflow-orchestrator/pkg/job"
)

func jobFilterAll() job.Filter {
	return job.Filter{IncludeTerminal: true}
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"), clock.Real{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestDeriveFileStem covers the filename -> file_stem derivation of spec
// §4.2 step 3.
func TestDeriveFileStem(t *testing.T) {
	require.Equal(t, "sermon_01", inbox.DeriveFileStem("sermon_01.mp4"))
	require.Equal(t, "my_weird_file_name", inbox.DeriveFileStem("my weird:file?name.mov"))
}

// TestDuplicateDropIgnored covers scenario E: dropping the same file twice
// produces exactly one job (invariant 1, invariant 8 idempotent ingest).
func TestDuplicateDropIgnored(t *testing.T) {
	root := t.TempDir()
	st := newStore(t)
	opts := inbox.DefaultOptions([]string{root}, []string{".mp4"})
	opts.MinAge = 0
	opts.StabilityProbes = 1
	w := inbox.New(opts, st, clock.Real{}, zerolog.Nop())

	path := filepath.Join(root, "sermon_01.mp4")
	require.NoError(t, os.WriteFile(path, []byte("fake media bytes"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Run two sweeps directly via the exported Run loop's first immediate
	// sweep by invoking it twice through separate short-lived contexts.
	runOnce(t, w)
	runOnce(t, w)

	jobs, err := st.List(context.Background(), jobFilterAll())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "sermon_01", jobs[0].FileStem)
	_ = ctx
}

// TestUnstableFileIgnored covers scenario F: a file whose size is still
// changing across stability probes must not be ingested.
func TestUnstableFileIgnored(t *testing.T) {
	root := t.TempDir()
	st := newStore(t)
	fake := clock.NewFake(time.Now())
	opts := inbox.DefaultOptions([]string{root}, []string{".mp4"})
	opts.StabilityProbes = 3
	opts.StabilityDelay = time.Second
	opts.MinAge = 3 * time.Second
	w := inbox.New(opts, st, fake, zerolog.Nop())

	path := filepath.Join(root, "growing.mp4")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()

	// Grow the file while the watcher's stability probe sleeps on the fake
	// clock; each Advance unblocks one pending After() wait inside isStable.
	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.WriteString("x")
		require.NoError(t, err)
		require.NoError(t, f.Close())
		fake.Advance(time.Second)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()

	jobs, err := st.List(context.Background(), jobFilterAll())
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func runOnce(t *testing.T, w *inbox.Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	// Run would block forever on its select loop; since this test only
	// needs the immediate pre-loop sweep, cancel right after giving it a
	// moment to execute that sweep and return.
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_ = w.Run(ctx)
}
