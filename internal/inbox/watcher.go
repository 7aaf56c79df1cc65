// Package inbox implements InboxWatcher (spec §4.2): it transforms files
// dropped into a watched directory into job records. fsnotify wakes the
// watcher promptly on most filesystems; a plain interval sweep is kept as
// a fallback for mounts (network shares) where inotify-style events are
// unreliable, matching the teacher's general preference for belt-and-
// braces polling (internal/heartbeat.Service's own ticker) over a single
// fragile signal source.
package inbox

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/clock"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/errs"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/store"
	"github.com/haukur1982/subtitleworkflow-orchestrator/pkg/job"
)

// Options configures a Watcher (spec §4.2, §6.5).
type Options struct {
	Roots             []string
	PollInterval      time.Duration
	StabilityProbes   int
	StabilityDelay    time.Duration
	MinAge            time.Duration
	AllowedExtensions map[string]bool
}

// DefaultOptions fills in the spec §4.2 defaults.
func DefaultOptions(roots []string, allowedExt []string) Options {
	exts := make(map[string]bool, len(allowedExt))
	for _, e := range allowedExt {
		exts[strings.ToLower(e)] = true
	}
	return Options{
		Roots:             roots,
		PollInterval:      3 * time.Second,
		StabilityProbes:   3,
		StabilityDelay:    time.Second,
		MinAge:            3 * time.Second,
		AllowedExtensions: exts,
	}
}

// Watcher is InboxWatcher.
type Watcher struct {
	opts  Options
	store store.Store
	clock clock.Clock
	log   zerolog.Logger
}

func New(opts Options, st store.Store, c clock.Clock, log zerolog.Logger) *Watcher {
	return &Watcher{opts: opts, store: st, clock: c, log: log}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// DeriveFileStem strips the extension and replaces filesystem-unsafe
// characters (spec §4.2 step 3).
func DeriveFileStem(filename string) string {
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return unsafeChars.ReplaceAllString(stem, "_")
}

// Run blocks until ctx is cancelled, watching every configured root both
// via fsnotify and a periodic fallback sweep (spec §4.2 step 1).
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, root := range w.opts.Roots {
		if err := w.addRecursive(watcher, root); err != nil {
			w.log.Warn().Err(err).Str("root", root).Msg("inbox: failed to watch root, falling back to polling only")
		}
	}

	ticker := w.clock.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	// Sweep once immediately so files dropped before the watcher started
	// are not stuck waiting for the first ticker/fsnotify event.
	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			w.sweep(ctx)
		case ev, ok := <-watcher.Events:
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.considerCandidate(ctx, ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				continue
			}
			w.log.Warn().Err(err).Msg("inbox: fsnotify error")
		}
	}
}

func (w *Watcher) addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort watch; missing dirs are fine until they appear
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
}

func (w *Watcher) sweep(ctx context.Context) {
	for _, root := range w.opts.Roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			w.considerCandidate(ctx, filepath.Join(root, e.Name()))
		}
	}
}

// considerCandidate runs spec §4.2 steps 2-4 against a single path.
func (w *Watcher) considerCandidate(ctx context.Context, path string) {
	name := filepath.Base(path)

	if strings.HasPrefix(name, "DONE_") {
		return
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !w.opts.AllowedExtensions[ext] {
		return
	}

	if !w.isStable(path) {
		return
	}

	fileStem := DeriveFileStem(name)
	j := &job.Job{
		FileStem: fileStem,
		Stage:    job.StageIngest,
		Status:   "queued",
	}
	j.Meta.SourcePath = path
	j.Meta.OriginalFilename = name

	err := w.store.Create(ctx, j)
	switch {
	case err == nil:
		w.log.Info().Str("file_stem", fileStem).Str("source_path", path).Msg("inbox: ingested new job")
	case err == errs.ErrExists:
		w.log.Debug().Str("file_stem", fileStem).Msg("inbox: duplicate drop ignored")
	default:
		w.log.Error().Err(err).Str("file_stem", fileStem).Msg("inbox: failed to create job")
	}
}

// isStable implements the stability check of spec §4.2 step 2: observe
// size/mtime across N probes separated by a delay; stable only if size is
// unchanged across all probes and age >= MinAge.
func (w *Watcher) isStable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	lastSize := info.Size()
	lastMod := info.ModTime()

	for i := 1; i < w.opts.StabilityProbes; i++ {
		<-w.clock.After(w.opts.StabilityDelay)
		info, err = os.Stat(path)
		if err != nil {
			return false
		}
		if info.Size() != lastSize {
			return false
		}
		lastSize = info.Size()
		lastMod = info.ModTime()
	}

	age := w.clock.Now().Sub(lastMod)
	return age >= w.opts.MinAge
}
