// Package errs defines the error taxonomy of spec §7, classified with
// errors.Is rather than string matching so StageEngine's retry-vs-DEAD
// decision is robust to wrapped/rewrapped errors crossing component
// boundaries (LocalRunner, CloudBridge, Store all wrap into these).
package errs

import "errors"

var (
	// ErrTransient marks a local I/O hiccup. No component retries it in
	// place: it reaches StageEngine as a Retry outcome, which counts against
	// the stage's retry budget like any other stage failure.
	ErrTransient = errors.New("transient I/O error")

	// ErrSubprocessFailed marks a LocalRunner invocation that exited
	// non-zero or produced no expected output artifact.
	ErrSubprocessFailed = errors.New("subprocess failed")

	// ErrCloudNotReady means progress.json (or the next expected artifact)
	// does not exist yet; poll again next tick, it is not a failure.
	ErrCloudNotReady = errors.New("cloud artifact not ready")

	// ErrCloudWorker means the remote worker itself reported or implied an
	// error; restart the remote execution up to N times.
	ErrCloudWorker = errors.New("cloud worker error")

	// ErrCloudArtifactMissing is treated identically to ErrCloudWorker per
	// spec §7.
	ErrCloudArtifactMissing = errors.New("cloud artifact missing")

	// ErrCloudPermanent means the cloud plane reported an unrecoverable
	// failure; the job goes straight to DEAD.
	ErrCloudPermanent = errors.New("cloud permanent error")

	// ErrCancelled marks a clean, operator-initiated unwind; it must not
	// increment any retry counter.
	ErrCancelled = errors.New("operation cancelled")

	// ErrCorrupt marks a Store-detected schema or invariant violation.
	ErrCorrupt = errors.New("job record corrupt")

	// ErrNotFound mirrors Store.Get's not_found outcome.
	ErrNotFound = errors.New("job not found")

	// ErrExists mirrors Store.Create's exists outcome.
	ErrExists = errors.New("job already exists")
)
