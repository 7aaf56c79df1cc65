// Package store is the orchestrator's single source of truth for job
// records (spec §4.1). It is grounded on whisper-darkly-sticky-dvr's
// store/store.go (persistence-abstraction doc comment, state enum, worker
// event log) generalized from a recorder's subscription table to the
// orchestrator's job table, and backed by SQLite through database/sql +
// sqlx rather than the teacher's lack of any DB layer at all.
package store

import (
	"context"

	"github.com/haukur1982/subtitleworkflow-orchestrator/pkg/job"
)

// Mutator mutates a job in place under the Store's per-row lock. It must
// not perform I/O; Update stamps UpdatedAt itself after the mutator runs.
type Mutator func(j *job.Job) error

// Store is the durable job record keeper (spec §4.1 operations).
type Store interface {
	// Create inserts a new job. Returns errs.ErrExists if file_stem
	// already has a row (spec invariant 1: exactly one row per file_stem).
	Create(ctx context.Context, j *job.Job) error

	// Get returns errs.ErrNotFound if no row exists.
	Get(ctx context.Context, fileStem string) (*job.Job, error)

	// List returns jobs matching filter, ordered oldest updated_at first
	// (the order the StageEngine tick loop and ControlAPI both rely on).
	List(ctx context.Context, filter job.Filter) ([]*job.Job, error)

	// Update loads the row, applies mutator, and persists the result
	// atomically; UpdatedAt is stamped automatically. Readers never
	// observe a partially-updated row (spec invariant 6).
	Update(ctx context.Context, fileStem string, mutator Mutator) (*job.Job, error)

	// Delete removes a row permanently (operator `delete` action only).
	Delete(ctx context.Context, fileStem string) error

	// Subscribe registers a channel that receives every job this Store
	// writes, in per-job order, at-least-once. The returned func
	// unsubscribes. Store itself does not coalesce; ChangeFeed does that
	// for slow HTTP subscribers downstream.
	Subscribe(bufferSize int) (ch <-chan *job.Job, unsubscribe func())

	// Close releases underlying resources (the sqlite handle).
	Close() error
}
