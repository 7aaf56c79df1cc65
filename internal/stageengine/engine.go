// Package stageengine implements StageEngine (spec §4.5): the per-job
// state machine that drives every non-terminal job through LocalRunner and
// CloudBridge invocations. Grounded on the teacher's
// internal/transcoder.Engine (per-job dispatch + concurrency caps) and
// internal/scheduler.Scheduler (tick loop, FIFO-by-updated_at ordering),
// generalized from a single "transcode" stage to the full stage table.
package stageengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/clock"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/cloudbridge"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/config"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/errs"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/layout"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/localrunner"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/store"
	"github.com/haukur1982/subtitleworkflow-orchestrator/pkg/job"
)

// Handler is a stage handler function (spec §9 tagged union of results).
// Handlers must not mutate the Store themselves; Engine.Tick applies the
// returned Outcome under the job's row lock so stage is never written from
// two places at once.
type Handler func(ctx context.Context, eng *Engine, j *job.Job) Outcome

// Engine is StageEngine.
type Engine struct {
	store   store.Store
	local   *localrunner.Runner
	cloud   *cloudbridge.Bridge
	cfg     *config.Config
	layout  layout.Layout
	clock   clock.Clock
	log     zerolog.Logger
	sf      singleflight.Group

	handlers map[job.Stage]Handler

	semsMu sync.Mutex
	sems   map[job.Stage]*semaphore.Weighted

	cancelsMu sync.Mutex
	cancels   map[string]context.CancelFunc

	// inFlight suppresses re-dispatch of a job whose handler from a prior
	// tick hasn't returned yet (grounded on the vod-manager's mutex-guarded
	// job map, see DESIGN.md). The per-stage semaphore alone is not enough:
	// raising a stage's concurrency cap above 1 would otherwise let two
	// goroutines run the same job's handler concurrently off of two stale
	// snapshots from two different Tick calls.
	inFlightMu sync.Mutex
	inFlight   map[string]struct{}
}

func New(st store.Store, local *localrunner.Runner, cloud *cloudbridge.Bridge, cfg *config.Config, lay layout.Layout, c clock.Clock, log zerolog.Logger) *Engine {
	e := &Engine{
		store:    st,
		local:    local,
		cloud:    cloud,
		cfg:      cfg,
		layout:   lay,
		clock:    c,
		log:      log,
		sems:     make(map[job.Stage]*semaphore.Weighted),
		cancels:  make(map[string]context.CancelFunc),
		inFlight: make(map[string]struct{}),
	}
	e.handlers = map[job.Stage]Handler{
		job.StageIngest:                     handleIngest,
		job.StageTranscribing:               handleTranscribing,
		job.StageTranscribed:                handleTranscribed,
		job.StageTranslatingCloudSubmitted:  handleCloudPoll,
		job.StageCloudTranslating:           handleCloudPoll,
		job.StageCloudReviewing:             handleCloudPoll,
		job.StageCloudPolishing:             handleCloudPoll,
		job.StageCloudDone:                  handleCloudDone,
		job.StageReviewing:                  handleReviewing,
		job.StageReviewed:                   handleReviewed,
		job.StageFinalizing:                 handleFinalizing,
		job.StageFinalized:                  handleFinalized,
		job.StageBurning:                    handleBurning,
	}
	return e
}

// semaphoreFor lazily creates the per-stage concurrency cap (spec §4.5
// "Concurrency policy within StageEngine").
func (e *Engine) semaphoreFor(stage job.Stage) *semaphore.Weighted {
	e.semsMu.Lock()
	defer e.semsMu.Unlock()
	s, ok := e.sems[stage]
	if !ok {
		n := e.cfg.StageConcurrencyFor(string(stage))
		s = semaphore.NewWeighted(int64(n))
		e.sems[stage] = s
	}
	return s
}

// cancelTokenFor returns (and lazily creates) the cooperative cancellation
// context for a job (spec §5 "job-scoped cancellation token").
func (e *Engine) cancelTokenFor(parent context.Context, fileStem string) context.Context {
	e.cancelsMu.Lock()
	defer e.cancelsMu.Unlock()
	ctx, cancel := context.WithCancel(parent)
	e.cancels[fileStem] = cancel
	return ctx
}

// Cancel signals the cooperative cancellation token for a job, if one is
// in flight (operator `cancel`/`halt` actions, spec §5).
func (e *Engine) Cancel(fileStem string) {
	e.cancelsMu.Lock()
	defer e.cancelsMu.Unlock()
	if cancel, ok := e.cancels[fileStem]; ok {
		cancel()
		delete(e.cancels, fileStem)
	}
}

// Tick runs one iteration of the four numbered steps of spec §4.5: reload
// non-terminal jobs oldest-first, reconcile against on-disk artifacts,
// dispatch the stage handler, and apply its Outcome.
func (e *Engine) Tick(ctx context.Context) error {
	jobs, err := e.store.List(ctx, job.NonTerminal())
	if err != nil {
		return fmt.Errorf("stageengine: list non-terminal jobs: %w", err)
	}

	for _, j := range jobs {
		if j.Meta.Halted {
			continue
		}
		e.dispatch(ctx, j)
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, j *job.Job) {
	if reconciled := e.reconcile(j); reconciled != nil {
		e.apply(ctx, j.FileStem, *reconciled)
		return
	}

	handler, ok := e.handlers[j.Stage]
	if !ok {
		e.log.Warn().Str("file_stem", j.FileStem).Str("stage", string(j.Stage)).Msg("stageengine: no handler for stage")
		return
	}

	if !e.tryMarkInFlight(j.FileStem) {
		// A handler spawned from a previous tick for this file_stem hasn't
		// returned yet; skip re-dispatch rather than race it.
		return
	}

	sem := e.semaphoreFor(j.Stage)
	if !sem.TryAcquire(1) {
		e.clearInFlight(j.FileStem)
		e.markWaitingForSlot(ctx, j)
		return
	}

	go func(j *job.Job) {
		defer sem.Release(1)
		defer e.clearInFlight(j.FileStem)
		jobCtx := e.cancelTokenFor(ctx, j.FileStem)
		outcome := handler(jobCtx, e, j)
		e.apply(ctx, j.FileStem, outcome)
	}(j)
}

// tryMarkInFlight registers fileStem as having an in-progress handler,
// returning false if one is already registered.
func (e *Engine) tryMarkInFlight(fileStem string) bool {
	e.inFlightMu.Lock()
	defer e.inFlightMu.Unlock()
	if _, busy := e.inFlight[fileStem]; busy {
		return false
	}
	e.inFlight[fileStem] = struct{}{}
	return true
}

func (e *Engine) clearInFlight(fileStem string) {
	e.inFlightMu.Lock()
	defer e.inFlightMu.Unlock()
	delete(e.inFlight, fileStem)
}

func (e *Engine) markWaitingForSlot(ctx context.Context, j *job.Job) {
	if j.Status == "waiting for slot" {
		return
	}
	_, err := e.store.Update(ctx, j.FileStem, func(j *job.Job) error {
		j.Status = "waiting for slot"
		return nil
	})
	if err != nil {
		e.log.Error().Err(err).Str("file_stem", j.FileStem).Msg("stageengine: failed to mark waiting for slot")
	}
}

// reconcile implements spec §4.5 step 3's "filesystem wins for done
// artifacts" rule: if a downstream artifact already exists, advance
// without re-running the stage that would have produced it.
func (e *Engine) reconcile(j *job.Job) *Outcome {
	switch j.Stage {
	case job.StageIngest:
		if fileExists(e.layout.AudioPath(j.FileStem)) {
			o := Transition(job.StageTranscribing, "audio already extracted")
			return &o
		}
	case job.StageTranscribing:
		if fileExists(e.layout.SkeletonPath(j.FileStem)) {
			o := Transition(job.StageTranscribed, "skeleton already present")
			return &o
		}
	case job.StageCloudDone:
		if fileExists(e.layout.ApprovedPath(j.FileStem)) {
			// Route through the same review decision handleCloudDone
			// applies; a restart that finds approved.json already on disk
			// must not bypass a mandated human review (spec §9).
			o := cloudDoneOutcome(e, j, "approved segments already fetched")
			return &o
		}
	}
	return nil
}

// apply turns an Outcome into a single Store.Update call, the only point
// in StageEngine where `stage` is written. ControlAPI actions and
// StallDetector also write it through Store.Update, under the same row
// lock (spec §5 "stage transitions are totally ordered, serialized by the
// row lock").
func (e *Engine) apply(ctx context.Context, fileStem string, o Outcome) {
	switch o.Kind {
	case OutcomeWait:
		return
	case OutcomeTransition:
		_, err := e.store.Update(ctx, fileStem, func(j *job.Job) error {
			if o.Mutate != nil {
				o.Mutate(j)
			}
			j.Stage = o.NextStage
			j.Status = o.Status
			j.Progress = 0
			j.Meta.ResetRetry(j.Stage)
			j.Meta.PushStatus(o.Status, e.clock.Now())
			return nil
		})
		if err != nil {
			e.log.Error().Err(err).Str("file_stem", fileStem).Msg("stageengine: apply transition failed")
		}
	case OutcomeProgress:
		_, err := e.store.Update(ctx, fileStem, func(j *job.Job) error {
			if o.Mutate != nil {
				o.Mutate(j)
			}
			j.Status = o.Status
			j.Progress = o.Progress
			// A Progress outcome only reaches here when something about
			// the job genuinely changed (handlers return Wait otherwise);
			// record it in the status timeline so StallDetector's idle
			// computation, which no longer floors on updated_at, still
			// sees this as real forward motion.
			j.Meta.PushStatus(o.Status, e.clock.Now())
			return nil
		})
		if err != nil {
			e.log.Error().Err(err).Str("file_stem", fileStem).Msg("stageengine: apply progress failed")
		}
	case OutcomeRetry:
		e.applyRetry(ctx, fileStem, o)
	case OutcomeFatal:
		_, err := e.store.Update(ctx, fileStem, func(j *job.Job) error {
			if o.Mutate != nil {
				o.Mutate(j)
			}
			prior := j.Stage
			j.Meta.PushError(j.Stage, o.Err.Error(), e.clock.Now())
			j.Meta.DeadReason = o.DeadReason
			j.Meta.PriorStage = &prior
			j.Stage = job.StageDead
			j.Status = "dead: " + o.DeadReason
			return nil
		})
		if err != nil {
			e.log.Error().Err(err).Str("file_stem", fileStem).Msg("stageengine: apply fatal failed")
		}
	}
}

func (e *Engine) applyRetry(ctx context.Context, fileStem string, o Outcome) {
	budget := 0
	_, err := e.store.Update(ctx, fileStem, func(j *job.Job) error {
		budget = e.cfg.RetryBudgetFor(string(j.Stage))
		if o.Err != nil {
			j.Meta.PushError(j.Stage, o.Err.Error(), e.clock.Now())
		}
		if errors.Is(o.Err, errs.ErrCancelled) {
			// Operator-initiated cancellation must never count against the
			// retry budget (spec §5 cancellation semantics).
			j.Status = "cancelled"
			return nil
		}
		j.Meta.IncRetry(j.Stage)
		if j.Meta.RetryBudgetExceeded(j.Stage, budget) {
			prior := j.Stage
			j.Meta.DeadReason = fmt.Sprintf("retry budget exceeded in stage %s", j.Stage)
			j.Meta.PriorStage = &prior
			j.Stage = job.StageDead
			j.Status = "dead: " + j.Meta.DeadReason
			return nil
		}
		j.Status = o.Status
		return nil
	})
	if err != nil {
		e.log.Error().Err(err).Str("file_stem", fileStem).Msg("stageengine: apply retry failed")
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
