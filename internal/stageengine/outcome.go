package stageengine

import "github.com/haukur1982/subtitleworkflow-orchestrator/pkg/job"

// OutcomeKind discriminates the Outcome tagged union (spec §9 "replace
// exceptions with explicit results"). Using a Kind enum on a single struct,
// rather than an interface hierarchy, keeps switch statements exhaustively
// checkable by go vet's unreachable/missing-case heuristics.
type OutcomeKind int

const (
	// OutcomeWait means the handler has nothing to do this tick; no
	// mutation is applied.
	OutcomeWait OutcomeKind = iota
	// OutcomeTransition moves the job to NextStage with a fresh Status and
	// Progress reset to 0 (spec invariant 5).
	OutcomeTransition
	// OutcomeProgress updates Status/Progress without changing stage.
	OutcomeProgress
	// OutcomeRetry records a failure and re-enters the same stage if the
	// per-stage retry budget is not exhausted.
	OutcomeRetry
	// OutcomeFatal sends the job straight to DEAD regardless of retry
	// budget (spec: "Cloud failure ... permanent ⇒ DEAD").
	OutcomeFatal
)

// Outcome is what every stage handler returns; Engine.apply turns it into a
// Store mutation. StallDetector and ControlAPI actions write `stage`
// directly through Store.Update; every such write holds the job's row lock,
// so two writes to one job never interleave.
type Outcome struct {
	Kind       OutcomeKind
	NextStage  job.Stage
	Status     string
	Progress   int
	Err        error
	DeadReason string

	// Mutate, when set, is applied to the job under its row lock before
	// the Kind-specific fields (stage/status/progress) are written. It lets
	// a handler record collaborator-owned state (cloud_job_id,
	// cloud_progress, review_required, …) atomically with the transition
	// that produced it.
	Mutate func(j *job.Job)
}

func Wait() Outcome { return Outcome{Kind: OutcomeWait} }

func Transition(next job.Stage, status string) Outcome {
	return Outcome{Kind: OutcomeTransition, NextStage: next, Status: status}
}

func Progress(status string, pct int) Outcome {
	return Outcome{Kind: OutcomeProgress, Status: status, Progress: pct}
}

func Retry(status string, err error) Outcome {
	return Outcome{Kind: OutcomeRetry, Status: status, Err: err}
}

func Fatal(reason string, err error) Outcome {
	return Outcome{Kind: OutcomeFatal, DeadReason: reason, Err: err}
}
