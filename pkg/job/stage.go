// Package job defines the orchestrator's central entity: a media
// localization job and the stage machine it flows through.
package job

// Stage is a node in the per-job state machine. The next stage is chosen by
// StageEngine's stage handlers; operator actions (force_stage, retry,
// resume, halt) and StallDetector's DEAD move it outside that path.
type Stage string

const (
	StageIngest                    Stage = "INGEST"
	StageTranscribing              Stage = "TRANSCRIBING"
	StageTranscribed               Stage = "TRANSCRIBED"
	StageTranslatingCloudSubmitted Stage = "TRANSLATING_CLOUD_SUBMITTED"
	StageCloudTranslating          Stage = "CLOUD_TRANSLATING"
	StageCloudReviewing            Stage = "CLOUD_REVIEWING"
	StageCloudPolishing            Stage = "CLOUD_POLISHING"
	StageCloudDone                 Stage = "CLOUD_DONE"
	StageReviewing                 Stage = "REVIEWING"
	StageReviewed                  Stage = "REVIEWED"
	StageFinalizing                Stage = "FINALIZING"
	StageFinalized                 Stage = "FINALIZED"
	StageBurning                   Stage = "BURNING"
	StageCompleted                 Stage = "COMPLETED"
	StageDelivered                 Stage = "DELIVERED"
	StageDead                      Stage = "DEAD"
	StageHalted                    Stage = "HALTED"
)

// order fixes a position for each stage in the canonical pipeline; it backs
// Before and is not used to validate transitions.
var order = map[Stage]int{
	StageIngest:                    0,
	StageTranscribing:              1,
	StageTranscribed:               2,
	StageTranslatingCloudSubmitted: 3,
	StageCloudTranslating:          4,
	StageCloudReviewing:            5,
	StageCloudPolishing:            6,
	StageCloudDone:                 7,
	StageReviewing:                 8,
	StageReviewed:                  9,
	StageFinalizing:                10,
	StageFinalized:                 11,
	StageBurning:                   12,
	StageCompleted:                 13,
	StageDelivered:                 14,
}

// Terminal reports whether a stage is a stopping point for the tick loop:
// the StageEngine never dispatches work for jobs in a terminal stage.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageDelivered, StageDead, StageHalted:
		return true
	default:
		return false
	}
}

// Before reports whether s precedes other in the canonical pipeline order.
// Stages with no defined order (DEAD, HALTED) never precede anything.
func (s Stage) Before(other Stage) bool {
	a, aok := order[s]
	b, bok := order[other]
	if !aok || !bok {
		return false
	}
	return a < b
}

// CloudStages are the stages whose canonical value is mirrored from the
// remote worker's progress.json rather than decided locally (spec §4.5,
// §9 open question #1). TranslatingCloudSubmitted is intentionally NOT a
// member: it is the orchestrator-local "submit succeeded" stage, entered
// before any cloud-side progress has been observed.
var CloudStages = map[Stage]bool{
	StageCloudTranslating: true,
	StageCloudReviewing:   true,
	StageCloudPolishing:   true,
	StageCloudDone:        true,
}
