package job

import (
	"encoding/json"
	"time"
)

// Job is the orchestrator's unit of work, one per media file (spec §3).
// FileStem is the immutable primary key; everything else is mutated only
// through Store.Update closures so that updated_at stays monotonic and
// every write is observed as a whole by readers.
type Job struct {
	FileStem string `db:"file_stem" json:"file_stem"`
	Stage    Stage  `db:"stage" json:"stage"`
	Status   string `db:"status" json:"status"`
	Progress int    `db:"progress" json:"progress"`

	TargetLanguage string `db:"target_language" json:"target_language"`
	ProgramProfile string `db:"program_profile" json:"program_profile"`
	SubtitleStyle  string `db:"subtitle_style" json:"subtitle_style"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`

	Meta         Meta            `db:"-" json:"meta"`
	EditorReport json.RawMessage `db:"editor_report" json:"editor_report,omitempty"`

	// MetaRaw carries the `meta` column tag but nothing reads or writes it:
	// the store scans rows through its own row type and fills Meta directly.
	MetaRaw []byte `db:"meta" json:"-"`
}

// StageTimelineEntry records one enter/exit pair for a job's stage history
// (spec §3, invariants 2-3).
type StageTimelineEntry struct {
	Stage     Stage      `json:"stage"`
	EnteredAt time.Time  `json:"entered_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
}

// StatusTimelineEntry is one entry of the bounded status-string ring.
type StatusTimelineEntry struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// ErrorLogEntry is one structured error appended on any stage failure
// (spec §7, "User-visible behavior").
type ErrorLogEntry struct {
	At     time.Time `json:"at"`
	Stage  Stage     `json:"stage"`
	Reason string    `json:"reason"`
}

// MaxTimelineEntries bounds the status/error rings so a long-lived job's
// meta blob cannot grow unbounded (spec calls both "bounded ring").
const MaxTimelineEntries = 200

// Meta is the structured free-form attribute bag described in spec §3 and
// re-architected per §9 ("Dynamic JSON bags") into a typed schema for
// well-known fields plus an opaque pass-through bag for collaborator-owned
// fields that the orchestrator never interprets.
type Meta struct {
	StageTimeline  []StageTimelineEntry  `json:"stage_timeline"`
	StatusTimeline []StatusTimelineEntry `json:"status_timeline"`
	ErrorLog       []ErrorLogEntry       `json:"error_log"`

	SourcePath       string `json:"source_path,omitempty"`
	OriginalFilename string `json:"original_filename,omitempty"`

	CloudJobID        string          `json:"cloud_job_id,omitempty"`
	CloudBucket       string          `json:"cloud_bucket,omitempty"`
	CloudPrefix       string          `json:"cloud_prefix,omitempty"`
	CloudExecutionID  string          `json:"cloud_execution_id,omitempty"`
	CloudProgress     json.RawMessage `json:"cloud_progress,omitempty"`
	CloudStallCount   int             `json:"cloud_stall_count,omitempty"`
	StageStallCounts  map[Stage]int   `json:"stage_stall_counts,omitempty"`
	StageRetryCounts  map[Stage]int   `json:"stage_retry_counts,omitempty"`

	Halted     bool   `json:"halted,omitempty"`
	PriorStage *Stage `json:"prior_stage,omitempty"`

	ReviewRequired                 bool `json:"review_required,omitempty"`
	ReviewRequiredLockedByOperator bool `json:"review_required_locked_by_operator,omitempty"`

	FinalOutputPath string `json:"final_output_path,omitempty"`
	BurnAttempt     int    `json:"burn_attempt,omitempty"`

	DeadReason string `json:"dead_reason,omitempty"`

	// Extra preserves any collaborator-owned key the orchestrator does not
	// model explicitly. Read merges unknown top-level keys here; write
	// re-emits them untouched alongside the typed fields above.
	Extra map[string]json.RawMessage `json:"-"`
}

// PushStatus appends a status-timeline entry, trimming the ring to
// MaxTimelineEntries (spec §3 meta.status_timeline, "bounded ring").
func (m *Meta) PushStatus(status string, at time.Time) {
	m.StatusTimeline = append(m.StatusTimeline, StatusTimelineEntry{Status: status, At: at})
	if len(m.StatusTimeline) > MaxTimelineEntries {
		m.StatusTimeline = m.StatusTimeline[len(m.StatusTimeline)-MaxTimelineEntries:]
	}
}

// PushError appends to the bounded error log (spec §7).
func (m *Meta) PushError(stage Stage, reason string, at time.Time) {
	m.ErrorLog = append(m.ErrorLog, ErrorLogEntry{At: at, Stage: stage, Reason: reason})
	if len(m.ErrorLog) > MaxTimelineEntries {
		m.ErrorLog = m.ErrorLog[len(m.ErrorLog)-MaxTimelineEntries:]
	}
}

// EnterStage appends a new open stage_timeline entry, closing the previous
// one first if it was left open (spec invariant 4: every enter has a
// matching exit before the next enter, except the terminal stage).
func (m *Meta) EnterStage(stage Stage, at time.Time) {
	if n := len(m.StageTimeline); n > 0 && m.StageTimeline[n-1].ExitedAt == nil {
		m.StageTimeline[n-1].ExitedAt = &at
	}
	m.StageTimeline = append(m.StageTimeline, StageTimelineEntry{Stage: stage, EnteredAt: at})
}

// RetryBudgetExceeded reports whether stage has failed more than budget
// times, i.e. has already been retried budget times (spec §7: "retried up
// to stage retry budget").
func (m *Meta) RetryBudgetExceeded(stage Stage, budget int) bool {
	if m.StageRetryCounts == nil {
		return false
	}
	return m.StageRetryCounts[stage] > budget
}

// IncRetry increments the retry counter for stage.
func (m *Meta) IncRetry(stage Stage) {
	if m.StageRetryCounts == nil {
		m.StageRetryCounts = map[Stage]int{}
	}
	m.StageRetryCounts[stage]++
}

// ResetRetry clears the retry counter for stage (operator `retry` action).
func (m *Meta) ResetRetry(stage Stage) {
	if m.StageRetryCounts != nil {
		delete(m.StageRetryCounts, stage)
	}
}
