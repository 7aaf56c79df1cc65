package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	orcherrs "github.com/haukur1982/subtitleworkflow-orchestrator/internal/errs"
	"github.com/haukur1982/subtitleworkflow-orchestrator/pkg/job"
)

// jobRow is the sqlx scan target for the jobs table; job.Job itself keeps
// Meta as a structured value, not a string column, so scanning goes
// through this intermediate shape.
type jobRow struct {
	FileStem       string    `db:"file_stem"`
	Stage          string    `db:"stage"`
	Status         string    `db:"status"`
	Progress       int       `db:"progress"`
	TargetLanguage string    `db:"target_language"`
	ProgramProfile string    `db:"program_profile"`
	SubtitleStyle  string    `db:"subtitle_style"`
	Meta           string    `db:"meta"`
	EditorReport   *string   `db:"editor_report"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// toJob decodes the row into a job.Job, surfacing a wrapped errs.ErrCorrupt
// if the meta column fails to parse (spec §7: "Corruption" error kind —
// Store detects schema/invariant violation on load).
func (r jobRow) toJob() (*job.Job, error) {
	j := &job.Job{
		FileStem:       r.FileStem,
		Stage:          job.Stage(r.Stage),
		Status:         r.Status,
		Progress:       r.Progress,
		TargetLanguage: r.TargetLanguage,
		ProgramProfile: r.ProgramProfile,
		SubtitleStyle:  r.SubtitleStyle,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.EditorReport != nil {
		j.EditorReport = json.RawMessage(*r.EditorReport)
	}
	if err := json.Unmarshal([]byte(r.Meta), &j.Meta); err != nil {
		return nil, fmt.Errorf("%w: file_stem=%s: %v", orcherrs.ErrCorrupt, r.FileStem, err)
	}
	return j, nil
}

func isUniqueConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	// Fallback for wrapped/driver-shimmed errors in environments where the
	// typed error doesn't survive database/sql's error wrapping.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
