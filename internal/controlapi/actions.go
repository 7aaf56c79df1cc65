package controlapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/errs"
	"github.com/haukur1982/subtitleworkflow-orchestrator/pkg/job"
)

// actionRequest is the body of "POST /action with body {action, file_stem,
// …}" (spec §4.8). Stage is only read for the force_stage action.
type actionRequest struct {
	Action   string `json:"action"`
	FileStem string `json:"file_stem"`
	Stage    string `json:"stage,omitempty"`
}

// handleAction dispatches one of the eight operator actions spec §4.8
// enumerates. Each maps to a Store.Update plus, where relevant,
// cancellation of in-flight work via the cooperative signal.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}
	if req.FileStem == "" {
		writeJSONError(w, http.StatusBadRequest, "file_stem is required")
		return
	}

	var (
		updated *job.Job
		err     error
	)

	switch req.Action {
	case "retry":
		updated, err = s.actionRetry(r, req)
	case "cancel":
		updated, err = s.actionCancel(r, req)
	case "halt":
		updated, err = s.actionHalt(r, req)
	case "resume":
		updated, err = s.actionResume(r, req)
	case "re_burn":
		updated, err = s.actionReBurn(r, req)
	case "mark_delivered":
		updated, err = s.actionMarkDelivered(r, req)
	case "force_stage":
		updated, err = s.actionForceStage(r, req)
	case "delete":
		err = s.actionDelete(r, req)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"file_stem": req.FileStem, "deleted": "true"})
			return
		}
	default:
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}

	if err != nil {
		statusFor(err, w)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func statusFor(err error, w http.ResponseWriter) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errConflict):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errBadAction):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

var (
	errConflict  = errors.New("action not valid for job's current stage")
	errBadAction = errors.New("invalid action parameters")
)

// actionRetry revives a DEAD job back into the stage it failed in (spec
// §7: "retried up to stage retry budget" — an operator retry after DEAD
// resets that budget and gives the job one more attempt).
func (s *Server) actionRetry(r *http.Request, req actionRequest) (*job.Job, error) {
	return s.store.Update(r.Context(), req.FileStem, func(j *job.Job) error {
		if j.Stage != job.StageDead {
			return fmt.Errorf("%w: job is in stage %s, not DEAD", errConflict, j.Stage)
		}
		target := job.StageIngest
		if j.Meta.PriorStage != nil {
			target = *j.Meta.PriorStage
		}
		j.Meta.ResetRetry(target)
		j.Meta.DeadReason = ""
		j.Meta.PriorStage = nil
		j.Stage = target
		j.Status = "retried by operator"
		return nil
	})
}

// actionCancel interrupts whatever LocalRunner/CloudBridge work is
// currently in flight for the job without changing its stage; the next
// StageEngine tick re-dispatches the same stage handler fresh (spec §5:
// "all tasks running on behalf of the job must observe the token at their
// next suspension point and unwind cleanly").
func (s *Server) actionCancel(r *http.Request, req actionRequest) (*job.Job, error) {
	s.cancel.Cancel(req.FileStem)
	return s.store.Update(r.Context(), req.FileStem, func(j *job.Job) error {
		if j.Stage.Terminal() {
			return fmt.Errorf("%w: job is in terminal stage %s", errConflict, j.Stage)
		}
		j.Status = "cancellation requested by operator"
		return nil
	})
}

// actionHalt parks a job outside the StageEngine tick loop entirely (spec
// §4.8 halt). The pre-halt stage is preserved in meta.prior_stage so
// resume can restore it exactly.
func (s *Server) actionHalt(r *http.Request, req actionRequest) (*job.Job, error) {
	s.cancel.Cancel(req.FileStem)
	return s.store.Update(r.Context(), req.FileStem, func(j *job.Job) error {
		if j.Stage == job.StageHalted {
			return nil
		}
		if j.Stage.Terminal() {
			return fmt.Errorf("%w: job is in terminal stage %s", errConflict, j.Stage)
		}
		prior := j.Stage
		j.Meta.PriorStage = &prior
		j.Meta.Halted = true
		j.Stage = job.StageHalted
		j.Status = "halted by operator"
		return nil
	})
}

// actionResume is halt's inverse.
func (s *Server) actionResume(r *http.Request, req actionRequest) (*job.Job, error) {
	return s.store.Update(r.Context(), req.FileStem, func(j *job.Job) error {
		if j.Stage != job.StageHalted {
			return fmt.Errorf("%w: job is in stage %s, not HALTED", errConflict, j.Stage)
		}
		target := job.StageIngest
		if j.Meta.PriorStage != nil {
			target = *j.Meta.PriorStage
		}
		j.Meta.PriorStage = nil
		j.Meta.Halted = false
		j.Stage = target
		j.Status = "resumed by operator"
		return nil
	})
}

// actionReBurn removes the existing delivery artifact (if any) and
// re-enters BURNING, the only path by which a completed delivery file is
// ever overwritten (spec invariant 5).
func (s *Server) actionReBurn(r *http.Request, req actionRequest) (*job.Job, error) {
	s.cancel.Cancel(req.FileStem)
	j, err := s.store.Get(r.Context(), req.FileStem)
	if err != nil {
		return nil, err
	}
	ext := filepath.Ext(j.Meta.SourcePath)
	deliveryPath := s.layout.DeliveryPath(req.FileStem, ext)
	if err := os.Remove(deliveryPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove existing delivery artifact: %w", err)
	}

	return s.store.Update(r.Context(), req.FileStem, func(j *job.Job) error {
		j.Stage = job.StageBurning
		j.Status = "re-burn requested by operator"
		j.Meta.ResetRetry(job.StageBurning)
		return nil
	})
}

// actionMarkDelivered marks a completed job as handed off to the
// downstream publishing system.
func (s *Server) actionMarkDelivered(r *http.Request, req actionRequest) (*job.Job, error) {
	return s.store.Update(r.Context(), req.FileStem, func(j *job.Job) error {
		if j.Stage != job.StageCompleted {
			return fmt.Errorf("%w: job is in stage %s, not COMPLETED", errConflict, j.Stage)
		}
		j.Stage = job.StageDelivered
		j.Status = "marked delivered by operator"
		return nil
	})
}

// actionForceStage is the operator escape hatch: jump a job directly to a
// named stage, bypassing the normal edge graph. The stage jumped from is
// kept in meta.prior_stage for audit.
func (s *Server) actionForceStage(r *http.Request, req actionRequest) (*job.Job, error) {
	target := job.Stage(req.Stage)
	if !validStage(target) {
		return nil, fmt.Errorf("%w: unknown stage %q", errBadAction, req.Stage)
	}
	return s.store.Update(r.Context(), req.FileStem, func(j *job.Job) error {
		prior := j.Stage
		j.Meta.PriorStage = &prior
		j.Stage = target
		j.Status = fmt.Sprintf("stage forced to %s by operator", target)
		j.Meta.ResetRetry(target)
		return nil
	})
}

func (s *Server) actionDelete(r *http.Request, req actionRequest) error {
	s.cancel.Cancel(req.FileStem)
	return s.store.Delete(r.Context(), req.FileStem)
}

var knownStages = map[job.Stage]bool{
	job.StageIngest: true, job.StageTranscribing: true, job.StageTranscribed: true,
	job.StageTranslatingCloudSubmitted: true, job.StageCloudTranslating: true,
	job.StageCloudReviewing: true, job.StageCloudPolishing: true, job.StageCloudDone: true,
	job.StageReviewing: true, job.StageReviewed: true, job.StageFinalizing: true,
	job.StageFinalized: true, job.StageBurning: true, job.StageCompleted: true,
	job.StageDelivered: true, job.StageDead: true, job.StageHalted: true,
}

func validStage(s job.Stage) bool { return knownStages[s] }
