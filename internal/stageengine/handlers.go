package stageengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/cloudbridge"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/errs"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/localrunner"
	"github.com/haukur1982/subtitleworkflow-orchestrator/pkg/job"
)

// handleIngest moves the dropped source file into the vault and extracts
// its audio track (spec §4.5 stage handler table: "Move source into
// vault; LocalRunner(audio-extract); on success → TRANSCRIBING").
func handleIngest(ctx context.Context, eng *Engine, j *job.Job) Outcome {
	ext := filepath.Ext(j.Meta.SourcePath)
	vaultPath := eng.layout.SourcePath(j.FileStem, ext)

	if !fileExists(vaultPath) {
		if err := os.Rename(j.Meta.SourcePath, vaultPath); err != nil {
			return Retry("failed to move source into vault", fmt.Errorf("%w: %v", errs.ErrTransient, err))
		}
	}

	audioPath := eng.layout.AudioPath(j.FileStem)
	_, err := eng.local.Run(ctx, j.FileStem, localrunner.Spec{
		Command:        eng.cfg.FFmpegPath,
		Args:           []string{"-y", "-i", vaultPath, "-ac", "1", "-ar", "16000", audioPath},
		IdleTimeout:    2 * time.Minute,
		HardTimeout:    30 * time.Minute,
		ExpectedOutput: audioPath,
	})
	if err != nil {
		return Retry("audio extraction failed", err)
	}
	return Transition(job.StageTranscribing, "audio extracted")
}

// handleTranscribing runs the ASR command over the extracted audio (spec
// §4.5: "LocalRunner(asr) with idle timeout scaled by audio duration").
func handleTranscribing(ctx context.Context, eng *Engine, j *job.Job) Outcome {
	audioPath := eng.layout.AudioPath(j.FileStem)
	skeletonPath := eng.layout.SkeletonPath(j.FileStem)

	idle := eng.cfg.ASRIdleTimeout
	if idle <= 0 {
		idle = asrIdleTimeoutFor(audioPath)
	}

	_, err := eng.local.Run(ctx, j.FileStem, localrunner.Spec{
		Command:        eng.cfg.ASRCommand,
		Args:           []string{"--input", audioPath, "--output", skeletonPath, "--language", j.TargetLanguage},
		IdleTimeout:    idle,
		HardTimeout:    4 * time.Hour,
		ExpectedOutput: skeletonPath,
	})
	if err != nil {
		return Retry("transcription failed", err)
	}
	return Transition(job.StageTranscribed, "transcription complete")
}

// asrIdleTimeoutFor implements spec §9's "unset scales with audio duration
// (cap 4h)" rule using the audio file's size as a cheap duration proxy
// (exact duration would require probing the file, which belongs to the
// ASR collaborator, not the orchestrator).
func asrIdleTimeoutFor(audioPath string) time.Duration {
	info, err := os.Stat(audioPath)
	if err != nil {
		return 30 * time.Minute
	}
	// 16kHz mono 16-bit PCM is ~32000 bytes/sec; scale generously and cap.
	seconds := float64(info.Size()) / 32000.0
	scaled := time.Duration(seconds) * time.Second * 2
	if scaled < 10*time.Minute {
		return 10 * time.Minute
	}
	if scaled > 4*time.Hour {
		return 4 * time.Hour
	}
	return scaled
}

// handleTranscribed submits the skeleton to the cloud pipeline, or would
// run a local translation path when cloud_pipeline is disabled (spec
// §4.5; the local-translation path is symmetric but out of scope for this
// deployment since every collaborator in this installation uses the cloud
// worker).
func handleTranscribed(ctx context.Context, eng *Engine, j *job.Job) Outcome {
	if !eng.cfg.CloudPipeline {
		return Fatal("cloud_pipeline disabled and no local translation path configured", errs.ErrCloudPermanent)
	}

	skeleton, err := os.ReadFile(eng.layout.SkeletonPath(j.FileStem))
	if err != nil {
		return Retry("failed to read skeleton for submission", fmt.Errorf("%w: %v", errs.ErrTransient, err))
	}

	jobConfig := map[string]string{
		"file_stem":       j.FileStem,
		"target_language": j.TargetLanguage,
		"program_profile": j.ProgramProfile,
		"subtitle_style":  j.SubtitleStyle,
	}

	res, err := eng.cloud.Submit(ctx, eng.cfg.JobsBucket, eng.cfg.JobsPrefix, j.FileStem, j.Meta.CloudJobID, jobConfig, json.RawMessage(skeleton))
	if err != nil {
		return Retry("cloud submit failed", err)
	}

	o := Transition(job.StageTranslatingCloudSubmitted, fmt.Sprintf("submitted cloud_job_id=%s", res.CloudJobID))
	o.Mutate = func(j *job.Job) {
		j.Meta.CloudJobID = res.CloudJobID
		j.Meta.CloudBucket = res.Bucket
		j.Meta.CloudPrefix = res.Prefix
	}
	return o
}

// handleCloudPoll covers TRANSLATING_CLOUD_SUBMITTED and every CLOUD_*
// stage (spec §4.5: "CloudBridge.poll; mirror returned cloud_stage into
// stage; update cloud_progress; when approved.json appears → CLOUD_DONE").
// Concurrent ticks polling the same cloud_job_id are deduplicated through
// the Engine's singleflight.Group.
func handleCloudPoll(ctx context.Context, eng *Engine, j *job.Job) Outcome {
	if j.Meta.CloudJobID == "" {
		return Retry("missing cloud_job_id while polling", fmt.Errorf("%w: no cloud_job_id recorded", errs.ErrCloudPermanent))
	}

	resAny, err, _ := eng.sf.Do(j.Meta.CloudJobID, func() (interface{}, error) {
		return eng.cloud.Poll(ctx, j.Meta.CloudBucket, j.Meta.CloudPrefix, j.Meta.CloudJobID)
	})
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrCloudNotReady):
			// Nothing observable changed this tick: return Wait so
			// Engine.apply performs no Store.Update and updated_at is left
			// untouched. A cloud worker that never advances must read as
			// genuinely idle to StallDetector (spec §8 Scenario C); writing
			// updated_at here every tick would make the stall unreachable.
			return Wait()
		case errors.Is(err, errs.ErrCloudPermanent):
			return Fatal("cloud worker reported permanent failure", err)
		case errors.Is(err, errs.ErrCloudWorker), errors.Is(err, errs.ErrCloudArtifactMissing):
			if rerr := eng.cloud.Resubmit(ctx, j.Meta.CloudBucket, j.Meta.CloudPrefix, j.Meta.CloudJobID); rerr != nil {
				return Retry("cloud worker restart failed", rerr)
			}
			return Retry("cloud worker error; remote execution restarted", err)
		default:
			return Retry("cloud poll failed", err)
		}
	}
	res := resAny.(cloudbridge.PollResult)

	if res.ApprovedReady {
		o := Transition(job.StageCloudDone, "cloud approved segments ready")
		o.Mutate = func(j *job.Job) {
			j.Meta.CloudProgress = res.CloudProgress
			if res.EditorReport != nil {
				j.EditorReport = res.EditorReport
			}
		}
		return o
	}

	mirrored := job.Stage(res.CloudStage)
	if mirrored == "" || !job.CloudStages[mirrored] {
		mirrored = j.Stage
	}

	progressChanged := !bytes.Equal(res.CloudProgress, j.Meta.CloudProgress)
	reportChanged := res.EditorReport != nil && !bytes.Equal(res.EditorReport, j.EditorReport)
	if mirrored == j.Stage && !progressChanged && !reportChanged {
		// The cloud worker reported exactly what we already recorded: no
		// real progress happened, so this must not bump updated_at either
		// (same stall-detection reasoning as the not-ready branch above).
		return Wait()
	}

	o := Progress(fmt.Sprintf("cloud stage=%s", res.CloudStage), j.Progress)
	if mirrored != j.Stage {
		o = Transition(mirrored, fmt.Sprintf("cloud stage=%s", res.CloudStage))
	}
	o.Mutate = func(j *job.Job) {
		j.Meta.CloudProgress = res.CloudProgress
		if res.EditorReport != nil {
			j.EditorReport = res.EditorReport
		}
	}
	return o
}

// handleCloudDone downloads the approved segment document (spec §4.5:
// "CloudBridge.fetch_approved; → FINALIZING").
func handleCloudDone(ctx context.Context, eng *Engine, j *job.Job) Outcome {
	err := eng.cloud.FetchApproved(ctx, j.Meta.CloudBucket, j.Meta.CloudPrefix, j.Meta.CloudJobID, j.FileStem)
	if err != nil {
		if errors.Is(err, errs.ErrCloudNotReady) {
			// Same reasoning as handleCloudPoll: nothing changed, so don't
			// write updated_at or this stage can never be read as stalled.
			return Wait()
		}
		return Retry("fetch approved segments failed", err)
	}

	return cloudDoneOutcome(eng, j, "approved segments fetched")
}

// cloudDoneOutcome is the single place that decides whether a job leaving
// CLOUD_DONE goes to REVIEWING or straight to FINALIZING (spec §9 review
// precedence: an operator lock always wins over review_required_default).
// Both handleCloudDone and Engine.reconcile's CLOUD_DONE shortcut must
// route through this so a crash-restart that finds approved.json already
// local cannot skip mandated human review.
func cloudDoneOutcome(eng *Engine, j *job.Job, readyStatus string) Outcome {
	next := job.StageFinalizing
	status := readyStatus
	reviewRequired := j.Meta.ReviewRequired || (!j.Meta.ReviewRequiredLockedByOperator && eng.cfg.ReviewRequiredDefault)
	if reviewRequired {
		next = job.StageReviewing
		status = "awaiting human review"
	}

	o := Transition(next, status)
	o.Mutate = func(j *job.Job) {
		if !j.Meta.ReviewRequiredLockedByOperator {
			j.Meta.ReviewRequired = reviewRequired
		}
	}
	return o
}

// handleReviewing waits for meta.review_required to clear (spec §4.5:
// "Wait for meta.review_required == false, set by ControlAPI or the
// remote-review collaborator"). StageEngine never clears the flag itself,
// and no ControlAPI action sets or clears it. The operator lock is honored
// in cloudDoneOutcome, which leaves review_required untouched once
// review_required_locked_by_operator is set.
func handleReviewing(ctx context.Context, eng *Engine, j *job.Job) Outcome {
	if j.Meta.ReviewRequired {
		return Wait()
	}
	return Transition(job.StageReviewed, "review complete")
}

func handleReviewed(ctx context.Context, eng *Engine, j *job.Job) Outcome {
	return Transition(job.StageFinalizing, "proceeding to finalize")
}

// handleFinalizing runs the subtitle finalizer against the approved
// segments (spec §4.5: "LocalRunner(finalizer); → FINALIZED").
func handleFinalizing(ctx context.Context, eng *Engine, j *job.Job) Outcome {
	approvedPath := eng.layout.ApprovedPath(j.FileStem)
	outputPath := eng.layout.DeliveryPath(j.FileStem, ".srt")

	_, err := eng.local.Run(ctx, j.FileStem, localrunner.Spec{
		Command:        eng.cfg.FinalizerCommand,
		Args:           []string{"--input", approvedPath, "--style", j.SubtitleStyle, "--output", outputPath},
		IdleTimeout:    5 * time.Minute,
		HardTimeout:    3 * time.Hour,
		ExpectedOutput: outputPath,
	})
	if err != nil {
		return Retry("finalization failed", err)
	}

	o := Transition(job.StageFinalized, "subtitle track finalized")
	o.Mutate = func(j *job.Job) { j.Meta.FinalOutputPath = outputPath }
	return o
}

func handleFinalized(ctx context.Context, eng *Engine, j *job.Job) Outcome {
	return Transition(job.StageBurning, "ready to burn")
}

// handleBurning invokes the burn encoder at most once per attempt (spec
// invariant 5: "the burn subprocess is invoked at most once per
// (file_stem, attempt); a completed delivery file is never overwritten
// except by an explicit re_burn action").
func handleBurning(ctx context.Context, eng *Engine, j *job.Job) Outcome {
	vaultPath := eng.layout.SourcePath(j.FileStem, filepath.Ext(j.Meta.SourcePath))
	deliveryPath := eng.layout.DeliveryPath(j.FileStem, filepath.Ext(j.Meta.SourcePath))

	if fileExists(deliveryPath) {
		return Transition(job.StageCompleted, "delivery artifact already present")
	}

	_, err := eng.local.Run(ctx, j.FileStem, localrunner.Spec{
		Command:        eng.cfg.BurnerCommand,
		Args:           []string{"--input", vaultPath, "--subtitles", j.Meta.FinalOutputPath, "--output", deliveryPath},
		IdleTimeout:    10 * time.Minute,
		HardTimeout:    6 * time.Hour,
		ExpectedOutput: deliveryPath,
	})
	if err != nil {
		return Retry("burn failed", err)
	}

	o := Transition(job.StageCompleted, "burn complete")
	o.Mutate = func(j *job.Job) { j.Meta.BurnAttempt++ }
	return o
}
