// Package stalldetector implements StallDetector (spec §4.6): a
// periodic scan, independent of StageEngine's tick loop, that recovers
// jobs whose stage has idled past a configured threshold. It never
// transitions stages forward itself; it cancels in-flight work, marks the
// job as recovering, triggers a CloudBridge.resubmit for cloud stages, or
// writes DEAD itself through Store.Update, under the same per-row lock that
// serializes StageEngine's writes.
package stalldetector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/clock"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/cloudbridge"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/config"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/store"
	"github.com/haukur1982/subtitleworkflow-orchestrator/pkg/job"
)

// Canceller is the subset of stageengine.Engine the detector needs to stop
// in-flight work for a job (spec §4.6: "cancel it (cooperative
// cancellation)").
type Canceller interface {
	Cancel(fileStem string)
}

// Detector is StallDetector.
type Detector struct {
	store   store.Store
	cloud   *cloudbridge.Bridge
	cancel  Canceller
	cfg     *config.Config
	clock   clock.Clock
	log     zerolog.Logger
}

func New(st store.Store, cloud *cloudbridge.Bridge, cancel Canceller, cfg *config.Config, c clock.Clock, log zerolog.Logger) *Detector {
	return &Detector{store: st, cloud: cloud, cancel: cancel, cfg: cfg, clock: c, log: log}
}

// Run blocks, scanning every StallScanInterval until ctx is cancelled
// (spec §4.6: "Runs every 30s").
func (d *Detector) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.cfg.StallScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			d.scan(ctx)
		}
	}
}

// scan implements one pass of spec §4.6's algorithm over every
// non-terminal job.
func (d *Detector) scan(ctx context.Context) {
	jobs, err := d.store.List(ctx, job.NonTerminal())
	if err != nil {
		d.log.Error().Err(err).Msg("stalldetector: list failed")
		return
	}

	now := d.clock.Now()
	for _, j := range jobs {
		if j.Meta.Halted {
			continue
		}
		lastProgress := lastStageProgressAt(j)
		idle := now.Sub(lastProgress)
		threshold := d.cfg.StallThresholdFor(string(j.Stage))
		if idle < threshold {
			continue
		}
		d.recover(ctx, j)
	}
}

// lastStageProgressAt returns the time of the most recent stage entry or
// status update, used as the "last stage-progress event" of spec §4.6.
// Deliberately does NOT fall back to UpdatedAt: Store.Update stamps
// updated_at on every write, whether or not the write records stage
// progress, so keying off UpdatedAt would let such writes make a genuinely
// stalled job look busy. (StageEngine's cloud handlers return Wait() when a
// poll reports nothing new, and Wait() performs no write at all.)
// CreatedAt is the only safe floor — it never advances.
func lastStageProgressAt(j *job.Job) time.Time {
	latest := j.CreatedAt
	if n := len(j.Meta.StageTimeline); n > 0 {
		entered := j.Meta.StageTimeline[n-1].EnteredAt
		if entered.After(latest) {
			latest = entered
		}
	}
	if n := len(j.Meta.StatusTimeline); n > 0 {
		at := j.Meta.StatusTimeline[n-1].At
		if at.After(latest) {
			latest = at
		}
	}
	return latest
}

// recover implements the threshold-breach branch of spec §4.6: cancel
// in-flight work, bump the per-stage stall counter, and either re-dispatch
// (by clearing "waiting"/in-flight status so the next StageEngine tick
// retries it) or move to DEAD once the stall counter exceeds the max.
func (d *Detector) recover(ctx context.Context, j *job.Job) {
	d.cancel.Cancel(j.FileStem)

	originalStage := j.Stage
	updated, err := d.store.Update(ctx, j.FileStem, func(j *job.Job) error {
		if j.Meta.StageStallCounts == nil {
			j.Meta.StageStallCounts = map[job.Stage]int{}
		}
		j.Meta.StageStallCounts[j.Stage]++
		count := j.Meta.StageStallCounts[j.Stage]

		if count > d.cfg.MaxStallCount {
			j.Meta.DeadReason = fmt.Sprintf("stalled in stage %s after %d recovery attempts", j.Stage, count)
			prior := j.Stage
			j.Meta.PriorStage = &prior
			j.Stage = job.StageDead
			j.Status = "dead: " + j.Meta.DeadReason
			return nil
		}

		j.Status = "recovering from stall"
		return nil
	})
	if err != nil {
		d.log.Error().Err(err).Str("file_stem", j.FileStem).Msg("stalldetector: recover failed")
		return
	}
	if updated.Stage == job.StageDead {
		return
	}

	// For cloud stages with no local work, the stall action is a resubmit
	// rather than a bare retry signal (spec §4.6).
	if job.CloudStages[originalStage] || originalStage == job.StageTranslatingCloudSubmitted {
		if updated.Meta.CloudJobID != "" {
			if err := d.cloud.Resubmit(ctx, updated.Meta.CloudBucket, updated.Meta.CloudPrefix, updated.Meta.CloudJobID); err != nil {
				d.log.Warn().Err(err).Str("file_stem", j.FileStem).Msg("stalldetector: resubmit failed")
			}
		}
	}
}
