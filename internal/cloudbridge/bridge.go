// Package cloudbridge implements CloudBridge (spec §4.4): it uploads job
// artifacts, triggers remote executions, and polls their progress through
// an ObjectStore-backed artifact layout (spec §6.4), grounded on the
// teacher's internal/client.OrchestratorClient (retryablehttp wrapping)
// and internal/heartbeat.Service (periodic remote-state sync).
package cloudbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/errs"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/layout"
)

const (
	keyJob          = "job.json"
	keySkeleton     = "skeleton.json"
	keyProgress     = "progress.json"
	keyApproved     = "approved.json"
	keyEditorReport = "editor_report.json"
	keyReview       = "review.json"
	keyReviewToken  = "review_token.json"
	keyReviewCorr   = "review_corrections.json"
)

// SubmitResult is returned by Submit (spec §4.4).
type SubmitResult struct {
	CloudJobID string
	Bucket     string
	Prefix     string
}

// PollResult is returned by Poll (spec §4.4).
type PollResult struct {
	CloudStage    string
	CloudProgress json.RawMessage
	ApprovedReady bool
	EditorReport  json.RawMessage
	Err           string
}

// progressDoc mirrors the worker-written progress.json schema (spec §6.4).
type progressDoc struct {
	Stage         string          `json:"stage"`
	Progress      int             `json:"progress"`
	UpdatedAt     time.Time       `json:"updated_at"`
	SegmentsDone  *int            `json:"segments_done,omitempty"`
	SegmentsTotal *int            `json:"segments_total,omitempty"`
	Error         string          `json:"error,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// Bridge is CloudBridge.
type Bridge struct {
	store   ObjectStore
	trigger Trigger
	layout  layout.Layout
	log     zerolog.Logger
}

func New(store ObjectStore, trigger Trigger, lay layout.Layout, log zerolog.Logger) *Bridge {
	return &Bridge{store: store, trigger: trigger, layout: lay, log: log}
}

// Submit uploads job.json and skeleton.json and optionally fires the
// configured Trigger. It is idempotent against cloudJobID when one is
// already known (spec §4.4 invariant: "submit is idempotent against
// cloud_job_id: reuploading is safe; re-triggering is safe").
func (b *Bridge) Submit(ctx context.Context, bucket, prefix, fileStem string, existingCloudJobID string, jobConfig, skeleton any) (SubmitResult, error) {
	cloudJobID := existingCloudJobID
	if cloudJobID == "" {
		cloudJobID = uuid.NewString()
	}
	key := func(name string) string { return fmt.Sprintf("%s/%s/%s", prefix, cloudJobID, name) }

	jobBytes, err := json.Marshal(jobConfig)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("marshal job config: %w", err)
	}
	if err := b.store.Put(ctx, bucket, key(keyJob), jobBytes); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: upload job.json: %v", errs.ErrTransient, err)
	}

	skelBytes, err := json.Marshal(skeleton)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("marshal skeleton: %w", err)
	}
	if err := b.store.Put(ctx, bucket, key(keySkeleton), skelBytes); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: upload skeleton.json: %v", errs.ErrTransient, err)
	}

	if err := b.trigger.Fire(ctx, cloudJobID, bucket, prefix); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: trigger: %v", errs.ErrCloudWorker, err)
	}

	b.log.Info().Str("file_stem", fileStem).Str("cloud_job_id", cloudJobID).Msg("cloudbridge: submitted")
	return SubmitResult{CloudJobID: cloudJobID, Bucket: bucket, Prefix: prefix}, nil
}

// Resubmit re-fires the Trigger for an already-uploaded execution without
// reuploading artifacts (spec §4.6 stall action: "CloudBridge.resubmit
// with the same cloud_job_id").
func (b *Bridge) Resubmit(ctx context.Context, bucket, prefix, cloudJobID string) error {
	if err := b.trigger.Fire(ctx, cloudJobID, bucket, prefix); err != nil {
		return fmt.Errorf("%w: resubmit trigger: %v", errs.ErrCloudWorker, err)
	}
	return nil
}

// Poll reads progress.json / approved.json / editor_report.json from the
// artifact prefix (spec §4.4). It never mutates remote state. A missing
// progress.json is reported as ErrCloudNotReady, never a permanent error
// (spec §7 edge case: "Cloud progress.json disappears transiently: handler
// must treat as not ready").
func (b *Bridge) Poll(ctx context.Context, bucket, prefix, cloudJobID string) (PollResult, error) {
	key := func(name string) string { return fmt.Sprintf("%s/%s/%s", prefix, cloudJobID, name) }

	raw, err := b.store.Get(ctx, bucket, key(keyProgress))
	if err != nil {
		if os.IsNotExist(err) {
			return PollResult{}, errs.ErrCloudNotReady
		}
		return PollResult{}, fmt.Errorf("%w: read progress.json: %v", errs.ErrTransient, err)
	}

	var p progressDoc
	if err := json.Unmarshal(raw, &p); err != nil {
		return PollResult{}, fmt.Errorf("%w: progress.json: %v", errs.ErrCloudArtifactMissing, err)
	}
	p.Raw = raw

	res := PollResult{CloudStage: p.Stage, CloudProgress: raw, Err: p.Error}

	approvedReady, err := b.store.Exists(ctx, bucket, key(keyApproved))
	if err != nil {
		return PollResult{}, fmt.Errorf("%w: stat approved.json: %v", errs.ErrTransient, err)
	}
	res.ApprovedReady = approvedReady

	if report, err := b.store.Get(ctx, bucket, key(keyEditorReport)); err == nil {
		res.EditorReport = report
	} else if !os.IsNotExist(err) {
		return PollResult{}, fmt.Errorf("%w: read editor_report.json: %v", errs.ErrTransient, err)
	}

	if p.Error != "" {
		return res, fmt.Errorf("%w: %s", errs.ErrCloudWorker, p.Error)
	}
	return res, nil
}

// FetchApproved downloads approved.json and atomically writes it to the
// local approved-path (spec §4.4).
func (b *Bridge) FetchApproved(ctx context.Context, bucket, prefix, cloudJobID, fileStem string) error {
	key := fmt.Sprintf("%s/%s/%s", prefix, cloudJobID, keyApproved)
	data, err := b.store.Get(ctx, bucket, key)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: approved.json not yet present", errs.ErrCloudNotReady)
		}
		return fmt.Errorf("%w: fetch approved.json: %v", errs.ErrTransient, err)
	}

	dest := b.layout.ApprovedPath(fileStem)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write approved blob: %v", errs.ErrTransient, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("%w: rename approved blob: %v", errs.ErrTransient, err)
	}
	return nil
}
