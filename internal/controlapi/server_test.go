package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/changefeed"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/clock"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/config"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/heartbeat"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/layout"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/store"
	"github.com/haukur1982/subtitleworkflow-orchestrator/pkg/job"
)

type noopCanceller struct{ called []string }

func (c *noopCanceller) Cancel(fileStem string) { c.called = append(c.called, fileStem) }

func newTestServer(t *testing.T) (*Server, store.Store, layout.Layout, *noopCanceller) {
	t.Helper()
	root := t.TempDir()
	lay := layout.New(root)
	for _, d := range lay.Dirs() {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	st, err := store.Open(filepath.Join(root, "jobs.db"), clock.Real{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		BindAddr:          "127.0.0.1:8088",
		CloudPipeline:     true,
		AllowedExtensions: []string{".mp4", ".mov", ".mkv", ".mpg", ".mpeg", ".mxf", ".mp3", ".wav", ".m4a"},
	}
	cancel := &noopCanceller{}
	hb := heartbeat.New(root, clock.Real{}, zerolog.Nop())
	feed := changefeed.New(8)
	srv := New(st, feed, cancel, hb, lay, cfg, zerolog.Nop())
	return srv, st, lay, cancel
}

func TestListAndGetJob(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &job.Job{FileStem: "ep1", Stage: job.StageIngest, Status: "queued"}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	srv.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var got []*job.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "ep1", got[0].FileStem)

	rr2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/jobs/ep1", nil)
	srv.Router().ServeHTTP(rr2, req2)
	require.Equal(t, http.StatusOK, rr2.Code)

	rr3 := httptest.NewRecorder()
	req3 := httptest.NewRequest(http.MethodGet, "/jobs/does-not-exist", nil)
	srv.Router().ServeHTTP(rr3, req3)
	require.Equal(t, http.StatusNotFound, rr3.Code)
}

func TestUploadWritesIntoInboxAtomically(t *testing.T) {
	srv, _, lay, _ := newTestServer(t)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "sermon_05.mp4")
	require.NoError(t, err)
	_, err = part.Write([]byte("fake video bytes"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	_, err = os.Stat(filepath.Join(lay.InboxRoot, "sermon_05.mp4"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(lay.InboxRoot, "sermon_05.mp4.uploading"))
	require.True(t, os.IsNotExist(err))
}

func TestUploadRejectsDisallowedExtension(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "malware.exe")
	require.NoError(t, err)
	_, err = part.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func doAction(t *testing.T, srv *Server, action, fileStem, stage string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(actionRequest{Action: action, FileStem: fileStem, Stage: stage})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/action", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	return rr
}

// TestHaltThenCancelRace covers scenario D: an operator halts a job and
// then cancels it in quick succession. Both actions must be observed, no
// update lost, and the job must end up halted (not left mid-stage) with
// its in-flight work cancelled exactly once per call.
func TestHaltThenCancelRace(t *testing.T) {
	srv, st, _, cancel := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &job.Job{FileStem: "ep2", Stage: job.StageTranscribing, Status: "running"}))

	rr1 := doAction(t, srv, "halt", "ep2", "")
	require.Equal(t, http.StatusOK, rr1.Code)

	rr2 := doAction(t, srv, "cancel", "ep2", "")
	require.Equal(t, http.StatusConflict, rr2.Code, "cancel on an already-terminal (halted) job must be rejected, not silently accepted")

	got, err := st.Get(ctx, "ep2")
	require.NoError(t, err)
	require.Equal(t, job.StageHalted, got.Stage)
	require.NotNil(t, got.Meta.PriorStage)
	require.Equal(t, job.StageTranscribing, *got.Meta.PriorStage)
	require.Len(t, cancel.called, 2, "both halt and cancel must signal the cancellation token")

	rr3 := doAction(t, srv, "resume", "ep2", "")
	require.Equal(t, http.StatusOK, rr3.Code)

	got2, err := st.Get(ctx, "ep2")
	require.NoError(t, err)
	require.Equal(t, job.StageTranscribing, got2.Stage)
	require.False(t, got2.Meta.Halted)
}

func TestRetryRevivesDeadJobIntoPriorStage(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	ctx := context.Background()
	prior := job.StageBurning
	j := &job.Job{FileStem: "ep3", Stage: job.StageDead, Status: "dead: burn failed"}
	j.Meta.PriorStage = &prior
	j.Meta.DeadReason = "burn failed"
	require.NoError(t, st.Create(ctx, j))

	rr := doAction(t, srv, "retry", "ep3", "")
	require.Equal(t, http.StatusOK, rr.Code)

	got, err := st.Get(ctx, "ep3")
	require.NoError(t, err)
	require.Equal(t, job.StageBurning, got.Stage)
	require.Empty(t, got.Meta.DeadReason)
}

func TestForceStageRejectsUnknownStage(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &job.Job{FileStem: "ep4", Stage: job.StageIngest, Status: "queued"}))

	rr := doAction(t, srv, "force_stage", "ep4", "NOT_A_REAL_STAGE")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthReportsStorageReadyAndActiveJobCount(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.Create(ctx, &job.Job{FileStem: "ep5", Stage: job.StageIngest, Status: "queued"}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.StorageReady)
	require.Equal(t, 1, resp.ActiveJobCount)
	require.True(t, resp.CloudEnabled)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	srv, st, _, _ := newTestServer(t)
	require.NoError(t, st.Create(context.Background(), &job.Job{FileStem: "ep6", Stage: job.StageIngest, Status: "queued"}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "orchestrator_jobs_by_stage")
}
