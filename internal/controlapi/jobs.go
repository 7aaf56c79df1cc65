package controlapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/errs"
	"github.com/haukur1982/subtitleworkflow-orchestrator/pkg/job"
)

// handleListJobs implements "GET /jobs → list with optional stage/status
// filters" (spec §4.8).
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := job.Filter{
		Stage:           job.Stage(q.Get("stage")),
		StatusSubstring: q.Get("status"),
		IncludeTerminal: true,
	}

	jobs, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleGetJob implements "GET /jobs/{file_stem} → single job".
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	fileStem := chi.URLParam(r, "file_stem")
	j, err := s.store.Get(r.Context(), fileStem)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleStreamJobs implements "GET /jobs/stream → long-lived change-feed
// subscription" using spec §6.3's line-delimited JSON event protocol: one
// event per line, flushed as it arrives, over a chunked HTTP/1.1 response.
func (s *Server) handleStreamJobs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, unsubscribe := s.feed.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	bw := bufio.NewWriter(w)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-ch:
			if !ok {
				return
			}
			if err := json.NewEncoder(bw).Encode(j); err != nil {
				return
			}
			if err := bw.Flush(); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
