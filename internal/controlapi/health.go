package controlapi

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/heartbeat"
	"github.com/haukur1982/subtitleworkflow-orchestrator/pkg/job"
)

// healthResponse is the body of "GET /health → storage readiness,
// heartbeat ages, free-disk, active-job count, cloud-enabled flag" (spec
// §4.8).
type healthResponse struct {
	StorageReady              bool    `json:"storage_ready"`
	OrchestratorHeartbeatAgeS float64 `json:"orchestrator_heartbeat_age_seconds"`
	ControlAPIHeartbeatAgeS   float64 `json:"control_api_heartbeat_age_seconds"`
	FreeDiskPercent           float64 `json:"free_disk_percent"`
	ActiveJobCount            int     `json:"active_job_count"`
	CloudEnabled              bool    `json:"cloud_enabled"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// PublishControlAPI is a side effect of serving /health itself, since
	// this HTTP server has no independent tick loop of its own to drive it
	// (spec §4.7: the control-api liveness file is owned by whichever
	// component's request loop serves it).
	if err := s.hb.PublishControlAPI(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("controlapi: failed to publish liveness")
	}

	resp := healthResponse{CloudEnabled: s.cfg.CloudPipeline}

	jobs, err := s.store.List(r.Context(), job.NonTerminal())
	resp.StorageReady = err == nil
	resp.ActiveJobCount = len(jobs)

	if age, err := s.hb.Age(heartbeat.FileOrchestrator); err == nil {
		resp.OrchestratorHeartbeatAgeS = age.Seconds()
	}
	if age, err := s.hb.Age(heartbeat.FileControlAPI); err == nil {
		resp.ControlAPIHeartbeatAgeS = age.Seconds()
	}
	if pct, err := heartbeat.FreeDiskPercent(s.layout.Root); err == nil {
		resp.FreeDiskPercent = pct
	}

	status := http.StatusOK
	if !resp.StorageReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// jobStageCollector is a pull-based prometheus.Collector: it queries the
// Store fresh on every /metrics scrape rather than needing its own update
// loop, the same "collect on read" shape client_golang's own process
// collector uses.
type jobStageCollector struct {
	server *Server
	desc   *prometheus.Desc
}

func newJobStageCollector(s *Server) *jobStageCollector {
	return &jobStageCollector{
		server: s,
		desc: prometheus.NewDesc(
			"orchestrator_jobs_by_stage",
			"Number of jobs currently in each stage.",
			[]string{"stage"}, nil,
		),
	}
}

func (c *jobStageCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *jobStageCollector) Collect(ch chan<- prometheus.Metric) {
	jobs, err := c.server.store.List(context.Background(), job.Filter{IncludeTerminal: true})
	if err != nil {
		return
	}
	counts := map[job.Stage]int{}
	for _, j := range jobs {
		counts[j.Stage]++
	}
	for stage, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), string(stage))
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newJobStageCollector(s))
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
