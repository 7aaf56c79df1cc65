// Package heartbeat implements HeartbeatPublisher (spec §4.7): it writes
// liveness timestamps an external watchdog reads, using the same atomic
// write-then-rename idiom LocalRunner/CloudBridge use for artifacts.
// Grounded on (and inverted from) the teacher's internal/heartbeat.Service,
// which posted a heartbeat payload to a remote orchestrator every tick;
// here there is no remote orchestrator to report to, so the publisher
// instead writes local liveness files an external process supervisor
// polls, keeping the teacher's periodic-pulse shape.
package heartbeat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/clock"
)

// Names of the two liveness files spec §4.7 requires ("orchestrator" and
// "control-api").
const (
	FileOrchestrator = "orchestrator.heartbeat"
	FileControlAPI   = "control-api.heartbeat"
)

// Publisher is HeartbeatPublisher.
type Publisher struct {
	dir   string
	clock clock.Clock
	log   zerolog.Logger
}

func New(dir string, c clock.Clock, log zerolog.Logger) *Publisher {
	return &Publisher{dir: dir, clock: c, log: log}
}

// Publish atomically writes the current timestamp to the orchestrator
// liveness file. Called once per StageEngine tick (spec §4.5 step 1).
func (p *Publisher) Publish(ctx context.Context) error {
	now := p.clock.Now().UTC().Format(time.RFC3339Nano)
	if err := p.writeAtomic(FileOrchestrator, now); err != nil {
		return fmt.Errorf("heartbeat: write orchestrator liveness: %w", err)
	}
	return nil
}

// PublishControlAPI is the ControlAPI-side counterpart of Publish, kept
// separate because the HTTP server's own request loop owns that liveness
// file rather than the StageEngine tick loop.
func (p *Publisher) PublishControlAPI(ctx context.Context) error {
	now := p.clock.Now().UTC().Format(time.RFC3339Nano)
	if err := p.writeAtomic(FileControlAPI, now); err != nil {
		return fmt.Errorf("heartbeat: write control-api liveness: %w", err)
	}
	return nil
}

func (p *Publisher) writeAtomic(name, contents string) error {
	path := filepath.Join(p.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(contents), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Age reads a liveness file and returns how long ago it was last written,
// used by ControlAPI's GET /health (spec §4.8).
func (p *Publisher) Age(name string) (time.Duration, error) {
	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		return 0, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return 0, fmt.Errorf("parse heartbeat timestamp: %w", err)
	}
	return p.clock.Now().Sub(t), nil
}

// FreeDiskPercent feeds GET /health's free-disk figure; LoadAverage is
// exported beside it but nothing in this module calls it. Both are grounded
// on the teacher's internal/monitor.go use of gopsutil for worker capacity
// reporting.
func FreeDiskPercent(path string) (float64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return 100 - usage.UsedPercent, nil
}

func LoadAverage() (float64, error) {
	avg, err := load.Avg()
	if err != nil {
		return 0, err
	}
	return avg.Load1, nil
}
