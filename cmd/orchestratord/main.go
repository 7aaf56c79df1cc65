// Command orchestratord is the orchestrator process: it wires together
// Store, InboxWatcher, LocalRunner, CloudBridge, StageEngine,
// StallDetector, HeartbeatPublisher, ChangeFeed and ControlAPI and runs
// them until an OS signal asks for a clean shutdown. Shape kept from the
// teacher's cmd/worker/main.go (single func main, blocks until
// cancelled); the teacher's bare `select{}` is replaced with a proper
// signal.NotifyContext wait plus graceful component shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/changefeed"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/clock"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/cloudbridge"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/config"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/controlapi"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/errs"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/heartbeat"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/inbox"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/layout"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/localrunner"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/logging"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/stageengine"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/stalldetector"
	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/store"
)

// Exit codes, spec §6.6.
const (
	exitClean             = 0
	exitFatalInit         = 1
	exitPortBindFailure   = 2
	exitStorageCorruption = 3
)

func main() {
	configDir := flag.String("config", ".", "directory containing orchestrator.yml")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: config load failed: %v\n", err)
		os.Exit(exitFatalInit)
	}

	log := logging.New(cfg.LogLevel, os.Stdout)

	code := run(cfg, log)
	os.Exit(code)
}

func run(cfg *config.Config, log zerolog.Logger) int {
	lay := layout.New(cfg.DataRoot)
	for _, d := range lay.Dirs() {
		if err := os.MkdirAll(d, 0o755); err != nil {
			log.Error().Err(err).Str("dir", d).Msg("orchestratord: failed to create working directory")
			return exitFatalInit
		}
	}

	st, err := store.Open(filepath.Join(cfg.DataRoot, "jobs.db"), clock.Real{}, logging.ForComponent(log, "store"))
	if err != nil {
		log.Error().Err(err).Msg("orchestratord: failed to open store")
		if errors.Is(err, errs.ErrCorrupt) {
			return exitStorageCorruption
		}
		return exitFatalInit
	}
	defer st.Close()

	objStore := cloudbridge.NewFSObjectStore(filepath.Join(cfg.DataRoot, "cloud"))
	trigger := buildTrigger(cfg, log)
	bridge := cloudbridge.New(objStore, trigger, lay, logging.ForComponent(log, "cloudbridge"))

	runner := localrunner.New(cfg.MaxConcurrentProcs, cfg.KillGracePeriod, logging.ForComponent(log, "localrunner"))
	engine := stageengine.New(st, runner, bridge, cfg, lay, clock.Real{}, logging.ForComponent(log, "stageengine"))
	detector := stalldetector.New(st, bridge, engine, cfg, clock.Real{}, logging.ForComponent(log, "stalldetector"))
	hbPub := heartbeat.New(cfg.DataRoot, clock.Real{}, logging.ForComponent(log, "heartbeat"))
	feed := changefeed.New(0)

	watcher := inbox.New(inbox.Options{
		Roots:             []string{lay.InboxRoot, filepath.Join(lay.InboxRoot, "remote_review")},
		PollInterval:      cfg.InboxPollInterval,
		StabilityProbes:   cfg.StabilityProbes,
		StabilityDelay:    cfg.StabilityDelay,
		MinAge:            cfg.MinFileAge,
		AllowedExtensions: extensionSet(cfg.AllowedExtensions),
	}, st, clock.Real{}, logging.ForComponent(log, "inbox"))

	api := controlapi.New(st, feed, engine, hbPub, lay, cfg, logging.ForComponent(log, "controlapi"))
	httpServer := &http.Server{Addr: cfg.BindAddr, Handler: api.Router()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeEvents, unsubscribe := st.Subscribe(256)
	defer unsubscribe()
	go func() {
		for j := range storeEvents {
			feed.Publish(j)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("orchestratord: control API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go runTickLoop(ctx, cfg.TickInterval, log, func() { tick(ctx, engine, hbPub, log) })
	go func() {
		if err := watcher.Run(ctx); err != nil {
			log.Error().Err(err).Msg("orchestratord: inbox watcher stopped")
		}
	}()
	go func() {
		if err := detector.Run(ctx); err != nil {
			log.Error().Err(err).Msg("orchestratord: stall detector stopped")
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("orchestratord: shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("orchestratord: control API failed to bind")
		return exitPortBindFailure
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("orchestratord: control API shutdown did not complete cleanly")
	}

	return exitClean
}

// runTickLoop drives fn every interval until ctx is cancelled. Kept as a
// free function rather than clock.Ticker so the StageEngine's own tick
// cadence is visibly independent of StallDetector's (spec §4.6 "every ~1s"
// vs "every 30s").
func runTickLoop(ctx context.Context, interval time.Duration, log zerolog.Logger, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func tick(ctx context.Context, engine *stageengine.Engine, hbPub *heartbeat.Publisher, log zerolog.Logger) {
	if err := engine.Tick(ctx); err != nil {
		log.Error().Err(err).Msg("orchestratord: stage engine tick failed")
	}
	if err := hbPub.Publish(ctx); err != nil {
		log.Warn().Err(err).Msg("orchestratord: failed to publish orchestrator liveness")
	}
}

func buildTrigger(cfg *config.Config, log zerolog.Logger) cloudbridge.Trigger {
	switch cfg.CloudTrigger {
	case config.CloudTriggerAPI:
		return cloudbridge.NewAPITrigger(cfg.CloudTriggerURL, cfg.CloudHTTPTimeout, log)
	case config.CloudTriggerCommand:
		return cloudbridge.NewCommandTrigger(strings.Fields(cfg.CloudTriggerCmd))
	default:
		return cloudbridge.NoopTrigger{}
	}
}

func extensionSet(exts []string) map[string]bool {
	out := make(map[string]bool, len(exts))
	for _, e := range exts {
		out[strings.ToLower(e)] = true
	}
	return out
}
