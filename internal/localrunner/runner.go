// Package localrunner runs external commands (audio extract, ASR,
// finalizer, burner) as supervised child processes (spec §4.3). It is
// grounded on the teacher's internal/transcoder/transcoder.go, which
// already does exec.CommandContext + a concurrent stderr line scanner for
// ffmpeg progress; this generalizes that into a single contract usable for
// any stage's subprocess instead of one hardcoded to ffmpeg HLS output.
package localrunner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/haukur1982/subtitleworkflow-orchestrator/internal/errs"
)

// Spec describes one subprocess invocation (spec §4.3 "Contract for each
// invocation").
type Spec struct {
	Command     string
	Args        []string
	Dir         string
	Env         []string
	IdleTimeout time.Duration
	HardTimeout time.Duration
	// OnLine is called for every line read from stdout or stderr, letting
	// callers parse progress (e.g. ffmpeg's "time=" stderr lines) without
	// LocalRunner needing to know the command's output format.
	OnLine func(line string, stderr bool)
	// ExpectedOutput, if set, must exist after a zero exit for the
	// invocation to count as a success (spec §4.3: "exit code 0 with
	// expected output artifact present => success").
	ExpectedOutput string
}

// Result is returned for every invocation (spec §4.3).
type Result struct {
	ExitCode       int
	Duration       time.Duration
	FirstErrorLine string
	KilledReason   string
}

// Runner supervises subprocesses under a global concurrency cap (spec §5:
// "a global semaphore caps the number of concurrent subprocesses").
type Runner struct {
	sem           *semaphore.Weighted
	killGrace     time.Duration
	log           zerolog.Logger
	perJobLocksMu sync.Mutex
	perJobLocks   map[string]*sync.Mutex
}

// New creates a Runner. maxConcurrent is the global subprocess cap (spec
// §5, e.g. "1 ASR + 1 burn at a time").
func New(maxConcurrent int, killGrace time.Duration, log zerolog.Logger) *Runner {
	return &Runner{
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		killGrace:   killGrace,
		log:         log,
		perJobLocks: make(map[string]*sync.Mutex),
	}
}

// Run executes spec, blocking until completion, timeout, or ctx
// cancellation. Multiple invocations for the same fileStem are serialized
// (spec §4.3: "Multiple LocalRunner invocations for the same job run
// serially"); across jobs they compete for the global semaphore.
func (r *Runner) Run(ctx context.Context, fileStem string, spec Spec) (Result, error) {
	lock := r.perJobLock(fileStem)
	lock.Lock()
	defer lock.Unlock()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return Result{}, fmt.Errorf("%w: waiting for subprocess slot: %v", errs.ErrCancelled, err)
	}
	defer r.sem.Release(1)

	start := time.Now()
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("%w: start failed: %v", errs.ErrSubprocessFailed, err)
	}
	r.log.Debug().Str("file_stem", fileStem).Int("pid", cmd.Process.Pid).
		Str("command", spec.Command).Msg("localrunner: subprocess started")

	lineCh := make(chan string, 64)
	var firstErrorLine string
	var firstErrMu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(2)
	go pipeLines(&wg, stdoutPipe, lineCh, false, spec.OnLine)
	go pipeLines(&wg, stderrPipe, lineCh, true, func(line string, stderr bool) {
		firstErrMu.Lock()
		if firstErrorLine == "" {
			firstErrorLine = line
		}
		firstErrMu.Unlock()
		if spec.OnLine != nil {
			spec.OnLine(line, stderr)
		}
	})
	go func() {
		wg.Wait()
		close(lineCh)
	}()

	idle := spec.IdleTimeout
	if idle <= 0 {
		idle = 24 * time.Hour // effectively disabled
	}
	idleTimer := time.NewTimer(idle)
	defer idleTimer.Stop()

	var hardDeadline <-chan time.Time
	if spec.HardTimeout > 0 {
		hardTimer := time.NewTimer(spec.HardTimeout)
		defer hardTimer.Stop()
		hardDeadline = hardTimer.C
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	killedReason := ""
loop:
	for {
		select {
		case _, ok := <-lineCh:
			if !ok {
				lineCh = nil
				continue
			}
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(idle)
		case <-idleTimer.C:
			killedReason = "idle output timeout"
			r.killGroup(cmd)
			break loop
		case <-hardDeadline:
			killedReason = "hard timeout"
			r.killGroup(cmd)
			break loop
		case <-ctx.Done():
			killedReason = "cancelled"
			r.killGroup(cmd)
			break loop
		case err := <-waitCh:
			res := Result{Duration: time.Since(start), FirstErrorLine: firstErrorLine}
			if err != nil {
				res.ExitCode = exitCodeOf(err)
				return res, fmt.Errorf("%w: %v", errs.ErrSubprocessFailed, err)
			}
			res.ExitCode = 0
			if spec.ExpectedOutput != "" {
				if _, statErr := os.Stat(spec.ExpectedOutput); statErr != nil {
					return res, fmt.Errorf("%w: expected output missing: %s", errs.ErrSubprocessFailed, spec.ExpectedOutput)
				}
			}
			return res, nil
		}
	}

	// killedReason was set: wait (bounded) for the process to actually die
	// so callers never race the next invocation against a lingering PID.
	select {
	case <-waitCh:
	case <-time.After(r.killGrace + time.Second):
	}

	reason := killedReason
	if reason == "cancelled" {
		return Result{Duration: time.Since(start), FirstErrorLine: firstErrorLine, KilledReason: reason},
			fmt.Errorf("%w: %s", errs.ErrCancelled, reason)
	}
	return Result{Duration: time.Since(start), FirstErrorLine: firstErrorLine, KilledReason: reason},
		fmt.Errorf("%w: %s", errs.ErrSubprocessFailed, reason)
}

// killGroup sends SIGTERM to the process group and escalates to SIGKILL
// after the configured grace period (spec §4.3: "new process group... if
// still alive after a grace period, force-kill the process group").
func (r *Runner) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	go func() {
		time.Sleep(r.killGrace)
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}()
}

func (r *Runner) perJobLock(fileStem string) *sync.Mutex {
	r.perJobLocksMu.Lock()
	defer r.perJobLocksMu.Unlock()
	m, ok := r.perJobLocks[fileStem]
	if !ok {
		m = &sync.Mutex{}
		r.perJobLocks[fileStem] = m
	}
	return m
}

func pipeLines(wg *sync.WaitGroup, r io.Reader, lineCh chan<- string, stderr bool, onLine func(string, bool)) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if onLine != nil {
			onLine(line, stderr)
		}
		select {
		case lineCh <- line:
		default:
		}
	}
}

func exitCodeOf(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
