package cloudbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Trigger kicks off a remote execution after artifacts are uploaded (spec
// §4.4: "optionally triggers a remote execution"). Grounded on the
// teacher's internal/client.OrchestratorClient, which wraps a
// retryablehttp client the same way for its own API calls.
type Trigger interface {
	Fire(ctx context.Context, cloudJobID, bucket, prefix string) error
}

// NoopTrigger is used for cloud_trigger=manual: artifacts are uploaded and
// a human or external system is responsible for starting the worker.
type NoopTrigger struct{}

func (NoopTrigger) Fire(context.Context, string, string, string) error { return nil }

// APITrigger POSTs {cloud_job_id, bucket, prefix} to a job-execution API.
type APITrigger struct {
	URL     string
	client  *http.Client
	Timeout time.Duration
}

func NewAPITrigger(url string, timeout time.Duration, log zerolog.Logger) *APITrigger {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 5 * time.Second
	rc.Backoff = func(min, max time.Duration, attempt int, resp *http.Response) time.Duration {
		// Exponential wait from DefaultBackoff, spread over [wait/2, wait].
		wait := retryablehttp.DefaultBackoff(min, max, attempt, resp)
		half := int64(wait / 2)
		return time.Duration(half + rand.Int63n(half+1))
	}
	rc.Logger = nil
	return &APITrigger{URL: url, client: rc.StandardClient(), Timeout: timeout}
}

func (t *APITrigger) Fire(ctx context.Context, cloudJobID, bucket, prefix string) error {
	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{
		"cloud_job_id": cloudJobID,
		"bucket":       bucket,
		"prefix":       prefix,
	})
	if err != nil {
		return fmt.Errorf("marshal trigger payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("trigger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("trigger API returned status %d", resp.StatusCode)
	}
	return nil
}

// CommandTrigger runs an external command with {cloud_job_id, bucket,
// prefix} substitution (spec §4.4 "external trigger command").
type CommandTrigger struct {
	Template []string // args, each may contain {cloud_job_id} {bucket} {prefix}
}

func NewCommandTrigger(template []string) *CommandTrigger {
	return &CommandTrigger{Template: template}
}

func (t *CommandTrigger) Fire(ctx context.Context, cloudJobID, bucket, prefix string) error {
	if len(t.Template) == 0 {
		return nil
	}
	replacer := strings.NewReplacer(
		"{cloud_job_id}", cloudJobID,
		"{bucket}", bucket,
		"{prefix}", prefix,
	)
	args := make([]string, len(t.Template))
	for i, a := range t.Template {
		args[i] = replacer.Replace(a)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("trigger command failed: %w: %s", err, string(out))
	}
	return nil
}
