package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// CheckpointClient is the outbound RPC surface the engine uses to report
// step results to the Executor outside the normal HTTP response path.
type CheckpointClient interface {
	CheckpointNewRun(ctx context.Context, runID string, event Event, steps []OutgoingOp, executionVersion, retries int) (appID, fnID, token string, err error)
	CheckpointSteps(ctx context.Context, appID, fnID, runID string, steps []OutgoingOp) error
	CheckpointStepsAsync(ctx context.Context, runID, fnID, queueItemID string, steps []OutgoingOp) error
}

// NoopCheckpointClient discards checkpoints. It backs the default Async
// invocation mode, which never calls it, and tests that don't exercise the
// checkpointing modes.
type NoopCheckpointClient struct{}

func (NoopCheckpointClient) CheckpointNewRun(context.Context, string, Event, []OutgoingOp, int, int) (string, string, string, error) {
	return "", "", "", nil
}

func (NoopCheckpointClient) CheckpointSteps(context.Context, string, string, string, []OutgoingOp) error {
	return nil
}

func (NoopCheckpointClient) CheckpointStepsAsync(context.Context, string, string, string, []OutgoingOp) error {
	return nil
}

var (
	_ CheckpointClient = NoopCheckpointClient{}
	_ CheckpointClient = (*HTTPCheckpointClient)(nil)
)

const (
	checkpointMaxAttempts = 5
	checkpointBaseDelay   = 100 * time.Millisecond
)

// retryCheckpoint retries fn with exponential backoff and jitter.
// Exhaustion propagates to the caller.
func retryCheckpoint(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < checkpointMaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == checkpointMaxAttempts-1 {
			break
		}
		backoff := checkpointBaseDelay * time.Duration(1<<uint(attempt))
		jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-time.After(backoff/2 + jitter/2):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("engine: checkpoint exhausted %d attempts: %w", checkpointMaxAttempts, err)
}

// HTTPCheckpointClient posts checkpoints to the Executor over HTTP.
type HTTPCheckpointClient struct {
	BaseURL string
	Client  *http.Client
	Sign    func(body []byte) (header string) // optional request signer
}

func (c *HTTPCheckpointClient) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *HTTPCheckpointClient) post(ctx context.Context, path string, body any, out any) error {
	return retryCheckpoint(ctx, func() error {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.Sign != nil {
			req.Header.Set("X-Inngest-Signature", c.Sign(buf))
		}
		resp, err := c.client().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("checkpoint %s: status %d", path, resp.StatusCode)
		}
		if out != nil {
			return json.NewDecoder(resp.Body).Decode(out)
		}
		return nil
	})
}

func (c *HTTPCheckpointClient) CheckpointNewRun(ctx context.Context, runID string, event Event, steps []OutgoingOp, executionVersion, retries int) (string, string, string, error) {
	var out struct {
		AppID string `json:"app_id"`
		FnID  string `json:"fn_id"`
		Token string `json:"token"`
	}
	body := map[string]any{
		"run_id": runID, "event": event, "steps": steps,
		"execution_version": executionVersion, "retries": retries,
	}
	if err := c.post(ctx, "/checkpoint/new-run", body, &out); err != nil {
		return "", "", "", err
	}
	return out.AppID, out.FnID, out.Token, nil
}

func (c *HTTPCheckpointClient) CheckpointSteps(ctx context.Context, appID, fnID, runID string, steps []OutgoingOp) error {
	body := map[string]any{"app_id": appID, "fn_id": fnID, "run_id": runID, "steps": steps}
	return c.post(ctx, "/checkpoint/steps", body, nil)
}

func (c *HTTPCheckpointClient) CheckpointStepsAsync(ctx context.Context, runID, fnID, queueItemID string, steps []OutgoingOp) error {
	body := map[string]any{"run_id": runID, "fn_id": fnID, "queue_item_id": queueItemID, "steps": steps}
	return c.post(ctx, "/checkpoint/steps-async", body, nil)
}
