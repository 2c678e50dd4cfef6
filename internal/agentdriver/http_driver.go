// Package agentdriver provides the one concrete AgentDriver implementation
// the daemon ships with: a synchronous HTTP call to wherever the actual AI
// coding agent is listening. The agent turn itself stays out of scope (§9
// lists it as an external collaborator); this package only needs to get a
// StageOutcome back out of whatever answers the request. Grounded on the
// teacher's jobs.go Dispatcher (same client-timeout-then-status-check shape),
// adapted from Dispatcher's fire-and-forget POST /execute into a blocking
// POST that waits for the stage's result in the response body.
package agentdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/taskforge/daemon/internal/store"
	"github.com/taskforge/daemon/internal/task"
)

// HTTPDriver posts each stage to a fixed agent endpoint and blocks for the
// response, satisfying task.AgentDriver.
type HTTPDriver struct {
	endpoint string
	client   *http.Client
}

// NewHTTPDriver builds a driver that posts to endpoint, e.g.
// "http://localhost:9000/execute". timeout bounds a single stage turn; 0
// disables the limit (the caller's ctx is still respected).
func NewHTTPDriver(endpoint string, timeout time.Duration) *HTTPDriver {
	return &HTTPDriver{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type stageRequest struct {
	TaskID      string `json:"task_id"`
	Stage       string `json:"stage"`
	Description string `json:"description"`
	ProjectPath string `json:"project_path"`
}

type stageResponse struct {
	Outcome string      `json:"outcome"` // ok | retryable | session_limit | usage_limit | fatal
	Error   string      `json:"error,omitempty"`
	Usage   store.Usage `json:"usage"`
}

// RunStage posts t's current stage to the configured endpoint and maps the
// response into a StageOutcome. A transport failure or non-200 response is
// treated as retryable, since a driver-side outage is by definition
// transient from the orchestrator's point of view.
func (d *HTTPDriver) RunStage(ctx context.Context, t *store.Task, stage string) task.StageOutcome {
	body, err := json.Marshal(stageRequest{
		TaskID:      t.ID,
		Stage:       stage,
		Description: t.Description,
		ProjectPath: t.ProjectPath,
	})
	if err != nil {
		return task.Fatal(fmt.Errorf("agentdriver: marshal request: %w", err), store.Usage{})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return task.Fatal(fmt.Errorf("agentdriver: build request: %w", err), store.Usage{})
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return task.Retryable(fmt.Errorf("agentdriver: contact agent: %w", err), store.Usage{})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return task.Retryable(fmt.Errorf("agentdriver: agent returned status %d", resp.StatusCode), store.Usage{})
	}

	var sr stageResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return task.Retryable(fmt.Errorf("agentdriver: decode response: %w", err), store.Usage{})
	}

	switch sr.Outcome {
	case "ok":
		return task.Ok(sr.Usage)
	case "session_limit":
		return task.SessionLimit(sr.Usage)
	case "usage_limit":
		return task.UsageLimit(sr.Usage)
	case "fatal":
		return task.Fatal(fmt.Errorf("agentdriver: %s", sr.Error), sr.Usage)
	default:
		return task.Retryable(fmt.Errorf("agentdriver: %s", sr.Error), sr.Usage)
	}
}
