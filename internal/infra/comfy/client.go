// Package comfy talks to ComfyUI-compatible backends over their HTTP and
// websocket APIs. It is the only package that knows the wire shapes; callers
// get domain types and categorized faults.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/studioloom/conductor/internal/core/domain"
	"github.com/studioloom/conductor/internal/core/faults"
)

const defaultTimeout = 30 * time.Second

// Client issues requests against one backend instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the backend at baseURL (scheme and host:port,
// no trailing slash). A zero timeout falls back to 30s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// BaseURL reports the backend address this client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// SystemStats fetches GET /system_stats and maps it to domain stats.
func (c *Client) SystemStats(ctx context.Context) (*domain.SystemStats, error) {
	body, err := c.get(ctx, "/system_stats")
	if err != nil {
		return nil, err
	}
	var resp statsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, faults.DataContract("malformed system_stats response",
			faults.WithCause(err))
	}
	return resp.toDomain(), nil
}

// QueueInfo fetches GET /prompt and returns the backend's pending count.
func (c *Client) QueueInfo(ctx context.Context) (int, error) {
	body, err := c.get(ctx, "/prompt")
	if err != nil {
		return 0, err
	}
	var info QueueExecInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, faults.DataContract("malformed queue info response",
			faults.WithCause(err))
	}
	return info.ExecInfo.QueueRemaining, nil
}

// QueueState fetches GET /queue and counts running and pending entries.
func (c *Client) QueueState(ctx context.Context) (*QueueState, error) {
	body, err := c.get(ctx, "/queue")
	if err != nil {
		return nil, err
	}
	var resp queueResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, faults.DataContract("malformed queue response",
			faults.WithCause(err))
	}
	return &QueueState{
		Running: len(resp.QueueRunning),
		Pending: len(resp.QueuePending),
	}, nil
}

// SubmitPrompt posts a workflow graph to POST /prompt. clientID tags the
// submission so websocket progress events can be correlated back to it.
func (c *Client) SubmitPrompt(ctx context.Context, clientID string, workflow map[string]any) (*PromptResult, error) {
	payload, err := json.Marshal(map[string]any{
		"prompt":    workflow,
		"client_id": clientID,
	})
	if err != nil {
		return nil, faults.Validation("workflow is not serializable",
			faults.WithCause(err))
	}

	body, status, err := c.do(ctx, http.MethodPost, "/prompt", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, promptFault(body, status)
	}

	var result PromptResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, faults.DataContract("malformed prompt response",
			faults.WithCause(err))
	}
	if len(result.NodeErrs) > 0 {
		return nil, faults.Generation("workflow rejected by backend nodes",
			faults.WithDetails(map[string]any{"node_errors": result.NodeErrs}))
	}
	return &result, nil
}

// Interrupt asks the backend to cancel whatever is executing.
func (c *Client) Interrupt(ctx context.Context) error {
	_, status, err := c.do(ctx, http.MethodPost, "/interrupt", bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return faults.Generation(fmt.Sprintf("interrupt returned status %d", status))
	}
	return nil
}

// History fetches GET /history/{promptID}: the outputs and status for one
// finished or in-flight prompt. The raw per-prompt object is returned as-is
// since node output shapes vary per workflow.
func (c *Client) History(ctx context.Context, promptID string) (map[string]any, error) {
	body, err := c.get(ctx, "/history/"+promptID)
	if err != nil {
		return nil, err
	}
	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, faults.DataContract("malformed history response",
			faults.WithCause(err))
	}
	entry, ok := resp[promptID].(map[string]any)
	if !ok {
		return nil, nil
	}
	return entry, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	body, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, faults.Connection(fmt.Sprintf("%s returned status %d", path, status),
			faults.WithDetails(map[string]any{"status": status}))
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, 0, faults.Validation(fmt.Sprintf("build %s request failed", path),
			faults.WithCause(err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, classifyTransport(path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, faults.Connection(fmt.Sprintf("read %s response failed", path),
			faults.WithCause(err))
	}
	return body, resp.StatusCode, nil
}

// classifyTransport separates timeouts from plain connection failures so the
// retry layer can budget them differently.
func classifyTransport(path string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return faults.Timeout(fmt.Sprintf("%s timed out", path), faults.WithCause(err))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Timeout(fmt.Sprintf("%s timed out", path), faults.WithCause(err))
	}
	return faults.Connection(fmt.Sprintf("%s request failed", path), faults.WithCause(err))
}

// promptFault turns a non-200 POST /prompt body into a categorized fault,
// preferring the backend's structured error message when it parses.
func promptFault(body []byte, status int) error {
	var perr promptError
	if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
		details := map[string]any{"type": perr.Error.Type, "status": status}
		if perr.Error.Details != "" {
			details["details"] = perr.Error.Details
		}
		if perr.NodeErrors != nil {
			details["node_errors"] = perr.NodeErrors
		}
		return faults.Generation(perr.Error.Message, faults.WithDetails(details))
	}
	return faults.Generation(fmt.Sprintf("prompt submission returned status %d", status),
		faults.WithDetails(map[string]any{"status": status}))
}
