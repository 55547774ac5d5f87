package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/pkg/errdefs"
	"github.com/arbiterhq/arbiter/pkg/log"
	"github.com/arbiterhq/arbiter/pkg/types"
	"github.com/rs/zerolog"
)

// Client is a stateless-per-call HTTP client bound to one remote service.
// ServiceName appears in error messages so callers can tell which plugin
// misbehaved.
type Client struct {
	baseURL string
	service string
	httpc   *http.Client
	logger  zerolog.Logger
}

// New creates a client for the service at baseURL. Per-request timeouts are
// supplied on each call; the underlying http.Client carries none.
func New(baseURL, serviceName string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		service: serviceName,
		httpc:   &http.Client{},
		logger:  log.WithComponent("client").With().Str("service", serviceName).Logger(),
	}
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Post issues a JSON POST and returns the parsed response body.
func (c *Client) Post(ctx context.Context, endpoint string, body any, timeout time.Duration) (map[string]any, error) {
	return c.do(ctx, http.MethodPost, endpoint, body, timeout)
}

// Get issues a GET and returns the parsed response body.
func (c *Client) Get(ctx context.Context, endpoint string, timeout time.Duration) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, endpoint, nil, timeout)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, timeout time.Duration) (map[string]any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errdefs.RequestError(c.service, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, extractError(resp.StatusCode, data)
	}

	var parsed map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, errdefs.RequestError(c.service, fmt.Errorf("invalid JSON response: %w", err))
		}
	}
	return parsed, nil
}

// transportError maps a client-side failure to the taxonomy: connection
// establishment failures are Unreachable, everything else RequestError.
func (c *Client) transportError(err error) *errdefs.Error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return errdefs.Unreachable(c.service, err)
	}
	return errdefs.RequestError(c.service, err)
}

// extractError builds a typed error from a non-2xx response. It tries, in
// order: {error: {code, message, details}}, {detail: {error: {...}}},
// {detail: "..."}, then falls back to the bare HTTP status.
func extractError(status int, body []byte) *errdefs.Error {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		if e := errObject(parsed["error"]); e != nil {
			return e.withStatus(status)
		}
		if detail, ok := parsed["detail"].(map[string]any); ok {
			if e := errObject(detail["error"]); e != nil {
				return e.withStatus(status)
			}
		}
		if detail, ok := parsed["detail"].(string); ok && detail != "" {
			return errdefs.FromWire(status, "", detail, nil)
		}
	}
	return errdefs.HTTPStatus(status)
}

type wireError struct {
	code    string
	message string
	details map[string]any
}

func (w *wireError) withStatus(status int) *errdefs.Error {
	return errdefs.FromWire(status, w.code, w.message, w.details)
}

func errObject(v any) *wireError {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	w := &wireError{}
	w.code, _ = obj["code"].(string)
	w.message, _ = obj["message"].(string)
	w.details, _ = obj["details"].(map[string]any)
	if w.code == "" && w.message == "" {
		return nil
	}
	return w
}

// NormalizeStatus maps wire-level plugin task statuses into the core status
// domain: queued becomes pending, done becomes completed, anything else is
// unchanged.
func NormalizeStatus(status string) string {
	switch status {
	case "queued":
		return string(types.TaskStatusPending)
	case "done":
		return string(types.TaskStatusCompleted)
	default:
		return status
	}
}

// NormalizeTask returns a copy of a wire-level task dict with its status
// normalized. The source map is never mutated.
func NormalizeTask(task map[string]any) map[string]any {
	out := make(map[string]any, len(task))
	for k, v := range task {
		out[k] = v
	}
	if status, ok := task["status"].(string); ok {
		out["status"] = NormalizeStatus(status)
	}
	return out
}

// PollOptions tunes PollUntilComplete.
type PollOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	BackoffFactor   float64
	RequestTimeout  time.Duration

	// MaxDuration bounds total polling time; 0 means unbounded.
	MaxDuration time.Duration
}

// PollUntilComplete polls GET /tasks/{id} until the remote task leaves the
// queued/running states, backing off exponentially between polls. The cancel
// token is checked before every poll and every sleep; when set, a best-effort
// remote cancel is issued and a synthesized cancelled task is returned.
// In-flight requests are never interrupted: worst-case cancellation latency
// is one request timeout plus one sleep interval.
func (c *Client) PollUntilComplete(ctx context.Context, taskID string, cancel *types.CancelToken, opts PollOptions) (map[string]any, error) {
	interval := opts.InitialInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	factor := opts.BackoffFactor
	if factor < 1 {
		factor = 1.5
	}

	var deadline time.Time
	if opts.MaxDuration > 0 {
		deadline = time.Now().Add(opts.MaxDuration)
	}

	for {
		if cancel != nil && cancel.IsSet() {
			c.Cancel(taskID, opts.RequestTimeout)
			return cancelledTask(taskID), nil
		}

		task, err := c.Get(ctx, "/tasks/"+taskID, opts.RequestTimeout)
		if err != nil {
			return nil, err
		}

		status, _ := task["status"].(string)
		normalized := NormalizeStatus(status)
		if normalized != string(types.TaskStatusPending) && normalized != string(types.TaskStatusRunning) {
			return NormalizeTask(task), nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, errdefs.RequestError(c.service,
				fmt.Errorf("task %s still %s after %s of polling", taskID, normalized, opts.MaxDuration))
		}

		if cancel != nil && cancel.IsSet() {
			c.Cancel(taskID, opts.RequestTimeout)
			return cancelledTask(taskID), nil
		}

		time.Sleep(interval)
		interval = NextInterval(interval, factor, opts.MaxInterval)
	}
}

// NextInterval computes the backoff step: interval*factor capped at max.
func NextInterval(interval time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(interval) * factor)
	if max > 0 && next > max {
		return max
	}
	return next
}

// Cancel issues a best-effort POST /cancel/{id}. All failures are swallowed;
// a plugin that already finished or died has nothing useful to tell us.
func (c *Client) Cancel(taskID string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if _, err := c.Post(context.Background(), "/cancel/"+taskID, map[string]any{}, timeout); err != nil {
		c.logger.Debug().Err(err).Str("remote_task_id", taskID).Msg("best-effort cancel failed")
	}
}

func cancelledTask(taskID string) map[string]any {
	return map[string]any{
		"task_id":   taskID,
		"status":    string(types.TaskStatusCancelled),
		"cancelled": true,
	}
}

// CheckHealth verifies the service's /health endpoint reports an ok status
// with a compatible API version.
func (c *Client) CheckHealth(ctx context.Context, timeout time.Duration) error {
	resp, err := c.Get(ctx, "/health", timeout)
	if err != nil {
		return err
	}
	if status, _ := resp["status"].(string); status != "ok" {
		return errdefs.New(errdefs.KindPluginUnavailable, "", "%s reported health status %q", c.service, status)
	}
	v, ok := resp["api_version"].(float64)
	if !ok {
		return errdefs.IncompatiblePlugin("%s health response carries no api_version", c.service)
	}
	if int(v) != 1 {
		return errdefs.IncompatiblePlugin("%s speaks API v%d, expected v1", c.service, int(v))
	}
	return nil
}

// FetchInfo retrieves and decodes the service's /info payload.
func (c *Client) FetchInfo(ctx context.Context, timeout time.Duration) (*types.PluginInfo, error) {
	resp, err := c.Get(ctx, "/info", timeout)
	if err != nil {
		return nil, err
	}

	// Round-trip through JSON to reuse the struct tags for decoding.
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode info payload: %w", err)
	}
	var info types.PluginInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errdefs.RequestError(c.service, fmt.Errorf("invalid info payload: %w", err))
	}
	return &info, nil
}
