package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/pkg/client"
	"github.com/arbiterhq/arbiter/pkg/errdefs"
	"github.com/arbiterhq/arbiter/pkg/task"
	"github.com/arbiterhq/arbiter/pkg/types"
)

// Config carries the submit and poll tunables for one analysis run.
type Config struct {
	SubmitTimeout time.Duration
	Poll          client.PollOptions
}

// NewRunFunc builds the task body that drives one analysis on a remote
// plugin: submit to /analyze, poll /tasks/{id} with backoff, map the final
// remote task into a Result. The returned function never returns an error;
// every failure mode is encoded in the Result so the task manager has a
// single completion path and plugin trouble reads as an analysis outcome,
// not an orchestrator fault.
func NewRunFunc(cli *client.Client, analysis string, artifact types.Artifact, cfg Config) task.RunFunc {
	return func(ctx context.Context, config map[string]any) (*types.Result, error) {
		token, _ := config[task.CancelTokenKey].(*types.CancelToken)

		// Underscore-prefixed keys are orchestrator-internal and never
		// cross the wire.
		external := make(map[string]any)
		for k, v := range config {
			if strings.HasPrefix(k, "_") {
				continue
			}
			external[k] = v
		}

		payload := map[string]any{
			"analysis": analysis,
			"game":     map[string]any(artifact),
			"config":   external,
		}
		resp, err := cli.Post(ctx, "/analyze", payload, cfg.SubmitTimeout)
		if err != nil {
			return errorResult(err), nil
		}

		remoteID, _ := resp["task_id"].(string)
		if remoteID == "" {
			// Synchronous plugins return the finished task inline.
			return resultFromTask(client.NormalizeTask(resp)), nil
		}

		final, err := cli.PollUntilComplete(ctx, remoteID, token, cfg.Poll)
		if err != nil {
			return pollFailure(remoteID, err), nil
		}
		return resultFromTask(final), nil
	}
}

// resultFromTask maps a terminal remote task dict into a Result.
func resultFromTask(remote map[string]any) *types.Result {
	status, _ := remote["status"].(string)
	result, _ := remote["result"].(map[string]any)

	switch types.TaskStatus(status) {
	case types.TaskStatusCompleted:
		summary, _ := result["summary"].(string)
		if summary == "" {
			summary = "Analysis complete"
		}
		details, ok := result["details"].(map[string]any)
		if !ok {
			details = result
		}
		return &types.Result{Summary: summary, Details: details}

	case types.TaskStatusCancelled:
		details := map[string]any{"cancelled": true}
		// A plugin that was stopped mid-run may hand back partial output.
		if len(result) > 0 {
			details["result"] = result
		}
		return &types.Result{Summary: "Cancelled", Details: details}

	case types.TaskStatusFailed:
		message := remoteErrorMessage(remote)
		return &types.Result{
			Summary: "Error: " + message,
			Details: map[string]any{"error": map[string]any{
				"code":    remoteErrorCode(remote),
				"message": message,
			}},
		}

	default:
		return &types.Result{
			Summary: fmt.Sprintf("Error: plugin returned unexpected status %q", status),
			Details: map[string]any{"error": map[string]any{
				"code":    "UNEXPECTED_STATUS",
				"message": fmt.Sprintf("unexpected terminal status %q", status),
			}},
		}
	}
}

// errorResult maps a submit failure into a Result.
func errorResult(err error) *types.Result {
	e := errdefs.AsError(err)
	if e == nil {
		return &types.Result{
			Summary: "Error: " + err.Error(),
			Details: map[string]any{"error": map[string]any{
				"code":    "ERROR",
				"message": err.Error(),
			}},
		}
	}

	summary := "Error: " + e.Message
	if e.Kind == errdefs.KindUnreachable {
		summary = fmt.Sprintf("Error: plugin unreachable (%s)", e.Message)
	}
	return &types.Result{Summary: summary, Details: map[string]any{"error": e.AsDetails()}}
}

// pollFailure maps a polling failure into a Result. The submission itself
// succeeded, so the remote task id is preserved for manual follow-up.
func pollFailure(remoteID string, err error) *types.Result {
	message := err.Error()
	if e := errdefs.AsError(err); e != nil {
		message = e.Message
	}
	return &types.Result{
		Summary: fmt.Sprintf("Error: lost connection (%s)", message),
		Details: map[string]any{"error": map[string]any{
			"code":           "POLL_FAILED",
			"message":        message,
			"remote_task_id": remoteID,
		}},
	}
}

func remoteErrorMessage(remote map[string]any) string {
	if obj, ok := remote["error"].(map[string]any); ok {
		if msg, _ := obj["message"].(string); msg != "" {
			return msg
		}
	}
	if msg, ok := remote["error"].(string); ok && msg != "" {
		return msg
	}
	return "analysis failed"
}

func remoteErrorCode(remote map[string]any) string {
	if obj, ok := remote["error"].(map[string]any); ok {
		if code, _ := obj["code"].(string); code != "" {
			return code
		}
	}
	return "ANALYSIS_FAILED"
}
