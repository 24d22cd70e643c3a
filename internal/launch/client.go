// Package launch starts remote runs over the backend's REST surface.
package launch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"tbwatch/internal/event"
	"tbwatch/internal/runlog"
)

const (
	defaultLaunchTimeout   = 30 * time.Second
	defaultMaxResponseSize = 256 * 1024
)

// ErrNoCredential is returned before any network call when the client has
// no bearer token to send.
var ErrNoCredential = errors.New("no auth token configured (set token in config.json or TBWATCH_TOKEN)")

// Client issues authenticated launch requests. A zero timeout falls back to
// 30 seconds; a launch request is never left without a deadline.
type Client struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Log        *runlog.Logger
}

// StartResult carries the identifiers needed to subscribe to the new run.
// Subscribe promptly: events arriving on the shared stream before the
// subscription exists are lost (the backend holds early output only
// briefly).
type StartResult struct {
	TaskID    string
	RunID     string
	StreamURL string

	// RunIDProvisional is set when the backend's response carried no
	// run_id. The runner mints the real run id and stamps it on every
	// event, so subscribers must confirm the key from the first event for
	// the task before exact-key routing can deliver anything.
	RunIDProvisional bool
}

func (r StartResult) Key() event.Key {
	return event.NewKey(r.TaskID, r.RunID)
}

type startRequest struct {
	StoragePath string `json:"storage_path"`
	TaskName    string `json:"task_name"`
}

type startResponse struct {
	TaskID    string `json:"task_id"`
	RunID     string `json:"run_id"`
	StreamURL string `json:"stream_url"`
	Status    string `json:"status"`
}

func (c *Client) resolvedBaseURL() string {
	return strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) resolvedTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultLaunchTimeout
}

// StartRun asks the backend to start taskName from the uploaded archive at
// storagePath. Failures come back as an error value with a human-readable
// message; nothing is thrown across the rendering boundary.
func (c *Client) StartRun(ctx context.Context, storagePath, taskName string) (*StartResult, error) {
	storagePath = strings.TrimSpace(storagePath)
	taskName = strings.TrimSpace(taskName)
	if storagePath == "" {
		return nil, errors.New("storage path is required")
	}
	if taskName == "" {
		return nil, errors.New("task name is required")
	}
	token := strings.TrimSpace(c.Token)
	if token == "" {
		return nil, ErrNoCredential
	}
	if ctx == nil {
		ctx = context.Background()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.resolvedTimeout())
	defer cancel()

	body, err := json.Marshal(startRequest{StoragePath: storagePath, TaskName: taskName})
	if err != nil {
		return nil, fmt.Errorf("marshal launch request: %w", err)
	}

	url := c.resolvedBaseURL() + "/run-task-from-storage"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create launch request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("launch request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read launch response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := failureMessage(data)
		c.Log.Logf(runlog.KindLaunch, "start rejected task=%s status=%d msg=%s", taskName, resp.StatusCode, runlog.Preview(msg, 200))
		return nil, fmt.Errorf("launch failed (%s): %s", resp.Status, msg)
	}

	var out startResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse launch response: %w", err)
	}
	taskID := strings.TrimSpace(out.TaskID)
	if taskID == "" {
		return nil, errors.New("launch response has no task_id")
	}
	runID := strings.TrimSpace(out.RunID)
	provisional := false
	if runID == "" {
		// The backend only returns task_id; the run component of the key
		// mirrors it until the first event confirms the real run id.
		runID = taskID
		provisional = true
	}

	res := &StartResult{
		TaskID:           taskID,
		RunID:            runID,
		StreamURL:        strings.TrimSpace(out.StreamURL),
		RunIDProvisional: provisional,
	}
	c.Log.Logf(runlog.KindLaunch, "started task=%s key=%s", taskName, res.Key())
	return res, nil
}

// failureMessage pulls a readable message out of the backend's error body.
// The backend wraps errors as {"detail": ...} where detail is either a
// plain string or an object with user_message/message fields.
func failureMessage(data []byte) string {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return "no error detail"
	}

	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || len(envelope.Detail) == 0 {
		return runlog.Preview(trimmed, 300)
	}

	var asString string
	if err := json.Unmarshal(envelope.Detail, &asString); err == nil && strings.TrimSpace(asString) != "" {
		return strings.TrimSpace(asString)
	}

	var asObject struct {
		UserMessage string `json:"user_message"`
		Message     string `json:"message"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(envelope.Detail, &asObject); err == nil {
		for _, s := range []string{asObject.UserMessage, asObject.Message, asObject.Error} {
			if strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return runlog.Preview(trimmed, 300)
}
