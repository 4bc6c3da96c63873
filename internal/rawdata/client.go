// Package rawdata submits custom snapshot jobs to a Raw Data API deployment
// and tracks their completion.
package rawdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	httpclient "github.com/hotosm/tm-extractor/internal/http"
	"github.com/hotosm/tm-extractor/internal/http/ratelimit"
)

// AuthError means the export service rejected our credentials. Continuing a
// run after one of these is pointless: every later request fails the same way.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("export service rejected credentials (HTTP %d)", e.Status)
}

// RateLimitError means the service kept throttling past the retry budget.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("export service rate limit did not lift: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// SubmissionError covers every other failure to get a snapshot job accepted.
type SubmissionError struct {
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// ClientConfig contains configuration for the Raw Data API client.
type ClientConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
	Retry     ratelimit.Config
}

// Client talks to the Raw Data API.
type Client struct {
	baseURL     string
	snapshotURL string
	authToken   string
	httpClient  *httpclient.Client
}

// NewClient creates a Raw Data API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rawdata: BaseURL cannot be empty")
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("rawdata: AuthToken cannot be empty")
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		baseURL:     base,
		snapshotURL: base + "/custom/snapshot/",
		authToken:   cfg.AuthToken,
		httpClient:  httpclient.NewClient(cfg.Retry, cfg.Timeout),
	}, nil
}

type snapshotResponse struct {
	TaskID string `json:"task_id"`
}

// Submit posts one extraction request and returns the task id the service
// assigned. Throttled responses are retried with the long rate-limit wait
// before they surface as a RateLimitError; credential rejections surface as
// an AuthError so the caller can abort the whole run.
func (c *Client) Submit(ctx context.Context, payload []byte) (string, error) {
	var resp snapshotResponse
	if err := c.httpClient.PostJSON(ctx, c.snapshotURL, c.authHeader(), payload, &resp); err != nil {
		if status, ok := authStatus(err); ok {
			return "", &AuthError{Status: status}
		}
		var fetchErr *ratelimit.FetchRetryError
		if errors.As(err, &fetchErr) && ratelimit.IsThrottleStatus(fetchErr.LastStatus) {
			return "", &RateLimitError{Err: err}
		}
		return "", &SubmissionError{Reason: "snapshot request not accepted", Err: err}
	}

	if resp.TaskID == "" {
		return "", &SubmissionError{Reason: "snapshot response has no task_id"}
	}
	return resp.TaskID, nil
}

// TaskStatus is one status poll of a submitted task. Result is only set once
// the task reaches a terminal state, and is passed through verbatim.
type TaskStatus struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// TaskStatus fetches the current status of a submitted task.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	statusURL := fmt.Sprintf("%s/tasks/status/%s/", c.baseURL, url.PathEscape(taskID))

	var status TaskStatus
	if err := c.httpClient.GetJSON(ctx, statusURL, c.authHeader(), &status); err != nil {
		if st, ok := authStatus(err); ok {
			return nil, &AuthError{Status: st}
		}
		return nil, fmt.Errorf("fetch status of task %s: %w", taskID, err)
	}
	return &status, nil
}

func (c *Client) authHeader() http.Header {
	header := make(http.Header)
	header.Set("Access-Token", c.authToken)
	return header
}

func authStatus(err error) (int, bool) {
	var fetchErr *ratelimit.FetchRetryError
	if errors.As(err, &fetchErr) {
		if fetchErr.LastStatus == http.StatusUnauthorized || fetchErr.LastStatus == http.StatusForbidden {
			return fetchErr.LastStatus, true
		}
	}
	return 0, false
}
