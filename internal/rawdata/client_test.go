package rawdata

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotosm/tm-extractor/internal/http/ratelimit"
)

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		BaseURL:   baseURL,
		AuthToken: "secret-token",
		Timeout:   5 * time.Second,
		Retry: ratelimit.Config{
			MaxRetries:    3,
			BackoffBase:   1,
			RateLimitWait: 5 * time.Millisecond,
			MaxBackoff:    5 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return client
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{AuthToken: "x"})
	assert.Error(t, err, "BaseURL is required")

	_, err = NewClient(ClientConfig{BaseURL: "https://api.example.com/v1"})
	assert.Error(t, err, "AuthToken is required")
}

func TestSubmit(t *testing.T) {
	var gotPath, gotToken, gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("Access-Token")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"task_id": "feebdaed-1234", "track_link": "/tasks/status/feebdaed-1234/"}`))
	}))
	defer server.Close()

	payload := []byte(`{"geometry": {"type": "Polygon"}, "dataset": {"dataset_prefix": "hotosm_project_42"}}`)
	taskID, err := testClient(t, server.URL).Submit(context.Background(), payload)
	require.NoError(t, err)

	assert.Equal(t, "feebdaed-1234", taskID)
	assert.Equal(t, "/custom/snapshot/", gotPath)
	assert.Equal(t, "secret-token", gotToken)
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, string(payload), string(gotBody))
}

func TestSubmitMissingTaskID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"detail": "accepted but unidentifiable"}`))
	}))
	defer server.Close()

	_, err := testClient(t, server.URL).Submit(context.Background(), []byte(`{}`))

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Contains(t, subErr.Reason, "task_id")
}

func TestSubmitAuthError(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, `{"detail": "invalid token"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := testClient(t, server.URL).Submit(context.Background(), []byte(`{}`))

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.Status)
	assert.Equal(t, 1, requests, "credential rejections must not be retried")
}

func TestSubmitRecoversFromRateLimiting(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests <= 3 {
			http.Error(w, `{"detail": "quota exceeded"}`, http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"task_id": "after-the-storm"}`))
	}))
	defer server.Close()

	start := time.Now()
	taskID, err := testClient(t, server.URL).Submit(context.Background(), []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, "after-the-storm", taskID)
	assert.Equal(t, 4, requests)
	assert.Less(t, time.Since(start), 2*time.Second, "waits must stay within the configured budget")
}

func TestSubmitTreats502AsThrottle(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			http.Error(w, "queue saturated", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"task_id": "second-wind"}`))
	}))
	defer server.Close()

	taskID, err := testClient(t, server.URL).Submit(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "second-wind", taskID)
	assert.Equal(t, 2, requests)
}

func TestSubmitRateLimitExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail": "quota exceeded"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := testClient(t, server.URL).Submit(context.Background(), []byte(`{}`))

	var rateErr *RateLimitError
	require.ErrorAs(t, err, &rateErr)
}

func TestTaskStatus(t *testing.T) {
	var gotPath, gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("Access-Token")
		w.Write([]byte(`{
			"id": "feebdaed-1234",
			"status": "SUCCESS",
			"result": {"datasets": [], "elapsed_time": "2 minutes"}
		}`))
	}))
	defer server.Close()

	status, err := testClient(t, server.URL).TaskStatus(context.Background(), "feebdaed-1234")
	require.NoError(t, err)

	assert.Equal(t, "/tasks/status/feebdaed-1234/", gotPath)
	assert.Equal(t, "secret-token", gotToken)
	assert.Equal(t, "SUCCESS", status.Status)
	assert.JSONEq(t, `{"datasets": [], "elapsed_time": "2 minutes"}`, string(status.Result))
}

func TestTaskStatusAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail": "expired token"}`, http.StatusForbidden)
	}))
	defer server.Close()

	_, err := testClient(t, server.URL).TaskStatus(context.Background(), "feebdaed-1234")

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusForbidden, authErr.Status)
}
