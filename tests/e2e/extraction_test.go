package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hotosm/tm-extractor/internal/extractor"
	"github.com/hotosm/tm-extractor/internal/handlers"
	"github.com/hotosm/tm-extractor/internal/http/ratelimit"
	"github.com/hotosm/tm-extractor/internal/middleware"
	"github.com/hotosm/tm-extractor/internal/rawdata"
	"github.com/hotosm/tm-extractor/internal/request"
	"github.com/hotosm/tm-extractor/internal/results"
	"github.com/hotosm/tm-extractor/internal/runs"
	"github.com/hotosm/tm-extractor/internal/tasking"
	"github.com/hotosm/tm-extractor/internal/template"
	"github.com/hotosm/tm-extractor/internal/types"
)

const extractionTemplate = `{
	"geometry": null,
	"queue": "raw_ondemand",
	"dataset": {
		"dataset_prefix": "hotosm_project",
		"dataset_folder": "TM",
		"dataset_title": "Tasking Manager Project"
	},
	"categories": [
		{"Buildings": {"types": ["polygons"], "select": ["name", "building"], "where": "tags['building'] IS NOT NULL", "formats": ["geojson"]}}
	]
}`

const successResult = `{"datasets":[{"buildings":{"resources":[{"name":"export.geojson","format":"geojson","download_url":"https://downloads.example.com/export.geojson","size":2048}]}}],"started_at":"2026-03-01T10:00:00.000000","elapsed_time":"1 minute"}`

func setupTestDatabase(ctx context.Context) (*postgres.PostgresContainer, error) {
	return postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("extractor"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp").
					WithStartupTimeout(60*time.Second),
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(1).
					WithStartupTimeout(60*time.Second),
			),
		),
	)
}

// setupUpstreamServers runs minimal Tasking Manager and export service mocks:
// one project, every snapshot accepted, every status poll terminal.
func setupUpstreamServers(t *testing.T, projectID int, title string) (tmURL, exportURL string) {
	t.Helper()

	detailPath := fmt.Sprintf("/projects/%d/", projectID)
	tmMux := http.NewServeMux()
	tmMux.HandleFunc("/projects/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != detailPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"projectInfo":    map[string]any{"name": title},
			"mappingTypes":   []string{"BUILDINGS"},
			"areaOfInterest": json.RawMessage(`{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}`),
		})
	})
	tmServer := httptest.NewServer(tmMux)
	t.Cleanup(tmServer.Close)

	exportMux := http.NewServeMux()
	exportMux.HandleFunc("/custom/snapshot/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"task_id": "task-e2e"})
	})
	exportMux.HandleFunc("/tasks/status/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     strings.Trim(strings.TrimPrefix(r.URL.Path, "/tasks/status/"), "/"),
			"status": "SUCCESS",
			"result": json.RawMessage(successResult),
		})
	})
	exportServer := httptest.NewServer(exportMux)
	t.Cleanup(exportServer.Close)

	return tmServer.URL, exportServer.URL
}

func setupExtractor(t *testing.T, tmURL, exportURL string, sink results.Sink) *extractor.Extractor {
	t.Helper()

	retry := ratelimit.Config{MaxRetries: 1, BackoffBase: 1, RateLimitWait: 2 * time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	source, err := tasking.NewClient(tasking.ClientConfig{BaseURL: tmURL, Timeout: 5 * time.Second, Retry: retry})
	require.NoError(t, err)
	exporter, err := rawdata.NewClient(rawdata.ClientConfig{BaseURL: exportURL, AuthToken: "e2e-token", Timeout: 5 * time.Second, Retry: retry})
	require.NoError(t, err)
	tpl, err := template.Parse("extraction.json", []byte(extractionTemplate))
	require.NoError(t, err)

	ext, err := extractor.New(source, exporter, results.NewRecorder(sink), extractor.Config{
		Template:     tpl,
		Policy:       request.PolicyStrict,
		Track:        true,
		PollInterval: time.Millisecond,
		MaxPolls:     5,
		Concurrency:  2,
	})
	require.NoError(t, err)
	return ext
}

// TestExtractionRunPersistsToPostgres drives a tracked run end to end and
// checks the outcome landed in the extraction_records table.
func TestExtractionRunPersistsToPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := setupTestDatabase(ctx)
	require.NoError(t, err)
	defer postgresContainer.Terminate(ctx)

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := results.Open(ctx, connStr, "")
	require.NoError(t, err)
	defer sink.Close()

	tmURL, exportURL := setupUpstreamServers(t, 71, "E2E Buildings")
	ext := setupExtractor(t, tmURL, exportURL, sink)

	summary, err := ext.Run(ctx, extractor.RunRequest{ProjectIDs: []int{71}})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	var (
		projectID   int
		title       string
		taskID      string
		state       string
		result      []byte
		errorDetail string
		pollCount   int
	)
	err = pool.QueryRow(ctx, `
		SELECT project_id, title, task_id, state, result, error_detail, poll_count
		FROM extraction_records
	`).Scan(&projectID, &title, &taskID, &state, &result, &errorDetail, &pollCount)
	require.NoError(t, err)

	assert.Equal(t, 71, projectID)
	assert.Equal(t, "E2E Buildings", title)
	assert.Equal(t, "task-e2e", taskID)
	assert.Equal(t, "SUCCESS", state)
	assert.Empty(t, errorDetail)
	assert.Equal(t, 1, pollCount)

	var payload types.TaskResultPayload
	require.NoError(t, json.Unmarshal(result, &payload), "result column should hold the export payload as JSONB")
	require.Len(t, payload.Datasets, 1)
	assert.Equal(t, "1 minute", payload.ElapsedTime)
}

// TestPostgresSinkRoundTrip exercises the sink directly, including the
// nullable columns a failed record leaves empty.
func TestPostgresSinkRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := setupTestDatabase(ctx)
	require.NoError(t, err)
	defer postgresContainer.Terminate(ctx)

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := results.NewPostgresSink(ctx, connStr)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Status(ctx))

	submitted := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Record(ctx, types.RunRecord{
		ProjectID:   101,
		Title:       "Failed project",
		State:       types.TaskFailed,
		ErrorDetail: "project 101 not found",
		SubmittedAt: submitted,
	}))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	var (
		state       string
		result      []byte
		errorDetail string
		finishedAt  *time.Time
		submittedAt time.Time
	)
	err = pool.QueryRow(ctx, `
		SELECT state, result, error_detail, finished_at, submitted_at
		FROM extraction_records WHERE project_id = 101
	`).Scan(&state, &result, &errorDetail, &finishedAt, &submittedAt)
	require.NoError(t, err)

	assert.Equal(t, "FAILED", state)
	assert.Nil(t, result, "records without an export result store NULL")
	assert.Equal(t, "project 101 not found", errorDetail)
	assert.Nil(t, finishedAt)
	assert.True(t, submittedAt.Equal(submitted))
}

// TestRunAPIWithPostgres drives the HTTP surface end to end: start a run over
// the API, poll it to completion, then check the persisted record.
func TestRunAPIWithPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := setupTestDatabase(ctx)
	require.NoError(t, err)
	defer postgresContainer.Terminate(ctx)

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := results.Open(ctx, connStr, "")
	require.NoError(t, err)
	defer sink.Close()

	tmURL, exportURL := setupUpstreamServers(t, 81, "API Driven")
	ext := setupExtractor(t, tmURL, exportURL, sink)
	api := handlers.NewAPI(ext, runs.NewRegistry(), sink)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", api.HealthCheck)
	v1 := router.Group("/api/v1")
	v1.Use(middleware.APIKeyAuth("e2e-key"))
	v1.POST("/runs", api.StartRun)
	v1.GET("/runs/:runId", api.GetRun)

	apiServer := httptest.NewServer(router)
	defer apiServer.Close()

	client := apiServer.Client()

	// Health first: the sink probe should see the live database.
	healthResp, err := client.Get(apiServer.URL + "/health")
	require.NoError(t, err)
	var health struct {
		Status  string `json:"status"`
		Results string `json:"results"`
	}
	require.NoError(t, json.NewDecoder(healthResp.Body).Decode(&health))
	healthResp.Body.Close()
	assert.Equal(t, "connected", health.Results)

	// Without the API key the run endpoint must refuse.
	denied, err := client.Post(apiServer.URL+"/api/v1/runs", "application/json", strings.NewReader(`{"projects":[81]}`))
	require.NoError(t, err)
	denied.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, denied.StatusCode)

	req, err := http.NewRequest(http.MethodPost, apiServer.URL+"/api/v1/runs", bytes.NewReader([]byte(`{"projects":[81]}`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-API-Key", "e2e-key")

	resp, err := client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started struct {
		RunID  string `json:"runId"`
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	resp.Body.Close()
	require.NotEmpty(t, started.RunID)

	getRun := func() (string, *extractor.Summary) {
		req, err := http.NewRequest(http.MethodGet, apiServer.URL+"/api/v1/runs/"+started.RunID, nil)
		require.NoError(t, err)
		req.Header.Set("X-Internal-API-Key", "e2e-key")
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		var run struct {
			Status  string             `json:"status"`
			Summary *extractor.Summary `json:"summary"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
		return run.Status, run.Summary
	}

	require.Eventually(t, func() bool {
		status, _ := getRun()
		return status == string(runs.StatusCompleted)
	}, 10*time.Second, 25*time.Millisecond, "run should finish")

	_, summary := getRun()
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.Succeeded)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM extraction_records WHERE project_id = 81").Scan(&count))
	assert.Equal(t, 1, count)
}
