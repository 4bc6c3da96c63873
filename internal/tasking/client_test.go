package tasking

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotosm/tm-extractor/internal/http/ratelimit"
	"github.com/hotosm/tm-extractor/internal/types"
)

const projectDetailBody = `{
	"projectId": 42,
	"projectInfo": {"name": "Test Area", "description": "A test project"},
	"mappingTypes": [2, "ROADS", "RAILWAYS", 9],
	"areaOfInterest": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,1],[0,0]]]}
}`

func testClient(t *testing.T, baseURL, apiKey string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: 5 * time.Second,
		Retry: ratelimit.Config{
			MaxRetries:    2,
			BackoffBase:   1,
			RateLimitWait: 5 * time.Millisecond,
			MaxBackoff:    5 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return client
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)
}

func TestProject(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(projectDetailBody))
	}))
	defer server.Close()

	client := testClient(t, server.URL, "tm-key")
	project, err := client.Project(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, "/projects/42/", gotPath)
	assert.Equal(t, "as_file=false&abbreviated=false", gotQuery)
	assert.Equal(t, "tm-key", gotAuth)

	assert.Equal(t, 42, project.ID)
	assert.Equal(t, "Test Area", project.Title)
	assert.JSONEq(t, `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}`, string(project.Geometry))
	// Unsupported entries are dropped, the rest normalized
	assert.Equal(t, []types.MappingType{types.MappingBuildings, types.MappingRoads}, project.MappingTypes)
}

func TestProjectWithoutAPIKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, present := r.Header["Authorization"]; present {
			t.Error("Authorization header must be absent when no API key is configured")
		}
		w.Write([]byte(projectDetailBody))
	}))
	defer server.Close()

	_, err := testClient(t, server.URL, "").Project(context.Background(), 42)
	require.NoError(t, err)
}

func TestProjectNotFound(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, `{"Error": "Project Not Found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	_, err := testClient(t, server.URL, "").Project(context.Background(), 7)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 7, notFound.ProjectID)
	assert.Equal(t, 1, requests, "a 404 must not be retried")
}

func TestProjectMissingFields(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no areaOfInterest", `{"projectInfo": {"name": "x"}, "mappingTypes": [1]}`},
		{"null areaOfInterest", `{"mappingTypes": [1], "areaOfInterest": null}`},
		{"no mappingTypes", `{"areaOfInterest": {"type": "Polygon", "coordinates": []}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := testClient(t, server.URL, "").Project(context.Background(), 42)

			var fetchErr *FetchError
			require.ErrorAs(t, err, &fetchErr)
			assert.Equal(t, 42, fetchErr.ProjectID)
			assert.Contains(t, fetchErr.Reason, "missing")
		})
	}
}

func TestProjectRetriesServerErrors(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			http.Error(w, "upstream hiccup", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(projectDetailBody))
	}))
	defer server.Close()

	project, err := testClient(t, server.URL, "").Project(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 42, project.ID)
	assert.Equal(t, 2, requests)
}

func TestActiveProjects(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{
			"features": [
				{
					"geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,1],[0,0]]]},
					"properties": {"project_id": 11, "name": "First", "mapping_types": [1, 2]}
				},
				{
					"geometry": {"type": "Polygon", "coordinates": [[[5,5],[6,5],[6,6],[5,6],[5,5]]]},
					"properties": {"project_id": 12, "mapping_types": ["WATERWAYS"]}
				},
				{
					"geometry": null,
					"properties": {"mapping_types": [1]}
				}
			]
		}`))
	}))
	defer server.Close()

	projects, err := testClient(t, server.URL, "").ActiveProjects(context.Background(), 12)
	require.NoError(t, err)

	assert.Equal(t, "interval=12", gotQuery)
	require.Len(t, projects, 2, "features without a project_id are skipped")

	assert.Equal(t, 11, projects[0].ID)
	assert.Equal(t, "First", projects[0].Title)
	assert.Equal(t, []types.MappingType{types.MappingRoads, types.MappingBuildings}, projects[0].MappingTypes)

	assert.Equal(t, 12, projects[1].ID)
	assert.Empty(t, projects[1].Title)
	assert.Equal(t, []types.MappingType{types.MappingWaterways}, projects[1].MappingTypes)
}

func TestActiveProjectsClampsWindow(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"features": []}`))
	}))
	defer server.Close()

	projects, err := testClient(t, server.URL, "").ActiveProjects(context.Background(), 30)
	require.NoError(t, err)
	assert.Empty(t, projects)
	assert.Equal(t, "interval=24", gotQuery)
}

func TestActiveProjectsMissingFeatures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"detail": "unexpected shape"}`))
	}))
	defer server.Close()

	_, err := testClient(t, server.URL, "").ActiveProjects(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "features")
}
