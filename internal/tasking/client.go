// Package tasking reads project metadata from a Tasking Manager deployment.
package tasking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	httpclient "github.com/hotosm/tm-extractor/internal/http"
	"github.com/hotosm/tm-extractor/internal/http/ratelimit"
	"github.com/hotosm/tm-extractor/internal/types"
)

// NotFoundError reports a project id the tracking service does not know.
type NotFoundError struct {
	ProjectID int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("project %d not found", e.ProjectID)
}

// FetchError reports a failure to retrieve usable metadata for one project.
type FetchError struct {
	ProjectID int
	Reason    string
	Err       error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("project %d: %s: %v", e.ProjectID, e.Reason, e.Err)
	}
	return fmt.Sprintf("project %d: %s", e.ProjectID, e.Reason)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ClientConfig contains configuration for the Tasking Manager client.
type ClientConfig struct {
	BaseURL string
	// APIKey is optional; public deployments serve project metadata without it.
	APIKey  string
	Timeout time.Duration
	Retry   ratelimit.Config
}

// Client fetches project metadata over the Tasking Manager HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *httpclient.Client
}

// NewClient creates a Tasking Manager client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tasking: BaseURL cannot be empty")
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpclient.NewClient(cfg.Retry, cfg.Timeout),
	}, nil
}

type projectDetailResponse struct {
	ProjectInfo struct {
		Name string `json:"name"`
	} `json:"projectInfo"`
	MappingTypes   []any           `json:"mappingTypes"`
	AreaOfInterest json.RawMessage `json:"areaOfInterest"`
}

// Project fetches one project's boundary, title and mapping types.
// A 404 from the service returns a NotFoundError; any other failure, including
// a response without the fields an extraction needs, returns a FetchError so
// the caller can skip the project and move on.
func (c *Client) Project(ctx context.Context, projectID int) (*types.Project, error) {
	url := fmt.Sprintf("%s/projects/%d/?as_file=false&abbreviated=false", c.baseURL, projectID)

	var detail projectDetailResponse
	if err := c.httpClient.GetJSON(ctx, url, c.authHeader(), &detail); err != nil {
		var fetchErr *ratelimit.FetchRetryError
		if errors.As(err, &fetchErr) && fetchErr.LastStatus == http.StatusNotFound {
			return nil, &NotFoundError{ProjectID: projectID}
		}
		return nil, &FetchError{ProjectID: projectID, Reason: "fetch project details", Err: err}
	}

	if detail.MappingTypes == nil || isNullJSON(detail.AreaOfInterest) {
		return nil, &FetchError{ProjectID: projectID, Reason: "response missing mappingTypes or areaOfInterest"}
	}

	return &types.Project{
		ID:           projectID,
		Title:        detail.ProjectInfo.Name,
		Geometry:     detail.AreaOfInterest,
		MappingTypes: NormalizeMappingTypes(detail.MappingTypes),
	}, nil
}

type activeProjectsResponse struct {
	Features []struct {
		Geometry   json.RawMessage `json:"geometry"`
		Properties struct {
			ProjectID    int    `json:"project_id"`
			Name         string `json:"name"`
			MappingTypes []any  `json:"mapping_types"`
		} `json:"properties"`
	} `json:"features"`
}

// ActiveProjects lists projects with mapping activity in the trailing window.
// The service returns full GeoJSON features, so no per-project detail fetch is
// needed for these. Windows outside the supported range are clamped to the
// default before the request goes out.
func (c *Client) ActiveProjects(ctx context.Context, hours int) ([]types.Project, error) {
	if clamped := ClampWindow(hours); clamped != hours {
		log.Warn().
			Int("requested_hours", hours).
			Int("using_hours", clamped).
			Msg("Recency window outside supported range")
		hours = clamped
	}

	url := fmt.Sprintf("%s/projects/queries/active/?interval=%d", c.baseURL, hours)

	var resp activeProjectsResponse
	if err := c.httpClient.GetJSON(ctx, url, c.authHeader(), &resp); err != nil {
		return nil, fmt.Errorf("fetch active projects: %w", err)
	}
	if resp.Features == nil {
		return nil, fmt.Errorf("active projects response has no features collection")
	}

	projects := make([]types.Project, 0, len(resp.Features))
	for _, feature := range resp.Features {
		if feature.Properties.ProjectID <= 0 {
			log.Debug().Msg("Skipping active project feature without a project_id")
			continue
		}
		projects = append(projects, types.Project{
			ID:           feature.Properties.ProjectID,
			Title:        feature.Properties.Name,
			Geometry:     feature.Geometry,
			MappingTypes: NormalizeMappingTypes(feature.Properties.MappingTypes),
		})
	}
	return projects, nil
}

// authHeader builds the Authorization header when an API key is configured.
// The tracking service expects the raw key, not a Bearer scheme.
func (c *Client) authHeader() http.Header {
	if c.apiKey == "" {
		return nil
	}
	header := make(http.Header)
	header.Set("Authorization", c.apiKey)
	return header
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
