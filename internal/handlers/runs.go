package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hotosm/tm-extractor/internal/extractor"
	"github.com/hotosm/tm-extractor/internal/runs"
)

// runSem limits concurrent extraction runs. Each run already fans out into
// many upstream requests, so more than a couple at once just competes for
// the export service's rate budget.
var runSem = make(chan struct{}, 2)

// StartRunRequest is the request body for triggering an extraction run.
type StartRunRequest struct {
	// Projects lists Tasking Manager project IDs to extract.
	Projects []int `json:"projects" jsonschema:"items_minimum=1"`
	// FetchActive also extracts every project active within WindowHours.
	FetchActive bool `json:"fetchActive"`
	// WindowHours bounds the active-project lookup, 1-24. Zero means 24.
	WindowHours int `json:"windowHours" binding:"min=0,max=24" jsonschema:"minimum=0,maximum=24"`
}

// StartRunResponse is the 202 response when a run is accepted.
type StartRunResponse struct {
	RunID   string `json:"runId" jsonschema:"required"`
	Status  string `json:"status" jsonschema:"required"`
	PollURL string `json:"pollUrl" jsonschema:"required"`
	Message string `json:"message,omitempty"`
}

// ListRunsResponse lists known runs, newest first.
type ListRunsResponse struct {
	Runs  []runs.Run `json:"runs" jsonschema:"required"`
	Total int        `json:"total" jsonschema:"required"`
}

// StartRun triggers an extraction run asynchronously.
// @Summary Start extraction run
// @Description Submits the given projects (and optionally all recently active projects) to the export service and returns immediately. Poll the returned URL for progress.
// @Tags runs
// @Accept json
// @Produce json
// @Param request body StartRunRequest true "Run request"
// @Success 202 {object} StartRunResponse
// @Failure 400 {object} map[string]string "Bad request"
// @Failure 401 {object} map[string]string "Unauthorized"
// @Failure 429 {object} map[string]string "Too many runs"
// @Router /runs [post]
func (a *API) StartRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(req.Projects) == 0 && !req.FetchActive {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "request needs projects or fetchActive",
		})
		return
	}
	for _, id := range req.Projects {
		if id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("invalid project id: %d", id),
			})
			return
		}
	}

	runID := a.Registry.Begin()

	go func() {
		// Blocks here if the maximum number of concurrent runs is reached.
		runSem <- struct{}{}
		defer func() { <-runSem }()

		// The request context dies with the HTTP response; the run keeps
		// its own lifetime.
		summary, err := a.Extractor.Run(context.Background(), extractor.RunRequest{
			ProjectIDs:  req.Projects,
			FetchActive: req.FetchActive,
			WindowHours: req.WindowHours,
		})
		a.Registry.Complete(runID, summary, err)
	}()

	c.JSON(http.StatusAccepted, StartRunResponse{
		RunID:   runID,
		Status:  string(runs.StatusRunning),
		PollURL: fmt.Sprintf("/api/v1/runs/%s", runID),
		Message: fmt.Sprintf("Extraction started for %d projects", len(req.Projects)),
	})
}

// GetRun returns one run with its summary once finished.
// @Summary Get extraction run
// @Description Returns the state of a run; the summary appears when the run finishes.
// @Tags runs
// @Produce json
// @Param runId path string true "Run ID"
// @Success 200 {object} runs.Run
// @Failure 404 {object} map[string]string "Run not found"
// @Router /runs/{runId} [get]
func (a *API) GetRun(c *gin.Context) {
	runID := c.Param("runId")
	run, ok := a.Registry.Get(runID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListRuns returns all runs started by this server instance.
// @Summary List extraction runs
// @Description Returns every run this instance has started, newest first.
// @Tags runs
// @Produce json
// @Success 200 {object} ListRunsResponse
// @Router /runs [get]
func (a *API) ListRuns(c *gin.Context) {
	list := a.Registry.List()
	c.JSON(http.StatusOK, ListRunsResponse{Runs: list, Total: len(list)})
}
