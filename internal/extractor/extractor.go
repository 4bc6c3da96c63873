// Package extractor orchestrates bulk extraction runs: it resolves which
// projects to process, builds one snapshot request per project, submits them
// to the export service and optionally tracks the submitted tasks until they
// finish.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/hotosm/tm-extractor/internal/rawdata"
	"github.com/hotosm/tm-extractor/internal/request"
	"github.com/hotosm/tm-extractor/internal/results"
	"github.com/hotosm/tm-extractor/internal/template"
	"github.com/hotosm/tm-extractor/internal/types"
)

// ProjectSource fetches project metadata from the tracking service.
type ProjectSource interface {
	Project(ctx context.Context, projectID int) (*types.Project, error)
	ActiveProjects(ctx context.Context, hours int) ([]types.Project, error)
}

// Exporter submits snapshot jobs and reports their status.
type Exporter interface {
	Submit(ctx context.Context, payload []byte) (string, error)
	TaskStatus(ctx context.Context, taskID string) (*rawdata.TaskStatus, error)
}

// Config tunes a run. Zero values fall back to safe defaults.
type Config struct {
	Template *template.Template
	Policy   request.Policy
	// Track keeps polling submitted tasks until they finish; without it a
	// run ends once every request is accepted.
	Track           bool
	PollInterval    time.Duration
	MaxPolls        int
	ProjectDeadline time.Duration
	Concurrency     int
}

// RunRequest names what to extract: explicit project ids, the projects active
// within a trailing window, or both.
type RunRequest struct {
	ProjectIDs  []int
	FetchActive bool
	WindowHours int
}

// Summary aggregates a finished run. Records are sorted by project id.
type Summary struct {
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Total      int               `json:"total"`
	Submitted  int               `json:"submitted"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	TimedOut   int               `json:"timed_out"`
	Pending    int               `json:"pending"`
	Skipped    int               `json:"skipped"`
	Records    []types.RunRecord `json:"records"`
}

func (s *Summary) finish() {
	s.FinishedAt = time.Now().UTC()
	sort.Slice(s.Records, func(i, j int) bool { return s.Records[i].ProjectID < s.Records[j].ProjectID })

	s.Total = len(s.Records)
	s.Submitted, s.Succeeded, s.Failed, s.TimedOut, s.Pending, s.Skipped = 0, 0, 0, 0, 0, 0
	for _, record := range s.Records {
		switch {
		case record.TaskID == "":
			s.Skipped++
		case record.State == types.TaskSuccess:
			s.Succeeded++
		case record.State == types.TaskTimedOut:
			s.TimedOut++
		case record.State == types.TaskFailed:
			s.Failed++
		default:
			// Submitted but not tracked to completion
			s.Pending++
		}
	}
	s.Submitted = s.Total - s.Skipped
}

// Extractor runs extractions. Safe for one run at a time per instance; the
// HTTP server keeps one instance and serializes nothing beyond that because
// runs share no mutable state.
type Extractor struct {
	source   ProjectSource
	exporter Exporter
	recorder *results.Recorder
	config   Config
	metrics  *MetricsRecorder
	logger   zerolog.Logger
}

// New creates an Extractor.
func New(source ProjectSource, exporter Exporter, recorder *results.Recorder, config Config) (*Extractor, error) {
	if source == nil {
		return nil, fmt.Errorf("extractor: project source is required")
	}
	if exporter == nil {
		return nil, fmt.Errorf("extractor: exporter is required")
	}
	if config.Template == nil {
		return nil, fmt.Errorf("extractor: template is required")
	}

	if config.Policy == "" {
		config.Policy = request.PolicyStrict
	}
	if config.Concurrency < 1 {
		config.Concurrency = 4
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 30 * time.Second
	}
	if config.MaxPolls < 1 {
		config.MaxPolls = 100
	}
	if recorder == nil {
		recorder = results.NewRecorder(nil)
	}

	return &Extractor{
		source:   source,
		exporter: exporter,
		recorder: recorder,
		config:   config,
		metrics:  NewMetricsRecorder(),
		logger:   log.With().Str("component", "extractor").Logger(),
	}, nil
}

// Run processes every requested project and returns the aggregated outcome.
// Per-project problems are recorded and skipped; the returned error is
// non-nil only when the whole run could not or should not continue (the
// active-projects query failed, credentials were rejected, or the context
// ended). Even then the summary covers the work that finished first.
func (e *Extractor) Run(ctx context.Context, req RunRequest) (*Summary, error) {
	summary := &Summary{StartedAt: time.Now().UTC()}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	projects, err := e.resolveProjects(runCtx, req, summary)
	if err != nil {
		summary.finish()
		return summary, err
	}
	if len(projects) == 0 {
		e.logger.Warn().Msg("No projects to process")
		summary.finish()
		return summary, nil
	}

	e.logger.Info().Int("projects", len(projects)).Msg("Started processing projects")

	sem := semaphore.NewWeighted(int64(e.config.Concurrency))
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		abortOnce sync.Once
		abortErr  error
	)

	for _, project := range projects {
		if err := sem.Acquire(runCtx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(project types.Project) {
			defer sem.Release(1)
			defer wg.Done()

			projectCtx := runCtx
			if e.config.ProjectDeadline > 0 {
				var cancel context.CancelFunc
				projectCtx, cancel = context.WithTimeout(runCtx, e.config.ProjectDeadline)
				defer cancel()
			}

			record, fatal := e.processProject(projectCtx, project)

			mu.Lock()
			summary.Records = append(summary.Records, record)
			mu.Unlock()

			if fatal != nil {
				abortOnce.Do(func() {
					abortErr = fatal
					e.logger.Error().Err(fatal).Msg("Aborting run")
					cancelRun()
				})
			}
		}(project)
	}

	wg.Wait()
	summary.finish()

	if abortErr != nil {
		return summary, abortErr
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// resolveProjects turns a run request into concrete project metadata.
// Explicitly supplied ids are fetched one by one; failures there are recorded
// and skipped. A failing active-projects query fails the whole resolve since
// there is nothing partial to fall back to.
func (e *Extractor) resolveProjects(ctx context.Context, req RunRequest, summary *Summary) ([]types.Project, error) {
	var projects []types.Project

	if len(req.ProjectIDs) > 0 {
		e.logger.Info().Int("count", len(req.ProjectIDs)).Msg("Tasking Manager projects supplied")
		for _, id := range req.ProjectIDs {
			project, err := e.source.Project(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				e.logger.Warn().Int("project_id", id).Err(err).Msg("Skipping project")
				e.metrics.RecordSkip()
				summary.Records = append(summary.Records, e.fail(types.RunRecord{
					ProjectID:   id,
					SubmittedAt: time.Now().UTC(),
				}, err.Error()))
				continue
			}
			projects = append(projects, *project)
		}
	}

	if req.FetchActive {
		e.logger.Info().Int("window_hours", req.WindowHours).Msg("Retrieving active projects")
		active, err := e.source.ActiveProjects(ctx, req.WindowHours)
		if err != nil {
			return nil, fmt.Errorf("resolve active projects: %w", err)
		}
		if len(active) == 0 {
			e.logger.Warn().Msg("No active projects found")
		} else {
			e.logger.Info().Int("count", len(active)).Msg("Active projects fetched")
		}
		projects = append(projects, active...)
	}

	return projects, nil
}

// processProject takes one project through build, submit and (optionally)
// tracking. The returned error is non-nil only for failures that must abort
// the whole run.
func (e *Extractor) processProject(ctx context.Context, project types.Project) (types.RunRecord, error) {
	record := types.RunRecord{
		ProjectID:   project.ID,
		Title:       project.Title,
		SubmittedAt: time.Now().UTC(),
	}

	payload, err := request.Build(e.config.Template, project, e.config.Policy)
	if err != nil {
		e.logger.Info().Int("project_id", project.ID).Err(err).Msg("Skipped project")
		e.metrics.RecordSkip()
		return e.fail(record, err.Error()), nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return e.fail(record, fmt.Sprintf("encode snapshot request: %v", err)), nil
	}

	taskID, err := e.exporter.Submit(ctx, body)
	if err != nil {
		e.metrics.RecordSubmission(false)
		var authErr *rawdata.AuthError
		if errors.As(err, &authErr) {
			return e.fail(record, err.Error()), err
		}
		e.logger.Warn().Int("project_id", project.ID).Err(err).Msg("Snapshot submission failed")
		return e.fail(record, err.Error()), nil
	}

	e.metrics.RecordSubmission(true)
	record.TaskID = taskID
	record.State = types.TaskPending
	e.logger.Info().Int("project_id", project.ID).Str("task_id", taskID).Msg("Snapshot task submitted")

	if !e.config.Track {
		e.persist(record)
		return record, nil
	}

	fatal := e.poll(ctx, &record)
	now := time.Now().UTC()
	record.FinishedAt = &now
	e.metrics.RecordOutcome(record.State, now.Sub(record.SubmittedAt))
	e.persist(record)
	return record, fatal
}

// fail finalizes a record as FAILED and persists it.
func (e *Extractor) fail(record types.RunRecord, detail string) types.RunRecord {
	record.State = types.TaskFailed
	record.ErrorDetail = detail
	now := time.Now().UTC()
	record.FinishedAt = &now
	e.persist(record)
	return record
}

// persist writes through the recorder, detached from the run context so a
// deadline-exceeded project still gets recorded.
func (e *Extractor) persist(record types.RunRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.recorder.Record(ctx, record)
}
