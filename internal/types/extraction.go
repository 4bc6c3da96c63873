package types

import (
	"encoding/json"
	"time"
)

// MappingType names an extraction category a project has declared relevant.
type MappingType = string

const (
	MappingRoads     MappingType = "Roads"
	MappingBuildings MappingType = "Buildings"
	MappingWaterways MappingType = "Waterways"
	MappingLanduse   MappingType = "Landuse"
)

// Project holds the extraction-relevant metadata of one Tasking Manager project.
// Geometry is carried as raw GeoJSON and passed through to the export service
// untouched.
type Project struct {
	ID           int             `json:"project_id"`
	Title        string          `json:"title,omitempty"`
	Geometry     json.RawMessage `json:"geometry"`
	MappingTypes []MappingType   `json:"mapping_types"`
}

// TaskState is the lifecycle state of a submitted extraction task.
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskRunning TaskState = "RUNNING"
	TaskSuccess TaskState = "SUCCESS"
	TaskFailed  TaskState = "FAILED"
	// TaskTimedOut means the poll budget ran out before the export service
	// reported a terminal status. The outcome is undetermined, not failed.
	TaskTimedOut TaskState = "TIMED_OUT"
)

// Terminal reports whether the state ends a task's lifecycle.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskTimedOut:
		return true
	}
	return false
}

// StateFromWire maps an export-service status string onto a TaskState.
// The service reports STARTED for in-progress tasks and uses both ERROR and
// FAILURE for failed ones. Unknown statuses return false.
func StateFromWire(status string) (TaskState, bool) {
	switch status {
	case "PENDING":
		return TaskPending, true
	case "STARTED", "RUNNING":
		return TaskRunning, true
	case "SUCCESS":
		return TaskSuccess, true
	case "ERROR", "FAILURE", "FAILED":
		return TaskFailed, true
	}
	return "", false
}

// RunRecord is one project's final outcome as persisted by the recorder.
// Result carries the export service's result payload verbatim on SUCCESS
// (the per-category download links); ErrorDetail is set for FAILED tasks and
// for projects that never produced a task.
type RunRecord struct {
	ProjectID   int             `json:"project_id" jsonschema:"required"`
	Title       string          `json:"title,omitempty"`
	TaskID      string          `json:"task_id,omitempty"`
	State       TaskState       `json:"state" jsonschema:"required,enum=PENDING,enum=RUNNING,enum=SUCCESS,enum=FAILED,enum=TIMED_OUT"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at" jsonschema:"required"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	PollCount   int             `json:"poll_count,omitempty"`
}

// TaskResultPayload is the shape of the export service's result payload for a
// completed custom snapshot task. Kept loose: the service adds fields over
// time and older result logs omit some.
type TaskResultPayload struct {
	Datasets    []map[string]DatasetResult `json:"datasets,omitempty"`
	StartedAt   string                     `json:"started_at,omitempty"`
	ElapsedTime string                     `json:"elapsed_time,omitempty"`
}

// DatasetResult lists the files produced for one dataset.
type DatasetResult struct {
	Resources []Resource `json:"resources"`
}

// Resource is one downloadable artifact of a finished extraction.
type Resource struct {
	Name        string `json:"name,omitempty"`
	Format      string `json:"format,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	Size        int64  `json:"size,omitempty"`
}
