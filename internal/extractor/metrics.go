package extractor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hotosm/tm-extractor/internal/types"
)

var (
	// submissionsTotal tracks snapshot submissions by outcome.
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extractor_submissions_total",
		Help: "Total number of snapshot submissions by outcome",
	}, []string{"outcome"}) // outcome: accepted, rejected

	// projectsSkipped tracks projects that never produced a snapshot task.
	projectsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extractor_projects_skipped_total",
		Help: "Total number of projects skipped before submission",
	})

	// statusPolls tracks status polls against the export service.
	statusPolls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "extractor_status_polls_total",
		Help: "Total number of task status polls",
	})

	// taskOutcomes tracks terminal states of tracked tasks.
	taskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "extractor_task_outcomes_total",
		Help: "Total number of tracked tasks by terminal state",
	}, []string{"state"})

	// taskDuration tracks submission-to-terminal wall time.
	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "extractor_task_duration_seconds",
		Help:    "Time from snapshot submission to terminal state",
		Buckets: []float64{30, 60, 120, 300, 600, 1200, 3600},
	})
)

// MetricsRecorder provides methods to record extraction metrics.
type MetricsRecorder struct{}

// NewMetricsRecorder creates a new metrics recorder.
func NewMetricsRecorder() *MetricsRecorder {
	return &MetricsRecorder{}
}

// RecordSubmission records a snapshot submission attempt.
func (m *MetricsRecorder) RecordSubmission(accepted bool) {
	outcome := "accepted"
	if !accepted {
		outcome = "rejected"
	}
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordSkip records a project skipped before submission.
func (m *MetricsRecorder) RecordSkip() {
	projectsSkipped.Inc()
}

// RecordPoll records one task status poll.
func (m *MetricsRecorder) RecordPoll() {
	statusPolls.Inc()
}

// RecordOutcome records a tracked task reaching a terminal state.
func (m *MetricsRecorder) RecordOutcome(state types.TaskState, duration time.Duration) {
	taskOutcomes.WithLabelValues(string(state)).Inc()
	taskDuration.Observe(duration.Seconds())
}
