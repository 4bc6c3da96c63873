// Package runs tracks extraction runs started through the HTTP API.
package runs

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hotosm/tm-extractor/internal/extractor"
)

// Status describes where a run is in its lifecycle.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is one tracked extraction run.
type Run struct {
	ID        string             `json:"run_id"`
	Status    Status             `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	Summary   *extractor.Summary `json:"summary,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Registry is an in-memory index of runs keyed by ID. Completed runs stay
// visible until the process exits; a deployment starts at most a handful of
// runs per day, so there is no eviction.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Run)}
}

// Begin registers a new running run and returns its ID.
func (r *Registry) Begin() string {
	id := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[id] = &Run{ID: id, Status: StatusRunning, CreatedAt: time.Now().UTC()}
	return id
}

// Complete records the run's summary. A run-level error flips the status to
// failed; per-project failures inside the summary do not.
func (r *Registry) Complete(id string, summary *extractor.Summary, runErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return
	}
	run.Summary = summary
	if runErr != nil {
		run.Status = StatusFailed
		run.Error = runErr.Error()
		return
	}
	run.Status = StatusCompleted
}

// Get returns a copy of the run so callers can serialize it without racing
// against Complete.
func (r *Registry) Get(id string) (Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

// List returns all known runs, newest first.
func (r *Registry) List() []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Run, 0, len(r.runs))
	for _, run := range r.runs {
		list = append(list, *run)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list
}
