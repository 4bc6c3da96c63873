package results

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/hotosm/tm-extractor/internal/types"
)

// Recorder wraps a Sink so persistence problems never take down a run:
// failures are logged and swallowed, the extraction outcome stands.
type Recorder struct {
	sink Sink
}

// NewRecorder creates a recorder over the given sink. A nil sink yields a
// recorder that drops everything, which keeps dry runs simple.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Record persists one run record, logging instead of returning on failure.
func (r *Recorder) Record(ctx context.Context, record types.RunRecord) {
	if r == nil || r.sink == nil {
		return
	}
	if err := r.sink.Record(ctx, record); err != nil {
		log.Error().
			Err(err).
			Int("project_id", record.ProjectID).
			Str("state", string(record.State)).
			Msg("Failed to persist run record")
	}
}
