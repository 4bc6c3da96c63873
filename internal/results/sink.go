// Package results persists per-project run outcomes.
package results

import (
	"context"

	"github.com/hotosm/tm-extractor/internal/types"
)

// Sink defines the interface for run record persistence.
// Implementations can be a local JSONL file or a Postgres table; Record must
// be safe for concurrent use.
type Sink interface {
	// Record persists one project's final outcome
	Record(ctx context.Context, record types.RunRecord) error

	// Close releases the underlying file or connection pool
	Close() error
}

// Open selects a sink from configuration: Postgres when a database URL is
// set, otherwise a local JSONL file.
func Open(ctx context.Context, databaseURL, path string) (Sink, error) {
	if databaseURL != "" {
		return NewPostgresSink(ctx, databaseURL)
	}
	return NewJSONLSink(path)
}
