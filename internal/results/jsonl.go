package results

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hotosm/tm-extractor/internal/types"
)

// JSONLSink appends run records to a local file, one JSON document per line.
// Append-only: records from earlier runs are kept, letting the summary report
// work across invocations.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewJSONLSink opens (or creates) the results file for appending.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create results directory %s: %w", dir, err)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open results file %s: %w", path, err)
	}

	return &JSONLSink{file: file, path: path}, nil
}

// Record writes one run record as a single line.
func (s *JSONLSink) Record(ctx context.Context, record types.RunRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("results file %s is closed", s.path)
	}
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}
	return nil
}

// Close closes the underlying file. Record calls after Close fail.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Path returns the results file path.
func (s *JSONLSink) Path() string {
	return s.path
}
