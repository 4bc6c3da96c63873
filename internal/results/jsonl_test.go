package results

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotosm/tm-extractor/internal/types"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	trimmed := strings.TrimSuffix(string(data), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

func TestJSONLSinkWritesOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	sink, err := NewJSONLSink(path)
	require.NoError(t, err)

	submitted := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	records := []types.RunRecord{
		{ProjectID: 1, Title: "First", TaskID: "t-1", State: types.TaskSuccess, Result: json.RawMessage(`{"datasets": []}`), SubmittedAt: submitted},
		{ProjectID: 2, State: types.TaskFailed, ErrorDetail: "snapshot request not accepted", SubmittedAt: submitted},
		{ProjectID: 3, TaskID: "t-3", State: types.TaskTimedOut, PollCount: 100, SubmittedAt: submitted},
	}
	for _, record := range records {
		require.NoError(t, sink.Record(context.Background(), record))
	}
	require.NoError(t, sink.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 3)

	var first types.RunRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, 1, first.ProjectID)
	assert.Equal(t, "First", first.Title)
	assert.Equal(t, types.TaskSuccess, first.State)
	assert.JSONEq(t, `{"datasets": []}`, string(first.Result))
	assert.True(t, first.SubmittedAt.Equal(submitted))

	var third types.RunRecord
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &third))
	assert.Equal(t, types.TaskTimedOut, third.State)
	assert.Equal(t, 100, third.PollCount)
}

func TestJSONLSinkAppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")

	for run := 1; run <= 2; run++ {
		sink, err := NewJSONLSink(path)
		require.NoError(t, err)
		require.NoError(t, sink.Record(context.Background(), types.RunRecord{ProjectID: run, State: types.TaskSuccess}))
		require.NoError(t, sink.Close())
	}

	assert.Len(t, readLines(t, path), 2, "a new run must not truncate earlier results")
}

func TestJSONLSinkConcurrentRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	sink, err := NewJSONLSink(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for worker := 0; worker < 10; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				record := types.RunRecord{ProjectID: worker*100 + i, State: types.TaskSuccess}
				assert.NoError(t, sink.Record(context.Background(), record))
			}
		}(worker)
	}
	wg.Wait()
	require.NoError(t, sink.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 50)
	for _, line := range lines {
		var record types.RunRecord
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "interleaved write: %q", line)
	}
}

func TestJSONLSinkClosed(t *testing.T) {
	sink, err := NewJSONLSink(filepath.Join(t.TempDir(), "results.jsonl"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	err = sink.Record(context.Background(), types.RunRecord{ProjectID: 1})
	assert.ErrorContains(t, err, "closed")
	assert.NoError(t, sink.Close(), "closing twice is fine")
}

func TestNewJSONLSinkCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "results.jsonl")
	sink, err := NewJSONLSink(path)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Record(context.Background(), types.RunRecord{ProjectID: 1}))
	assert.FileExists(t, path)
}
