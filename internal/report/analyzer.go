// Package report summarizes recorded extraction outcomes: it loads run
// records from a results file, aggregates task states and generated
// resources, and renders the aggregate as an XLSX workbook.
package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/hotosm/tm-extractor/internal/types"
)

// TaskReport pairs a run record with its parsed result payload. Payload is
// nil unless the task succeeded and the export service returned a
// well-formed result.
type TaskReport struct {
	Record  types.RunRecord
	Payload *types.TaskResultPayload
	Elapsed time.Duration
}

// Report aggregates run records into per-state counts and resource totals.
// TotalElapsed spans from the earliest export start to the latest export
// finish, so overlapping tasks are not double counted.
type Report struct {
	Total          int            `json:"total"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	TimedOut       int            `json:"timed_out"`
	Pending        int            `json:"pending"`
	Skipped        int            `json:"skipped"`
	TotalDatasets  int            `json:"total_datasets"`
	TotalResources int            `json:"total_resources"`
	DatasetCounts  map[string]int `json:"dataset_counts"`
	Elapsed        string         `json:"total_elapsed_time"`

	TotalElapsed time.Duration `json:"-"`
	Tasks        []TaskReport  `json:"-"`
}

// Load reads run records from a JSONL results file, one record per line.
// Blank lines are ignored; a malformed line fails the whole load so a
// truncated file is noticed rather than silently under-reported.
func Load(path string) ([]types.RunRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open results file: %w", err)
	}
	defer file.Close()

	var records []types.RunRecord
	scanner := bufio.NewScanner(file)
	// Result payloads carry full download listings and can exceed the
	// default token size.
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var record types.RunRecord
		if err := json.Unmarshal([]byte(text), &record); err != nil {
			return nil, fmt.Errorf("results file %s line %d: %w", path, line, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read results file: %w", err)
	}
	return records, nil
}

// Filter keeps records whose project title contains the query, ignoring
// case, diacritics and runs of whitespace, so "sao paulo" matches the
// "São  Paulo" project. An empty query keeps everything.
func Filter(records []types.RunRecord, query string) []types.RunRecord {
	query = normalizeForMatch(query)
	if query == "" {
		return records
	}
	var filtered []types.RunRecord
	for _, record := range records {
		if strings.Contains(normalizeForMatch(record.Title), query) {
			filtered = append(filtered, record)
		}
	}
	return filtered
}

// asciiFold maps letters that NFD does not decompose, so "Đà Nẵng" and
// "Łódź" stay findable from an ASCII keyboard.
var asciiFold = strings.NewReplacer(
	"đ", "d", "Đ", "D",
	"ø", "o", "Ø", "O",
	"ł", "l", "Ł", "L",
	"æ", "ae", "Æ", "Ae",
	"œ", "oe", "Œ", "Oe",
	"ß", "ss",
)

func normalizeForMatch(s string) string {
	s = asciiFold.Replace(s)

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, err := transform.String(t, s)
	if err != nil {
		result = s
	}
	return strings.Join(strings.Fields(strings.ToLower(result)), " ")
}

// Analyze folds run records into a Report. Records without a task ID count
// as skipped regardless of state; everything else is bucketed by its final
// state, and successful results contribute their datasets and resources.
func Analyze(records []types.RunRecord) *Report {
	report := &Report{DatasetCounts: map[string]int{}, Total: len(records)}

	var starts, ends []time.Time
	for _, record := range records {
		task := TaskReport{Record: record}
		switch {
		case record.TaskID == "":
			report.Skipped++
		case record.State == types.TaskSuccess:
			report.Succeeded++
			var payload types.TaskResultPayload
			if len(record.Result) > 0 && json.Unmarshal(record.Result, &payload) == nil {
				task.Payload = &payload
				task.Elapsed = ParseElapsed(payload.ElapsedTime)
				report.TotalDatasets += len(payload.Datasets)
				for _, dataset := range payload.Datasets {
					for name, result := range dataset {
						report.TotalResources += len(result.Resources)
						report.DatasetCounts[name] += len(result.Resources)
					}
				}
				if started, ok := parseStartedAt(payload.StartedAt); ok {
					starts = append(starts, started)
					ends = append(ends, started.Add(task.Elapsed))
				}
			}
		case record.State == types.TaskTimedOut:
			report.TimedOut++
		case record.State == types.TaskFailed:
			report.Failed++
		default:
			report.Pending++
		}
		report.Tasks = append(report.Tasks, task)
	}

	if len(starts) > 0 {
		earliest, latest := starts[0], ends[0]
		for _, t := range starts[1:] {
			if t.Before(earliest) {
				earliest = t
			}
		}
		for _, t := range ends[1:] {
			if t.After(latest) {
				latest = t
			}
		}
		report.TotalElapsed = latest.Sub(earliest)
	}
	report.Elapsed = report.TotalElapsed.String()
	return report
}

// elapsedPattern matches the human-readable durations the export service
// reports, either "<count> <unit>" or "a/an <unit>".
var elapsedPattern = regexp.MustCompile(`^(?:(\d+) (\w+)|an? (\w+))`)

var elapsedUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// ParseElapsed converts strings like "44 seconds", "2 minutes" or "an hour"
// into a duration. Unrecognized units fall back to seconds so a changed
// upstream format degrades to a low estimate instead of an error.
func ParseElapsed(s string) time.Duration {
	match := elapsedPattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if match == nil {
		return 0
	}

	count := 1
	unit := match[3]
	if match[1] != "" {
		count, _ = strconv.Atoi(match[1])
		unit = match[2]
	}

	scale, ok := elapsedUnits[strings.TrimSuffix(unit, "s")]
	if !ok {
		scale = time.Second
	}
	return time.Duration(count) * scale
}

// parseStartedAt accepts both RFC 3339 timestamps and the zone-less ISO
// form the export service writes.
func parseStartedAt(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
