package report

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/hotosm/tm-extractor/internal/types"
)

const (
	runsSheet      = "Runs"
	resourcesSheet = "Resources"
)

// XLSX renders the report as a workbook with one sheet of run outcomes and
// one sheet listing every downloadable resource.
func XLSX(report *Report) ([]byte, error) {
	f := excelize.NewFile()
	defaultSheet := f.GetSheetName(f.GetActiveSheetIndex())

	for _, sheet := range []string{runsSheet, resourcesSheet} {
		if index, _ := f.GetSheetIndex(sheet); index == -1 {
			if _, err := f.NewSheet(sheet); err != nil {
				return nil, err
			}
		}
	}
	if defaultSheet != runsSheet && defaultSheet != resourcesSheet {
		_ = f.DeleteSheet(defaultSheet)
	}
	activeIndex, _ := f.GetSheetIndex(runsSheet)
	f.SetActiveSheet(activeIndex)

	if err := writeRunsSheet(f, report); err != nil {
		return nil, err
	}
	if err := writeResourcesSheet(f, report); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteXLSX renders the report and writes the workbook to path.
func WriteXLSX(report *Report, path string) error {
	data, err := XLSX(report)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRunsSheet(f *excelize.File, report *Report) error {
	headers := []string{
		"Project ID",
		"Title",
		"Task ID",
		"State",
		"Polls",
		"Submitted At",
		"Finished At",
		"Export Time",
		"Error",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(runsSheet, cell, h); err != nil {
			return err
		}
	}

	row := 2
	for _, task := range report.Tasks {
		record := task.Record
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(runsSheet, cell, v)
		}

		write(1, record.ProjectID)
		write(2, record.Title)
		write(3, record.TaskID)
		write(4, string(record.State))
		write(5, record.PollCount)
		if !record.SubmittedAt.IsZero() {
			write(6, record.SubmittedAt.UTC().Format(time.RFC3339))
		}
		if record.FinishedAt != nil {
			write(7, record.FinishedAt.UTC().Format(time.RFC3339))
		}
		if task.Elapsed > 0 {
			write(8, task.Elapsed.String())
		}
		write(9, truncate(record.ErrorDetail, 140))

		row++
	}

	_ = f.SetColWidth(runsSheet, "A", "A", 12)
	_ = f.SetColWidth(runsSheet, "B", "B", 36)
	_ = f.SetColWidth(runsSheet, "C", "C", 38)
	_ = f.SetColWidth(runsSheet, "D", "E", 12)
	_ = f.SetColWidth(runsSheet, "F", "G", 22)
	_ = f.SetColWidth(runsSheet, "H", "H", 14)
	_ = f.SetColWidth(runsSheet, "I", "I", 48)
	return nil
}

func writeResourcesSheet(f *excelize.File, report *Report) error {
	headers := []string{
		"Project ID",
		"Task ID",
		"Dataset",
		"Resource",
		"Format",
		"Size (bytes)",
		"Download URL",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(resourcesSheet, cell, h); err != nil {
			return err
		}
	}

	row := 2
	for _, task := range report.Tasks {
		if task.Payload == nil {
			continue
		}
		for _, dataset := range task.Payload.Datasets {
			for _, name := range sortedDatasetNames(dataset) {
				for _, resource := range dataset[name].Resources {
					write := func(col int, v any) {
						cell, _ := excelize.CoordinatesToCellName(col, row)
						_ = f.SetCellValue(resourcesSheet, cell, v)
					}

					write(1, task.Record.ProjectID)
					write(2, task.Record.TaskID)
					write(3, name)
					write(4, resource.Name)
					write(5, resource.Format)
					write(6, resource.Size)
					write(7, resource.DownloadURL)

					row++
				}
			}
		}
	}

	_ = f.SetColWidth(resourcesSheet, "A", "A", 12)
	_ = f.SetColWidth(resourcesSheet, "B", "B", 38)
	_ = f.SetColWidth(resourcesSheet, "C", "D", 24)
	_ = f.SetColWidth(resourcesSheet, "E", "F", 14)
	_ = f.SetColWidth(resourcesSheet, "G", "G", 72)
	return nil
}

// sortedDatasetNames keeps resource rows in a stable order; the wire format
// nests each dataset in a single-key map.
func sortedDatasetNames(dataset map[string]types.DatasetResult) []string {
	names := make([]string, 0, len(dataset))
	for name := range dataset {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
