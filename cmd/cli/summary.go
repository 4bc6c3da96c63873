package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hotosm/tm-extractor/internal/report"
)

var (
	summaryInput  string
	summaryFilter string
	summaryXLSX   string
)

// summaryCmd represents the summary command
var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize recorded extraction results",
	Long: `Read the results file written by previous runs and report task outcomes,
produced datasets, and the wall-clock window the exports spanned. --xlsx
additionally writes the full listing as a workbook.`,
	Example: `  tm-extractor summary
  tm-extractor summary --filter "são paulo"
  tm-extractor summary --input results.jsonl --xlsx report.xlsx`,
	RunE: runSummary,
}

func init() {
	rootCmd.AddCommand(summaryCmd)

	summaryCmd.Flags().StringVarP(&summaryInput, "input", "i", "", "results file (defaults to the configured results path)")
	summaryCmd.Flags().StringVar(&summaryFilter, "filter", "", "only include projects whose title matches (ignores case and accents)")
	summaryCmd.Flags().StringVar(&summaryXLSX, "xlsx", "", "also write the report as an XLSX workbook")
}

func runSummary(cmd *cobra.Command, args []string) error {
	input := summaryInput
	if input == "" && cfg != nil {
		input = cfg.Results.Path
	}
	if input == "" {
		return fmt.Errorf("no results file: pass --input")
	}

	records, err := report.Load(input)
	if err != nil {
		return err
	}
	records = report.Filter(records, summaryFilter)
	if len(records) == 0 {
		fmt.Println("No matching records")
		return nil
	}

	analyzed := report.Analyze(records)
	displayReport(analyzed)

	if summaryXLSX != "" {
		if err := report.WriteXLSX(analyzed, summaryXLSX); err != nil {
			return err
		}
		logger.Info().Str("path", summaryXLSX).Msg("Workbook written")
	}
	return nil
}

func displayReport(analyzed *report.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "PROJECT\tTITLE\tSTATE\tDATASETS\tEXPORT TIME")
	fmt.Fprintln(w, "-------\t-----\t-----\t--------\t-----------")

	for _, task := range analyzed.Tasks {
		datasets := 0
		exportTime := "-"
		if task.Payload != nil {
			datasets = len(task.Payload.Datasets)
			exportTime = task.Elapsed.String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
			task.Record.ProjectID, task.Record.Title, task.Record.State, datasets, exportTime)
	}

	w.Flush()

	fmt.Printf("\n%d record(s): %d succeeded, %d failed, %d timed out, %d pending, %d skipped\n",
		analyzed.Total, analyzed.Succeeded, analyzed.Failed,
		analyzed.TimedOut, analyzed.Pending, analyzed.Skipped)
	fmt.Printf("%d dataset(s), %d downloadable resource(s), exports spanned %s\n",
		analyzed.TotalDatasets, analyzed.TotalResources, analyzed.Elapsed)

	if len(analyzed.DatasetCounts) > 0 {
		names := make([]string, 0, len(analyzed.DatasetCounts))
		for name := range analyzed.DatasetCounts {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("\nResources per dataset:")
		for _, name := range names {
			fmt.Printf("  %s: %d\n", name, analyzed.DatasetCounts[name])
		}
	}
}
