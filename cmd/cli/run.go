package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hotosm/tm-extractor/internal/extractor"
	"github.com/hotosm/tm-extractor/internal/http/ratelimit"
	"github.com/hotosm/tm-extractor/internal/rawdata"
	"github.com/hotosm/tm-extractor/internal/request"
	"github.com/hotosm/tm-extractor/internal/results"
	"github.com/hotosm/tm-extractor/internal/tasking"
	"github.com/hotosm/tm-extractor/internal/template"
)

var (
	runProjects      []int
	runFetchActive   string
	runTrack         bool
	runAllCategories bool
	runTemplatePath  string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit extraction requests for Tasking Manager projects",
	Long: `Submit one custom snapshot request per project to the Raw Data API.

Projects come from --projects, from the Tasking Manager's recently-active
listing via --fetch-active-projects, or both. Every outcome is appended to
the configured results file; --track additionally polls each submitted task
until it finishes.`,
	Example: `  tm-extractor run -p 12345 -p 67890
  tm-extractor run --fetch-active-projects
  tm-extractor run -a 12 --track`,
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntSliceVarP(&runProjects, "projects", "p", nil, "Tasking Manager project IDs to extract")
	runCmd.Flags().StringVarP(&runFetchActive, "fetch-active-projects", "a", "", "also extract projects active within the last N hours (1-24)")
	runCmd.Flags().Lookup("fetch-active-projects").NoOptDefVal = "24"
	runCmd.Flags().BoolVarP(&runTrack, "track", "t", false, "poll submitted tasks until they finish")
	runCmd.Flags().BoolVar(&runAllCategories, "all-categories", false, "submit every template category regardless of project mapping types")
	runCmd.Flags().StringVar(&runTemplatePath, "template", "", "extraction template path (overrides config)")
}

func runExtract(cmd *cobra.Command, args []string) error {
	fetchActive := cmd.Flags().Changed("fetch-active-projects")
	if len(runProjects) == 0 && !fetchActive {
		return fmt.Errorf("nothing to extract: pass --projects or --fetch-active-projects")
	}
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}
	if err := cfg.ValidateForRun(); err != nil {
		return err
	}

	windowHours := 0
	if fetchActive {
		windowHours = tasking.ParseWindow(runFetchActive)
	}

	ext, sink, err := buildExtractor()
	if err != nil {
		return err
	}
	defer sink.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, runErr := ext.Run(ctx, extractor.RunRequest{
		ProjectIDs:  runProjects,
		FetchActive: fetchActive,
		WindowHours: windowHours,
	})

	displaySummary(summary)

	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	return nil
}

// retryConfig builds the shared retry settings for both upstream clients.
func retryConfig() ratelimit.Config {
	retry := ratelimit.DefaultConfig()
	if cfg.RawData.MaxRetries > 0 {
		retry.MaxRetries = cfg.RawData.MaxRetries
	}
	if cfg.RawData.BackoffBase > 0 {
		retry.BackoffBase = cfg.RawData.BackoffBase
	}
	if wait := cfg.RawData.RateLimitWait(); wait > 0 {
		retry.RateLimitWait = wait
	}
	return retry
}

func buildExtractor() (*extractor.Extractor, results.Sink, error) {
	templatePath := cfg.Extract.TemplatePath
	if runTemplatePath != "" {
		templatePath = runTemplatePath
	}
	tpl, err := template.Load(templatePath)
	if err != nil {
		return nil, nil, err
	}

	source, err := tasking.NewClient(tasking.ClientConfig{
		BaseURL: cfg.Tasking.BaseURL,
		APIKey:  cfg.Tasking.APIKey,
		Timeout: cfg.Tasking.Timeout(),
		Retry:   retryConfig(),
	})
	if err != nil {
		return nil, nil, err
	}

	// Submission requests are additionally throttled client-side so a large
	// project list does not trip the export service's quota immediately.
	submitRetry := retryConfig()
	submitRetry.RequestsPerSecond = cfg.Extract.SubmitPerSecond
	submitRetry.Burst = 1
	exporter, err := rawdata.NewClient(rawdata.ClientConfig{
		BaseURL:   cfg.RawData.BaseURL,
		AuthToken: cfg.RawData.AuthToken,
		Timeout:   cfg.RawData.Timeout(),
		Retry:     submitRetry,
	})
	if err != nil {
		return nil, nil, err
	}

	sink, err := results.Open(context.Background(), cfg.Results.DatabaseURL, cfg.Results.Path)
	if err != nil {
		return nil, nil, err
	}

	policy := request.PolicyStrict
	if runAllCategories {
		policy = request.PolicyAll
	}

	ext, err := extractor.New(source, exporter, results.NewRecorder(sink), extractor.Config{
		Template:        tpl,
		Policy:          policy,
		Track:           runTrack,
		PollInterval:    cfg.Extract.PollInterval(),
		MaxPolls:        cfg.Extract.MaxPolls,
		ProjectDeadline: cfg.Extract.ProjectDeadline,
		Concurrency:     cfg.Extract.Concurrency,
	})
	if err != nil {
		sink.Close()
		return nil, nil, err
	}
	return ext, sink, nil
}

func displaySummary(summary *extractor.Summary) {
	if summary == nil {
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "PROJECT\tTITLE\tTASK ID\tSTATE\tPOLLS\tDETAIL")
	fmt.Fprintln(w, "-------\t-----\t-------\t-----\t-----\t------")

	for _, record := range summary.Records {
		taskID := record.TaskID
		if taskID == "" {
			taskID = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			record.ProjectID, record.Title, taskID, record.State, record.PollCount, record.ErrorDetail)
	}

	w.Flush()

	elapsed := summary.FinishedAt.Sub(summary.StartedAt).Round(time.Second)
	fmt.Printf("\n%d project(s) in %s: %d submitted, %d succeeded, %d failed, %d timed out, %d pending, %d skipped\n",
		summary.Total, elapsed, summary.Submitted, summary.Succeeded,
		summary.Failed, summary.TimedOut, summary.Pending, summary.Skipped)
}
