package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hotosm/tm-extractor/internal/tasking"
)

var projectsWindow int

// projectsCmd represents the projects command
var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List Tasking Manager projects with recent activity",
	Long: `Query the Tasking Manager for projects that saw mapping activity within
the given window and print what an extraction run would pick up, without
submitting anything.`,
	Example: `  tm-extractor projects
  tm-extractor projects --window 6`,
	RunE: listProjects,
}

func init() {
	rootCmd.AddCommand(projectsCmd)

	projectsCmd.Flags().IntVarP(&projectsWindow, "window", "w", tasking.DefaultWindowHours, "activity window in hours (1-24)")
}

func listProjects(cmd *cobra.Command, args []string) error {
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}

	source, err := tasking.NewClient(tasking.ClientConfig{
		BaseURL: cfg.Tasking.BaseURL,
		APIKey:  cfg.Tasking.APIKey,
		Timeout: cfg.Tasking.Timeout(),
		Retry:   retryConfig(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	projects, err := source.ActiveProjects(ctx, projectsWindow)
	if err != nil {
		return fmt.Errorf("list active projects: %w", err)
	}
	if len(projects) == 0 {
		fmt.Println("No active projects found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "PROJECT\tTITLE\tMAPPING TYPES")
	fmt.Fprintln(w, "-------\t-----\t-------------")

	for _, project := range projects {
		names := make([]string, 0, len(project.MappingTypes))
		for _, mt := range project.MappingTypes {
			names = append(names, string(mt))
		}
		mappingTypes := strings.Join(names, ", ")
		if mappingTypes == "" {
			mappingTypes = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", project.ID, project.Title, mappingTypes)
	}

	w.Flush()
	fmt.Printf("\n%d project(s) active in the last %d hour(s)\n", len(projects), tasking.ClampWindow(projectsWindow))
	return nil
}
