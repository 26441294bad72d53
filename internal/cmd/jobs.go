package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	appconfig "github.com/3leaps/goanvil/internal/config"
	"github.com/3leaps/goanvil/pkg/jobregistry"

	gfconfig "github.com/fulmenhq/gofulmen/config"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage solver jobs",
	Long: `Manage solver job records under the data directory.

This command group is designed to be script-friendly:

- stable job ids
- predictable on-disk locations
- optional JSON output for machine parsing

Commands read the same job records the HTTP server serves, so either
surface can answer for jobs the other launched.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List solver jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)

	jobsListCmd.Flags().String("match", "", "Filter jobs by name glob (doublestar syntax)")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
}

// jobsDataDir resolves where job state lives: explicit config wins,
// otherwise the per-user application data directory.
func jobsDataDir(cfg *appconfig.Config) (string, error) {
	if cfg != nil && cfg.Jobs.DataDir != "" {
		return cfg.Jobs.DataDir, nil
	}
	identity := GetAppIdentity()
	if identity == nil {
		return "", fmt.Errorf("application identity not initialized")
	}
	dataDir := gfconfig.GetAppDataDir(identity.ConfigName)
	return filepath.Join(dataDir, "jobs"), nil
}

// openJobStore loads configuration and opens the job store CLI
// commands operate on. Opening is cheap; nothing is created on disk
// until a job is.
func openJobStore(ctx context.Context) (*jobregistry.Store, *appconfig.Config, error) {
	cfg, err := appconfig.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	dir, err := jobsDataDir(cfg)
	if err != nil {
		return nil, nil, err
	}
	return jobregistry.NewStore(dir), cfg, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	match, _ := cmd.Flags().GetString("match")

	store, _, err := openJobStore(cmd.Context())
	if err != nil {
		return err
	}

	jobs, err := store.List(jobregistry.ListOptions{NameGlob: match})
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tNAME\tSTATE\tCREATED\tFINISHED\tEXIT")
	for _, j := range jobs {
		name := j.Name
		if name == "" {
			name = "-"
		}
		exit := "-"
		if j.ExitCode != nil {
			exit = fmt.Sprintf("%d", *j.ExitCode)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(j.JobID),
			name,
			j.State,
			j.CreatedAt.UTC().Format(time.RFC3339),
			formatOptionalTime(j.FinishedAt),
			exit,
		)
	}

	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, _, err := openJobStore(cmd.Context())
	if err != nil {
		return err
	}

	resolvedID, err := resolveJobID(store, args[0])
	if err != nil {
		return err
	}

	// A fresh registry over the store applies the same liveness
	// refinement the server does: a running record whose pid is gone
	// reports as unknown, not running.
	registry := jobregistry.NewRegistry(store, nil)
	rec, err := registry.Status(resolvedID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", rec.JobID)
	if rec.Name != "" {
		_, _ = fmt.Fprintf(os.Stdout, "name=%s\n", rec.Name)
	}
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", rec.State)
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "pid=%d\n", rec.PID)
	}
	_, _ = fmt.Fprintf(os.Stdout, "created_at=%s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.FinishedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "finished_at=%s\n", rec.FinishedAt.UTC().Format(time.RFC3339))
	}
	if rec.ExitCode != nil {
		_, _ = fmt.Fprintf(os.Stdout, "exit_code=%d\n", *rec.ExitCode)
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(os.Stdout, "error=%s\n", rec.Error)
	}
	if rec.HasResult {
		_, _ = fmt.Fprintf(os.Stdout, "has_result=true\n")
	}
	if rec.LogPath != "" {
		_, _ = fmt.Fprintf(os.Stdout, "log_path=%s\n", rec.LogPath)
	}
	if rec.ResultPath != "" {
		_, _ = fmt.Fprintf(os.Stdout, "result_path=%s\n", rec.ResultPath)
	}

	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func resolveJobID(store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	// Exact match first.
	if _, err := store.ReadSnapshot(input); err == nil {
		return input, nil
	}

	// Prefix match (allows table-friendly short ids).
	jobs, err := store.List(jobregistry.ListOptions{})
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use full job_id or --json", len(matches))
	}
	return matches[0], nil
}
