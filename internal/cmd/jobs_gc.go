package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/goanvil/pkg/jobregistry"
)

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old job records",
	Long: `Delete job directories for terminal jobs older than --max-age.

Only completed and failed jobs are pruned; queued and running jobs are
never touched, whatever their age.`,
	RunE: runJobsGC,
}

func init() {
	jobsCmd.AddCommand(jobsGCCmd)
	jobsGCCmd.Flags().String("max-age", "168h", "Delete terminal jobs finished longer ago than this")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return fmt.Errorf("invalid --max-age: %w", err)
	}
	if maxAge <= 0 {
		return fmt.Errorf("--max-age must be > 0")
	}

	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	if IsReadOnly() && !dryRun {
		return exitError(foundry.ExitInvalidArgument, "readonly mode enabled: refusing to delete jobs",
			fmt.Errorf("use --dry-run, or disable --readonly"))
	}

	store, _, err := openJobStore(cmd.Context())
	if err != nil {
		return err
	}

	jobs, err := store.List(jobregistry.ListOptions{})
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	deleted := 0
	for _, j := range jobs {
		// Only prune terminal states with a recorded finish time.
		if !j.State.Terminal() || j.FinishedAt == nil {
			continue
		}
		age := now.Sub(j.FinishedAt.UTC())
		if age <= maxAge {
			continue
		}

		if !dryRun {
			if err := os.RemoveAll(store.JobDir(j.JobID)); err != nil {
				return fmt.Errorf("remove job dir: %w", err)
			}
		}
		deleted++
	}

	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr}
		if dryRun {
			res.WouldDelete = deleted
		} else {
			res.Deleted = deleted
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "would_delete=%d\n", deleted)
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\n", deleted)
	return nil
}
