package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var jobsResultCmd = &cobra.Command{
	Use:   "result <job_id>",
	Short: "Show the result a job's solver wrote",
	Long: `Show the result file a job's solver wrote.

Results that parse as a YAML mapping print as YAML (or JSON with
--json); anything else prints verbatim. A job that has not written a
result yet prints a notice and exits zero.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsResult,
}

func init() {
	jobsCmd.AddCommand(jobsResultCmd)
	jobsResultCmd.Flags().Bool("json", false, "Output structured results as JSON")
}

func runJobsResult(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, _, err := openJobStore(cmd.Context())
	if err != nil {
		return err
	}

	resolvedID, err := resolveJobID(store, args[0])
	if err != nil {
		return err
	}

	result, err := store.ReadResult(resolvedID)
	if err != nil {
		return err
	}
	if result == nil {
		_, _ = fmt.Fprintln(os.Stdout, "No result yet")
		return nil
	}

	if !result.IsStructured() {
		_, _ = fmt.Fprint(os.Stdout, result.Raw)
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result.Structured)
	}

	out, err := yaml.Marshal(result.Structured)
	if err != nil {
		return err
	}
	_, _ = os.Stdout.Write(out)
	return nil
}
