package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/goanvil/pkg/jobregistry"
)

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show the solver log for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

func init() {
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsLogsCmd.Flags().Int64("tail-bytes", 0, "Show only the last N bytes (0 = whole log)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow log output until the job finishes")
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	tailBytes, _ := cmd.Flags().GetInt64("tail-bytes")
	if tailBytes < 0 {
		tailBytes = 0
	}
	follow, _ := cmd.Flags().GetBool("follow")

	store, _, err := openJobStore(cmd.Context())
	if err != nil {
		return err
	}

	resolvedID, err := resolveJobID(store, args[0])
	if err != nil {
		return err
	}

	if follow {
		registry := jobregistry.NewRegistry(store, nil)
		return followJobLog(cmd.Context(), registry, store.LogPath(resolvedID), resolvedID, tailBytes)
	}

	if tailBytes > 0 {
		tail, err := store.TailLog(resolvedID, tailBytes)
		if err != nil {
			return err
		}
		if tail == nil {
			_, _ = fmt.Fprintln(os.Stdout, "No log output yet")
			return nil
		}
		_, _ = fmt.Fprint(os.Stdout, tail.Content)
		return nil
	}

	f, err := os.Open(store.LogPath(resolvedID))
	if err != nil {
		if os.IsNotExist(err) {
			_, _ = fmt.Fprintln(os.Stdout, "No log output yet")
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = io.Copy(os.Stdout, f)
	return err
}

// followJobLog streams the solver log to stdout as it grows and stops
// once the job is terminal and the log is drained. Growth is detected
// by polling.
func followJobLog(ctx context.Context, registry *jobregistry.Registry, path, jobID string, tailBytes int64) error {
	var f *os.File
	var err error
	for {
		f, err = os.Open(path)
		if err == nil {
			break
		}
		if !os.IsNotExist(err) {
			return err
		}
		// Queued jobs have no log yet. A job that went terminal without
		// ever producing one never will.
		if finished(registry, jobID) {
			_, _ = fmt.Fprintln(os.Stdout, "No log output")
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(250 * time.Millisecond):
		}
	}
	defer func() { _ = f.Close() }()

	if tailBytes > 0 {
		if st, err := f.Stat(); err == nil && st.Size() > tailBytes {
			if _, err := f.Seek(st.Size()-tailBytes, io.SeekStart); err != nil {
				return err
			}
		}
	}

	for {
		if _, err := io.Copy(os.Stdout, f); err != nil {
			return err
		}
		if finished(registry, jobID) {
			// Drain anything that landed between the copy and the check.
			_, err := io.Copy(os.Stdout, f)
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// finished reports whether following should stop: the job is terminal,
// or its state is unresolvable. A running record whose process is gone
// resolves to unknown and will never grow the log again.
func finished(registry *jobregistry.Registry, jobID string) bool {
	rec, err := registry.Status(jobID)
	if err != nil {
		return false
	}
	return rec.State.Terminal() || rec.State == jobregistry.JobStateUnknown
}
