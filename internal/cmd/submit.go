package cmd

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/goanvil/pkg/deck"
	"github.com/3leaps/goanvil/pkg/jobregistry"
)

var (
	submitDeckFile string
	submitTask     string
	submitName     string
	submitEncoding string
	submitBase64   bool
	submitWait     bool
	submitJSON     bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a deck file as a new solver job",
	Long: `Submit a deck file as a new solver job.

The deck is materialized under the data directory and the solver is
spawned detached; it keeps running after this command returns. With
--task the deck is treated as a multi-task template and the named task
is selected. With --wait the command blocks until the job reaches a
terminal state.

Examples:
  goanvil submit --deck run.cfg
  goanvil submit --deck suite.cfg --task thermal --name nightly-thermal
  goanvil submit --deck legacy.cfg --base64 --encoding latin-1
  goanvil submit --deck run.cfg --wait`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitDeckFile, "deck", "", "Path to the deck file (required)")
	submitCmd.Flags().StringVar(&submitTask, "task", "", "Task name to select from a multi-task deck")
	submitCmd.Flags().StringVar(&submitName, "name", "", "Display name for the job")
	submitCmd.Flags().StringVar(&submitEncoding, "encoding", "", "Byte encoding of the deck file (utf-8 or latin-1)")
	submitCmd.Flags().BoolVar(&submitBase64, "base64", false, "Submit the deck as base64 (needed for non-UTF-8 decks)")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "Wait for the job to reach a terminal state")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "Output as JSON")
	_ = submitCmd.MarkFlagRequired("deck")
}

func runSubmit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	if IsReadOnly() {
		return exitError(foundry.ExitInvalidArgument, "readonly mode enabled: refusing job submission",
			fmt.Errorf("disable --readonly or unset GOANVIL_READONLY"))
	}

	raw, err := os.ReadFile(submitDeckFile)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read deck file", err)
	}

	payload := deck.Payload{
		TaskName: submitTask,
		Encoding: submitEncoding,
		Name:     submitName,
	}
	switch {
	case submitBase64:
		payload.ConfigBase64 = base64.StdEncoding.EncodeToString(raw)
	case submitTask != "":
		payload.ConfigTemplateText = string(raw)
	default:
		payload.ConfigText = string(raw)
	}

	if err := deck.Validate(payload); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid submission", err)
	}
	deckText, err := payload.Materialize()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot materialize deck", err)
	}

	store, cfg, err := openJobStore(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	registry := jobregistry.NewRegistry(store, nil)
	launcher := jobregistry.NewLauncher(registry, jobregistry.LauncherConfig{
		SolverPath:        cfg.Jobs.SolverPath,
		ExtraArgs:         cfg.Jobs.SolverArgs,
		HeartbeatInterval: cfg.Jobs.HeartbeatInterval,
	}, nil)

	job, err := registry.Create(submitName, deckText)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot create job", err)
	}
	if err := launcher.Launch(job); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot launch job", err)
	}

	rec := job.Record()
	if submitWait && !rec.State.Terminal() {
		select {
		case <-job.Done():
			rec = job.Record()
		case <-ctx.Done():
			return exitError(foundry.ExitSignalInt, "Interrupted while waiting for job", ctx.Err())
		}
	}

	if submitJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			return err
		}
	} else {
		_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", rec.JobID)
		if rec.Name != "" {
			_, _ = fmt.Fprintf(os.Stdout, "name=%s\n", rec.Name)
		}
		_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", rec.State)
		if rec.ExitCode != nil {
			_, _ = fmt.Fprintf(os.Stdout, "exit_code=%d\n", *rec.ExitCode)
		}
		_, _ = fmt.Fprintf(os.Stdout, "dir=%s\n", store.JobDir(rec.JobID))
	}

	// A spawn failure leaves the job failed without Launch returning an
	// error; surface it in the exit status either way.
	if rec.State == jobregistry.JobStateFailed {
		detail := rec.Error
		if detail == "" && rec.ExitCode != nil {
			detail = fmt.Sprintf("solver exited with code %d", *rec.ExitCode)
		}
		if detail == "" {
			detail = "job failed"
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Job failed", errors.New(detail))
	}

	return nil
}
