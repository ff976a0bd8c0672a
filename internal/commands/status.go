package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewStatusCmd creates the status command.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show one job's status as reported by the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, args[0])
		},
	}
}

func runStatus(cmd *cobra.Command, jobID string) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	job, err := e.client.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("fetching job %s: %w", jobID, err)
	}

	out := cmd.OutOrStdout()
	bold := color.New(color.Bold)
	_, _ = bold.Fprintf(out, "Job: %s\n", job.ID)
	if job.Phase > 0 {
		_, _ = fmt.Fprintf(out, "  Phase:    %d\n", job.Phase)
	}
	_, _ = fmt.Fprintf(out, "  Status:   %s\n", colorStatus(string(job.Status)))
	_, _ = fmt.Fprintf(out, "  Progress: %d%%\n", job.Progress)
	if job.ErrorMsg != "" {
		_, _ = fmt.Fprintf(out, "  Error:    %s\n", color.RedString(job.ErrorMsg))
	}
	if job.HasResult() {
		_, _ = fmt.Fprintln(out, "  Result:")
		printResult(out, job.Result)
	}
	return nil
}
