package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/planrunner/internal/orchestrator"
	"github.com/dwsmith1983/planrunner/internal/trigger"
	"github.com/dwsmith1983/planrunner/pkg/types"
)

// NewTriggerCmd creates the trigger command.
func NewTriggerCmd() *cobra.Command {
	var (
		projectID string
		phase     int
		bodyPath  string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Create a phase job and optionally wait for its result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(cmd, projectID, types.Phase(phase), bodyPath, wait)
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Project id")
	cmd.Flags().IntVar(&phase, "phase", 0, "Phase number")
	cmd.Flags().StringVar(&bodyPath, "body", "", "Request body file (.json or .yaml), - for stdin")
	cmd.Flags().BoolVar(&wait, "wait", false, "Follow the job until it settles")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func runTrigger(cmd *cobra.Command, projectID string, phase types.Phase, bodyPath string, wait bool) error {
	body, err := readBody(bodyPath, cmd.InOrStdin())
	if err != nil {
		return err
	}

	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	spec, ok := e.dispatcher.Lookup(phase)
	if !ok {
		return fmt.Errorf("phase %d is not configured (see planrunner phases)", phase)
	}

	m, err := orchestrator.NewManager(projectID, []types.Phase{phase}, e.policy, e.deps())
	if err != nil {
		return err
	}
	defer m.Close()
	o, err := m.Orchestrator(phase)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	_, _ = color.New(color.Bold).Fprintf(out, "%s: phase %d (%s)\n", m.ProjectID(), phase, spec.Name)
	if err := m.Trigger(ctx, phase, body); err != nil {
		printState(out, o.State())
		return fmt.Errorf("triggering phase %d: %w%s", phase, err, retryHint(err))
	}
	if !wait {
		printState(out, o.State())
		return nil
	}

	last, err := follow(ctx, out, o)
	if err != nil {
		return err
	}
	if last.Status != types.StatusCompleted {
		return fmt.Errorf("phase %d job %s %s: %s", last.Phase, last.JobID, last.Status, last.Error)
	}
	printResult(out, last.Result)
	return nil
}

// follow prints o's state and every change to it until it settles, and
// returns the settled state. It subscribes before the first read so a change
// landing in between is not lost.
func follow(ctx context.Context, w io.Writer, o *orchestrator.Orchestrator) (types.State, error) {
	changes, unsubscribe := o.Subscribe()
	defer unsubscribe()

	last := o.State()
	printState(w, last)
	for !last.IsTerminal() {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-changes:
		}
		st := o.State()
		if st.Status != last.Status || st.Progress != last.Progress {
			printState(w, st)
		}
		last = st
	}
	return last, nil
}

func retryHint(err error) string {
	var ce *trigger.CreationError
	if errors.As(err, &ce) && ce.Retryable() {
		return " (temporary failure, safe to retry)"
	}
	return ""
}
