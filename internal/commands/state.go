package commands

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dwsmith1983/planrunner/pkg/types"
)

// NewStateCmd creates the state command.
func NewStateCmd() *cobra.Command {
	var (
		projects []string
		full     bool
	)

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the stored phase results of one or more projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(cmd, projects, full)
		},
	}

	cmd.Flags().StringSliceVar(&projects, "project", nil, "Project id (repeatable)")
	cmd.Flags().BoolVar(&full, "full", false, "Print each phase result")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func runState(cmd *cobra.Command, projects []string, full bool) error {
	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	snaps := make([]types.Snapshot, len(projects))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range projects {
		g.Go(func() error {
			snap, err := e.store.Get(gctx, id)
			if err != nil {
				return fmt.Errorf("project %s: %w", id, err)
			}
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, snap := range snaps {
		printSnapshot(out, snap, full)
	}
	return nil
}

func printSnapshot(w io.Writer, snap types.Snapshot, full bool) {
	bold := color.New(color.Bold)
	_, _ = bold.Fprintf(w, "Project: %s\n", snap.State.ProjectID)

	if len(snap.State.PhaseResults) == 0 {
		_, _ = fmt.Fprintln(w, "  no phase results yet")
		_, _ = fmt.Fprintln(w)
		return
	}

	// Known phases are always listed, plus any other phase the backend reports.
	phases := types.AllPhases()
	for p := range snap.State.PhaseResults {
		if !slices.Contains(phases, p) {
			phases = append(phases, p)
		}
	}
	slices.Sort(phases)

	for _, p := range phases {
		raw := snap.State.Result(p)
		if raw == nil {
			_, _ = fmt.Fprintf(w, "  phase %d  %s\n", p, color.YellowString("pending"))
			continue
		}
		_, _ = fmt.Fprintf(w, "  phase %d  %s  %d bytes\n", p, color.GreenString("result"), len(raw))
		if full {
			printResult(w, raw)
		}
	}
	_, _ = fmt.Fprintln(w)
}
