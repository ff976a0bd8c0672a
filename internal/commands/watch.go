package commands

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dwsmith1983/planrunner/internal/orchestrator"
	"github.com/dwsmith1983/planrunner/pkg/types"
)

// NewWatchCmd creates the watch command.
func NewWatchCmd() *cobra.Command {
	var (
		projectID string
		jobs      []string
	)

	cmd := &cobra.Command{
		Use:     "watch",
		Short:   "Follow existing phase jobs of a project until they settle",
		Example: `  planrunner watch --project acme --job 1=01J8Z... --job 5=01J90...`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, projectID, jobs)
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Project id")
	cmd.Flags().StringArrayVar(&jobs, "job", nil, "PHASE=JOB_ID to follow (repeatable)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func runWatch(cmd *cobra.Command, projectID string, jobFlags []string) error {
	jobs, err := parseJobFlags(jobFlags)
	if err != nil {
		return err
	}
	phases := make([]types.Phase, 0, len(jobs))
	for p := range jobs {
		phases = append(phases, p)
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i] < phases[j] })

	e, err := newEnv(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	m, err := orchestrator.NewManager(projectID, phases, e.policy, e.deps())
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := &lockedWriter{w: cmd.OutOrStdout()}

	g, gctx := errgroup.WithContext(ctx)
	for _, phase := range phases {
		o, err := m.Orchestrator(phase)
		if err != nil {
			return err
		}
		if err := o.Track(jobs[phase]); err != nil {
			return err
		}
		g.Go(func() error {
			_, err := follow(gctx, out, o)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var failed []string
	_, _ = color.New(color.Bold).Fprintf(out, "%s:\n", m.ProjectID())
	for _, st := range m.States() {
		printState(out, st)
		if st.Status != types.StatusCompleted {
			failed = append(failed, fmt.Sprintf("phase %d %s", st.Phase, st.Status))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("jobs did not complete: %v", failed)
	}
	return nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
