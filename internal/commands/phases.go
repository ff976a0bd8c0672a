package commands

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewPhasesCmd creates the phases command.
func NewPhasesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "phases",
		Short: "List the phase table used for job creation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			out := cmd.OutOrStdout()
			bold := color.New(color.Bold)
			_, _ = bold.Fprintf(out, "%-6s %-20s %-18s %s\n", "PHASE", "NAME", "ENDPOINT", "REQUIRED")
			for _, s := range e.dispatcher.Phases() {
				required := strings.Join(s.Required, ",")
				if required == "" {
					required = "-"
				}
				_, _ = fmt.Fprintf(out, "%-6d %-20s %-18s %s\n", s.Phase, s.Name, s.Endpoint, required)
			}
			return nil
		},
	}
}
