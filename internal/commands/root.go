package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the planrunner command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "planrunner",
		Short: "Trigger and follow business-plan phase jobs",
		Long: `planrunner drives the plan-generation backend one phase at a time:
it creates phase jobs, polls them until they settle and reconciles results
that arrive through the project snapshot instead of the status response.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", ".", "planrunner.yaml file or the directory containing it")

	root.AddCommand(
		NewInitCmd(),
		NewTriggerCmd(),
		NewStatusCmd(),
		NewStateCmd(),
		NewWatchCmd(),
		NewPhasesCmd(),
	)
	return root
}
