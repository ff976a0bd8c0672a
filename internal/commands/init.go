package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dwsmith1983/planrunner/internal/config"
)

const starterConfig = `backend:
  baseUrl: %s
  token: ${PLANRUNNER_TOKEN}
  timeout: 30s
  rateLimit: 10
  rateBurst: 20
  circuitBreaker:
    failThreshold: 5
    cooldown: 30s
polling:
  interval: 3s
  errorBackoff: 2s
  maxErrorBackoff: 30s
  maxRejectedPolls: 5
snapshot:
  refreshInterval: 1m
logging:
  level: info
  format: text
`

// NewInitCmd creates the init command.
func NewInitCmd() *cobra.Command {
	var (
		baseURL string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a starter planrunner.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(cmd, dir, baseURL, force)
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "Backend base URL")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	return cmd
}

func runInit(cmd *cobra.Command, dir, baseURL string, force bool) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, config.FileName)
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	content := fmt.Sprintf(starterConfig, baseURL)
	if _, err := config.Parse([]byte(content)); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("wrote"), path)
	return nil
}
