// Package commands implements the CLI subcommands for the planrunner binary.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dwsmith1983/planrunner/internal/backend"
	"github.com/dwsmith1983/planrunner/internal/config"
	"github.com/dwsmith1983/planrunner/internal/orchestrator"
	"github.com/dwsmith1983/planrunner/internal/schedule"
	"github.com/dwsmith1983/planrunner/internal/snapshot"
	"github.com/dwsmith1983/planrunner/internal/telemetry"
	"github.com/dwsmith1983/planrunner/internal/trigger"
	"github.com/dwsmith1983/planrunner/pkg/types"
)

const shutdownTimeout = 5 * time.Second

// env is everything a command needs to talk to the backend.
type env struct {
	cfg        *types.ProjectConfig
	logger     *slog.Logger
	client     *backend.Client
	dispatcher *trigger.Dispatcher
	policy     schedule.PollPolicy
	store      *snapshot.Store
	shutdown   telemetry.ShutdownFunc
}

func newEnv(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := telemetry.NewLogger(cfg.Logging, cmd.ErrOrStderr())
	shutdown, err := telemetry.Setup(cmd.Context(), cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("setting up telemetry: %w", err)
	}

	client, err := backend.NewFromConfig(cfg.Backend, logger)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, fmt.Errorf("creating backend client: %w", err)
	}
	policy, err := schedule.PolicyFromConfig(cfg.Polling)
	if err != nil {
		_ = shutdown(context.Background())
		return nil, err
	}

	var refresh time.Duration
	if cfg.Snapshot.RefreshInterval != "" {
		refresh, _ = time.ParseDuration(cfg.Snapshot.RefreshInterval) // validated by config
	}
	store := snapshot.New(client, snapshot.WithLogger(logger), snapshot.WithRefreshInterval(refresh))
	store.Start()

	return &env{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		dispatcher: trigger.NewDispatcher(client, trigger.WithLogger(logger), trigger.WithPhaseOverrides(cfg.Phases)),
		policy:     policy,
		store:      store,
		shutdown:   shutdown,
	}, nil
}

func (e *env) deps() orchestrator.Deps {
	return orchestrator.Deps{
		Dispatcher: e.dispatcher,
		Fetcher:    e.client,
		Store:      e.store,
		Logger:     e.logger,
	}
}

func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.store.Stop(ctx); err != nil {
		e.logger.Warn("stopping snapshot store", "error", err)
	}
	if err := e.shutdown(ctx); err != nil {
		e.logger.Warn("flushing telemetry", "error", err)
	}
}

// loadConfig accepts a directory holding planrunner.yaml or a file path.
func loadConfig(path string) (*types.ProjectConfig, error) {
	if path == "" {
		path = "."
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return config.Load(path)
	}
	return config.LoadFile(path)
}

// readBody loads a phase request body from a JSON or YAML file. "-" reads
// JSON from in.
func readBody(path string, in io.Reader) (types.PhaseInput, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(in)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	body := types.PhaseInput{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &body)
	default:
		err = json.Unmarshal(data, &body)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing body: %w", err)
	}
	return body, nil
}

// parseJobFlags parses PHASE=JOB pairs.
func parseJobFlags(values []string) (map[types.Phase]string, error) {
	out := make(map[types.Phase]string, len(values))
	for _, v := range values {
		phaseStr, jobID, ok := strings.Cut(v, "=")
		if !ok || jobID == "" {
			return nil, fmt.Errorf("invalid --job %q, want PHASE=JOB_ID", v)
		}
		phase, err := strconv.Atoi(phaseStr)
		if err != nil || phase <= 0 {
			return nil, fmt.Errorf("invalid phase in --job %q", v)
		}
		if _, dup := out[types.Phase(phase)]; dup {
			return nil, fmt.Errorf("phase %d given twice", phase)
		}
		out[types.Phase(phase)] = jobID
	}
	return out, nil
}

func colorStatus(status string) string {
	switch status {
	case string(types.StatusCompleted):
		return color.GreenString(status)
	case string(types.StatusFailed), string(types.StatusTimeout):
		return color.RedString(status)
	case string(types.StatusRunning), string(types.StatusQueued):
		return color.CyanString(status)
	default:
		return color.YellowString(status)
	}
}

func printState(w io.Writer, st types.State) {
	line := fmt.Sprintf("phase %d  %-9s %3d%%", st.Phase, colorStatus(string(st.Status)), st.Progress)
	if st.JobID != "" {
		line += "  job=" + st.JobID
	}
	if st.Error != "" {
		line += "  error=" + st.Error
	}
	_, _ = fmt.Fprintln(w, line)
}

func printResult(w io.Writer, raw json.RawMessage) {
	if !types.Present(raw) {
		return
	}
	var pretty interface{}
	if err := json.Unmarshal(raw, &pretty); err != nil {
		_, _ = fmt.Fprintf(w, "  %s\n", raw)
		return
	}
	out, _ := json.MarshalIndent(pretty, "  ", "  ")
	_, _ = fmt.Fprintf(w, "  %s\n", out)
}
