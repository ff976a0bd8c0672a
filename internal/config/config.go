// Package config handles loading and validation of planrunner.yaml.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dwsmith1983/planrunner/internal/schedule"
	"github.com/dwsmith1983/planrunner/pkg/types"
)

// FileName is the config file Load looks for.
const FileName = "planrunner.yaml"

const (
	defaultTimeout     = "30s"
	defaultLogLevel    = "info"
	defaultLogFormat   = "text"
	defaultServiceName = "planrunner"
)

// Load reads and parses planrunner.yaml from the given directory.
func Load(dir string) (*types.ProjectConfig, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile reads and parses a config file at path.
func LoadFile(path string) (*types.ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes config bytes, applies defaults and validates the result.
func Parse(data []byte) (*types.ProjectConfig, error) {
	var cfg types.ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *types.ProjectConfig) {
	if cfg.Backend.Timeout == "" {
		cfg.Backend.Timeout = defaultTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogFormat
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = defaultServiceName
	}
}

func validate(cfg *types.ProjectConfig) error {
	if cfg.Backend.BaseURL == "" {
		return fmt.Errorf("backend.baseUrl is required")
	}
	u, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend.baseUrl must be an absolute http(s) URL")
	}
	if err := checkDuration("backend.timeout", cfg.Backend.Timeout); err != nil {
		return err
	}
	if cfg.Backend.RateLimit < 0 {
		return fmt.Errorf("backend.rateLimit must not be negative")
	}
	if cfg.Backend.RateBurst < 0 {
		return fmt.Errorf("backend.rateBurst must not be negative")
	}
	if cfg.Backend.Breaker.FailThreshold < 0 {
		return fmt.Errorf("backend.circuitBreaker.failThreshold must not be negative")
	}
	if err := checkDuration("backend.circuitBreaker.cooldown", cfg.Backend.Breaker.Cooldown); err != nil {
		return err
	}
	if err := checkDuration("backend.circuitBreaker.failWindow", cfg.Backend.Breaker.FailWindow); err != nil {
		return err
	}

	if _, err := schedule.PolicyFromConfig(cfg.Polling); err != nil {
		return err
	}
	if cfg.Polling.Multiplier < 0 {
		return fmt.Errorf("polling.multiplier must not be negative")
	}
	if err := checkDuration("snapshot.refreshInterval", cfg.Snapshot.RefreshInterval); err != nil {
		return err
	}

	seen := make(map[types.Phase]bool, len(cfg.Phases))
	for i, p := range cfg.Phases {
		if p.Phase <= 0 {
			return fmt.Errorf("phases[%d].phase must be positive", i)
		}
		if seen[p.Phase] {
			return fmt.Errorf("phases[%d]: phase %d configured twice", i, p.Phase)
		}
		seen[p.Phase] = true
		if p.Endpoint != "" && !strings.HasPrefix(p.Endpoint, "/") {
			return fmt.Errorf("phases[%d].endpoint must start with /", i)
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", cfg.Logging.Format)
	}
	return nil
}

func checkDuration(field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s: duration must be positive", field)
	}
	return nil
}
