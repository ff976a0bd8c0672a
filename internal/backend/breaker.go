package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dwsmith1983/planrunner/pkg/types"
)

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailThreshold int           // consecutive transient failures before opening (default 5)
	Cooldown      time.Duration // how long to stay open before half-open (default 30s)
	FailWindow    time.Duration // closed-state period after which counts reset (default 60s)
}

// DefaultBreakerConfig returns the default config.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailThreshold: 5,
		Cooldown:      30 * time.Second,
		FailWindow:    60 * time.Second,
	}
}

// BreakerConfigFrom converts the YAML breaker section, applying defaults.
func BreakerConfigFrom(cfg types.CircuitBreakerConfig) (BreakerConfig, error) {
	out := DefaultBreakerConfig()
	if cfg.FailThreshold > 0 {
		out.FailThreshold = cfg.FailThreshold
	}
	if cfg.Cooldown != "" {
		d, err := time.ParseDuration(cfg.Cooldown)
		if err != nil || d <= 0 {
			return BreakerConfig{}, fmt.Errorf("backend.circuitBreaker.cooldown: invalid duration %q", cfg.Cooldown)
		}
		out.Cooldown = d
	}
	if cfg.FailWindow != "" {
		d, err := time.ParseDuration(cfg.FailWindow)
		if err != nil || d <= 0 {
			return BreakerConfig{}, fmt.Errorf("backend.circuitBreaker.failWindow: invalid duration %q", cfg.FailWindow)
		}
		out.FailWindow = d
	}
	return out, nil
}

func newBreaker(cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = def.FailThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.FailWindow <= 0 {
		cfg.FailWindow = def.FailWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	threshold := uint32(cfg.FailThreshold)

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "planrunner-backend",
		MaxRequests: 1,
		Interval:    cfg.FailWindow,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Permanent (4xx) errors and caller cancellation do not trip the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return Classify(err) == types.FailurePermanent
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("backend circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}
