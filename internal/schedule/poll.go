// Package schedule holds the pure scheduling decisions for job status polling.
package schedule

import (
	"fmt"
	"math"
	"time"

	"github.com/dwsmith1983/planrunner/pkg/types"
)

const (
	defaultInterval        = 3 * time.Second
	defaultErrorBackoff    = 2 * time.Second
	defaultMaxErrorBackoff = 30 * time.Second
	defaultMultiplier      = 2.0
	defaultMaxRejections   = 5
)

// PollPolicy configures how often an active job is polled and how transient
// fetch errors back off. MaxRejections is how many permanent fetch errors in
// a row fail the job.
type PollPolicy struct {
	Interval        time.Duration
	ErrorBackoff    time.Duration
	MaxErrorBackoff time.Duration
	Multiplier      float64
	MaxRejections   int
}

// DefaultPollPolicy returns the default polling configuration.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Interval:        defaultInterval,
		ErrorBackoff:    defaultErrorBackoff,
		MaxErrorBackoff: defaultMaxErrorBackoff,
		Multiplier:      defaultMultiplier,
		MaxRejections:   defaultMaxRejections,
	}
}

// PolicyFromConfig builds a PollPolicy from config strings, falling back to
// defaults for anything unset.
func PolicyFromConfig(cfg types.PollingConfig) (PollPolicy, error) {
	p := DefaultPollPolicy()
	var err error
	if p.Interval, err = parseOr(cfg.Interval, p.Interval); err != nil {
		return PollPolicy{}, fmt.Errorf("polling.interval: %w", err)
	}
	if p.ErrorBackoff, err = parseOr(cfg.ErrorBackoff, p.ErrorBackoff); err != nil {
		return PollPolicy{}, fmt.Errorf("polling.errorBackoff: %w", err)
	}
	if p.MaxErrorBackoff, err = parseOr(cfg.MaxErrorBackoff, p.MaxErrorBackoff); err != nil {
		return PollPolicy{}, fmt.Errorf("polling.maxErrorBackoff: %w", err)
	}
	if cfg.Multiplier > 0 {
		p.Multiplier = cfg.Multiplier
	}
	if cfg.MaxRejectedPolls < 0 {
		return PollPolicy{}, fmt.Errorf("polling.maxRejectedPolls must not be negative")
	}
	if cfg.MaxRejectedPolls > 0 {
		p.MaxRejections = cfg.MaxRejectedPolls
	}
	return p, nil
}

// NextPoll decides what happens after a status response: wait the returned
// delay and poll again, or stop when ok is false. Any terminal status stops;
// unknown statuses are treated as still in flight.
func NextPoll(policy PollPolicy, job types.Job) (delay time.Duration, ok bool) {
	if job.Status.IsTerminal() {
		return 0, false
	}
	return ActiveInterval(policy), true
}

// ActiveInterval is the delay between fetches while a job is in flight.
func ActiveInterval(policy PollPolicy) time.Duration {
	if policy.Interval <= 0 {
		return defaultInterval
	}
	return policy.Interval
}

// RejectionLimit is the number of consecutive permanent fetch errors after
// which a job is given up on.
func RejectionLimit(policy PollPolicy) int {
	if policy.MaxRejections <= 0 {
		return defaultMaxRejections
	}
	return policy.MaxRejections
}

// ErrorDelay returns the wait before retrying after consecutive transient
// fetch errors: base * multiplier^(n-1), capped at MaxErrorBackoff.
func ErrorDelay(policy PollPolicy, consecutive int) time.Duration {
	base := policy.ErrorBackoff
	if base <= 0 {
		base = defaultErrorBackoff
	}
	maxDelay := policy.MaxErrorBackoff
	if maxDelay <= 0 {
		maxDelay = defaultMaxErrorBackoff
	}
	if consecutive <= 1 {
		return min(base, maxDelay)
	}
	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = defaultMultiplier
	}
	backoff := float64(base) * math.Pow(multiplier, float64(consecutive-1))
	if backoff > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(backoff)
}

func parseOr(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}
