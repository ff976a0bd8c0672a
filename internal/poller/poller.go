// Package poller drives repeated job status fetches on the polling policy's
// schedule until the job settles, the handler declines, or the task is stopped.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dwsmith1983/planrunner/internal/metrics"
	"github.com/dwsmith1983/planrunner/internal/schedule"
	"github.com/dwsmith1983/planrunner/pkg/types"
)

// StatusFetcher is the subset of the backend client used for polling.
type StatusFetcher interface {
	GetJob(ctx context.Context, jobID string) (types.Job, error)
}

// Handler receives each status response accepted by a live task. Returning
// false stops the task.
type Handler func(job types.Job) bool

// ErrorHandler receives fetch errors with the count of consecutive failures.
// Returning false stops the task; otherwise the next fetch is scheduled with
// the policy's error backoff.
type ErrorHandler func(err error, consecutive int) bool

// Poller starts polling tasks. It holds no per-job state and is safe for
// concurrent use.
type Poller struct {
	fetcher StatusFetcher
	policy  schedule.PollPolicy
	phase   types.Phase
	logger  *slog.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the poller's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPhase tags metrics and logs with the phase being polled.
func WithPhase(phase types.Phase) Option {
	return func(p *Poller) { p.phase = phase }
}

// New creates a Poller.
func New(fetcher StatusFetcher, policy schedule.PollPolicy, opts ...Option) *Poller {
	p := &Poller{
		fetcher: fetcher,
		policy:  policy,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Task is one running poll loop for a single job id.
type Task struct {
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}

	stopOnce sync.Once
}

// Start begins polling jobID. The first fetch is issued immediately. onErr may
// be nil, in which case every fetch error is retried.
func (p *Poller) Start(ctx context.Context, jobID string, onJob Handler, onErr ErrorHandler) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		jobID:  jobID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx, t, onJob, onErr)
	return t
}

// Stop cancels the timer and any in-flight fetch. It does not wait for the
// loop to exit; use Done for that. A response that arrives after Stop is
// discarded.
func (t *Task) Stop() {
	t.stopOnce.Do(t.cancel)
}

// Done is closed when the poll loop has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

func (p *Poller) run(ctx context.Context, t *Task, onJob Handler, onErr ErrorHandler) {
	defer close(t.done)
	defer t.Stop()

	log := p.logger.With("job", t.jobID, "phase", int(p.phase))
	timer := time.NewTimer(0)
	defer timer.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		job, err := p.fetcher.GetJob(ctx, t.jobID)
		if ctx.Err() != nil {
			// Stopped while the request was in flight; the response is stale.
			return
		}
		metrics.Inc(ctx, metrics.PollsTotal, int(p.phase))

		var delay time.Duration
		if err != nil {
			consecutive++
			metrics.Inc(ctx, metrics.PollErrors, int(p.phase))
			if onErr != nil && !onErr(err, consecutive) {
				return
			}
			delay = schedule.ErrorDelay(p.policy, consecutive)
			log.Warn("job status fetch failed", "error", err, "consecutive", consecutive, "retryIn", delay)
		} else {
			consecutive = 0
			if job.ID == "" {
				job.ID = t.jobID
			}
			if !onJob(job) {
				return
			}
			next, ok := schedule.NextPoll(p.policy, job)
			if !ok {
				log.Debug("job settled, polling stopped", "status", string(job.Status))
				return
			}
			delay = next
		}
		timer.Reset(delay)
	}
}
